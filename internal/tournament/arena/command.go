package arena

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"strconv"
	"strings"

	"codearena/internal/tournament/model"
	"codearena/internal/tournament/sandbox"
	"codearena/internal/tournament/sandbox/spec"
	appErr "codearena/pkg/errors"
	"codearena/pkg/utils/contextkey"
	"codearena/pkg/utils/logger"

	"github.com/google/shlex"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// CommandName is the registry name of the command-driven arena.
const CommandName = "command"

const maxReasonBytes = 2048

func init() {
	Register(CommandName, NewCommand)
}

// Command runs games by executing configured shell commands. Every round the
// submissions are copied to /<workdir>/<player>/ of one game sandbox and the
// simulation command is run SimsPerRound times. The last stdout line of a
// simulation must be {"winner": "<player>", "draw": false}.
type Command struct {
	cfg      Config
	sb       Sandboxes
	observer SimObserver
	validate []string
	simulate []string
}

// NewCommand builds a command arena.
func NewCommand(cfg Config, deps Deps) (Arena, error) {
	if deps.Sandboxes == nil {
		return nil, appErr.New(appErr.InvalidParams).WithMessage("arena requires a sandbox manager")
	}
	if cfg.SimCommand == "" {
		return nil, appErr.ConfigError("arena.simCommand", "required")
	}
	simulate, err := shlex.Split(cfg.SimCommand)
	if err != nil {
		return nil, appErr.ConfigError("arena.simCommand", err.Error())
	}
	var validate []string
	if cfg.ValidateCommand != "" {
		if validate, err = shlex.Split(cfg.ValidateCommand); err != nil {
			return nil, appErr.ConfigError("arena.validateCommand", err.Error())
		}
	}
	return &Command{cfg: cfg, sb: deps.Sandboxes, observer: deps.Observer, validate: validate, simulate: simulate}, nil
}

func (c *Command) Name() string { return CommandName }

// Validate checks that the submission file exists and, if configured, runs
// the validate command in the player's own sandbox.
func (c *Command) Validate(ctx context.Context, player string, sub Submission) (bool, string, error) {
	if c.cfg.Submission != "" {
		if _, ok := sub.Tree[c.cfg.Submission]; !ok {
			return false, fmt.Sprintf("submission file %s not found", c.cfg.Submission), nil
		}
	}
	if len(c.validate) == 0 {
		return true, "", nil
	}
	if sub.Sandbox == nil {
		return false, "", appErr.New(appErr.SandboxNotFound).WithMessagef("no sandbox for %s", player)
	}
	cmd := expand(c.validate, map[string][]string{
		"player":     {player},
		"submission": {c.cfg.Submission},
	})
	res, err := c.sb.Exec(ctx, sub.Sandbox, spec.ExecRequest{
		Cmd:     cmd,
		Env:     map[string]string{"ARENA_PLAYER": player, "ARENA_SUBMISSION": c.cfg.Submission},
		Timeout: c.cfg.ValidateTimeout,
	})
	if err != nil {
		if appErr.Is(err, appErr.Timeout) && ctx.Err() != nil {
			return false, "", ctx.Err()
		}
		return false, "", err
	}
	if res.TimedOut {
		return false, fmt.Sprintf("validation timed out after %s", c.cfg.ValidateTimeout), nil
	}
	if res.ExitCode != 0 {
		return false, truncate(fmt.Sprintf("validation exited with %d: %s", res.ExitCode, strings.TrimSpace(res.Combined())), maxReasonBytes), nil
	}
	return true, "", nil
}

// ExecuteRound copies the submissions into a fresh game sandbox and runs the
// simulations on a bounded pool.
func (c *Command) ExecuteRound(ctx context.Context, round int, subs []Submission) (RawOutput, error) {
	players := make([]string, len(subs))
	for i, s := range subs {
		players[i] = s.Player
	}
	out := RawOutput{Round: round, Players: players, Sims: make([]SimRecord, c.cfg.SimsPerRound)}

	ctx = logger.ContextWith(ctx, contextkey.Phase, string(model.RoundCompeting))
	h, err := c.sb.Acquire(ctx, "game-r"+strconv.Itoa(round), c.cfg.Sandbox)
	if err != nil {
		return out, err
	}
	defer c.sb.Release(ctx, h)

	for _, s := range subs {
		if err := c.sb.CopyIn(ctx, h, s.Player, s.Tree.Files()); err != nil {
			return out, err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.Parallelism)
	for i := 0; i < c.cfg.SimsPerRound; i++ {
		g.Go(func() error {
			rec, err := c.runSim(gctx, h, round, i, c.order(players, round, i))
			out.Sims[i] = rec
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return out, err
	}
	logger.Info(ctx, "simulations finished",
		zap.Int("round", round),
		zap.Int("sims", len(out.Sims)),
		zap.Strings("players", players),
	)
	return out, nil
}

func (c *Command) order(players []string, round, sim int) []string {
	order := append([]string(nil), players...)
	if c.cfg.ShufflePlayers {
		r := rand.New(rand.NewPCG(c.cfg.Seed+uint64(round), uint64(sim)))
		r.Shuffle(len(order), func(a, b int) { order[a], order[b] = order[b], order[a] })
	}
	return order
}

func (c *Command) runSim(ctx context.Context, h *sandbox.Handle, round, sim int, order []string) (SimRecord, error) {
	rec := SimRecord{Index: sim, Order: order}
	cmd := expand(c.simulate, map[string][]string{
		"players": order,
		"sim":     {strconv.Itoa(sim)},
		"round":   {strconv.Itoa(round)},
	})
	req := spec.ExecRequest{
		Cmd: cmd,
		Env: map[string]string{
			"ARENA_ROUND":   strconv.Itoa(round),
			"ARENA_SIM":     strconv.Itoa(sim),
			"ARENA_PLAYERS": strings.Join(order, ","),
		},
		Timeout: c.cfg.SimTimeout,
	}

	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxSimRetries+1; attempt++ {
		rec.Attempts = attempt
		res, err := c.sb.Exec(ctx, h, req)
		if err != nil {
			if ctx.Err() != nil {
				return rec, ctx.Err()
			}
			lastErr = err
			c.observe(false)
			logger.Warn(ctx, "simulation attempt failed", zap.Int("sim", sim), zap.Int("attempt", attempt), zap.Error(err))
			continue
		}
		rec.ExitCode = res.ExitCode
		rec.TimedOut = res.TimedOut
		rec.Log = res.Combined()
		if transientExit(res) {
			lastErr = fmt.Errorf("simulation exited with %d", res.ExitCode)
			c.observe(false)
			logger.Warn(ctx, "simulation attempt failed", zap.Int("sim", sim), zap.Int("attempt", attempt), zap.Int("exit_code", res.ExitCode))
			continue
		}
		c.observe(true)
		switch {
		case res.TimedOut:
			rec.Error = fmt.Sprintf("timed out after %s", c.cfg.SimTimeout)
		case res.ExitCode != 0:
			rec.Error = fmt.Sprintf("exited with %d", res.ExitCode)
		default:
			winner, draw, err := parseVerdict(res.Stdout)
			if err != nil {
				rec.Error = err.Error()
			} else {
				rec.Winner, rec.Draw = winner, draw
			}
		}
		return rec, nil
	}
	return rec, appErr.Wrapf(lastErr, appErr.ArenaTransientExhausted,
		"simulation %d of round %d failed after %d attempts", sim, round, rec.Attempts)
}

func (c *Command) observe(ok bool) {
	if c.observer != nil {
		c.observer.ObserveSimulation(CommandName, ok)
	}
}

// Score implements Arena.
func (c *Command) Score(raw RawOutput) (model.ArenaResult, error) {
	return Tally(raw)
}

// transientExit reports exit codes that mean the command never ran:
// 125 engine failure, 126 not executable, 127 not found.
func transientExit(res spec.ExecResult) bool {
	return !res.TimedOut && res.ExitCode >= 125 && res.ExitCode <= 127
}

type verdict struct {
	Winner string `json:"winner"`
	Draw   bool   `json:"draw"`
}

func parseVerdict(stdout string) (string, bool, error) {
	lines := strings.Split(strings.TrimRight(stdout, "\n\r\t "), "\n")
	last := strings.TrimSpace(lines[len(lines)-1])
	if last == "" {
		return "", false, errors.New("simulation printed no result")
	}
	var v verdict
	if err := json.Unmarshal([]byte(last), &v); err != nil {
		return "", false, fmt.Errorf("unparsable simulation result %q", truncate(last, 200))
	}
	if v.Winner == "" {
		v.Draw = true
	}
	return v.Winner, v.Draw, nil
}

// expand substitutes {name} placeholders. An argument consisting of exactly
// one placeholder expands to all of its values; inside a longer argument the
// values are joined with spaces.
func expand(argv []string, vars map[string][]string) []string {
	out := make([]string, 0, len(argv))
	for _, arg := range argv {
		if strings.HasPrefix(arg, "{") && strings.HasSuffix(arg, "}") {
			if vals, ok := vars[arg[1:len(arg)-1]]; ok {
				out = append(out, vals...)
				continue
			}
		}
		for k, vals := range vars {
			arg = strings.ReplaceAll(arg, "{"+k+"}", strings.Join(vals, " "))
		}
		out = append(out, arg)
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
