package agent

import (
	"context"
	"strconv"
	"strings"
	"time"

	"codearena/internal/tournament/sandbox/spec"
	appErr "codearena/pkg/errors"
	"codearena/pkg/utils/logger"

	"github.com/google/shlex"
	"go.uber.org/zap"
)

// CommandKind runs a configured command inside the player's sandbox.
const CommandKind = "command"

const defaultEditTimeout = 30 * time.Minute

func init() {
	Register(CommandKind, NewCommand)
}

// Command runs one process per edit step. The template variables {round},
// {rounds}, {player} and {workdir} are substituted in every argument.
// Opponent diffs and the previous round summary are found below $ARENA_LOG_DIR
// (see Prepare).
type Command struct {
	argv    []string
	timeout time.Duration
	env     map[string]string
	exec    Executor
}

// NewCommand builds a command agent.
func NewCommand(cfg Config, deps Deps) (Agent, error) {
	if deps.Sandboxes == nil {
		return nil, appErr.New(appErr.InvalidParams).WithMessage("command agent requires a sandbox manager")
	}
	if strings.TrimSpace(cfg.Command) == "" {
		return nil, appErr.ConfigError("agent.command", "required")
	}
	argv, err := shlex.Split(cfg.Command)
	if err != nil {
		return nil, appErr.ConfigError("agent.command", err.Error())
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultEditTimeout
	}
	return &Command{argv: argv, timeout: timeout, env: cfg.Env, exec: deps.Sandboxes}, nil
}

func (c *Command) Name() string { return CommandKind }

// Edit runs the command. A non-zero exit fails with AgentEditFailed and a
// timeout with AgentTimeout; both carry the captured output in Outcome.Log.
func (c *Command) Edit(ctx context.Context, ec EditContext) (Outcome, error) {
	if ec.Sandbox == nil {
		return Outcome{}, appErr.New(appErr.SandboxNotFound).WithMessagef("no sandbox for %s", ec.Player)
	}
	r := strings.NewReplacer(
		"{round}", strconv.Itoa(ec.Round),
		"{rounds}", strconv.Itoa(ec.Rounds),
		"{player}", ec.Player,
		"{workdir}", ec.WorkDir,
	)
	argv := make([]string, len(c.argv))
	for i, a := range c.argv {
		argv[i] = r.Replace(a)
	}

	env := make(map[string]string, len(c.env)+5)
	for k, v := range c.env {
		env[k] = v
	}
	env["ARENA_ROUND"] = strconv.Itoa(ec.Round)
	env["ARENA_ROUNDS"] = strconv.Itoa(ec.Rounds)
	env["ARENA_PLAYER"] = ec.Player

	res, err := c.exec.Exec(ctx, ec.Sandbox, spec.ExecRequest{Cmd: argv, Env: env, Timeout: c.timeout})
	if err != nil {
		return Outcome{}, err
	}
	out := Outcome{Log: res.Combined(), Duration: res.Duration}
	switch {
	case res.TimedOut:
		logger.Warn(ctx, "agent edit timed out", zap.Duration("timeout", c.timeout))
		return out, appErr.Newf(appErr.AgentTimeout, "agent timed out after %s", c.timeout)
	case res.ExitCode != 0:
		return out, appErr.Newf(appErr.AgentEditFailed, "agent exited with %d", res.ExitCode)
	}
	return out, nil
}
