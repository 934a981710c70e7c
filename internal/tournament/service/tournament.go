package service

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"codearena/internal/tournament/agent"
	"codearena/internal/tournament/arena"
	"codearena/internal/tournament/codesession"
	"codearena/internal/tournament/ledger"
	"codearena/internal/tournament/model"
	"codearena/internal/tournament/sandbox/spec"
	appErr "codearena/pkg/errors"
	"codearena/pkg/utils/contextkey"
	"codearena/pkg/utils/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	checkpointDir  = "checkpoints"
	releaseTimeout = 2 * time.Minute
	commitAttempts = 2
)

// StatusStore keeps the live status snapshot of a run.
type StatusStore interface {
	Save(ctx context.Context, status model.Status) error
}

// EventPublisher publishes round transitions.
type EventPublisher interface {
	PublishRoundEvent(ctx context.Context, event model.RoundEvent) error
}

// PlayerSetup binds a player to its agent and starting codebase.
type PlayerSetup struct {
	Player model.Player
	Agent  agent.Agent
	Seed   codesession.Tree
}

// Config holds tournament settings.
type Config struct {
	TournamentID    string
	OutputDir       string
	Rounds          int
	FailurePolicy   model.FailurePolicy
	Transparent     bool
	EditTimeout     time.Duration
	ValidateTimeout time.Duration
	Parallelism     int
	SimsPerRound    int
	SandboxSpec     spec.Spec
	Ignore          []string
	LogLevel        string
	SinkTimeout     time.Duration
	// Snapshot is recorded verbatim in the manifest.
	Snapshot interface{}
}

// Deps are the collaborators of a tournament. Status, Events, Mirror and
// Metrics are optional.
type Deps struct {
	Sandboxes Sandboxes
	Arena     arena.Arena
	Status    StatusStore
	Events    EventPublisher
	Mirror    *ledger.Mirror
	Metrics   Metrics
}

// Result is the outcome of a completed or aborted run.
type Result struct {
	TournamentID string
	Dir          string
	Status       model.TournamentStatus
	Scores       map[string]float64
	Rounds       []model.Round
	Abort        *model.Abort
}

// Tournament runs rounds sequentially and keeps the cumulative score table.
type Tournament struct {
	cfg     Config
	deps    Deps
	players []PlayerSetup
}

// NewTournament validates the setup and creates a tournament.
func NewTournament(cfg Config, deps Deps, players []PlayerSetup) (*Tournament, error) {
	if deps.Sandboxes == nil {
		return nil, fmt.Errorf("sandbox manager is required")
	}
	if deps.Arena == nil {
		return nil, fmt.Errorf("arena is required")
	}
	if cfg.OutputDir == "" {
		return nil, appErr.ConfigError("tournament.outputDir", "required")
	}
	if cfg.Rounds <= 0 {
		return nil, appErr.ConfigError("tournament.rounds", "must be positive")
	}
	if len(players) < 2 {
		return nil, appErr.ConfigError("players", "at least two players are required")
	}
	seen := make(map[string]bool, len(players))
	for _, p := range players {
		if p.Player.Name == "" || seen[p.Player.Name] {
			return nil, appErr.ConfigError("players", fmt.Sprintf("player names must be unique and non-empty: %q", p.Player.Name))
		}
		if p.Agent == nil {
			return nil, appErr.ConfigError("players", "agent missing for "+p.Player.Name)
		}
		seen[p.Player.Name] = true
	}
	if cfg.FailurePolicy == "" {
		cfg.FailurePolicy = model.FailureAbort
	}
	if !cfg.FailurePolicy.Valid() {
		return nil, appErr.ConfigError("tournament.failurePolicy", string(cfg.FailurePolicy))
	}
	if cfg.Ignore == nil {
		cfg.Ignore = codesession.DefaultIgnore
	}
	if deps.Metrics == nil {
		deps.Metrics = nopMetrics{}
	}
	return &Tournament{cfg: cfg, deps: deps, players: players}, nil
}

// run is the state of one Run call.
type run struct {
	t      *Tournament
	id     string
	ledger *ledger.Ledger
	lanes  []*Lane
	scores map[string]float64
	rounds []model.Round
	round  int
	phase  model.RoundStatus
}

// Run plays every round. It returns a TournamentAborted error when the run
// stops early; the run directory is valid in either case. Every sandbox
// acquired by the run is released before Run returns.
func (t *Tournament) Run(ctx context.Context) (Result, error) {
	id := t.cfg.TournamentID
	if id == "" {
		id = uuid.NewString()
	}
	players := make([]model.Player, len(t.players))
	for i, p := range t.players {
		players[i] = p.Player
		if players[i].ID == "" {
			players[i].ID = uuid.NewString()
		}
	}

	scores := make(map[string]float64, len(players))
	for _, p := range players {
		scores[p.Name] = 0
	}
	var opts []ledger.Option
	if t.deps.Mirror != nil {
		opts = append(opts, ledger.WithMirror(t.deps.Mirror))
	}
	led, err := ledger.Open(ctx, t.cfg.OutputDir, model.Manifest{
		TournamentID:  id,
		Players:       players,
		Config:        t.cfg.Snapshot,
		Status:        model.TournamentRunning,
		Scores:        scores,
		RoundsPlanned: t.cfg.Rounds,
		StartedAt:     time.Now(),
		UpdatedAt:     time.Now(),
	}, opts...)
	if err != nil {
		return Result{TournamentID: id}, err
	}

	runLog, err := logger.FromContext(ctx).Tee(led.LogPath(), t.cfg.LogLevel)
	if err != nil {
		return Result{TournamentID: id, Dir: led.Dir()}, appErr.Wrapf(err, appErr.LedgerWriteFailed, "open run log")
	}
	defer func() { _ = runLog.Sync() }()
	ctx = logger.IntoContext(ctx, runLog)
	ctx = logger.ContextWith(ctx, contextkey.TournamentID, id)

	r := &run{t: t, id: id, ledger: led, scores: make(map[string]float64, len(scores))}
	for k, v := range scores {
		r.scores[k] = v
	}
	logger.Info(ctx, "tournament started",
		zap.Int("rounds", t.cfg.Rounds),
		zap.Int("players", len(players)),
		zap.String("dir", led.Dir()),
		zap.Bool("transparent", t.cfg.Transparent),
	)
	defer r.releaseAll(ctx)

	if err := r.setup(ctx, players); err != nil {
		return r.abort(ctx, 0, err)
	}

	coordinator := NewRoundCoordinator(CoordinatorConfig{
		EditTimeout:     t.cfg.EditTimeout,
		ValidateTimeout: t.cfg.ValidateTimeout,
		Parallelism:     t.cfg.Parallelism,
		SimsPerRound:    t.cfg.SimsPerRound,
	}, t.deps.Arena, t.deps.Sandboxes, t.deps.Metrics, r.onTransition)

	lastResult := ""
	for k := 1; k <= t.cfg.Rounds; k++ {
		if err := ctx.Err(); err != nil {
			return r.abort(ctx, k, appErr.Wrapf(err, appErr.TournamentAborted, "interrupted before round %d", k))
		}
		r.round = k
		if err := r.ensureSandboxes(ctx); err != nil {
			return r.abort(ctx, k, err)
		}

		rep, roundErr := coordinator.Run(ctx, RoundInput{
			Index:         k,
			Rounds:        t.cfg.Rounds,
			Lanes:         r.lanes,
			OpponentDiffs: r.opponentDiffs(),
			LastResult:    lastResult,
		})
		if err := r.commit(ctx, rep); err != nil {
			return r.abort(ctx, k, err)
		}
		r.rounds = append(r.rounds, rep.Round)
		if roundErr != nil {
			if ctx.Err() != nil || t.cfg.FailurePolicy == model.FailureAbort {
				return r.abort(ctx, k, roundErr)
			}
			logger.Warn(ctx, "round failed, skipping", zap.Int("round", k), zap.Error(roundErr))
			lastResult = Summary(rep.Round)
			continue
		}
		lastResult = Summary(rep.Round)
	}
	return r.finish(ctx)
}

// setup acquires one sandbox per player and records the seed checkpoints.
func (r *run) setup(ctx context.Context, players []model.Player) error {
	store, err := codesession.NewFileStore(filepath.Join(r.ledger.Dir(), checkpointDir))
	if err != nil {
		return err
	}
	for i, p := range players {
		lane := &Lane{
			Player:  p,
			Agent:   r.t.players[i].Agent,
			Session: codesession.New(p.Name, store, codesession.WithIgnore(r.t.cfg.Ignore)),
		}
		r.lanes = append(r.lanes, lane)
		if _, err := lane.Session.Init(ctx, r.t.players[i].Seed); err != nil {
			return err
		}
		h, err := r.t.deps.Sandboxes.Acquire(ctx, p.Name, r.t.cfg.SandboxSpec)
		if err != nil {
			return err
		}
		lane.Handle = h
	}
	return nil
}

// ensureSandboxes replaces sandboxes that died between rounds. The code
// session is unaffected; the next edit step materializes its working tree.
func (r *run) ensureSandboxes(ctx context.Context) error {
	sb := r.t.deps.Sandboxes
	for _, lane := range r.lanes {
		if sb.Alive(ctx, lane.Handle) {
			continue
		}
		logger.Warn(ctx, "player sandbox lost, recreating", zap.String("player", lane.Player.Name), zap.String("sandbox", lane.Handle.Name))
		sb.Release(context.WithoutCancel(ctx), lane.Handle)
		h, err := sb.Acquire(ctx, lane.Player.Name, r.t.cfg.SandboxSpec)
		if err != nil {
			return err
		}
		lane.Handle = h
	}
	return nil
}

// opponentDiffs exposes each opponent's latest full diff in transparent mode.
func (r *run) opponentDiffs() map[string]map[string]string {
	if !r.t.cfg.Transparent {
		return nil
	}
	out := make(map[string]map[string]string, len(r.lanes))
	for _, self := range r.lanes {
		diffs := make(map[string]string, len(r.lanes)-1)
		for _, other := range r.lanes {
			if other != self {
				diffs[other.Player.Name] = other.Session.Head().FullDiff
			}
		}
		out[self.Player.Name] = diffs
	}
	return out
}

// commit seals the round in the ledger and folds a scored result into the
// cumulative table.
func (r *run) commit(ctx context.Context, rep RoundReport) error {
	var err error
	for attempt := 1; attempt <= commitAttempts; attempt++ {
		if err = r.ledger.CommitRound(ctx, rep.Record()); err == nil || appErr.Is(err, appErr.LedgerRoundSealed) {
			break
		}
		logger.Warn(ctx, "commit round failed", zap.Int("round", rep.Round.Index), zap.Int("attempt", attempt), zap.Error(err))
	}
	if err != nil {
		return err
	}

	summary := model.RoundSummary{
		Round:       rep.Round.Index,
		Status:      rep.Round.Status,
		Checkpoints: make(map[string]string, len(rep.Checkpoints)),
		Failure:     rep.Round.Failure,
	}
	for p, cp := range rep.Checkpoints {
		summary.Checkpoints[p] = cp.Hash
	}
	if rep.Round.Status == model.RoundScored && rep.Round.Result != nil {
		summary.Winner = rep.Round.Result.Winner
		summary.Scores = rep.Round.Result.Scores
		for _, lane := range r.lanes {
			r.scores[lane.Player.Name] += rep.Round.Result.Contribution(lane.Player.Name)
		}
	}
	scores := r.copyScores()
	r.t.deps.Metrics.SetScores(r.id, scores)
	return r.ledger.UpdateManifest(ctx, func(m *model.Manifest) {
		m.Rounds = append(m.Rounds, summary)
		m.Scores = scores
		if rep.Round.Status == model.RoundScored {
			m.RoundsCompleted++
		}
	})
}

func (r *run) abort(ctx context.Context, round int, cause error) (Result, error) {
	abort := &model.Abort{Round: round, Reason: cause.Error(), Code: int(appErr.GetCode(cause))}
	now := time.Now()
	if err := r.ledger.UpdateManifest(context.WithoutCancel(ctx), func(m *model.Manifest) {
		m.Status = model.TournamentAborted
		m.Abort = abort
		m.EndedAt = &now
	}); err != nil {
		logger.Error(ctx, "write abort to manifest failed", zap.Error(err))
	}
	r.phase = model.RoundFailed
	r.saveStatus(ctx, model.TournamentAborted)
	logger.Error(ctx, "tournament aborted", zap.Int("round", round), zap.Error(cause))
	res := r.result(model.TournamentAborted)
	res.Abort = abort
	return res, appErr.Wrapf(cause, appErr.TournamentAborted, "tournament aborted in round %d", round)
}

func (r *run) finish(ctx context.Context) (Result, error) {
	now := time.Now()
	if err := r.ledger.UpdateManifest(ctx, func(m *model.Manifest) {
		m.Status = model.TournamentCompleted
		m.EndedAt = &now
	}); err != nil {
		return r.abort(ctx, r.round, err)
	}
	r.saveStatus(ctx, model.TournamentCompleted)
	logger.Info(ctx, "tournament completed", zap.Any("scores", r.scores))
	return r.result(model.TournamentCompleted), nil
}

func (r *run) result(status model.TournamentStatus) Result {
	return Result{
		TournamentID: r.id,
		Dir:          r.ledger.Dir(),
		Status:       status,
		Scores:       r.copyScores(),
		Rounds:       append([]model.Round(nil), r.rounds...),
	}
}

func (r *run) releaseAll(ctx context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()
	for _, lane := range r.lanes {
		if lane.Handle != nil {
			r.t.deps.Sandboxes.Release(ctx, lane.Handle)
		}
	}
	stats := r.t.deps.Sandboxes.Stats()
	logger.Info(ctx, "sandboxes released", zap.Int64("acquired", stats.Acquired), zap.Int64("released", stats.Released))
}

// onTransition publishes round transitions to the optional sinks. Sink
// failures are logged and never fail the round.
func (r *run) onTransition(ctx context.Context, ev model.RoundEvent) {
	ev.TournamentID = r.id
	r.phase = ev.To
	sinkCtx, cancel := r.sinkContext(ctx)
	defer cancel()
	if r.t.deps.Events != nil {
		if err := r.t.deps.Events.PublishRoundEvent(sinkCtx, ev); err != nil {
			logger.Warn(ctx, "publish round event failed", zap.Error(err))
		}
	}
	r.saveStatus(ctx, model.TournamentRunning)
}

func (r *run) saveStatus(ctx context.Context, state model.TournamentStatus) {
	if r.t.deps.Status == nil {
		return
	}
	sinkCtx, cancel := r.sinkContext(ctx)
	defer cancel()
	status := model.Status{
		TournamentID: r.id,
		State:        state,
		Round:        r.round,
		Rounds:       r.t.cfg.Rounds,
		Phase:        r.phase,
		Scores:       r.copyScores(),
		UpdatedAt:    time.Now(),
	}
	if err := r.t.deps.Status.Save(sinkCtx, status); err != nil {
		logger.Warn(ctx, "save live status failed", zap.Error(err))
	}
}

func (r *run) sinkContext(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx = context.WithoutCancel(ctx)
	if r.t.cfg.SinkTimeout > 0 {
		return context.WithTimeout(ctx, r.t.cfg.SinkTimeout)
	}
	return context.WithCancel(ctx)
}

func (r *run) copyScores() map[string]float64 {
	out := make(map[string]float64, len(r.scores))
	for k, v := range r.scores {
		out[k] = v
	}
	return out
}

// Summary renders the round summary handed to agents in the next round.
func Summary(round model.Round) string {
	var b strings.Builder
	if round.Status != model.RoundScored || round.Result == nil {
		fmt.Fprintf(&b, "Round %d failed: %s\n", round.Index, round.Failure)
		return b.String()
	}
	res := round.Result
	switch {
	case res.Voided:
		fmt.Fprintf(&b, "In round %d, no submission was valid and nobody scored.\n", round.Index)
	default:
		fmt.Fprintf(&b, "In round %d, the winner is %s.\n", round.Index, res.Winner)
	}
	b.WriteString("\nSummary of player performance:\n")
	for _, o := range round.Outcomes {
		if o.Status == model.OutcomeValid {
			fmt.Fprintf(&b, "- %s: submission compiled successfully, score=%g\n", o.Player, res.Contribution(o.Player))
		} else {
			fmt.Fprintf(&b, "- %s: submission failed with error: %s\n", o.Player, o.Reason)
		}
	}
	if res.Ties > 0 {
		fmt.Fprintf(&b, "Ties: %d of %d simulations\n", res.Ties, res.Simulations)
	}
	return b.String()
}
