package service

import (
	"context"
	"fmt"
	"time"

	"codearena/internal/tournament/agent"
	"codearena/internal/tournament/arena"
	"codearena/internal/tournament/codesession"
	"codearena/internal/tournament/ledger"
	"codearena/internal/tournament/model"
	"codearena/internal/tournament/sandbox"
	"codearena/internal/tournament/sandbox/spec"
	"codearena/internal/tournament/sandbox/tarball"
	appErr "codearena/pkg/errors"
	"codearena/pkg/utils/contextkey"
	"codearena/pkg/utils/logger"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Sandboxes is the sandbox manager surface used by the service.
type Sandboxes interface {
	Acquire(ctx context.Context, owner string, s spec.Spec) (*sandbox.Handle, error)
	Exec(ctx context.Context, h *sandbox.Handle, req spec.ExecRequest) (spec.ExecResult, error)
	CopyIn(ctx context.Context, h *sandbox.Handle, dst string, files []tarball.File) error
	CopyOutFiles(ctx context.Context, h *sandbox.Handle, paths ...string) ([]tarball.File, error)
	Alive(ctx context.Context, h *sandbox.Handle) bool
	Release(ctx context.Context, h *sandbox.Handle)
	Stats() sandbox.Stats
}

// Metrics records round level observations.
type Metrics interface {
	ObserveEdit(agent string, ok bool, elapsed time.Duration)
	ObserveValidation(outcome model.OutcomeStatus)
	ObserveRound(round model.Round)
	SetScores(tournamentID string, scores map[string]float64)
}

type nopMetrics struct{}

func (nopMetrics) ObserveEdit(string, bool, time.Duration) {}
func (nopMetrics) ObserveValidation(model.OutcomeStatus) {}
func (nopMetrics) ObserveRound(model.Round) {}
func (nopMetrics) SetScores(string, map[string]float64) {}

// TransitionFunc is called after every round state change.
type TransitionFunc func(ctx context.Context, ev model.RoundEvent)

// Lane is the per-player state that lives across rounds.
type Lane struct {
	Player  model.Player
	Agent   agent.Agent
	Session *codesession.Session
	Handle  *sandbox.Handle
}

// RoundInput is what the coordinator needs to run one round.
type RoundInput struct {
	Index  int
	Rounds int
	Lanes  []*Lane
	// OpponentDiffs maps player to opponent to full diff. Nil outside transparent mode.
	OpponentDiffs map[string]map[string]string
	LastResult    string
}

// RoundReport is the outcome of one round, ready for the ledger.
type RoundReport struct {
	Round       model.Round
	Errors      []model.ErrorRecord
	Sims        []ledger.SimLog
	Players     []ledger.PlayerArtifacts
	Checkpoints map[string]codesession.Checkpoint
}

// Record converts the report into a ledger record.
func (r RoundReport) Record() ledger.RoundRecord {
	return ledger.RoundRecord{Round: r.Round, Errors: r.Errors, Sims: r.Sims, Players: r.Players}
}

// CoordinatorConfig holds round settings.
type CoordinatorConfig struct {
	EditTimeout     time.Duration
	ValidateTimeout time.Duration
	Parallelism     int
	SimsPerRound    int
	// EditGrace is how long a timed out agent may take to return before it is abandoned.
	EditGrace time.Duration
}

const defaultEditGrace = 10 * time.Second

// RoundCoordinator drives one round through
// PENDING -> EDITING -> VALIDATING -> COMPETING -> SCORED, or FAILED.
type RoundCoordinator struct {
	cfg        CoordinatorConfig
	arena      arena.Arena
	sandboxes  Sandboxes
	metrics    Metrics
	transition TransitionFunc
}

// NewRoundCoordinator creates a coordinator.
func NewRoundCoordinator(cfg CoordinatorConfig, a arena.Arena, sb Sandboxes, metrics Metrics, transition TransitionFunc) *RoundCoordinator {
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 1
	}
	if cfg.EditGrace <= 0 {
		cfg.EditGrace = defaultEditGrace
	}
	if metrics == nil {
		metrics = nopMetrics{}
	}
	return &RoundCoordinator{cfg: cfg, arena: a, sandboxes: sb, metrics: metrics, transition: transition}
}

// editResult is what one player's edit unit produced.
type editResult struct {
	ok       bool
	reason   string
	code     appErr.ErrorCode
	log      string
	duration time.Duration
	modified []string
	fatal    error
}

// laneResult is the per-player state after validation.
type laneResult struct {
	edit       editResult
	status     model.OutcomeStatus
	reason     string
	code       appErr.ErrorCode
	checkpoint codesession.Checkpoint
	fatal      error
}

// Run executes one round. Player faults are absorbed into the report; a
// non-nil error means an infrastructure fault failed the round, and the
// report then carries status FAILED.
func (c *RoundCoordinator) Run(ctx context.Context, in RoundInput) (RoundReport, error) {
	ctx = logger.ContextWith(ctx, contextkey.Round, in.Index)
	rep := RoundReport{
		Round: model.Round{
			Index:     in.Index,
			Status:    model.RoundPending,
			StartedAt: time.Now(),
		},
		Checkpoints: make(map[string]codesession.Checkpoint, len(in.Lanes)),
	}

	c.advance(ctx, &rep.Round, model.RoundEditing, "")
	edits := c.editPhase(ctx, in)
	for i, e := range edits {
		if e.fatal != nil {
			return c.fail(ctx, &rep, in, e.fatal, in.Lanes[i].Player.Name, model.RoundEditing)
		}
	}

	c.advance(ctx, &rep.Round, model.RoundValidating, "")
	lanes := c.validatePhase(ctx, in, edits)
	for i, l := range lanes {
		if l.fatal != nil {
			return c.fail(ctx, &rep, in, l.fatal, in.Lanes[i].Player.Name, model.RoundValidating)
		}
	}
	c.collect(&rep, in, lanes)

	c.advance(ctx, &rep.Round, model.RoundCompeting, "")
	result, sims, err := c.compete(ctx, in, lanes)
	if err != nil {
		return c.fail(ctx, &rep, in, err, "", model.RoundCompeting)
	}
	rep.Sims = sims
	rep.Round.Result = &result
	rep.Round.EndedAt = time.Now()
	c.advance(ctx, &rep.Round, model.RoundScored, "")
	c.metrics.ObserveRound(rep.Round)
	logger.Info(ctx, "round scored",
		zap.String("winner", result.Winner),
		zap.Any("scores", result.Scores),
		zap.Float64("p_value", result.PValue),
	)
	return rep, nil
}

func (c *RoundCoordinator) editPhase(ctx context.Context, in RoundInput) []editResult {
	ctx = logger.ContextWith(ctx, contextkey.Phase, string(model.RoundEditing))
	results := make([]editResult, len(in.Lanes))
	var g errgroup.Group
	g.SetLimit(c.cfg.Parallelism)
	for i, lane := range in.Lanes {
		g.Go(func() error {
			results[i] = c.edit(logger.ContextWith(ctx, contextkey.Player, lane.Player.Name), in, lane)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// edit runs one player's edit step under its own timeout. The sandbox is
// reset to the session's working tree first and read back afterwards.
func (c *RoundCoordinator) edit(ctx context.Context, in RoundInput, lane *Lane) (res editResult) {
	name := lane.Player.Name
	ec := agent.EditContext{
		Round:         in.Index,
		Rounds:        in.Rounds,
		Player:        name,
		WorkDir:       lane.Handle.Spec.WorkDir,
		Sandbox:       lane.Handle,
		OpponentDiffs: in.OpponentDiffs[name],
		LastResult:    in.LastResult,
	}
	if err := agent.Prepare(lane.Handle.LogDir(), ec); err != nil {
		c.workspaceFault(ctx, lane, &res, appErr.Wrapf(err, appErr.SandboxCopyFailed, "prepare edit context for %s", name), true)
		return res
	}
	if err := lane.Session.Materialize(ctx, c.sandboxes, lane.Handle); err != nil {
		c.workspaceFault(ctx, lane, &res, err, true)
		return res
	}

	ectx := ctx
	if c.cfg.EditTimeout > 0 {
		var cancel context.CancelFunc
		ectx, cancel = context.WithTimeout(ctx, c.cfg.EditTimeout)
		defer cancel()
	}
	start := time.Now()
	out, err := runEdit(ectx, lane.Agent, ec, c.cfg.EditGrace)
	res.duration = time.Since(start)
	res.log = out.Log
	c.metrics.ObserveEdit(lane.Agent.Name(), err == nil, res.duration)

	if err != nil {
		if ctx.Err() != nil {
			res.fatal = appErr.Wrapf(ctx.Err(), appErr.RoundFailed, "edit of %s interrupted", name)
			return res
		}
		res.code = appErr.GetCode(err)
		res.reason = err.Error()
		logger.Warn(ctx, "agent edit failed", zap.Int("code", int(res.code)), zap.Error(err))
		return res
	}

	change, err := lane.Session.Capture(ctx, c.sandboxes, lane.Handle)
	if err != nil {
		c.workspaceFault(ctx, lane, &res, err, false)
		return res
	}
	res.ok = true
	res.modified = change.Modified
	logger.Info(ctx, "agent edit finished", zap.Duration("duration", res.duration), zap.Int("modified", len(change.Modified)))
	return res
}

// workspaceFault sorts a failed reset or read back of the player's sandbox.
// It fails the round only when the run is interrupted or the sandbox itself
// is gone; otherwise the player forfeits. A sandbox that could not be reset
// is released so the next round starts from a fresh one.
func (c *RoundCoordinator) workspaceFault(ctx context.Context, lane *Lane, res *editResult, err error, reset bool) {
	if ctx.Err() != nil || appErr.Is(err, appErr.SandboxReleased) || !c.sandboxes.Alive(ctx, lane.Handle) {
		res.fatal = err
		return
	}
	res.code = appErr.WorkspaceCorrupt
	res.reason = err.Error()
	logger.Warn(ctx, "player workspace unusable, forfeiting", zap.Bool("reset", reset), zap.Error(err))
	if reset {
		c.sandboxes.Release(context.WithoutCancel(ctx), lane.Handle)
	}
}

// runEdit calls the agent and returns when it does. Once ctx is done the
// agent gets grace to return before it is abandoned. Panics become
// AgentPanicked.
func runEdit(ctx context.Context, a agent.Agent, ec agent.EditContext, grace time.Duration) (agent.Outcome, error) {
	type result struct {
		out agent.Outcome
		err error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: appErr.Newf(appErr.AgentPanicked, "agent panicked: %v", r)}
			}
		}()
		out, err := a.Edit(ctx, ec)
		done <- result{out: out, err: err}
	}()
	select {
	case r := <-done:
		if r.err != nil && ctx.Err() == context.DeadlineExceeded && !appErr.Is(r.err, appErr.AgentTimeout) {
			r.err = appErr.Wrapf(r.err, appErr.AgentTimeout, "agent timed out")
		}
		return r.out, r.err
	case <-ctx.Done():
	}
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case r := <-done:
		return r.out, appErr.Wrapf(ctx.Err(), appErr.AgentTimeout, "agent did not return in time")
	case <-timer.C:
		logger.Error(ctx, "agent ignored cancellation, abandoning it", zap.String("agent", a.Name()), zap.Duration("grace", grace))
		return agent.Outcome{}, appErr.Wrapf(ctx.Err(), appErr.AgentTimeout, "agent did not return in time")
	}
}

func (c *RoundCoordinator) validatePhase(ctx context.Context, in RoundInput, edits []editResult) []laneResult {
	ctx = logger.ContextWith(ctx, contextkey.Phase, string(model.RoundValidating))
	results := make([]laneResult, len(in.Lanes))
	var g errgroup.Group
	g.SetLimit(c.cfg.Parallelism)
	for i, lane := range in.Lanes {
		g.Go(func() error {
			results[i] = c.validate(logger.ContextWith(ctx, contextkey.Player, lane.Player.Name), in.Index, lane, edits[i])
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (c *RoundCoordinator) validate(ctx context.Context, round int, lane *Lane, edit editResult) laneResult {
	res := laneResult{edit: edit}
	if !edit.ok {
		lane.Session.RollbackToLastCheckpoint()
		res.status, res.reason, res.code = model.OutcomeForfeited, edit.reason, edit.code
		res.checkpoint, res.fatal = lane.Session.CarryForward(ctx, round)
		c.metrics.ObserveValidation(res.status)
		return res
	}

	name := lane.Player.Name
	validator := codesession.ValidatorFunc(func(vctx context.Context, tree codesession.Tree) (bool, string, error) {
		if c.cfg.ValidateTimeout > 0 {
			var cancel context.CancelFunc
			vctx, cancel = context.WithTimeout(vctx, c.cfg.ValidateTimeout)
			defer cancel()
		}
		return c.arena.Validate(vctx, name, arena.Submission{
			Player:  name,
			Hash:    tree.Hash(),
			Tree:    tree,
			Sandbox: lane.Handle,
		})
	})
	cp, err := lane.Session.CommitCheckpoint(ctx, round, validator)
	switch {
	case err == nil:
		res.status, res.checkpoint = model.OutcomeValid, cp
	case appErr.Is(err, appErr.ValidationRejected):
		res.status, res.reason, res.code = model.OutcomeInvalid, err.Error(), appErr.ValidationRejected
		res.checkpoint, res.fatal = lane.Session.CarryForward(ctx, round)
		logger.Info(ctx, "submission rejected", zap.String("reason", res.reason))
	case appErr.IsInfrastructure(err) || ctx.Err() != nil:
		res.fatal = err
		return res
	default:
		// a non-infrastructure validator error is the player's problem
		lane.Session.RollbackToLastCheckpoint()
		res.status, res.reason, res.code = model.OutcomeInvalid, err.Error(), appErr.GetCode(err)
		res.checkpoint, res.fatal = lane.Session.CarryForward(ctx, round)
	}
	c.metrics.ObserveValidation(res.status)
	return res
}

// collect fills outcomes, checkpoints, player artifacts and recovered errors.
func (c *RoundCoordinator) collect(rep *RoundReport, in RoundInput, lanes []laneResult) {
	now := time.Now()
	for i, lane := range in.Lanes {
		l := lanes[i]
		name := lane.Player.Name
		cp := l.checkpoint
		rep.Checkpoints[name] = cp
		modified := cp.ModifiedFiles
		if l.status != model.OutcomeValid {
			modified = l.edit.modified
		}
		rep.Round.Outcomes = append(rep.Round.Outcomes, model.PlayerOutcome{
			Player:         name,
			Status:         l.status,
			Reason:         l.reason,
			CheckpointHash: cp.Hash,
			Carried:        cp.Carried,
			EditDurationMs: l.edit.duration.Milliseconds(),
			ModifiedFiles:  modified,
		})
		rep.Players = append(rep.Players, ledger.PlayerArtifacts{
			Player:   name,
			AgentLog: l.edit.log,
			Changes: ledger.Changes{
				Round:           in.Index,
				FullDiff:        cp.FullDiff,
				IncrementalDiff: cp.IncrementalDiff,
				ModifiedFiles:   lane.Session.HeadTree().TextFiles(cp.ModifiedFiles),
			},
		})
		if l.status != model.OutcomeValid {
			phase := model.RoundValidating
			if l.status == model.OutcomeForfeited {
				phase = model.RoundEditing
			}
			rep.Errors = append(rep.Errors, model.ErrorRecord{
				Round:   in.Index,
				Player:  name,
				Phase:   string(phase),
				Code:    int(l.code),
				Message: l.reason,
				At:      now,
			})
		}
	}
}

func (c *RoundCoordinator) compete(ctx context.Context, in RoundInput, lanes []laneResult) (model.ArenaResult, []ledger.SimLog, error) {
	ctx = logger.ContextWith(ctx, contextkey.Phase, string(model.RoundCompeting))
	var subs []arena.Submission
	for i, lane := range in.Lanes {
		if lanes[i].status != model.OutcomeValid {
			continue
		}
		subs = append(subs, arena.Submission{
			Player:  lane.Player.Name,
			Hash:    lanes[i].checkpoint.Hash,
			Tree:    lane.Session.HeadTree(),
			Sandbox: lane.Handle,
		})
	}

	var (
		result model.ArenaResult
		sims   []ledger.SimLog
	)
	switch len(subs) {
	case 0:
		logger.Warn(ctx, "no valid submissions, round voided")
		result = arena.Void(in.Index)
	case 1:
		logger.Info(ctx, "single valid submission, forced win", zap.String("player", subs[0].Player))
		result = arena.Forced(in.Index, subs[0].Player, c.cfg.SimsPerRound)
	default:
		raw, err := c.arena.ExecuteRound(ctx, in.Index, subs)
		for _, s := range raw.Sims {
			sims = append(sims, ledger.SimLog{Index: s.Index, Log: s.Log})
		}
		if err != nil {
			return model.ArenaResult{}, sims, err
		}
		if result, err = c.arena.Score(raw); err != nil {
			return model.ArenaResult{}, sims, err
		}
	}
	result.Round = in.Index

	// forfeited and invalid players score zero
	for i, lane := range in.Lanes {
		name := lane.Player.Name
		if _, ok := result.Scores[name]; !ok {
			result.Scores[name] = 0
		}
		if lanes[i].status != model.OutcomeValid {
			result.PlayerStats[name] = model.PlayerStats{Invalid: lanes[i].reason}
		}
	}
	return result, sims, nil
}

// fail moves the round to FAILED. Players without a checkpoint for the
// round get a carried one so their chains stay gapless.
func (c *RoundCoordinator) fail(ctx context.Context, rep *RoundReport, in RoundInput, cause error, player string, phase model.RoundStatus) (RoundReport, error) {
	for _, lane := range in.Lanes {
		if lane.Session.Head().Round >= in.Index {
			rep.Checkpoints[lane.Player.Name] = lane.Session.Head()
			continue
		}
		lane.Session.RollbackToLastCheckpoint()
		cp, err := lane.Session.CarryForward(context.WithoutCancel(ctx), in.Index)
		if err != nil {
			logger.Warn(ctx, "carry forward after failure failed", zap.String("player", lane.Player.Name), zap.Error(err))
			continue
		}
		rep.Checkpoints[lane.Player.Name] = cp
	}

	reason := cause.Error()
	rep.Round.Failure = reason
	rep.Round.EndedAt = time.Now()
	rep.Errors = append(rep.Errors, model.ErrorRecord{
		Round:   in.Index,
		Player:  player,
		Phase:   string(phase),
		Code:    int(appErr.GetCode(cause)),
		Message: reason,
		Fatal:   true,
		At:      rep.Round.EndedAt,
	})
	c.advance(ctx, &rep.Round, model.RoundFailed, reason)
	c.metrics.ObserveRound(rep.Round)
	logger.Error(ctx, "round failed", zap.String("phase", string(phase)), zap.Error(cause))
	return *rep, appErr.Wrapf(cause, appErr.RoundFailed, "round %d failed in %s", in.Index, phase)
}

func (c *RoundCoordinator) advance(ctx context.Context, r *model.Round, to model.RoundStatus, reason string) {
	from := r.Status
	if !model.CanTransition(from, to) {
		panic(fmt.Sprintf("illegal round transition %s -> %s", from, to))
	}
	r.Status = to
	logger.Info(ctx, "round transition",
		zap.String("from", string(from)),
		zap.String("to", string(to)),
	)
	if c.transition != nil {
		ev := model.RoundEvent{Round: r.Index, From: from, To: to, Reason: reason, At: time.Now()}
		if r.Result != nil {
			ev.Scores = r.Result.Scores
		}
		c.transition(ctx, ev)
	}
}
