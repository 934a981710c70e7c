package codesession

import (
	"context"
	"errors"
	"sync"
	"time"

	"codearena/internal/tournament/sandbox"
	"codearena/internal/tournament/sandbox/spec"
	"codearena/internal/tournament/sandbox/tarball"
	appErr "codearena/pkg/errors"
	"codearena/pkg/utils/logger"

	"go.uber.org/zap"
)

const clearTimeout = time.Minute

// Validator decides whether a working tree is runnable.
type Validator interface {
	Validate(ctx context.Context, tree Tree) (ok bool, reason string, err error)
}

// ValidatorFunc adapts a function to Validator.
type ValidatorFunc func(ctx context.Context, tree Tree) (bool, string, error)

func (f ValidatorFunc) Validate(ctx context.Context, tree Tree) (bool, string, error) {
	return f(ctx, tree)
}

// Sandboxes is the subset of the sandbox manager a session needs.
type Sandboxes interface {
	Exec(ctx context.Context, h *sandbox.Handle, req spec.ExecRequest) (spec.ExecResult, error)
	CopyIn(ctx context.Context, h *sandbox.Handle, dst string, files []tarball.File) error
	CopyOutFiles(ctx context.Context, h *sandbox.Handle, paths ...string) ([]tarball.File, error)
}

// Change is a pending, uncommitted edit of the working tree.
type Change struct {
	Hash     string
	Patch    Patch
	Modified []string
}

// Session owns one player's working tree and checkpoint lineage.
// Methods are safe for concurrent use but a session is driven by a single lane.
type Session struct {
	player string
	store  Store
	ignore []string
	now    func() time.Time

	mu       sync.Mutex
	seed     Tree
	head     Checkpoint
	headTree Tree
	working  Tree
}

// Option configures a Session.
type Option func(*Session)

// WithIgnore replaces the default ignore patterns.
func WithIgnore(patterns []string) Option {
	return func(s *Session) { s.ignore = patterns }
}

// WithClock overrides the checkpoint timestamp source.
func WithClock(now func() time.Time) Option {
	return func(s *Session) { s.now = now }
}

// New creates an uninitialized session for player.
func New(player string, store Store, opts ...Option) *Session {
	s := &Session{player: player, store: store, ignore: DefaultIgnore, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Session) Player() string { return s.player }

// Init records seed as the round 0 checkpoint. If the store already holds a
// chain for the player, the session resumes from its latest checkpoint.
func (s *Session) Init(ctx context.Context, seed Tree) (Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if latest, err := s.store.Latest(ctx, s.player); err == nil {
		return s.resumeLocked(ctx, latest)
	} else if !appErr.Is(err, appErr.CheckpointNotFound) {
		return Checkpoint{}, err
	}

	seed = filterTree(seed, s.ignore)
	cp := Checkpoint{
		Player:    s.player,
		Round:     0,
		Hash:      seed.Hash(),
		CreatedAt: s.now(),
	}
	if err := s.store.Append(ctx, cp, seed); err != nil {
		return Checkpoint{}, err
	}
	s.seed = seed.Clone()
	s.head = cp
	s.headTree = seed.Clone()
	s.working = seed.Clone()
	return cp, nil
}

func (s *Session) resumeLocked(ctx context.Context, latest Checkpoint) (Checkpoint, error) {
	first, err := s.store.Get(ctx, s.player, 0)
	if err != nil {
		return Checkpoint{}, err
	}
	seed, err := s.store.Tree(ctx, first.Hash)
	if err != nil {
		return Checkpoint{}, err
	}
	headTree, err := s.store.Tree(ctx, latest.Hash)
	if err != nil {
		return Checkpoint{}, err
	}
	s.seed = seed
	s.head = latest
	s.headTree = headTree
	s.working = headTree.Clone()
	logger.Info(ctx, "code session resumed", zap.String("player", s.player), zap.Int("head_round", latest.Round))
	return latest, nil
}

// ApplyEdit replaces the working tree and returns the pending change against the last checkpoint.
func (s *Session) ApplyEdit(tree Tree) Change {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.working = filterTree(tree, s.ignore).Clone()
	p := Diff(s.headTree, s.working)
	return Change{Hash: s.working.Hash(), Patch: p, Modified: p.Paths()}
}

// CommitCheckpoint validates the working tree and, if accepted, records it as
// the checkpoint of round. A rejection reverts the working tree to the last
// checkpoint and returns ValidationRejected; nothing is written. A validator
// deadline counts as rejection.
func (s *Session) CommitCheckpoint(ctx context.Context, round int, v Validator) (Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if round != s.head.Round+1 {
		return Checkpoint{}, appErr.Newf(appErr.CheckpointConflict, "commit round %d after round %d", round, s.head.Round)
	}

	working := s.working.Clone()
	ok, reason, err := v.Validate(ctx, working)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			ok, reason, err = false, "validation timed out", nil
		} else {
			return Checkpoint{}, err
		}
	}
	if !ok {
		s.working = s.headTree.Clone()
		if reason == "" {
			reason = "submission rejected"
		}
		return Checkpoint{}, appErr.New(appErr.ValidationRejected).
			WithMessage(reason).
			WithDetail("player", s.player).
			WithDetail("round", round)
	}

	cp := s.buildLocked(round, working)
	if err := s.store.Append(ctx, cp, working); err != nil {
		return Checkpoint{}, err
	}
	s.head = cp
	s.headTree = working
	s.working = working.Clone()
	return cp, nil
}

// CarryForward records round with the unchanged content of the last
// checkpoint. It keeps the chain gapless for rounds a player forfeits.
func (s *Session) CarryForward(ctx context.Context, round int) (Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if round != s.head.Round+1 {
		return Checkpoint{}, appErr.Newf(appErr.CheckpointConflict, "carry round %d after round %d", round, s.head.Round)
	}
	cp := s.buildLocked(round, s.headTree)
	cp.Carried = true
	if err := s.store.Append(ctx, cp, s.headTree); err != nil {
		return Checkpoint{}, err
	}
	s.head = cp
	s.working = s.headTree.Clone()
	return cp, nil
}

func (s *Session) buildLocked(round int, tree Tree) Checkpoint {
	full := Diff(s.seed, tree)
	inc := Diff(s.headTree, tree)
	return Checkpoint{
		Player:          s.player,
		Round:           round,
		Hash:            tree.Hash(),
		Parent:          s.head.Hash,
		Full:            full,
		Incremental:     inc,
		FullDiff:        full.Render(),
		IncrementalDiff: inc.Render(),
		ModifiedFiles:   inc.Paths(),
		CreatedAt:       s.now(),
	}
}

// Diff returns the patch between the checkpoints of two rounds.
func (s *Session) Diff(ctx context.Context, fromRound, toRound int) (Patch, error) {
	from, err := s.treeAt(ctx, fromRound)
	if err != nil {
		return Patch{}, err
	}
	to, err := s.treeAt(ctx, toRound)
	if err != nil {
		return Patch{}, err
	}
	return Diff(from, to), nil
}

func (s *Session) treeAt(ctx context.Context, round int) (Tree, error) {
	cp, err := s.store.Get(ctx, s.player, round)
	if err != nil {
		return nil, err
	}
	return s.store.Tree(ctx, cp.Hash)
}

// RollbackToLastCheckpoint discards uncommitted changes.
func (s *Session) RollbackToLastCheckpoint() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.working = s.headTree.Clone()
}

// Head returns the last accepted checkpoint.
func (s *Session) Head() Checkpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.head
}

// HeadTree returns a copy of the last accepted tree.
func (s *Session) HeadTree() Tree {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.headTree.Clone()
}

// Working returns a copy of the working tree.
func (s *Session) Working() Tree {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.working.Clone()
}

// Materialize replaces the contents of the sandbox working directory with the working tree.
func (s *Session) Materialize(ctx context.Context, sb Sandboxes, h *sandbox.Handle) error {
	if err := ClearDir(ctx, sb, h, "."); err != nil {
		return err
	}
	return sb.CopyIn(ctx, h, ".", s.Working().Files())
}

// Capture reads the sandbox working directory back as the new working tree.
func (s *Session) Capture(ctx context.Context, sb Sandboxes, h *sandbox.Handle) (Change, error) {
	if _, err := sb.Exec(ctx, h, spec.ExecRequest{
		Cmd:     []string{"sh", "-c", "chmod -R u+rwX . 2>/dev/null; true"},
		Timeout: clearTimeout,
	}); err != nil {
		return Change{}, err
	}
	files, err := sb.CopyOutFiles(ctx, h, ".")
	if err != nil {
		return Change{}, err
	}
	return s.ApplyEdit(TreeFromFiles(files, s.ignore)), nil
}

// ClearDir removes everything below dir inside the sandbox. Permissions are
// restored first so read-only directories left by an agent can be removed.
func ClearDir(ctx context.Context, sb Sandboxes, h *sandbox.Handle, dir string) error {
	res, err := sb.Exec(ctx, h, spec.ExecRequest{
		Cmd:     []string{"sh", "-c", "chmod -R u+rwX . 2>/dev/null; find . -mindepth 1 -maxdepth 1 -exec rm -rf {} +"},
		Dir:     dir,
		Timeout: clearTimeout,
	})
	if err != nil {
		return err
	}
	if !res.OK() {
		return appErr.Newf(appErr.SandboxExecFailed, "clear %s in %s: exit %d %s", dir, h.Name, res.ExitCode, res.Stderr)
	}
	return nil
}

func filterTree(t Tree, ignore []string) Tree {
	out := make(Tree, len(t))
	for p, f := range t {
		if !Ignored(p, ignore) {
			out[p] = f
		}
	}
	return out
}
