package codesession

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	appErr "codearena/pkg/errors"
)

func acceptAll() Validator {
	return ValidatorFunc(func(ctx context.Context, tree Tree) (bool, string, error) { return true, "", nil })
}

func rejectAll(reason string) Validator {
	return ValidatorFunc(func(ctx context.Context, tree Tree) (bool, string, error) { return false, reason, nil })
}

func newSession(t *testing.T) (*Session, Store) {
	t.Helper()
	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	s := New("alice", store)
	if _, err := s.Init(context.Background(), Tree{"main.py": text("v0\n"), ".git/HEAD": text("x")}); err != nil {
		t.Fatalf("init: %v", err)
	}
	return s, store
}

func TestSessionCommitAdvancesChain(t *testing.T) {
	ctx := context.Background()
	s, store := newSession(t)
	if _, ok := s.Working()[".git/HEAD"]; ok {
		t.Fatalf("ignored path tracked")
	}

	change := s.ApplyEdit(Tree{"main.py": text("v1\n"), "util.py": text("u\n")})
	if len(change.Modified) != 2 {
		t.Fatalf("unexpected modified: %v", change.Modified)
	}
	cp, err := s.CommitCheckpoint(ctx, 1, acceptAll())
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if cp.Round != 1 || cp.Hash != change.Hash || cp.Parent == "" {
		t.Fatalf("unexpected checkpoint: %+v", cp)
	}
	if !strings.Contains(cp.FullDiff, "+v1") || !strings.Contains(cp.IncrementalDiff, "+++ b/util.py") {
		t.Fatalf("diffs not rendered: %s", cp.FullDiff)
	}

	// diff round trip against stored content
	prev, _ := store.Get(ctx, "alice", 0)
	prevTree, _ := store.Tree(ctx, prev.Hash)
	next, err := Apply(prevTree, cp.Incremental)
	if err != nil || next.Hash() != cp.Hash {
		t.Fatalf("incremental diff does not reproduce checkpoint: %v", err)
	}

	p, err := s.Diff(ctx, 0, 1)
	if err != nil || len(p.Files) != 2 {
		t.Fatalf("diff 0..1: %+v err %v", p, err)
	}
}

func TestSessionRejectRevertsWorkingTree(t *testing.T) {
	ctx := context.Background()
	s, store := newSession(t)
	head := s.Head()

	s.ApplyEdit(Tree{"main.py": text("broken")})
	_, err := s.CommitCheckpoint(ctx, 1, rejectAll("does not compile"))
	if !appErr.Is(err, appErr.ValidationRejected) {
		t.Fatalf("expected rejection, got %v", err)
	}
	if !strings.Contains(err.Error(), "does not compile") {
		t.Fatalf("reason lost: %v", err)
	}
	if s.Head().Hash != head.Hash || s.Working().Hash() != head.Hash {
		t.Fatalf("rejected edit leaked into session state")
	}
	if chain, _ := store.Chain(ctx, "alice"); len(chain) != 1 {
		t.Fatalf("rejection wrote a checkpoint: %d", len(chain))
	}

	cp, err := s.CarryForward(ctx, 1)
	if err != nil {
		t.Fatalf("carry forward: %v", err)
	}
	if !cp.Carried || cp.Hash != head.Hash || !cp.Incremental.Empty() {
		t.Fatalf("unexpected carried checkpoint: %+v", cp)
	}
}

func TestSessionValidatorDeadlineIsRejection(t *testing.T) {
	ctx := context.Background()
	s, _ := newSession(t)
	s.ApplyEdit(Tree{"main.py": text("slow")})
	_, err := s.CommitCheckpoint(ctx, 1, ValidatorFunc(func(ctx context.Context, tree Tree) (bool, string, error) {
		return false, "", context.DeadlineExceeded
	}))
	if !appErr.Is(err, appErr.ValidationRejected) {
		t.Fatalf("expected rejection on deadline, got %v", err)
	}
}

func TestSessionValidatorInfraErrorPropagates(t *testing.T) {
	ctx := context.Background()
	s, _ := newSession(t)
	boom := appErr.New(appErr.SandboxExecFailed)
	_, err := s.CommitCheckpoint(ctx, 1, ValidatorFunc(func(ctx context.Context, tree Tree) (bool, string, error) {
		return false, "", boom
	}))
	if !errors.Is(err, boom) {
		t.Fatalf("expected infrastructure error, got %v", err)
	}
}

func TestSessionCommitWrongRound(t *testing.T) {
	s, _ := newSession(t)
	if _, err := s.CommitCheckpoint(context.Background(), 3, acceptAll()); !appErr.Is(err, appErr.CheckpointConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestSessionRollback(t *testing.T) {
	s, _ := newSession(t)
	s.ApplyEdit(Tree{"other": text("x")})
	s.RollbackToLastCheckpoint()
	if s.Working().Hash() != s.Head().Hash {
		t.Fatalf("rollback did not restore head")
	}
}

func TestSessionResumesFromStore(t *testing.T) {
	ctx := context.Background()
	s, store := newSession(t)
	s.ApplyEdit(Tree{"main.py": text("v1\n")})
	if _, err := s.CommitCheckpoint(ctx, 1, acceptAll()); err != nil {
		t.Fatalf("commit: %v", err)
	}
	resumed := New("alice", store)
	cp, err := resumed.Init(ctx, Tree{"ignored": text("seed")})
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if cp.Round != 1 || resumed.Working().Hash() != cp.Hash {
		t.Fatalf("unexpected resume head: %+v", cp)
	}
}

func TestLoadDirSkipsIgnored(t *testing.T) {
	dir := t.TempDir()
	mustWrite := func(rel, content string) {
		full := filepath.Join(dir, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	mustWrite("main.py", "print(1)\n")
	mustWrite("pkg/util.py", "x = 1\n")
	mustWrite(".git/HEAD", "ref")
	mustWrite("pkg/__pycache__/util.pyc", "\x00")

	tree, err := LoadDir(dir, DefaultIgnore)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := strings.Join(tree.Paths(), ","); got != "main.py,pkg/util.py" {
		t.Fatalf("unexpected paths: %s", got)
	}
	if text := tree.TextFiles([]string{"main.py", "gone.py"}); len(text) != 1 || text["main.py"] != "print(1)\n" {
		t.Fatalf("unexpected text files: %v", text)
	}
}
