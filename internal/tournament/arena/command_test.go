package arena

import (
	"context"
	"strings"
	"sync"
	"testing"

	"codearena/internal/tournament/codesession"
	"codearena/internal/tournament/sandbox"
	"codearena/internal/tournament/sandbox/spec"
	"codearena/internal/tournament/sandbox/tarball"
	appErr "codearena/pkg/errors"
)

type execFunc func(req spec.ExecRequest) (spec.ExecResult, error)

type fakeSandboxes struct {
	mu       sync.Mutex
	exec     execFunc
	acquired int
	released int
	copied   map[string][]string
	calls    int
}

func (f *fakeSandboxes) Acquire(ctx context.Context, owner string, s spec.Spec) (*sandbox.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acquired++
	return &sandbox.Handle{Name: owner, Owner: owner, Spec: s}, nil
}

func (f *fakeSandboxes) Exec(ctx context.Context, h *sandbox.Handle, req spec.ExecRequest) (spec.ExecResult, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return f.exec(req)
}

func (f *fakeSandboxes) CopyIn(ctx context.Context, h *sandbox.Handle, dst string, files []tarball.File) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.copied == nil {
		f.copied = map[string][]string{}
	}
	for _, file := range files {
		f.copied[dst] = append(f.copied[dst], file.Path)
	}
	return nil
}

func (f *fakeSandboxes) Release(ctx context.Context, h *sandbox.Handle) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released++
}

func newCommand(t *testing.T, cfg Config, sb *fakeSandboxes) Arena {
	t.Helper()
	cfg.Name = CommandName
	a, err := New(cfg, Deps{Sandboxes: sb})
	if err != nil {
		t.Fatalf("new arena: %v", err)
	}
	return a
}

func subsFor(players ...string) []Submission {
	out := make([]Submission, len(players))
	for i, p := range players {
		tree := codesession.Tree{"main.py": {Data: []byte("print()"), Mode: 0o644}}
		out[i] = Submission{Player: p, Tree: tree, Hash: tree.Hash()}
	}
	return out
}

func TestCommandExecuteRound(t *testing.T) {
	sb := &fakeSandboxes{exec: func(req spec.ExecRequest) (spec.ExecResult, error) {
		// players are passed positionally, the first one wins
		return spec.ExecResult{Stdout: "turn log\n{\"winner\": \"" + req.Cmd[3] + "\"}\n"}, nil
	}}
	a := newCommand(t, Config{SimCommand: "play --sim {sim} {players}", SimsPerRound: 4, Parallelism: 2}, sb)

	raw, err := a.ExecuteRound(context.Background(), 1, subsFor("a", "b"))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if len(raw.Sims) != 4 {
		t.Fatalf("unexpected sims: %d", len(raw.Sims))
	}
	for i, sim := range raw.Sims {
		if sim.Index != i || sim.Winner != "a" || sim.Attempts != 1 {
			t.Fatalf("unexpected sim %d: %+v", i, sim)
		}
	}
	if sb.acquired != 1 || sb.released != 1 {
		t.Fatalf("game sandbox leaked: %d/%d", sb.acquired, sb.released)
	}
	if len(sb.copied["a"]) != 1 || len(sb.copied["b"]) != 1 {
		t.Fatalf("submissions not copied: %v", sb.copied)
	}
	res, err := a.Score(raw)
	if err != nil || res.Winner != "a" || res.Scores["a"] != 4 {
		t.Fatalf("unexpected score: %+v err %v", res, err)
	}
}

func TestCommandRetriesTransientFailures(t *testing.T) {
	var mu sync.Mutex
	attempts := map[string]int{}
	sb := &fakeSandboxes{exec: func(req spec.ExecRequest) (spec.ExecResult, error) {
		mu.Lock()
		defer mu.Unlock()
		sim := req.Env["ARENA_SIM"]
		attempts[sim]++
		if attempts[sim] == 1 {
			return spec.ExecResult{ExitCode: 125}, nil
		}
		return spec.ExecResult{Stdout: `{"winner":"b"}`}, nil
	}}
	a := newCommand(t, Config{SimCommand: "play {players}", SimsPerRound: 3}, sb)
	raw, err := a.ExecuteRound(context.Background(), 1, subsFor("a", "b"))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	for _, sim := range raw.Sims {
		if sim.Attempts != 2 || sim.Winner != "b" {
			t.Fatalf("unexpected sim: %+v", sim)
		}
	}
}

func TestCommandTransientExhausted(t *testing.T) {
	sb := &fakeSandboxes{exec: func(req spec.ExecRequest) (spec.ExecResult, error) {
		return spec.ExecResult{}, appErr.New(appErr.SandboxExecFailed)
	}}
	a := newCommand(t, Config{SimCommand: "play", SimsPerRound: 2, MaxSimRetries: 2}, sb)
	_, err := a.ExecuteRound(context.Background(), 1, subsFor("a", "b"))
	if !appErr.Is(err, appErr.ArenaTransientExhausted) {
		t.Fatalf("expected exhausted retries, got %v", err)
	}
	if sb.released != 1 {
		t.Fatalf("game sandbox not released")
	}
	if sb.calls < 3 {
		t.Fatalf("expected at least 3 attempts, got %d", sb.calls)
	}
}

func TestCommandRecordsBrokenSimulations(t *testing.T) {
	sb := &fakeSandboxes{exec: func(req spec.ExecRequest) (spec.ExecResult, error) {
		switch req.Env["ARENA_SIM"] {
		case "0":
			return spec.ExecResult{TimedOut: true, ExitCode: 137}, nil
		case "1":
			return spec.ExecResult{Stdout: "garbage"}, nil
		default:
			return spec.ExecResult{Stdout: `{"draw": true}`}, nil
		}
	}}
	a := newCommand(t, Config{SimCommand: "play", SimsPerRound: 3}, sb)
	raw, err := a.ExecuteRound(context.Background(), 1, subsFor("a", "b"))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !strings.HasPrefix(raw.Sims[0].Error, "timed out") || raw.Sims[1].Error == "" || !raw.Sims[2].Draw {
		t.Fatalf("unexpected sims: %+v", raw.Sims)
	}
	res, _ := a.Score(raw)
	if res.Winner != "Tie" || res.Ties != 1 || res.Details["failed_simulations"] != "2" {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestCommandValidate(t *testing.T) {
	sb := &fakeSandboxes{exec: func(req spec.ExecRequest) (spec.ExecResult, error) {
		switch req.Env["ARENA_PLAYER"] {
		case "slow":
			return spec.ExecResult{TimedOut: true}, nil
		case "broken":
			return spec.ExecResult{ExitCode: 1, Stderr: "SyntaxError"}, nil
		case "gone":
			return spec.ExecResult{}, appErr.New(appErr.SandboxExecFailed)
		}
		return spec.ExecResult{}, nil
	}}
	a := newCommand(t, Config{SimCommand: "play", Submission: "main.py", ValidateCommand: "python -m py_compile {submission}"}, sb)
	ctx := context.Background()
	h := &sandbox.Handle{Name: "p"}
	sub := subsFor("x")[0]
	sub.Sandbox = h

	if ok, _, err := a.Validate(ctx, "good", sub); !ok || err != nil {
		t.Fatalf("expected valid, got %v %v", ok, err)
	}
	if ok, reason, _ := a.Validate(ctx, "slow", sub); ok || !strings.Contains(reason, "timed out") {
		t.Fatalf("expected timeout rejection, got %v %q", ok, reason)
	}
	if ok, reason, _ := a.Validate(ctx, "broken", sub); ok || !strings.Contains(reason, "SyntaxError") {
		t.Fatalf("expected rejection, got %v %q", ok, reason)
	}
	if _, _, err := a.Validate(ctx, "gone", sub); !appErr.Is(err, appErr.SandboxExecFailed) {
		t.Fatalf("expected infrastructure error, got %v", err)
	}
	missing := Submission{Player: "m", Tree: codesession.Tree{}, Sandbox: h}
	if ok, reason, _ := a.Validate(ctx, "m", missing); ok || !strings.Contains(reason, "main.py") {
		t.Fatalf("expected missing submission rejection, got %v %q", ok, reason)
	}
}

func TestExpand(t *testing.T) {
	got := expand([]string{"run", "{players}", "--sim={sim}", "--all={players}"}, map[string][]string{
		"players": {"a", "b"},
		"sim":     {"3"},
	})
	want := []string{"run", "a", "b", "--sim=3", "--all=a b"}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Fatalf("got %v want %v", got, want)
	}
}

func TestNewUnknownArena(t *testing.T) {
	if _, err := New(Config{Name: "nope"}, Deps{}); !appErr.Is(err, appErr.ArenaNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := New(Config{Name: CommandName}, Deps{Sandboxes: &fakeSandboxes{}}); !appErr.Is(err, appErr.InvalidConfig) {
		t.Fatalf("expected config error, got %v", err)
	}
	if _, err := New(Config{Name: CommandName, SimCommand: "x"}, Deps{}); !appErr.Is(err, appErr.InvalidParams) {
		t.Fatalf("expected error without sandboxes, got %v", err)
	}
}

func TestShuffleIsDeterministic(t *testing.T) {
	c := &Command{cfg: Config{ShufflePlayers: true, Seed: 7}}
	players := []string{"a", "b", "c", "d"}
	first := c.order(players, 1, 2)
	second := c.order(players, 1, 2)
	if strings.Join(first, "") != strings.Join(second, "") {
		t.Fatalf("shuffle not reproducible: %v %v", first, second)
	}
	if strings.Join(players, "") != "abcd" {
		t.Fatalf("input mutated: %v", players)
	}
}
