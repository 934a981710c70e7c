package sandbox

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"codearena/internal/tournament/sandbox/spec"
	"codearena/internal/tournament/sandbox/tarball"
	appErr "codearena/pkg/errors"
)

type fakeRuntime struct {
	mu         sync.Mutex
	createErr  error
	destroyErr error
	execResult spec.ExecResult
	execErr    error
	created    []string
	destroyed  []string
	copied     map[string][]byte
	// onCreate runs before Create records the sandbox.
	onCreate func(name string)
}

func (f *fakeRuntime) Name() string { return "fake" }
func (f *fakeRuntime) Probe(ctx context.Context) error { return nil }

func (f *fakeRuntime) Create(ctx context.Context, name string, s spec.Spec, dirs spec.Dirs) error {
	if f.onCreate != nil {
		f.onCreate(name)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return f.createErr
	}
	f.created = append(f.created, name)
	return nil
}

func (f *fakeRuntime) Exec(ctx context.Context, name string, req spec.ExecRequest) (spec.ExecResult, error) {
	return f.execResult, f.execErr
}

func (f *fakeRuntime) CopyIn(ctx context.Context, name, dst string, tarStream []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.copied == nil {
		f.copied = make(map[string][]byte)
	}
	f.copied[dst] = tarStream
	return nil
}

func (f *fakeRuntime) CopyOut(ctx context.Context, name string, paths []string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.copied[paths[0]], nil
}

func (f *fakeRuntime) Alive(ctx context.Context, name string) bool { return true }

func (f *fakeRuntime) Destroy(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroyed = append(f.destroyed, name)
	return f.destroyErr
}

func newTestManager(t *testing.T, rt *fakeRuntime) *Manager {
	t.Helper()
	m, err := NewManager(rt, Config{WorkRoot: t.TempDir()}, nil)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	return m
}

func TestAcquireAllocatesDedicatedDirs(t *testing.T) {
	m := newTestManager(t, &fakeRuntime{})
	ctx := context.Background()
	a, err := m.Acquire(ctx, "Alice", spec.Spec{Image: "img"})
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	b, err := m.Acquire(ctx, "Alice", spec.Spec{Image: "img"})
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if a.Name == b.Name || a.LogDir() == b.LogDir() || a.OutDir() == b.OutDir() {
		t.Fatalf("sandboxes share names or dirs: %+v %+v", a, b)
	}
	for _, d := range []string{a.LogDir(), a.OutDir()} {
		if _, err := os.Stat(d); err != nil {
			t.Fatalf("missing dir %s: %v", d, err)
		}
	}
	if a.Spec.WorkDir == "" || a.Spec.MemoryMB == 0 {
		t.Fatalf("expected defaults applied: %+v", a.Spec)
	}
}

func TestAcquireFailureIsProvisionError(t *testing.T) {
	m := newTestManager(t, &fakeRuntime{createErr: errors.New("daemon down")})
	_, err := m.Acquire(context.Background(), "p", spec.Spec{})
	if !appErr.Is(err, appErr.SandboxProvisionFailed) {
		t.Fatalf("expected provision error, got %v", err)
	}
	if !appErr.IsInfrastructure(err) {
		t.Fatalf("provision errors are infrastructure faults")
	}
	if s := m.Stats(); s.Acquired != 0 || s.Released != 0 {
		t.Fatalf("unexpected stats: %+v", s)
	}
}

func TestReleaseIsIdempotentAndSwallowsErrors(t *testing.T) {
	rt := &fakeRuntime{destroyErr: errors.New("rm failed")}
	m := newTestManager(t, rt)
	ctx := context.Background()
	h, err := m.Acquire(ctx, "p", spec.Spec{})
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	m.Release(ctx, h)
	m.Release(ctx, h)
	m.Release(ctx, nil)
	if len(rt.destroyed) != 1 {
		t.Fatalf("expected one destroy, got %d", len(rt.destroyed))
	}
	s := m.Stats()
	if s.Acquired != 1 || s.Released != 1 || s.Live() != 0 {
		t.Fatalf("unexpected stats: %+v", s)
	}
	if _, err := m.Exec(ctx, h, spec.ExecRequest{Cmd: []string{"true"}}); !appErr.Is(err, appErr.SandboxReleased) {
		t.Fatalf("expected released error, got %v", err)
	}
}

func TestReleaseRunsWithCanceledContext(t *testing.T) {
	rt := &fakeRuntime{}
	m := newTestManager(t, rt)
	h, err := m.Acquire(context.Background(), "p", spec.Spec{})
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	m.Release(ctx, h)
	if len(rt.destroyed) != 1 || m.Stats().Live() != 0 {
		t.Fatalf("release skipped on canceled context")
	}
}

func TestExecTimeoutIsNotAnError(t *testing.T) {
	rt := &fakeRuntime{execResult: spec.ExecResult{ExitCode: -1, TimedOut: true, Duration: time.Second}}
	m := newTestManager(t, rt)
	ctx := context.Background()
	h, _ := m.Acquire(ctx, "p", spec.Spec{})
	defer m.Release(ctx, h)
	res, err := m.Exec(ctx, h, spec.ExecRequest{Cmd: []string{"sleep", "10"}, Timeout: time.Second})
	if err != nil {
		t.Fatalf("timeout surfaced as error: %v", err)
	}
	if !res.TimedOut || res.OK() {
		t.Fatalf("expected timed out result: %+v", res)
	}
}

func TestExecRuntimeFaultIsInfrastructure(t *testing.T) {
	rt := &fakeRuntime{execErr: errors.New("container gone")}
	m := newTestManager(t, rt)
	ctx := context.Background()
	h, _ := m.Acquire(ctx, "p", spec.Spec{})
	defer m.Release(ctx, h)
	_, err := m.Exec(ctx, h, spec.ExecRequest{Cmd: []string{"true"}})
	if !appErr.Is(err, appErr.SandboxExecFailed) {
		t.Fatalf("expected exec failure, got %v", err)
	}
}

func TestCopyRoundTrip(t *testing.T) {
	m := newTestManager(t, &fakeRuntime{})
	ctx := context.Background()
	h, _ := m.Acquire(ctx, "p", spec.Spec{})
	defer m.Release(ctx, h)
	if err := m.CopyIn(ctx, h, "code", []tarball.File{{Path: "a.py", Data: []byte("x=1")}}); err != nil {
		t.Fatalf("copy in: %v", err)
	}
	files, err := m.CopyOutFiles(ctx, h, "code")
	if err != nil || len(files) != 1 || string(files[0].Data) != "x=1" {
		t.Fatalf("copy out: %+v err %v", files, err)
	}
}

func TestReleaseAll(t *testing.T) {
	rt := &fakeRuntime{}
	m := newTestManager(t, rt)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := m.Acquire(ctx, "p", spec.Spec{}); err != nil {
			t.Fatalf("acquire: %v", err)
		}
	}
	m.ReleaseAll(ctx)
	if s := m.Stats(); s.Acquired != 3 || s.Released != 3 {
		t.Fatalf("unexpected stats: %+v", s)
	}
}

func TestAcquireProvisionsConcurrently(t *testing.T) {
	var inflight sync.WaitGroup
	inflight.Add(2)
	overlapped := make(chan struct{})
	go func() {
		inflight.Wait()
		close(overlapped)
	}()
	rt := &fakeRuntime{onCreate: func(string) {
		inflight.Done()
		select {
		case <-overlapped:
		case <-time.After(2 * time.Second):
		}
	}}
	m := newTestManager(t, rt)

	var wg sync.WaitGroup
	for _, owner := range []string{"alice", "bob"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.Acquire(context.Background(), owner, spec.Spec{}); err != nil {
				t.Errorf("acquire %s: %v", owner, err)
			}
		}()
	}
	wg.Wait()

	select {
	case <-overlapped:
	default:
		t.Fatal("sandbox creation was serialized")
	}
	if st := m.Stats(); st.Acquired != 2 {
		t.Fatalf("unexpected stats: %+v", st)
	}
}

func TestReleaseDoesNotWaitForSlowCreate(t *testing.T) {
	entered := make(chan struct{})
	unblock := make(chan struct{})
	rt := &fakeRuntime{}
	m := newTestManager(t, rt)
	h, err := m.Acquire(context.Background(), "alice", spec.Spec{})
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	rt.onCreate = func(string) {
		close(entered)
		<-unblock
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = m.Acquire(context.Background(), "bob", spec.Spec{})
	}()
	<-entered

	released := make(chan struct{})
	go func() {
		m.Release(context.Background(), h)
		close(released)
	}()
	select {
	case <-released:
	case <-time.After(2 * time.Second):
		t.Fatal("release blocked behind a pending create")
	}
	close(unblock)
	<-done
}
