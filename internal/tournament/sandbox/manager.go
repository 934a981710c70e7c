// Package sandbox provisions, runs commands in, and tears down isolated execution environments.
package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"codearena/internal/tournament/sandbox/engine"
	"codearena/internal/tournament/sandbox/observer"
	"codearena/internal/tournament/sandbox/spec"
	"codearena/internal/tournament/sandbox/tarball"
	appErr "codearena/pkg/errors"
	"codearena/pkg/utils/contextkey"
	"codearena/pkg/utils/logger"

	"go.uber.org/zap"
)

const releaseTimeout = 30 * time.Second

// Config controls the sandbox manager.
type Config struct {
	// WorkRoot holds one directory per sandbox with its logs and out dirs.
	WorkRoot string `yaml:"workRoot"`
	// NamePrefix is prepended to every allocated sandbox name.
	NamePrefix string `yaml:"namePrefix"`
	// DefaultTimeout applies to Exec requests without a timeout.
	DefaultTimeout time.Duration `yaml:"defaultTimeout"`
}

// Handle identifies one provisioned sandbox. It is owned by whoever acquired it.
type Handle struct {
	Name   string
	Owner  string
	Spec   spec.Spec
	Dirs   spec.Dirs
	engine string

	released atomic.Bool
}

// Released reports whether Release has been called on h.
func (h *Handle) Released() bool {
	return h.released.Load()
}

// LogDir is the host directory mounted into the sandbox for logs.
func (h *Handle) LogDir() string { return h.Dirs.Logs }

// OutDir is the host directory mounted into the sandbox for outputs.
func (h *Handle) OutDir() string { return h.Dirs.Out }

// Stats are the lifetime counters of a manager.
type Stats struct {
	Acquired int64
	Released int64
}

// Live is the number of sandboxes acquired and not yet released.
func (s Stats) Live() int64 { return s.Acquired - s.Released }

// Manager is the sandbox lifecycle entrypoint used by sessions and arenas.
type Manager struct {
	cfg     Config
	rt      engine.Runtime
	metrics observer.MetricsRecorder

	// mu serializes name allocation and the handle registry only.
	mu      sync.Mutex
	seq     int
	handles map[string]*Handle

	acquired atomic.Int64
	released atomic.Int64
}

// NewManager creates a manager on top of a runtime.
func NewManager(rt engine.Runtime, cfg Config, metrics observer.MetricsRecorder) (*Manager, error) {
	if rt == nil {
		return nil, fmt.Errorf("sandbox runtime is required")
	}
	if cfg.WorkRoot == "" {
		return nil, fmt.Errorf("sandbox work root is required")
	}
	if cfg.NamePrefix == "" {
		cfg.NamePrefix = "arena"
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 5 * time.Minute
	}
	if metrics == nil {
		metrics = observer.Nop{}
	}
	abs, err := filepath.Abs(cfg.WorkRoot)
	if err != nil {
		return nil, fmt.Errorf("resolve work root: %w", err)
	}
	cfg.WorkRoot = abs
	return &Manager{cfg: cfg, rt: rt, metrics: metrics, handles: make(map[string]*Handle)}, nil
}

// Probe verifies the runtime is reachable. Failure is a provisioning error.
func (m *Manager) Probe(ctx context.Context) error {
	if err := m.rt.Probe(ctx); err != nil {
		return appErr.Wrapf(err, appErr.SandboxProvisionFailed, "sandbox runtime %s unavailable", m.rt.Name())
	}
	return nil
}

// Acquire provisions a sandbox for owner. Failures are SandboxProvisionFailed and are not retried.
func (m *Manager) Acquire(ctx context.Context, owner string, s spec.Spec) (*Handle, error) {
	s = s.WithDefaults()
	start := time.Now()

	m.mu.Lock()
	m.seq++
	name := fmt.Sprintf("%s-%s-%d", m.cfg.NamePrefix, sanitize(owner), m.seq)
	m.mu.Unlock()

	root := filepath.Join(m.cfg.WorkRoot, name)
	dirs := spec.Dirs{Root: root, Logs: filepath.Join(root, "logs"), Out: filepath.Join(root, "out")}
	err := m.create(ctx, name, s, dirs)
	var h *Handle
	if err == nil {
		h = &Handle{Name: name, Owner: owner, Spec: s, Dirs: dirs, engine: m.rt.Name()}
		m.mu.Lock()
		m.handles[name] = h
		m.mu.Unlock()
	}

	m.metrics.ObserveAcquire(ctx, m.rt.Name(), err == nil, time.Since(start))
	if err != nil {
		logger.Error(ctx, "sandbox provisioning failed", zap.String("owner", owner), zap.String("sandbox", name), zap.Error(err))
		return nil, appErr.Wrapf(err, appErr.SandboxProvisionFailed, "provision sandbox for %s", owner)
	}
	m.acquired.Add(1)
	logger.Info(contextWithSandbox(ctx, name), "sandbox acquired",
		zap.String("owner", owner),
		zap.String("engine", m.rt.Name()),
		zap.String("image", s.Image),
		zap.Duration("elapsed", time.Since(start)),
	)
	return h, nil
}

func (m *Manager) create(ctx context.Context, name string, s spec.Spec, dirs spec.Dirs) error {
	for _, d := range []string{dirs.Logs, dirs.Out} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return fmt.Errorf("create sandbox dir: %w", err)
		}
	}
	return m.rt.Create(ctx, name, s, dirs)
}

// Exec runs a command with a hard wall-clock timeout. A timeout is reported
// through ExecResult.TimedOut; errors are reserved for infrastructure faults.
func (m *Manager) Exec(ctx context.Context, h *Handle, req spec.ExecRequest) (spec.ExecResult, error) {
	if err := m.check(h); err != nil {
		return spec.ExecResult{}, err
	}
	if req.Timeout <= 0 {
		req.Timeout = m.cfg.DefaultTimeout
	}
	ctx = contextWithSandbox(ctx, h.Name)
	res, err := m.rt.Exec(ctx, h.Name, req)
	if err != nil {
		if ctx.Err() != nil {
			return spec.ExecResult{}, appErr.Wrapf(ctx.Err(), appErr.Timeout, "exec in %s canceled", h.Name)
		}
		return spec.ExecResult{}, appErr.Wrapf(err, appErr.SandboxExecFailed, "exec in %s", h.Name)
	}
	m.metrics.ObserveExec(ctx, h.engine, res.ExitCode, res.TimedOut, res.Duration)
	if res.TimedOut {
		logger.Warn(ctx, "sandbox command timed out",
			zap.Strings("cmd", req.Cmd),
			zap.Duration("timeout", req.Timeout),
			zap.Duration("duration", res.Duration),
		)
	} else {
		logger.Debug(ctx, "sandbox command finished",
			zap.Strings("cmd", req.Cmd),
			zap.Int("exit_code", res.ExitCode),
			zap.Duration("duration", res.Duration),
		)
	}
	return res, nil
}

// CopyIn writes files below dst, relative to the sandbox working directory.
func (m *Manager) CopyIn(ctx context.Context, h *Handle, dst string, files []tarball.File) error {
	if err := m.check(h); err != nil {
		return err
	}
	stream, err := tarball.Pack(files)
	if err != nil {
		return appErr.Wrapf(err, appErr.SandboxCopyFailed, "pack files for %s", h.Name)
	}
	if err := m.rt.CopyIn(ctx, h.Name, dst, stream); err != nil {
		return appErr.Wrapf(err, appErr.SandboxCopyFailed, "copy into %s", h.Name)
	}
	return nil
}

// CopyOut returns a tar stream of the given paths relative to the working directory.
func (m *Manager) CopyOut(ctx context.Context, h *Handle, paths ...string) ([]byte, error) {
	if err := m.check(h); err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		paths = []string{"."}
	}
	out, err := m.rt.CopyOut(ctx, h.Name, paths)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.SandboxCopyFailed, "copy out of %s", h.Name)
	}
	return out, nil
}

// CopyOutFiles is CopyOut decoded into files.
func (m *Manager) CopyOutFiles(ctx context.Context, h *Handle, paths ...string) ([]tarball.File, error) {
	out, err := m.CopyOut(ctx, h, paths...)
	if err != nil {
		return nil, err
	}
	files, err := tarball.Unpack(bytes.NewReader(out))
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.SandboxCopyFailed, "decode copy out of %s", h.Name)
	}
	return files, nil
}

// Alive reports whether the sandbox behind h is still running.
func (m *Manager) Alive(ctx context.Context, h *Handle) bool {
	if h == nil || h.Released() {
		return false
	}
	return m.rt.Alive(ctx, h.Name)
}

// Release destroys the sandbox. It is idempotent and never fails; runtime
// errors are logged and the handle is considered released regardless.
func (m *Manager) Release(ctx context.Context, h *Handle) {
	if h == nil || !h.released.CompareAndSwap(false, true) {
		return
	}
	// cleanup must run even when the caller's context is already done
	relCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()
	relCtx = contextWithSandbox(relCtx, h.Name)

	m.mu.Lock()
	delete(m.handles, h.Name)
	m.mu.Unlock()
	err := m.rt.Destroy(relCtx, h.Name)

	m.released.Add(1)
	m.metrics.ObserveRelease(relCtx, h.engine, err == nil)
	if err != nil {
		logger.Warn(relCtx, "sandbox release failed", zap.String("owner", h.Owner), zap.Error(err))
		return
	}
	logger.Debug(relCtx, "sandbox released", zap.String("owner", h.Owner))
}

// ReleaseAll releases every sandbox still registered.
func (m *Manager) ReleaseAll(ctx context.Context) {
	m.mu.Lock()
	live := make([]*Handle, 0, len(m.handles))
	for _, h := range m.handles {
		live = append(live, h)
	}
	m.mu.Unlock()
	for _, h := range live {
		m.Release(ctx, h)
	}
}

// Stats returns the acquire/release counters.
func (m *Manager) Stats() Stats {
	return Stats{Acquired: m.acquired.Load(), Released: m.released.Load()}
}

// Engine returns the runtime name.
func (m *Manager) Engine() string {
	return m.rt.Name()
}

func (m *Manager) check(h *Handle) error {
	if h == nil {
		return appErr.New(appErr.SandboxNotFound)
	}
	if h.Released() {
		return appErr.Newf(appErr.SandboxReleased, "sandbox %s has been released", h.Name)
	}
	return nil
}

func contextWithSandbox(ctx context.Context, name string) context.Context {
	return logger.ContextWith(ctx, contextkey.Sandbox, name)
}

func sanitize(s string) string {
	b := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '-', c == '_':
			b = append(b, c)
		case c >= 'A' && c <= 'Z':
			b = append(b, c+'a'-'A')
		default:
			b = append(b, '-')
		}
	}
	if len(b) == 0 {
		return "sbx"
	}
	return string(b)
}
