//go:build linux

package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"codearena/internal/tournament/sandbox/spec"
	"codearena/internal/tournament/sandbox/tarball"
	"codearena/pkg/utils/logger"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// localRuntime runs sandboxes as host directories and process groups.
// It contains hangs and runaway resource use, not hostile code.
type localRuntime struct {
	cfg Config

	mu    sync.Mutex
	boxes map[string]*localBox
}

type localBox struct {
	spec    spec.Spec
	dirs    spec.Dirs
	workDir string
	pgids   map[int]struct{}
}

// NewLocalRuntime creates a host process runtime.
func NewLocalRuntime(cfg Config) (Runtime, error) {
	cfg = cfg.withDefaults()
	return &localRuntime{cfg: cfg, boxes: make(map[string]*localBox)}, nil
}

func (l *localRuntime) Name() string { return KindLocal }

func (l *localRuntime) Probe(ctx context.Context) error {
	if _, err := exec.LookPath("sh"); err != nil {
		return fmt.Errorf("local runtime needs a shell: %w", err)
	}
	return nil
}

func (l *localRuntime) Create(ctx context.Context, name string, s spec.Spec, dirs spec.Dirs) error {
	workDir := filepath.Join(dirs.Root, "fs", filepath.FromSlash(strings.TrimPrefix(s.WorkDir, "/")))
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return fmt.Errorf("create workdir: %w", err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.boxes[name]; exists {
		return fmt.Errorf("sandbox %s already exists", name)
	}
	l.boxes[name] = &localBox{spec: s, dirs: dirs, workDir: workDir, pgids: make(map[int]struct{})}
	return nil
}

func (l *localRuntime) Exec(ctx context.Context, name string, req spec.ExecRequest) (spec.ExecResult, error) {
	if len(req.Cmd) == 0 {
		return spec.ExecResult{}, fmt.Errorf("empty command")
	}
	box, ok := l.box(name)
	if !ok {
		return spec.ExecResult{}, fmt.Errorf("unknown sandbox %s", name)
	}

	dir := box.workDir
	if req.Dir != "" {
		dir = filepath.Join(box.workDir, filepath.FromSlash(req.Dir))
	}
	cmd := exec.Command(req.Cmd[0], req.Cmd[1:]...)
	cmd.Dir = dir
	cmd.Env = mergeEnv(
		map[string]string{"PATH": os.Getenv("PATH")},
		sandboxEnv(box.workDir, box.dirs.Logs, box.dirs.Out),
		box.spec.Env,
		req.Env,
	)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true, Pdeathsig: syscall.SIGKILL}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &limitedWriter{w: &stdout, remaining: l.cfg.StdoutStderrMaxBytes}
	cmd.Stderr = &limitedWriter{w: &stderr, remaining: l.cfg.StdoutStderrMaxBytes}
	// a child that left the process group may still hold the output pipes
	cmd.WaitDelay = l.cfg.KillGrace

	start := time.Now()
	if err := cmd.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) {
			return spec.ExecResult{Stderr: err.Error(), ExitCode: 127, Duration: time.Since(start)}, nil
		}
		return spec.ExecResult{}, fmt.Errorf("start command: %w", err)
	}
	pid := cmd.Process.Pid
	if l.cfg.EnableRlimits {
		if err := applyRlimits(pid, box.spec); err != nil {
			logger.Warn(ctx, "apply rlimits failed", zap.Int("pid", pid), zap.Error(err))
		}
	}
	l.register(name, pid)
	defer l.unregister(name, pid)

	var timedOut atomic.Bool
	done := make(chan struct{})
	go func() {
		var wallTimer <-chan time.Time
		if req.Timeout > 0 {
			timer := time.NewTimer(req.Timeout)
			defer timer.Stop()
			wallTimer = timer.C
		}
		select {
		case <-ctx.Done():
			killProcessGroup(pid)
		case <-wallTimer:
			timedOut.Store(true)
			killProcessGroup(pid)
		case <-done:
		}
	}()

	waitErr := cmd.Wait()
	close(done)
	elapsed := time.Since(start)

	if ctx.Err() != nil && !timedOut.Load() {
		return spec.ExecResult{}, ctx.Err()
	}

	res := spec.ExecResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: exitCodeFromErr(waitErr, cmd.ProcessState),
		TimedOut: timedOut.Load(),
		Duration: elapsed,
	}
	if res.TimedOut && res.ExitCode == 0 {
		res.ExitCode = -1
	}
	return res, nil
}

func (l *localRuntime) CopyIn(ctx context.Context, name, dst string, tarStream []byte) error {
	box, ok := l.box(name)
	if !ok {
		return fmt.Errorf("unknown sandbox %s", name)
	}
	target := box.workDir
	if dst != "" && dst != "." {
		clean, err := tarball.Clean(dst)
		if err != nil {
			return err
		}
		target = filepath.Join(box.workDir, filepath.FromSlash(clean))
	}
	if err := os.MkdirAll(target, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", dst, err)
	}
	return tarball.Extract(target, bytes.NewReader(tarStream))
}

func (l *localRuntime) CopyOut(ctx context.Context, name string, paths []string) ([]byte, error) {
	box, ok := l.box(name)
	if !ok {
		return nil, fmt.Errorf("unknown sandbox %s", name)
	}
	rel := make([]string, 0, len(paths))
	for _, p := range paths {
		if p == "" || p == "." {
			rel = append(rel, ".")
			continue
		}
		clean, err := tarball.Clean(p)
		if err != nil {
			return nil, err
		}
		rel = append(rel, clean)
	}
	return tarball.PackDir(box.workDir, rel, nil)
}

func (l *localRuntime) Alive(ctx context.Context, name string) bool {
	box, ok := l.box(name)
	if !ok {
		return false
	}
	_, err := os.Stat(box.workDir)
	return err == nil
}

func (l *localRuntime) Destroy(ctx context.Context, name string) error {
	l.mu.Lock()
	box, ok := l.boxes[name]
	delete(l.boxes, name)
	l.mu.Unlock()
	if !ok {
		return nil
	}
	for pgid := range box.pgids {
		killProcessGroup(pgid)
	}
	if err := os.RemoveAll(filepath.Join(box.dirs.Root, "fs")); err != nil {
		return fmt.Errorf("remove sandbox fs: %w", err)
	}
	return nil
}

func (l *localRuntime) box(name string) (*localBox, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.boxes[name]
	return b, ok
}

func (l *localRuntime) register(name string, pgid int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok := l.boxes[name]; ok {
		b.pgids[pgid] = struct{}{}
	}
}

func (l *localRuntime) unregister(name string, pgid int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok := l.boxes[name]; ok {
		delete(b.pgids, pgid)
	}
}

func killProcessGroup(pid int) {
	if pid <= 0 {
		return
	}
	_ = syscall.Kill(-pid, syscall.SIGKILL)
}

func applyRlimits(pid int, s spec.Spec) error {
	if s.NoFile > 0 {
		lim := &unix.Rlimit{Cur: uint64(s.NoFile), Max: uint64(s.NoFile)}
		if err := unix.Prlimit(pid, unix.RLIMIT_NOFILE, lim, nil); err != nil {
			return fmt.Errorf("nofile: %w", err)
		}
	}
	if s.MemoryMB > 0 {
		limit := uint64(s.MemoryMB) << 20
		lim := &unix.Rlimit{Cur: limit, Max: limit}
		if err := unix.Prlimit(pid, unix.RLIMIT_AS, lim, nil); err != nil {
			return fmt.Errorf("address space: %w", err)
		}
	}
	return nil
}

func exitCodeFromErr(err error, state *os.ProcessState) int {
	if state != nil {
		return state.ExitCode()
	}
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}
