package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"codearena/internal/tournament/sandbox/spec"
	"codearena/pkg/utils/logger"

	"github.com/google/shlex"
	"go.uber.org/zap"
)

const (
	containerLogDir = "/arena/logs"
	containerOutDir = "/arena/out"

	// exit codes reported by docker exec itself
	exitDockerError = 125
	exitTimeoutKill = 137
	exitTimeout     = 124

	// execIDEnv tags every process started by one Exec so it can be found
	// and killed inside the container when the caller gives up.
	execIDEnv   = "ARENA_EXEC_ID"
	killTimeout = 10 * time.Second
)

// killScript kills every process in the container whose environment carries
// the exec id passed as $1.
const killScript = `for p in /proc/[0-9]*; do ` +
	`tr '\0' '\n' < "$p/environ" 2>/dev/null | grep -qx "` + execIDEnv + `=$1" && kill -KILL "${p#/proc/}" 2>/dev/null; ` +
	`done; true`

// dockerRuntime drives long-lived containers through the docker CLI.
// Every container is started detached with `sleep infinity` and commands
// are run with docker exec.
type dockerRuntime struct {
	cfg  Config
	argv []string

	mu    sync.Mutex
	specs map[string]spec.Spec
	seq   atomic.Uint64
}

// NewDockerRuntime creates a docker CLI backed runtime.
func NewDockerRuntime(cfg Config) (Runtime, error) {
	cfg = cfg.withDefaults()
	argv, err := shlex.Split(cfg.DockerCommand)
	if err != nil {
		return nil, fmt.Errorf("parse docker command: %w", err)
	}
	if len(argv) == 0 {
		return nil, fmt.Errorf("docker command is empty")
	}
	return &dockerRuntime{cfg: cfg, argv: argv, specs: make(map[string]spec.Spec)}, nil
}

func (d *dockerRuntime) Name() string { return KindDocker }

func (d *dockerRuntime) Probe(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	out, errOut, code, err := d.run(ctx, nil, "version", "--format", "{{.Server.Version}}")
	if err != nil {
		return fmt.Errorf("docker unavailable: %w", err)
	}
	if code != 0 {
		return fmt.Errorf("docker unavailable: %s", strings.TrimSpace(string(errOut)))
	}
	logger.Debug(ctx, "docker runtime available", zap.String("server_version", strings.TrimSpace(string(out))))
	return nil
}

func (d *dockerRuntime) Create(ctx context.Context, name string, s spec.Spec, dirs spec.Dirs) error {
	if s.Image == "" {
		return fmt.Errorf("sandbox image is required")
	}
	args := d.buildRunArgs(name, s, dirs)
	_, errOut, code, err := d.run(ctx, nil, args...)
	if err != nil {
		return fmt.Errorf("docker run: %w", err)
	}
	if code != 0 {
		return fmt.Errorf("docker run exited %d: %s", code, strings.TrimSpace(string(errOut)))
	}
	d.mu.Lock()
	d.specs[name] = s
	d.mu.Unlock()

	_, errOut, code, err = d.run(ctx, nil, "exec", name, "mkdir", "-p", s.WorkDir)
	if err != nil || code != 0 {
		d.forceRemove(name)
		return fmt.Errorf("prepare workdir: %v %s", err, strings.TrimSpace(string(errOut)))
	}
	return nil
}

// buildRunArgs constructs the hardened docker run argument list.
func (d *dockerRuntime) buildRunArgs(name string, s spec.Spec, dirs spec.Dirs) []string {
	memoryFlag := strconv.FormatInt(s.MemoryMB, 10) + "m"
	args := []string{
		"run", "-d",
		"--name", name,
		"--label", "codearena.sandbox=" + name,

		"--cap-drop=ALL",
		"--security-opt=no-new-privileges",

		"--memory=" + memoryFlag,
		"--memory-swap=" + memoryFlag,
		"--cpus=" + strconv.FormatFloat(s.CPUCores, 'f', 2, 64),
		"--pids-limit=" + strconv.FormatInt(s.PIDs, 10),
		"--ulimit", fmt.Sprintf("nofile=%d:%d", s.NoFile, s.NoFile),

		"-v", dirs.Logs + ":" + containerLogDir,
		"-v", dirs.Out + ":" + containerOutDir,
		"--workdir", s.WorkDir,
	}
	if s.Network {
		args = append(args, "--network=bridge")
	} else {
		args = append(args, "--network=none")
	}
	for _, kv := range mergeEnv(sandboxEnv(s.WorkDir, containerLogDir, containerOutDir), s.Env) {
		args = append(args, "--env", kv)
	}
	args = append(args, s.Image, "sleep", "infinity")
	return args
}

func (d *dockerRuntime) Exec(ctx context.Context, name string, req spec.ExecRequest) (spec.ExecResult, error) {
	if len(req.Cmd) == 0 {
		return spec.ExecResult{}, fmt.Errorf("empty command")
	}
	s, ok := d.spec(name)
	if !ok {
		return spec.ExecResult{}, fmt.Errorf("unknown container %s", name)
	}

	timeout := execTimeout(ctx, req.Timeout)
	id := name + "-" + strconv.FormatUint(d.seq.Add(1), 10)
	args := d.execArgs(name, s, req, timeout, id)

	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout+d.cfg.KillGrace)
		defer cancel()
	}

	start := time.Now()
	stdout, stderr, code, err := d.runLimited(runCtx, args...)
	elapsed := time.Since(start)
	if err != nil {
		// killing the docker client leaves the command running in the container
		d.killExec(name, id)
		if ctx.Err() != nil {
			return spec.ExecResult{}, ctx.Err()
		}
		if runCtx.Err() != nil {
			return spec.ExecResult{Stdout: stdout, Stderr: stderr, ExitCode: -1, TimedOut: true, Duration: elapsed}, nil
		}
		return spec.ExecResult{}, fmt.Errorf("docker exec: %w", err)
	}
	if code == exitDockerError && strings.Contains(stderr, "No such container") {
		return spec.ExecResult{}, fmt.Errorf("container %s is gone", name)
	}
	res := spec.ExecResult{Stdout: stdout, Stderr: stderr, ExitCode: code, Duration: elapsed}
	if timeout > 0 && (code == exitTimeoutKill || code == exitTimeout) && elapsed >= timeout {
		res.TimedOut = true
	}
	return res, nil
}

// execArgs builds the docker exec argument list. The command runs under
// timeout(1) when the wrapper is enabled and carries the exec id in its
// environment.
func (d *dockerRuntime) execArgs(name string, s spec.Spec, req spec.ExecRequest, timeout time.Duration, id string) []string {
	args := []string{"exec", "--workdir", containerPath(s, req.Dir)}
	for _, kv := range mergeEnv(req.Env, map[string]string{execIDEnv: id}) {
		args = append(args, "--env", kv)
	}
	args = append(args, name)
	if timeout > 0 && *d.cfg.TimeoutWrapper {
		secs := int64((timeout + time.Second - 1) / time.Second)
		if secs < 1 {
			secs = 1
		}
		args = append(args, "timeout", "-s", "KILL", strconv.FormatInt(secs, 10)+"s")
	}
	return append(args, req.Cmd...)
}

func killArgs(name, id string) []string {
	return []string{"exec", name, "sh", "-c", killScript, "arena-kill", id}
}

// killExec kills what is left of an abandoned exec inside the container.
func (d *dockerRuntime) killExec(name, id string) {
	ctx, cancel := context.WithTimeout(context.Background(), killTimeout)
	defer cancel()
	_, errOut, code, err := d.run(ctx, nil, killArgs(name, id)...)
	if err != nil || code != 0 {
		logger.Warn(ctx, "kill abandoned exec failed",
			zap.String("container", name),
			zap.String("exec_id", id),
			zap.Int("exit_code", code),
			zap.String("stderr", strings.TrimSpace(string(errOut))),
			zap.Error(err),
		)
	}
}

// execTimeout caps the requested timeout by the time left on ctx.
func execTimeout(ctx context.Context, requested time.Duration) time.Duration {
	deadline, ok := ctx.Deadline()
	if !ok {
		return requested
	}
	left := time.Until(deadline)
	if left <= 0 {
		left = time.Millisecond
	}
	if requested <= 0 || left < requested {
		return left
	}
	return requested
}

func (d *dockerRuntime) CopyIn(ctx context.Context, name, dst string, tarStream []byte) error {
	s, ok := d.spec(name)
	if !ok {
		return fmt.Errorf("unknown container %s", name)
	}
	target := containerPath(s, dst)
	if _, errOut, code, err := d.run(ctx, nil, "exec", name, "mkdir", "-p", target); err != nil || code != 0 {
		return fmt.Errorf("mkdir %s: %v %s", target, err, strings.TrimSpace(string(errOut)))
	}
	_, errOut, code, err := d.run(ctx, tarStream, "cp", "-", name+":"+target)
	if err != nil {
		return fmt.Errorf("docker cp: %w", err)
	}
	if code != 0 {
		return fmt.Errorf("docker cp exited %d: %s", code, strings.TrimSpace(string(errOut)))
	}
	return nil
}

func (d *dockerRuntime) CopyOut(ctx context.Context, name string, paths []string) ([]byte, error) {
	s, ok := d.spec(name)
	if !ok {
		return nil, fmt.Errorf("unknown container %s", name)
	}
	args := []string{"exec", name, "tar", "-C", s.WorkDir, "-cf", "-"}
	args = append(args, paths...)
	out, errOut, code, err := d.run(ctx, nil, args...)
	if err != nil {
		return nil, fmt.Errorf("docker exec tar: %w", err)
	}
	if code != 0 {
		return nil, fmt.Errorf("docker exec tar exited %d: %s", code, strings.TrimSpace(string(errOut)))
	}
	return out, nil
}

func (d *dockerRuntime) Alive(ctx context.Context, name string) bool {
	out, _, code, err := d.run(ctx, nil, "inspect", "-f", "{{.State.Running}}", name)
	return err == nil && code == 0 && strings.TrimSpace(string(out)) == "true"
}

func (d *dockerRuntime) Destroy(ctx context.Context, name string) error {
	d.mu.Lock()
	delete(d.specs, name)
	d.mu.Unlock()
	_, errOut, code, err := d.run(ctx, nil, "rm", "-f", name)
	if err != nil {
		return fmt.Errorf("docker rm: %w", err)
	}
	if code != 0 && !bytes.Contains(errOut, []byte("No such container")) {
		return fmt.Errorf("docker rm exited %d: %s", code, strings.TrimSpace(string(errOut)))
	}
	return nil
}

// forceRemove is a best-effort cleanup used on partially created containers.
func (d *dockerRuntime) forceRemove(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := d.Destroy(ctx, name); err != nil {
		logger.Warn(ctx, "docker rm -f failed", zap.String("container", name), zap.Error(err))
	}
}

func (d *dockerRuntime) spec(name string) (spec.Spec, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.specs[name]
	return s, ok
}

func (d *dockerRuntime) command(ctx context.Context, args ...string) *exec.Cmd {
	full := append(append([]string{}, d.argv[1:]...), args...)
	return exec.CommandContext(ctx, d.argv[0], full...)
}

// run executes the docker CLI and returns its output and exit code.
// err is set only when the CLI could not be run to completion.
func (d *dockerRuntime) run(ctx context.Context, stdin []byte, args ...string) ([]byte, []byte, int, error) {
	cmd := d.command(ctx, args...)
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	code, err := exitStatus(ctx, err)
	return stdout.Bytes(), stderr.Bytes(), code, err
}

func (d *dockerRuntime) runLimited(ctx context.Context, args ...string) (string, string, int, error) {
	cmd := d.command(ctx, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &limitedWriter{w: &stdout, remaining: d.cfg.StdoutStderrMaxBytes}
	cmd.Stderr = &limitedWriter{w: &stderr, remaining: d.cfg.StdoutStderrMaxBytes}
	err := cmd.Run()
	code, err := exitStatus(ctx, err)
	return stdout.String(), stderr.String(), code, err
}

func exitStatus(ctx context.Context, err error) (int, error) {
	if err == nil {
		return 0, nil
	}
	if ctx.Err() != nil {
		return -1, ctx.Err()
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return -1, err
}
