//go:build linux

package engine

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"codearena/internal/tournament/sandbox/spec"
	"codearena/internal/tournament/sandbox/tarball"
)

func newLocalBox(t *testing.T) (Runtime, string) {
	t.Helper()
	return newLocalBoxWith(t, Config{Kind: KindLocal})
}

func newLocalBoxWith(t *testing.T, cfg Config) (Runtime, string) {
	t.Helper()
	rt, err := NewLocalRuntime(cfg)
	if err != nil {
		t.Fatalf("new local runtime: %v", err)
	}
	root := t.TempDir()
	dirs := spec.Dirs{Root: root, Logs: filepath.Join(root, "logs"), Out: filepath.Join(root, "out")}
	for _, d := range []string{dirs.Logs, dirs.Out} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
	}
	if err := rt.Create(context.Background(), "box-1", spec.Spec{}.WithDefaults(), dirs); err != nil {
		t.Fatalf("create: %v", err)
	}
	t.Cleanup(func() { _ = rt.Destroy(context.Background(), "box-1") })
	return rt, root
}

func TestLocalExecCapturesOutput(t *testing.T) {
	rt, _ := newLocalBox(t)
	res, err := rt.Exec(context.Background(), "box-1", spec.ExecRequest{
		Cmd: []string{"sh", "-c", "echo out; echo err >&2; exit 3"},
	})
	if err != nil {
		t.Fatalf("exec: %v", err)
	}
	if res.ExitCode != 3 || strings.TrimSpace(res.Stdout) != "out" || strings.TrimSpace(res.Stderr) != "err" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.TimedOut {
		t.Fatalf("unexpected timeout")
	}
}

func TestLocalExecTimeoutKillsGroup(t *testing.T) {
	rt, _ := newLocalBox(t)
	start := time.Now()
	res, err := rt.Exec(context.Background(), "box-1", spec.ExecRequest{
		Cmd:     []string{"sh", "-c", "sleep 30 & sleep 30; wait"},
		Timeout: 200 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("exec returned error on timeout: %v", err)
	}
	if !res.TimedOut {
		t.Fatalf("expected timeout, got %+v", res)
	}
	if time.Since(start) > 5*time.Second {
		t.Fatalf("timeout not enforced")
	}
}

func TestLocalExecTimeoutWithDetachedChild(t *testing.T) {
	if _, err := exec.LookPath("setsid"); err != nil {
		t.Skip("setsid not available")
	}
	grace := 500 * time.Millisecond
	rt, _ := newLocalBoxWith(t, Config{Kind: KindLocal, KillGrace: grace})
	timeout := 300 * time.Millisecond
	start := time.Now()
	// the detached sleep leaves the group but keeps stdout open
	res, err := rt.Exec(context.Background(), "box-1", spec.ExecRequest{
		Cmd:     []string{"sh", "-c", "setsid sleep 5 & sleep 30"},
		Timeout: timeout,
	})
	if err != nil {
		t.Fatalf("exec returned error on timeout: %v", err)
	}
	if !res.TimedOut {
		t.Fatalf("expected timeout, got %+v", res)
	}
	if elapsed := time.Since(start); elapsed > timeout+grace+2*time.Second {
		t.Fatalf("exec outlived its hard bound: %s", elapsed)
	}
}

func TestLocalExecMissingBinary(t *testing.T) {
	rt, _ := newLocalBox(t)
	res, err := rt.Exec(context.Background(), "box-1", spec.ExecRequest{Cmd: []string{"definitely-not-a-binary-xyz"}})
	if err != nil {
		t.Fatalf("exec: %v", err)
	}
	if res.ExitCode != 127 {
		t.Fatalf("expected 127, got %d", res.ExitCode)
	}
}

func TestLocalCopyInOut(t *testing.T) {
	rt, _ := newLocalBox(t)
	ctx := context.Background()
	stream, err := tarball.Pack([]tarball.File{{Path: "main.sh", Data: []byte("echo hi\n"), Mode: 0o755}})
	if err != nil {
		t.Fatalf("pack: %v", err)
	}
	if err := rt.CopyIn(ctx, "box-1", "code", stream); err != nil {
		t.Fatalf("copy in: %v", err)
	}
	res, err := rt.Exec(ctx, "box-1", spec.ExecRequest{Cmd: []string{"sh", "main.sh"}, Dir: "code"})
	if err != nil || strings.TrimSpace(res.Stdout) != "hi" {
		t.Fatalf("exec copied script: %+v err %v", res, err)
	}
	out, err := rt.CopyOut(ctx, "box-1", []string{"code"})
	if err != nil {
		t.Fatalf("copy out: %v", err)
	}
	files, err := tarball.Unpack(strings.NewReader(string(out)))
	if err != nil || len(files) != 1 || files[0].Path != "code/main.sh" {
		t.Fatalf("unexpected copy out: %+v err %v", files, err)
	}
}

func TestLocalDestroyIsIdempotent(t *testing.T) {
	rt, _ := newLocalBox(t)
	ctx := context.Background()
	if err := rt.Destroy(ctx, "box-1"); err != nil {
		t.Fatalf("destroy: %v", err)
	}
	if err := rt.Destroy(ctx, "box-1"); err != nil {
		t.Fatalf("second destroy: %v", err)
	}
	if rt.Alive(ctx, "box-1") {
		t.Fatalf("expected sandbox to be gone")
	}
	if _, err := rt.Exec(ctx, "box-1", spec.ExecRequest{Cmd: []string{"true"}}); err == nil {
		t.Fatalf("expected error exec on destroyed sandbox")
	}
}
