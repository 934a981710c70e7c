package engine

import (
	"context"
	"fmt"

	"codearena/internal/tournament/sandbox/spec"
)

// Runtime is the container or process isolation service behind the sandbox manager.
// Names are allocated by the caller and are unique for the life of the runtime.
type Runtime interface {
	Name() string
	// Probe checks that the runtime is usable.
	Probe(ctx context.Context) error
	Create(ctx context.Context, name string, s spec.Spec, dirs spec.Dirs) error
	// Exec runs req inside the sandbox. A command killed on timeout yields
	// TimedOut=true and a nil error; errors signal runtime faults only.
	Exec(ctx context.Context, name string, req spec.ExecRequest) (spec.ExecResult, error)
	// CopyIn extracts a tar stream below dst, relative to the working directory.
	CopyIn(ctx context.Context, name, dst string, tarStream []byte) error
	// CopyOut returns a tar stream of paths relative to the working directory.
	CopyOut(ctx context.Context, name string, paths []string) ([]byte, error)
	Alive(ctx context.Context, name string) bool
	Destroy(ctx context.Context, name string) error
}

const (
	KindDocker = "docker"
	KindLocal  = "local"
)

// New builds the runtime selected by cfg.Kind.
func New(cfg Config) (Runtime, error) {
	cfg = cfg.withDefaults()
	switch cfg.Kind {
	case KindDocker:
		return NewDockerRuntime(cfg)
	case KindLocal:
		return NewLocalRuntime(cfg)
	default:
		return nil, fmt.Errorf("unknown sandbox engine %q", cfg.Kind)
	}
}
