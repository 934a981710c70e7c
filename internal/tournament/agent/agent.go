// Package agent defines the editing agent contract and built-in agents.
package agent

import (
	"context"
	"sort"
	"sync"
	"time"

	"codearena/internal/tournament/sandbox"
	"codearena/internal/tournament/sandbox/spec"
	appErr "codearena/pkg/errors"
)

// EditContext is everything an agent sees for one edit step.
type EditContext struct {
	Round   int
	Rounds  int
	Player  string
	WorkDir string
	Sandbox *sandbox.Handle
	// OpponentDiffs maps opponent name to its full diff against the seed.
	// Empty unless the tournament runs in transparent mode.
	OpponentDiffs map[string]string
	// LastResult summarizes the previous round, empty in round 1.
	LastResult string
}

// Outcome is what an edit step leaves behind besides the edited files.
type Outcome struct {
	Log      string
	Duration time.Duration
}

// Agent edits the player's codebase inside its sandbox. Edit is called once
// per round and must return when ctx is done.
type Agent interface {
	Name() string
	Edit(ctx context.Context, ec EditContext) (Outcome, error)
}

// Config configures one player's agent.
type Config struct {
	Kind    string            `yaml:"kind" json:"kind"`
	Command string            `yaml:"command" json:"command,omitempty"`
	Timeout time.Duration     `yaml:"timeout" json:"timeout,omitempty"`
	Env     map[string]string `yaml:"env" json:"-"`
	Args    map[string]string `yaml:"args" json:"args,omitempty"`
}

// Executor runs commands in a sandbox.
type Executor interface {
	Exec(ctx context.Context, h *sandbox.Handle, req spec.ExecRequest) (spec.ExecResult, error)
}

// Deps are the collaborators handed to agent factories.
type Deps struct {
	Sandboxes Executor
}

// Factory builds an agent.
type Factory func(cfg Config, deps Deps) (Agent, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

// Register makes an agent kind available. Registering a kind twice panics.
func Register(kind string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[kind]; dup {
		panic("agent: duplicate registration of " + kind)
	}
	registry[kind] = f
}

// New builds the agent of cfg.Kind.
func New(cfg Config, deps Deps) (Agent, error) {
	registryMu.RLock()
	f, ok := registry[cfg.Kind]
	registryMu.RUnlock()
	if !ok {
		return nil, appErr.Newf(appErr.AgentNotFound, "agent %q is not registered", cfg.Kind)
	}
	return f(cfg, deps)
}

// Kinds lists registered agent kinds.
func Kinds() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	kinds := make([]string, 0, len(registry))
	for k := range registry {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}
