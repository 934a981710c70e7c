// Package arena defines the pluggable game adapter contract and its registry.
package arena

import (
	"context"
	"sort"
	"sync"
	"time"

	"codearena/internal/tournament/codesession"
	"codearena/internal/tournament/model"
	"codearena/internal/tournament/sandbox"
	"codearena/internal/tournament/sandbox/spec"
	"codearena/internal/tournament/sandbox/tarball"
	appErr "codearena/pkg/errors"
)

const (
	defaultSimsPerRound    = 10
	defaultMaxSimRetries   = 2
	defaultValidateTimeout = 2 * time.Minute
	defaultSimTimeout      = 5 * time.Minute
)

// Arena runs one game between validated submissions.
// Validate, ExecuteRound and Score are called in this order once per round.
type Arena interface {
	Name() string
	// Validate reports whether a submission can be run by the game. A timeout
	// means ok=false; err is reserved for infrastructure faults.
	Validate(ctx context.Context, player string, sub Submission) (ok bool, reason string, err error)
	// ExecuteRound runs the configured number of simulations. Transient
	// failures of one simulation are retried; exhausting the retries fails the round.
	ExecuteRound(ctx context.Context, round int, subs []Submission) (RawOutput, error)
	// Score turns raw output into a result. It is pure and idempotent.
	Score(raw RawOutput) (model.ArenaResult, error)
}

// Submission is a player's codebase as committed for a round.
type Submission struct {
	Player  string
	Hash    string
	Tree    codesession.Tree
	Sandbox *sandbox.Handle
}

// SimRecord is the outcome of one simulation after retries.
type SimRecord struct {
	Index    int      `json:"index"`
	Order    []string `json:"order"`
	Attempts int      `json:"attempts"`
	Winner   string   `json:"winner,omitempty"`
	Draw     bool     `json:"draw"`
	ExitCode int      `json:"exit_code"`
	TimedOut bool     `json:"timed_out,omitempty"`
	Error    string   `json:"error,omitempty"`
	Log      string   `json:"-"`
}

// Decisive reports whether the simulation produced a winner.
func (s SimRecord) Decisive() bool {
	return s.Error == "" && !s.Draw && s.Winner != ""
}

// RawOutput is everything ExecuteRound observed.
type RawOutput struct {
	Round   int         `json:"round"`
	Players []string    `json:"players"`
	Sims    []SimRecord `json:"sims"`
}

// Config configures an arena instance.
type Config struct {
	Name            string            `yaml:"name" json:"name"`
	SimsPerRound    int               `yaml:"simsPerRound" json:"sims_per_round"`
	MaxSimRetries   int               `yaml:"maxSimRetries" json:"max_sim_retries"`
	Parallelism     int               `yaml:"parallelism" json:"parallelism"`
	ValidateTimeout time.Duration     `yaml:"validateTimeout" json:"validate_timeout"`
	SimTimeout      time.Duration     `yaml:"simTimeout" json:"sim_timeout"`
	Submission      string            `yaml:"submission" json:"submission"`
	ValidateCommand string            `yaml:"validateCommand" json:"validate_command"`
	SimCommand      string            `yaml:"simCommand" json:"sim_command"`
	ShufflePlayers  bool              `yaml:"shufflePlayers" json:"shuffle_players"`
	Seed            uint64            `yaml:"seed" json:"seed"`
	Sandbox         spec.Spec         `yaml:"sandbox" json:"sandbox"`
	Args            map[string]string `yaml:"args" json:"args,omitempty"`
}

// WithDefaults fills unset values.
func (c Config) WithDefaults() Config {
	if c.SimsPerRound <= 0 {
		c.SimsPerRound = defaultSimsPerRound
	}
	if c.MaxSimRetries < 0 {
		c.MaxSimRetries = 0
	} else if c.MaxSimRetries == 0 {
		c.MaxSimRetries = defaultMaxSimRetries
	}
	if c.Parallelism <= 0 {
		c.Parallelism = 1
	}
	if c.ValidateTimeout <= 0 {
		c.ValidateTimeout = defaultValidateTimeout
	}
	if c.SimTimeout <= 0 {
		c.SimTimeout = defaultSimTimeout
	}
	c.Sandbox = c.Sandbox.WithDefaults()
	return c
}

// Sandboxes is the subset of the sandbox manager an arena needs.
type Sandboxes interface {
	Acquire(ctx context.Context, owner string, s spec.Spec) (*sandbox.Handle, error)
	Exec(ctx context.Context, h *sandbox.Handle, req spec.ExecRequest) (spec.ExecResult, error)
	CopyIn(ctx context.Context, h *sandbox.Handle, dst string, files []tarball.File) error
	Release(ctx context.Context, h *sandbox.Handle)
}

// SimObserver is notified of every simulation attempt.
type SimObserver interface {
	ObserveSimulation(arena string, ok bool)
}

// Deps are the collaborators handed to arena factories.
type Deps struct {
	Sandboxes Sandboxes
	Observer  SimObserver
}

// Factory builds an arena from its configuration.
type Factory func(cfg Config, deps Deps) (Arena, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

// Register makes an arena available by name. Registering a name twice panics.
func Register(name string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[name]; dup {
		panic("arena: duplicate registration of " + name)
	}
	registry[name] = f
}

// New builds the arena named by cfg.Name.
func New(cfg Config, deps Deps) (Arena, error) {
	registryMu.RLock()
	f, ok := registry[cfg.Name]
	registryMu.RUnlock()
	if !ok {
		return nil, appErr.Newf(appErr.ArenaNotFound, "arena %q is not registered", cfg.Name)
	}
	return f(cfg.WithDefaults(), deps)
}

// Names lists registered arenas.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
