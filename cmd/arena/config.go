package main

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"time"

	"codearena/internal/common/cache"
	"codearena/internal/common/mq"
	"codearena/internal/common/storage"
	"codearena/internal/tournament/agent"
	"codearena/internal/tournament/arena"
	"codearena/internal/tournament/model"
	"codearena/internal/tournament/sandbox"
	"codearena/internal/tournament/sandbox/engine"
	"codearena/internal/tournament/sandbox/spec"
	appErr "codearena/pkg/errors"
	"codearena/pkg/utils/logger"

	"gopkg.in/yaml.v3"
)

const (
	defaultRounds        = 5
	defaultOutputDir     = "runs"
	defaultWorkRoot      = "/tmp/codearena"
	defaultEditTimeout   = 30 * time.Minute
	defaultSinkTimeout   = 5 * time.Second
	defaultMirrorTimeout = time.Minute
	defaultEventTopic    = "arena.round.events"
)

// TournamentConfig holds tournament settings.
type TournamentConfig struct {
	ID            string        `yaml:"id" json:"id,omitempty"`
	Rounds        int           `yaml:"rounds" json:"rounds"`
	FailurePolicy string        `yaml:"failurePolicy" json:"failure_policy"`
	Transparent   bool          `yaml:"transparent" json:"transparent"`
	EditTimeout   time.Duration `yaml:"editTimeout" json:"edit_timeout"`
	Parallelism   int           `yaml:"parallelism" json:"parallelism"`
	Ignore        []string      `yaml:"ignore" json:"ignore,omitempty"`
}

// PlayerConfig binds a player name to a seed codebase and an agent.
type PlayerConfig struct {
	Name  string       `yaml:"name" json:"name"`
	Seed  string       `yaml:"seed" json:"seed"`
	Agent agent.Config `yaml:"agent" json:"agent"`
}

// SandboxConfig holds the sandbox manager settings and the player sandbox spec.
type SandboxConfig struct {
	sandbox.Config `yaml:",inline"`
	Player         spec.Spec `yaml:"player"`
}

// LedgerConfig holds result ledger settings.
type LedgerConfig struct {
	OutputDir     string        `yaml:"outputDir"`
	MirrorBucket  string        `yaml:"mirrorBucket"`
	MirrorTimeout time.Duration `yaml:"mirrorTimeout"`
}

// StatusConfig holds live status and round event settings.
type StatusConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

// MetricsConfig holds the Prometheus endpoint settings.
type MetricsConfig struct {
	Addr string `yaml:"addr"`
	Path string `yaml:"path"`
}

// AppConfig holds the arena config.
type AppConfig struct {
	Logger     logger.Config       `yaml:"logger"`
	Tournament TournamentConfig    `yaml:"tournament"`
	Players    []PlayerConfig      `yaml:"players"`
	Arena      arena.Config        `yaml:"arena"`
	Sandbox    SandboxConfig       `yaml:"sandbox"`
	Engine     engine.Config       `yaml:"engine"`
	Ledger     LedgerConfig        `yaml:"ledger"`
	MinIO      storage.MinIOConfig `yaml:"minio"`
	Redis      cache.RedisConfig   `yaml:"redis"`
	Kafka      mq.KafkaConfig      `yaml:"kafka"`
	Status     StatusConfig        `yaml:"status"`
	Metrics    MetricsConfig       `yaml:"metrics"`
}

// snapshot is the part of the config recorded in the manifest. It carries no
// credentials.
type snapshot struct {
	Tournament TournamentConfig `json:"tournament"`
	Players    []PlayerConfig   `json:"players"`
	Arena      arena.Config     `json:"arena"`
	Sandbox    spec.Spec        `json:"sandbox"`
	Engine     string           `json:"engine"`
}

func (c *AppConfig) snapshot() snapshot {
	return snapshot{
		Tournament: c.Tournament,
		Players:    c.Players,
		Arena:      c.Arena,
		Sandbox:    c.Sandbox.Player,
		Engine:     c.Engine.Kind,
	}
}

// envRef matches ${NAME}. Bare $NAME is left alone so shell commands in the
// config keep their variables.
var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

func expandEnv(s string) string {
	return envRef.ReplaceAllStringFunc(s, func(ref string) string {
		return os.Getenv(ref[2 : len(ref)-1])
	})
}

// loadYAML reads path, expands ${NAME} references and decodes the result.
func loadYAML(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file failed: %w", err)
	}
	if err := yaml.Unmarshal([]byte(expandEnv(string(data))), out); err != nil {
		return fmt.Errorf("parse config file failed: %w", err)
	}
	return nil
}

func loadAppConfig(path string) (*AppConfig, error) {
	var cfg AppConfig
	if err := loadYAML(path, &cfg); err != nil {
		return nil, appErr.Wrapf(err, appErr.InvalidConfig, "load %s", path)
	}
	applyDefaults(&cfg, filepath.Dir(path))
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults fills unset values. Relative seed paths are resolved against
// the config file's directory.
func applyDefaults(cfg *AppConfig, baseDir string) {
	if cfg.Tournament.Rounds == 0 {
		cfg.Tournament.Rounds = defaultRounds
	}
	if cfg.Tournament.FailurePolicy == "" {
		cfg.Tournament.FailurePolicy = string(model.FailureAbort)
	}
	if cfg.Tournament.EditTimeout == 0 {
		cfg.Tournament.EditTimeout = defaultEditTimeout
	}
	if cfg.Tournament.Parallelism <= 0 {
		cfg.Tournament.Parallelism = len(cfg.Players)
	}
	for i := range cfg.Players {
		p := &cfg.Players[i]
		if p.Agent.Kind == "" {
			p.Agent.Kind = agent.CommandKind
		}
		if p.Seed != "" && !filepath.IsAbs(p.Seed) {
			p.Seed = filepath.Join(baseDir, p.Seed)
		}
	}
	if cfg.Arena.Name == "" {
		cfg.Arena.Name = arena.CommandName
	}
	cfg.Arena = cfg.Arena.WithDefaults()
	cfg.Sandbox.Player = cfg.Sandbox.Player.WithDefaults()
	if cfg.Sandbox.WorkRoot == "" {
		cfg.Sandbox.WorkRoot = defaultWorkRoot
	}
	if cfg.Engine.Kind == "" {
		cfg.Engine.Kind = engine.KindDocker
	}
	if cfg.Ledger.OutputDir == "" {
		cfg.Ledger.OutputDir = defaultOutputDir
	}
	if cfg.Ledger.MirrorBucket == "" {
		cfg.Ledger.MirrorBucket = cfg.MinIO.Bucket
	}
	if cfg.Ledger.MirrorTimeout == 0 {
		cfg.Ledger.MirrorTimeout = defaultMirrorTimeout
	}
	if cfg.Status.Timeout == 0 {
		cfg.Status.Timeout = defaultSinkTimeout
	}
	applyRedisDefaults(&cfg.Redis)
	if cfg.Kafka.Topic == "" {
		cfg.Kafka.Topic = defaultEventTopic
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
}

func applyRedisDefaults(cfg *cache.RedisConfig) {
	if cfg == nil {
		return
	}
	defaults := cache.DefaultRedisConfig()
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = defaults.MaxRetries
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = defaults.DialTimeout
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = defaults.ReadTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = defaults.WriteTimeout
	}
	if cfg.PoolSize == 0 {
		cfg.PoolSize = defaults.PoolSize
	}
	if cfg.StatusTTL == 0 {
		cfg.StatusTTL = defaults.StatusTTL
	}
}

func (c *AppConfig) validate() error {
	if c.Tournament.Rounds < 1 {
		return appErr.ConfigError("tournament.rounds", "must be at least 1")
	}
	if !model.FailurePolicy(c.Tournament.FailurePolicy).Valid() {
		return appErr.ConfigError("tournament.failurePolicy", fmt.Sprintf("unknown policy %q", c.Tournament.FailurePolicy))
	}
	if len(c.Players) < 2 {
		return appErr.ConfigError("players", "at least two players are required")
	}
	seen := make(map[string]bool, len(c.Players))
	for i, p := range c.Players {
		field := fmt.Sprintf("players[%d]", i)
		if p.Name == "" {
			return appErr.ConfigError(field+".name", "required")
		}
		if seen[p.Name] {
			return appErr.ConfigError(field+".name", "duplicate player "+p.Name)
		}
		seen[p.Name] = true
		if p.Seed == "" {
			return appErr.ConfigError(field+".seed", "required")
		}
		if st, err := os.Stat(p.Seed); err != nil || !st.IsDir() {
			return appErr.ConfigError(field+".seed", "not a directory: "+p.Seed)
		}
		if !slices.Contains(agent.Kinds(), p.Agent.Kind) {
			return appErr.ConfigError(field+".agent.kind", "unknown agent "+p.Agent.Kind)
		}
		if p.Agent.Kind == agent.CommandKind && p.Agent.Command == "" {
			return appErr.ConfigError(field+".agent.command", "required for command agents")
		}
	}
	if !slices.Contains(arena.Names(), c.Arena.Name) {
		return appErr.ConfigError("arena.name", "unknown arena "+c.Arena.Name)
	}
	if c.Arena.Name == arena.CommandName && c.Arena.SimCommand == "" {
		return appErr.ConfigError("arena.simCommand", "required")
	}
	if c.Engine.Kind != engine.KindDocker && c.Engine.Kind != engine.KindLocal {
		return appErr.ConfigError("engine.kind", "must be docker or local")
	}
	if c.Engine.Kind == engine.KindDocker && c.Sandbox.Player.Image == "" {
		return appErr.ConfigError("sandbox.player.image", "required for the docker engine")
	}
	if c.MinIO.Enabled && c.Ledger.MirrorBucket == "" {
		return appErr.ConfigError("ledger.mirrorBucket", "required when minio is enabled")
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		return appErr.ConfigError("redis.addr", "required when redis is enabled")
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return appErr.ConfigError("kafka.brokers", "required when kafka is enabled")
	}
	return nil
}
