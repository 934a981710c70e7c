package engine

import "time"

const (
	defaultOutputMaxBytes int64 = 1 << 20
	defaultKillGrace            = 10 * time.Second
)

// Config controls sandbox engine behavior.
type Config struct {
	Kind string `yaml:"kind"`
	// DockerCommand is the CLI used by the docker engine, e.g. "docker" or "sudo -n docker".
	DockerCommand string `yaml:"dockerCommand"`
	// TimeoutWrapper prefixes docker exec commands with coreutils timeout.
	TimeoutWrapper *bool `yaml:"timeoutWrapper"`
	// StdoutStderrMaxBytes caps captured output per stream.
	StdoutStderrMaxBytes int64 `yaml:"stdoutStderrMaxBytes"`
	// KillGrace is how long the client waits past a command timeout before giving up.
	KillGrace time.Duration `yaml:"killGrace"`
	// EnableRlimits applies memory and open-file limits in the local engine.
	EnableRlimits bool `yaml:"enableRlimits"`
}

func (c Config) withDefaults() Config {
	if c.Kind == "" {
		c.Kind = KindDocker
	}
	if c.DockerCommand == "" {
		c.DockerCommand = "docker"
	}
	if c.TimeoutWrapper == nil {
		on := true
		c.TimeoutWrapper = &on
	}
	if c.StdoutStderrMaxBytes <= 0 {
		c.StdoutStderrMaxBytes = defaultOutputMaxBytes
	}
	if c.KillGrace <= 0 {
		c.KillGrace = defaultKillGrace
	}
	return c
}
