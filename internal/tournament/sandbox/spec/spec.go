// Package spec defines sandbox resource specifications and execution records.
package spec

import "time"

// Spec describes the environment a sandbox must provide.
type Spec struct {
	Image    string            `yaml:"image" json:"image"`
	CPUCores float64           `yaml:"cpuCores" json:"cpu_cores"`
	MemoryMB int64             `yaml:"memoryMB" json:"memory_mb"`
	PIDs     int64             `yaml:"pids" json:"pids"`
	NoFile   int64             `yaml:"noFile" json:"no_file"`
	Network  bool              `yaml:"network" json:"network"`
	WorkDir  string            `yaml:"workDir" json:"work_dir"`
	Env      map[string]string `yaml:"env" json:"env,omitempty"`
}

// WithDefaults fills unset limits.
func (s Spec) WithDefaults() Spec {
	if s.CPUCores <= 0 {
		s.CPUCores = 1
	}
	if s.MemoryMB <= 0 {
		s.MemoryMB = 1024
	}
	if s.PIDs <= 0 {
		s.PIDs = 256
	}
	if s.NoFile <= 0 {
		s.NoFile = 1024
	}
	if s.WorkDir == "" {
		s.WorkDir = "/workspace"
	}
	return s
}

// Dirs are the host directories dedicated to one sandbox.
type Dirs struct {
	Root string
	Logs string
	Out  string
}

// ExecRequest is one command to run inside a sandbox.
// Dir is relative to the sandbox working directory.
type ExecRequest struct {
	Cmd     []string
	Env     map[string]string
	Dir     string
	Timeout time.Duration
}

// ExecResult is the outcome of a command that ran to completion or was killed on timeout.
type ExecResult struct {
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	ExitCode int           `json:"exit_code"`
	TimedOut bool          `json:"timed_out"`
	Duration time.Duration `json:"duration"`
}

// OK reports a zero exit code without timeout.
func (r ExecResult) OK() bool {
	return !r.TimedOut && r.ExitCode == 0
}

// Combined returns stdout followed by stderr.
func (r ExecResult) Combined() string {
	if r.Stderr == "" {
		return r.Stdout
	}
	if r.Stdout == "" {
		return r.Stderr
	}
	return r.Stdout + "\n" + r.Stderr
}
