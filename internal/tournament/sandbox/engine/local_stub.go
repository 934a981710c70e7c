//go:build !linux

package engine

import "fmt"

// NewLocalRuntime is only available on linux.
func NewLocalRuntime(cfg Config) (Runtime, error) {
	return nil, fmt.Errorf("local sandbox engine is only supported on linux")
}
