// Package observer defines metrics hooks for sandbox lifecycle and execution.
package observer

import (
	"context"
	"time"
)

// MetricsRecorder records sandbox metrics.
type MetricsRecorder interface {
	ObserveAcquire(ctx context.Context, engine string, ok bool, elapsed time.Duration)
	ObserveExec(ctx context.Context, engine string, exitCode int, timedOut bool, elapsed time.Duration)
	ObserveRelease(ctx context.Context, engine string, ok bool)
}

// Nop discards all observations.
type Nop struct{}

func (Nop) ObserveAcquire(context.Context, string, bool, time.Duration) {}
func (Nop) ObserveExec(context.Context, string, int, bool, time.Duration) {}
func (Nop) ObserveRelease(context.Context, string, bool) {}
