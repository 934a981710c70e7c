// Package metrics exposes Prometheus metrics for tournaments and sandboxes.
package metrics

import (
	"context"
	"strconv"
	"time"

	"codearena/internal/tournament/model"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds all arena metrics on a custom registry.
type Collector struct {
	Registry *prometheus.Registry

	SandboxAcquireTotal    *prometheus.CounterVec
	SandboxAcquireDuration *prometheus.HistogramVec
	SandboxReleaseTotal    *prometheus.CounterVec
	SandboxExecTotal       *prometheus.CounterVec
	SandboxExecDuration    *prometheus.HistogramVec
	SandboxLive            prometheus.Gauge

	EditsTotal       *prometheus.CounterVec
	EditDuration     prometheus.Histogram
	ValidationsTotal *prometheus.CounterVec
	SimulationsTotal *prometheus.CounterVec
	RoundsTotal      *prometheus.CounterVec
	RoundDuration    prometheus.Histogram
	PlayerScore      *prometheus.GaugeVec
}

// NewCollector creates a Collector with all metrics registered.
func NewCollector() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		Registry: reg,

		SandboxAcquireTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "arena",
			Subsystem: "sandbox",
			Name:      "acquire_total",
			Help:      "Total sandbox provisioning attempts.",
		}, []string{"engine", "status"}),

		SandboxAcquireDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "arena",
			Subsystem: "sandbox",
			Name:      "acquire_duration_seconds",
			Help:      "Sandbox provisioning duration in seconds.",
			Buckets:   []float64{0.01, 0.1, 0.5, 1, 2, 5, 10, 30},
		}, []string{"engine"}),

		SandboxReleaseTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "arena",
			Subsystem: "sandbox",
			Name:      "release_total",
			Help:      "Total sandbox releases.",
		}, []string{"engine", "status"}),

		SandboxExecTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "arena",
			Subsystem: "sandbox",
			Name:      "exec_total",
			Help:      "Total commands executed in sandboxes.",
		}, []string{"engine", "status"}),

		SandboxExecDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "arena",
			Subsystem: "sandbox",
			Name:      "exec_duration_seconds",
			Help:      "Sandbox command duration in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 120, 600},
		}, []string{"engine"}),

		SandboxLive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "arena",
			Subsystem: "sandbox",
			Name:      "live",
			Help:      "Sandboxes acquired and not yet released.",
		}),

		EditsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "arena",
			Subsystem: "agent",
			Name:      "edits_total",
			Help:      "Total agent edit steps.",
		}, []string{"agent", "status"}),

		EditDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "arena",
			Subsystem: "agent",
			Name:      "edit_duration_seconds",
			Help:      "Agent edit step duration in seconds.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}),

		ValidationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "arena",
			Subsystem: "round",
			Name:      "validations_total",
			Help:      "Total submission validations.",
		}, []string{"result"}),

		SimulationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "arena",
			Subsystem: "round",
			Name:      "simulations_total",
			Help:      "Total simulations executed.",
		}, []string{"arena", "status"}),

		RoundsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "arena",
			Subsystem: "round",
			Name:      "completed_total",
			Help:      "Total rounds by terminal status.",
		}, []string{"status"}),

		RoundDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "arena",
			Subsystem: "round",
			Name:      "duration_seconds",
			Help:      "Round duration in seconds.",
			Buckets:   []float64{1, 10, 30, 60, 300, 600, 1800, 3600},
		}),

		PlayerScore: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "arena",
			Subsystem: "tournament",
			Name:      "player_score",
			Help:      "Cumulative score per player.",
		}, []string{"tournament_id", "player"}),
	}

	reg.MustRegister(
		c.SandboxAcquireTotal,
		c.SandboxAcquireDuration,
		c.SandboxReleaseTotal,
		c.SandboxExecTotal,
		c.SandboxExecDuration,
		c.SandboxLive,
		c.EditsTotal,
		c.EditDuration,
		c.ValidationsTotal,
		c.SimulationsTotal,
		c.RoundsTotal,
		c.RoundDuration,
		c.PlayerScore,
	)
	return c
}

func status(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}

// ObserveAcquire implements observer.MetricsRecorder.
func (c *Collector) ObserveAcquire(ctx context.Context, engine string, ok bool, elapsed time.Duration) {
	c.SandboxAcquireTotal.WithLabelValues(engine, status(ok)).Inc()
	c.SandboxAcquireDuration.WithLabelValues(engine).Observe(elapsed.Seconds())
	if ok {
		c.SandboxLive.Inc()
	}
}

// ObserveExec implements observer.MetricsRecorder.
func (c *Collector) ObserveExec(ctx context.Context, engine string, exitCode int, timedOut bool, elapsed time.Duration) {
	label := "exit_" + strconv.Itoa(exitCode)
	switch {
	case timedOut:
		label = "timeout"
	case exitCode == 0:
		label = "ok"
	}
	c.SandboxExecTotal.WithLabelValues(engine, label).Inc()
	c.SandboxExecDuration.WithLabelValues(engine).Observe(elapsed.Seconds())
}

// ObserveRelease implements observer.MetricsRecorder.
func (c *Collector) ObserveRelease(ctx context.Context, engine string, ok bool) {
	c.SandboxReleaseTotal.WithLabelValues(engine, status(ok)).Inc()
	c.SandboxLive.Dec()
}

// ObserveEdit records one agent edit step.
func (c *Collector) ObserveEdit(agent string, ok bool, elapsed time.Duration) {
	c.EditsTotal.WithLabelValues(agent, status(ok)).Inc()
	c.EditDuration.Observe(elapsed.Seconds())
}

// ObserveValidation records one validation verdict.
func (c *Collector) ObserveValidation(outcome model.OutcomeStatus) {
	c.ValidationsTotal.WithLabelValues(string(outcome)).Inc()
}

// ObserveSimulation records one simulation attempt.
func (c *Collector) ObserveSimulation(arena string, ok bool) {
	c.SimulationsTotal.WithLabelValues(arena, status(ok)).Inc()
}

// ObserveRound records a round reaching a terminal state.
func (c *Collector) ObserveRound(round model.Round) {
	c.RoundsTotal.WithLabelValues(string(round.Status)).Inc()
	if !round.StartedAt.IsZero() && !round.EndedAt.IsZero() {
		c.RoundDuration.Observe(round.EndedAt.Sub(round.StartedAt).Seconds())
	}
}

// SetScores publishes the cumulative score table.
func (c *Collector) SetScores(tournamentID string, scores map[string]float64) {
	for player, score := range scores {
		c.PlayerScore.WithLabelValues(tournamentID, player).Set(score)
	}
}
