package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"codearena/internal/common/cache"
	"codearena/internal/common/mq"
	"codearena/internal/common/storage"
	"codearena/internal/tournament/agent"
	"codearena/internal/tournament/arena"
	"codearena/internal/tournament/codesession"
	"codearena/internal/tournament/ledger"
	"codearena/internal/tournament/metrics"
	"codearena/internal/tournament/model"
	"codearena/internal/tournament/repository"
	"codearena/internal/tournament/sandbox"
	"codearena/internal/tournament/sandbox/engine"
	"codearena/internal/tournament/service"
	appErr "codearena/pkg/errors"
	"codearena/pkg/utils/logger"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const metricsShutdownTimeout = 5 * time.Second

// app holds everything a run needs; close releases it.
type app struct {
	cfg       *AppConfig
	collector *metrics.Collector
	manager   *sandbox.Manager
	deps      service.Deps
	closers   []func()
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

// newApp builds the sandbox manager, arena and optional sinks from cfg.
// Sinks that cannot be reached are logged and left out of the run.
func newApp(ctx context.Context, cfg *AppConfig) (*app, error) {
	a := &app{cfg: cfg, collector: metrics.NewCollector()}

	rt, err := engine.New(cfg.Engine)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.InvalidConfig, "init sandbox engine")
	}
	mgr, err := sandbox.NewManager(rt, cfg.Sandbox.Config, a.collector)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.InvalidConfig, "init sandbox manager")
	}
	if err := mgr.Probe(ctx); err != nil {
		return nil, err
	}
	a.manager = mgr
	a.closers = append(a.closers, func() { mgr.ReleaseAll(context.Background()) })

	ar, err := arena.New(cfg.Arena, arena.Deps{Sandboxes: mgr, Observer: a.collector})
	if err != nil {
		a.close()
		return nil, err
	}
	a.deps = service.Deps{Sandboxes: mgr, Arena: ar, Metrics: a.collector}

	if cfg.MinIO.Enabled {
		objStorage, err := storage.NewMinIOStorage(cfg.MinIO)
		if err == nil {
			ectx, cancel := context.WithTimeout(ctx, cfg.Ledger.MirrorTimeout)
			err = objStorage.EnsureBucket(ectx, cfg.Ledger.MirrorBucket)
			cancel()
		}
		if err != nil {
			logger.Warn(ctx, "init minio mirror failed, continuing without it", zap.Error(err))
		} else {
			a.deps.Mirror = ledger.NewMirror(objStorage, cfg.Ledger.MirrorBucket, cfg.Ledger.MirrorTimeout)
		}
	}
	if cfg.Redis.Enabled {
		redisCache, err := cache.NewRedisCacheWithConfig(&cfg.Redis)
		if err != nil {
			logger.Warn(ctx, "init redis failed, continuing without live status", zap.Error(err))
		} else {
			a.closers = append(a.closers, func() { _ = redisCache.Close() })
			a.deps.Status = repository.NewStatusRepository(redisCache, cfg.Redis.StatusTTL)
		}
	}
	if cfg.Kafka.Enabled {
		producer, err := mq.NewKafkaProducer(cfg.Kafka)
		if err != nil {
			logger.Warn(ctx, "init kafka failed, continuing without round events", zap.Error(err))
		} else {
			a.closers = append(a.closers, func() { _ = producer.Close() })
			a.deps.Events = repository.NewMQRoundEventPublisher(producer, cfg.Kafka.Topic)
		}
	}
	return a, nil
}

// serveMetrics exposes the collector until the returned stop func is called.
func (a *app) serveMetrics(ctx context.Context, addr string) (func(), error) {
	mux := http.NewServeMux()
	mux.Handle(a.cfg.Metrics.Path, promhttp.HandlerFor(a.collector.Registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.InvalidConfig, "listen on %s", addr)
	}
	go func() {
		logger.Info(ctx, "metrics server started", zap.String("addr", addr))
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(ctx, "metrics server stopped", zap.Error(err))
		}
	}()
	return func() {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), metricsShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			logger.Warn(ctx, "metrics server shutdown failed", zap.Error(err))
		}
	}, nil
}

// players builds the agents and loads the seed codebases.
func (a *app) players() ([]service.PlayerSetup, error) {
	ignore := a.cfg.Tournament.Ignore
	if ignore == nil {
		ignore = codesession.DefaultIgnore
	}
	out := make([]service.PlayerSetup, 0, len(a.cfg.Players))
	for _, p := range a.cfg.Players {
		ag, err := agent.New(p.Agent, agent.Deps{Sandboxes: a.manager})
		if err != nil {
			return nil, err
		}
		seed, err := codesession.LoadDir(p.Seed, ignore)
		if err != nil {
			return nil, appErr.Wrapf(err, appErr.InvalidConfig, "load seed of %s", p.Name)
		}
		out = append(out, service.PlayerSetup{
			Player: model.Player{Name: p.Name, Agent: p.Agent.Kind, Args: p.Agent.Args},
			Agent:  ag,
			Seed:   seed,
		})
	}
	return out, nil
}

func (a *app) run(ctx context.Context) (service.Result, error) {
	players, err := a.players()
	if err != nil {
		return service.Result{}, err
	}
	t := a.cfg.Tournament
	tour, err := service.NewTournament(service.Config{
		TournamentID:    t.ID,
		OutputDir:       a.cfg.Ledger.OutputDir,
		Rounds:          t.Rounds,
		FailurePolicy:   model.FailurePolicy(t.FailurePolicy),
		Transparent:     t.Transparent,
		EditTimeout:     t.EditTimeout,
		ValidateTimeout: a.cfg.Arena.ValidateTimeout,
		Parallelism:     t.Parallelism,
		SimsPerRound:    a.cfg.Arena.SimsPerRound,
		SandboxSpec:     a.cfg.Sandbox.Player,
		Ignore:          t.Ignore,
		LogLevel:        a.cfg.Logger.Level,
		SinkTimeout:     a.cfg.Status.Timeout,
		Snapshot:        a.cfg.snapshot(),
	}, a.deps, players)
	if err != nil {
		return service.Result{}, err
	}
	return tour.Run(ctx)
}
