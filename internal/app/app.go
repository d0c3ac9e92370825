// Package app assembles a runnable durable host from configuration: the
// logger, the storage backend, the sample orchestration and the HTTP
// server.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/petrijr/durable"
	"github.com/petrijr/durable/internal/config"
	"github.com/petrijr/durable/internal/logging"
	"github.com/petrijr/durable/internal/sample"
	"github.com/petrijr/durable/internal/server"
	"github.com/petrijr/durable/pkg/api"
)

type App struct {
	cfg     *config.Config
	logger  *logging.Logger
	metrics *api.BasicMetrics
	host    *durable.Host
	server  *server.Server
}

// New builds the application. The caller must Close it.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	logger, err := logging.New(ctx, logging.OptionsFrom(cfg))
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	a, err := build(ctx, cfg, logger)
	if err != nil {
		return nil, errors.Join(err, logger.Shutdown(context.WithoutCancel(ctx)))
	}
	return a, nil
}

func build(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*App, error) {
	serde, err := api.SerdeByName(cfg.Serde)
	if err != nil {
		return nil, err
	}

	backend, err := OpenBackend(ctx, cfg, logger.Logger)
	if err != nil {
		return nil, fmt.Errorf("open backend: %w", err)
	}

	metrics := &api.BasicMetrics{}
	host, err := durable.NewHost(backend,
		durable.WithOwner(cfg.Workers.Owner),
		durable.WithLeaseTTL(cfg.Workers.LeaseTTL),
		durable.WithSerde(serde),
		durable.WithLogger(logger.Logger),
		durable.WithObserver(durable.NewCompositeObserver(durable.NewLoggingObserver(logger.Logger), metrics)),
		durable.WithWorkers(durable.Workers{
			Orchestrations: cfg.Workers.Orchestrations,
			Timers:         cfg.Workers.Timers,
			Activities:     cfg.Workers.Activities,
		}),
		durable.WithActivityRetry(durable.RetryPolicy{
			MaxAttempts:  cfg.Activity.MaxAttempts,
			InitialDelay: cfg.Activity.InitialDelay,
			MaxDelay:     cfg.Activity.MaxDelay,
		}),
	)
	if err != nil {
		return nil, errors.Join(err, backend.Close())
	}
	if err := sample.Register(host, cfg.Sample.TimerDelay, logger.Logger); err != nil {
		return nil, errors.Join(err, host.Close())
	}

	srv := server.New(host, server.Options{
		Addr:              cfg.Server.Addr(),
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		ShutdownTimeout:   cfg.Server.ShutdownTimeout,
		Serde:             serde,
		Environment:       cfg.Snapshot(),
		Logger:            logger.Logger,
	})

	return &App{cfg: cfg, logger: logger, metrics: metrics, host: host, server: srv}, nil
}

func (a *App) Host() *durable.Host { return a.host }

func (a *App) Handler() http.Handler { return a.server.Handler() }

func (a *App) Metrics() api.BasicMetricsSnapshot { return a.metrics.Snapshot() }

// Run serves HTTP and runs the worker pools until ctx is cancelled or either
// fails.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Server.Addr())
	if err != nil {
		return fmt.Errorf("listen %s: %w", a.cfg.Server.Addr(), err)
	}
	return a.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	a.logger.InfoContext(ctx, "durable host starting",
		"service", a.cfg.Service,
		"version", a.cfg.Version,
		"store", a.cfg.Store.Backend,
		"queue", a.cfg.Queue.Backend,
		"serde", a.cfg.Serde,
	)
	started := time.Now()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.host.Run(gctx) })
	g.Go(func() error { return a.server.Serve(gctx, ln) })
	err := g.Wait()

	m := a.metrics.Snapshot()
	a.logger.InfoContext(context.WithoutCancel(ctx), "durable host stopped",
		"uptime", time.Since(started).Round(time.Second),
		"started", m.OrchestrationsStarted,
		"completed", m.OrchestrationsCompleted,
		"failed", m.OrchestrationsFailed,
		"terminated", m.OrchestrationsTerminated,
		"activities", m.ActivitiesCompleted,
		"timers", m.TimersFired,
	)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Close releases the backend and flushes exported logs.
func (a *App) Close(ctx context.Context) error {
	return errors.Join(a.host.Close(), a.logger.Shutdown(ctx))
}
