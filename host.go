package durable

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/petrijr/durable/internal/activity"
	"github.com/petrijr/durable/internal/engine"
	"github.com/petrijr/durable/internal/history"
	"github.com/petrijr/durable/internal/status"
	"github.com/petrijr/durable/internal/taskqueue"
	"github.com/petrijr/durable/internal/timer"
	"github.com/petrijr/durable/pkg/api"
	"github.com/petrijr/durable/pkg/worker"
)

// Queue names shared by every queue backend.
const (
	OrchestrationQueue = "orchestrations"
	TimerQueue         = "timers"
	ActivityQueue      = "activities"
)

// Backend is the storage a Host runs on: one history store and the three
// task queues. Close and Ping may be nil.
type Backend struct {
	Store          history.Store
	Orchestrations taskqueue.Queue
	Timers         taskqueue.Queue
	Activities     taskqueue.Queue

	Close func() error
	Ping  func(ctx context.Context) error
}

// Workers sets the size of each worker pool.
type Workers struct {
	Orchestrations int
	Timers         int
	Activities     int
}

type options struct {
	owner        string
	leaseTTL     time.Duration
	serde        api.Serde
	clock        api.Clock
	observer     api.Observer
	logger       *slog.Logger
	workers      Workers
	retry        RetryPolicy
	pollInterval time.Duration
}

// Option configures a Host.
type Option func(*options)

// WithOwner names the host in instance and task leases.
func WithOwner(owner string) Option { return func(o *options) { o.owner = owner } }

func WithLeaseTTL(d time.Duration) Option { return func(o *options) { o.leaseTTL = d } }

// WithSerde selects the payload codec. The default is JSON.
func WithSerde(s Serde) Option { return func(o *options) { o.serde = s } }

func WithClock(c Clock) Option { return func(o *options) { o.clock = c } }

func WithObserver(obs Observer) Option { return func(o *options) { o.observer = obs } }

func WithLogger(l *slog.Logger) Option { return func(o *options) { o.logger = l } }

func WithWorkers(w Workers) Option { return func(o *options) { o.workers = w } }

func WithActivityRetry(p RetryPolicy) Option { return func(o *options) { o.retry = p } }

// WithPollInterval sets how often the built-in queues re-check for due
// tasks. It only applies to hosts whose queues are built by this package.
func WithPollInterval(d time.Duration) Option { return func(o *options) { o.pollInterval = d } }

func newOptions(opts []Option) options {
	o := options{
		leaseTTL: 30 * time.Second,
		serde:    api.JSONSerde{},
		clock:    api.SystemClock{},
		observer: api.NoopObserver{},
		logger:   slog.Default(),
		workers:  Workers{Orchestrations: 4, Timers: 2, Activities: 4},
		retry:    activity.DefaultRetryPolicy,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	if o.owner == "" {
		o.owner = "host-" + taskqueue.NewTaskID()
	}
	return o
}

func (o options) queueOptions() []taskqueue.Option {
	qo := []taskqueue.Option{taskqueue.WithClock(o.clock)}
	if o.pollInterval > 0 {
		qo = append(qo, taskqueue.WithPollInterval(o.pollInterval))
	}
	return qo
}

// Host runs orchestrations: it owns the engine, the timer service, the
// activity executor and their worker pools over one Backend.
type Host struct {
	backend    Backend
	opts       options
	registry   *engine.Registry
	engine     *engine.Engine
	timers     *timer.Service
	activities *activity.Executor
	status     *status.Service
}

var _ api.Client = (*Host)(nil)

// NewHost builds a host over b.
func NewHost(b Backend, opts ...Option) (*Host, error) {
	return newHost(b, newOptions(opts))
}

func newHost(b Backend, o options) (*Host, error) {
	if b.Store == nil || b.Orchestrations == nil || b.Timers == nil || b.Activities == nil {
		return nil, errors.New("durable: backend needs a store and three queues")
	}

	registry := engine.NewRegistry()
	wake := engine.NewQueueNotifier(b.Orchestrations)
	timers := timer.NewService(b.Store, b.Timers, wake,
		timer.WithClock(o.clock),
		timer.WithObserver(o.observer),
		timer.WithLogger(o.logger),
	)
	activities := activity.NewExecutor(b.Store, b.Activities, wake, registry,
		activity.WithSerde(o.serde),
		activity.WithRetryPolicy(o.retry),
		activity.WithClock(o.clock),
		activity.WithObserver(o.observer),
		activity.WithLogger(o.logger),
	)
	eng, err := engine.New(engine.Config{
		Store:      b.Store,
		Queue:      b.Orchestrations,
		Timers:     timers,
		Activities: activities,
		Registry:   registry,
		Serde:      o.serde,
		Clock:      o.clock,
		Observer:   o.observer,
		Logger:     o.logger,
		Owner:      o.owner,
		LeaseTTL:   o.leaseTTL,
	})
	if err != nil {
		return nil, err
	}

	return &Host{
		backend:    b,
		opts:       o,
		registry:   registry,
		engine:     eng,
		timers:     timers,
		activities: activities,
		status:     status.New(b.Store),
	}, nil
}

// NewInMemoryHost returns a host that keeps everything in memory. Instances
// do not survive the process; it is meant for tests and local development.
func NewInMemoryHost(opts ...Option) *Host {
	o := newOptions(opts)
	qo := o.queueOptions()
	h, err := newHost(Backend{
		Store:          history.NewInMemoryStore(),
		Orchestrations: taskqueue.NewInMemoryQueue(qo...),
		Timers:         taskqueue.NewInMemoryQueue(qo...),
		Activities:     taskqueue.NewInMemoryQueue(qo...),
	}, o)
	if err != nil {
		panic(err)
	}
	return h
}

// NewSQLiteHost returns a host whose history and queues live in db.
//
// Typical usage:
//
//	db, _ := sql.Open("sqlite", "file:durable.db?_pragma=busy_timeout(5000)")
//	db.SetMaxOpenConns(1)
//	host, err := durable.NewSQLiteHost(db)
func NewSQLiteHost(db *sql.DB, opts ...Option) (*Host, error) {
	o := newOptions(opts)
	store, err := history.NewSQLiteStore(db)
	if err != nil {
		return nil, err
	}
	queues := make([]taskqueue.Queue, 0, 3)
	for _, name := range []string{OrchestrationQueue, TimerQueue, ActivityQueue} {
		q, err := taskqueue.NewSQLiteQueue(db, name, o.queueOptions()...)
		if err != nil {
			return nil, err
		}
		queues = append(queues, q)
	}
	return newHost(Backend{
		Store:          store,
		Orchestrations: queues[0],
		Timers:         queues[1],
		Activities:     queues[2],
		Ping:           db.PingContext,
	}, o)
}

func (h *Host) RegisterOrchestrator(name string, fn OrchestratorFunc) error {
	return h.registry.RegisterOrchestrator(name, fn)
}

func (h *Host) RegisterActivity(name string, fn ActivityFunc) error {
	return h.registry.RegisterActivity(name, fn)
}

// Start creates a Pending instance of the named orchestrator and returns its
// ID. A running Host picks it up immediately.
func (h *Host) Start(ctx context.Context, name string, input any, opts ...StartOption) (string, error) {
	return h.engine.Start(ctx, name, input, opts...)
}

func (h *Host) GetStatus(ctx context.Context, id string) (*Instance, error) {
	return h.status.GetStatus(ctx, id)
}

func (h *Host) QueryInstances(ctx context.Context, q InstanceQuery) ([]*Instance, error) {
	return h.status.QueryInstances(ctx, q)
}

func (h *Host) Terminate(ctx context.Context, id, reason string) error {
	return h.engine.Terminate(ctx, id, reason)
}

func (h *Host) History(ctx context.Context, id string) ([]HistoryEvent, error) {
	return h.status.History(ctx, id)
}

// Replay re-runs an instance against its history without writing.
func (h *Host) Replay(ctx context.Context, id string) (*ReplayResult, error) {
	return h.engine.Replay(ctx, id)
}

// HasRunning reports whether any instance created on or after 2015-10-10 is
// Running.
func (h *Host) HasRunning(ctx context.Context) (bool, error) {
	return h.status.HasRunning(ctx)
}

// ListRunning returns every Running instance.
func (h *Host) ListRunning(ctx context.Context) ([]*Instance, error) {
	return h.status.ListRunning(ctx)
}

// WaitForCompletion polls the instance until it reaches a terminal status or
// ctx ends.
func (h *Host) WaitForCompletion(ctx context.Context, id string, poll time.Duration) (*Instance, error) {
	if poll <= 0 {
		poll = 100 * time.Millisecond
	}
	t := time.NewTicker(poll)
	defer t.Stop()
	for {
		inst, err := h.GetStatus(ctx, id)
		if err != nil {
			return nil, err
		}
		if inst.Status.IsTerminal() {
			return inst, nil
		}
		select {
		case <-ctx.Done():
			return inst, ctx.Err()
		case <-t.C:
		}
	}
}

// Run recovers unfinished instances and then runs the orchestration, timer
// and activity worker pools until ctx is cancelled.
func (h *Host) Run(ctx context.Context) error {
	if _, err := h.engine.RecoverPending(ctx); err != nil {
		return fmt.Errorf("recover pending instances: %w", err)
	}

	cfg := worker.Config{
		Owner:    h.opts.owner,
		LeaseTTL: h.opts.leaseTTL,
		Logger:   h.opts.logger,
		Clock:    h.opts.clock,
	}
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return h.engine.Run(ctx, h.opts.workers.Orchestrations, cfg) })
	g.Go(func() error { return h.timers.Run(ctx, h.opts.workers.Timers, cfg) })
	g.Go(func() error { return h.activities.Run(ctx, h.opts.workers.Activities, cfg) })
	return g.Wait()
}

// Ping checks that the backend is reachable.
func (h *Host) Ping(ctx context.Context) error {
	if h.backend.Ping == nil {
		return nil
	}
	return h.backend.Ping(ctx)
}

// Close releases the backend connections the host was built with.
func (h *Host) Close() error {
	if h.backend.Close == nil {
		return nil
	}
	return h.backend.Close()
}
