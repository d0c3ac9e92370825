package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	_ "modernc.org/sqlite"

	"github.com/petrijr/durable"
	"github.com/petrijr/durable/internal/config"
	"github.com/petrijr/durable/internal/history"
	"github.com/petrijr/durable/internal/taskqueue"
)

const mongoQueueCollection = "queue_tasks"

var queueNames = []string{durable.OrchestrationQueue, durable.TimerQueue, durable.ActivityQueue}

// conns holds the connections opened for a backend. Each is opened at most
// once, so a store and queues on the same backend share it.
type conns struct {
	cfg    *config.Config
	logger *slog.Logger

	sqlite   *sql.DB
	postgres *sql.DB
	redis    redis.UniversalClient
	mongo    *mongo.Client
	nats     *nats.Conn
	js       jetstream.JetStream

	closers []func() error
	pingers []func(ctx context.Context) error
}

// OpenBackend connects to the configured store and queue backends.
func OpenBackend(ctx context.Context, cfg *config.Config, logger *slog.Logger) (durable.Backend, error) {
	c := &conns{cfg: cfg, logger: logger}
	b, err := c.open(ctx)
	if err != nil {
		return durable.Backend{}, errors.Join(err, c.close())
	}
	b.Close = c.close
	b.Ping = c.ping
	return b, nil
}

func (c *conns) open(ctx context.Context) (durable.Backend, error) {
	var b durable.Backend

	store, err := c.store(ctx)
	if err != nil {
		return b, err
	}
	if c.cfg.Store.Backend != config.BackendMemory {
		store = history.NewRetryingStore(store, history.RetryConfig{
			MaxTries:        c.cfg.Store.RetryMaxTries,
			InitialInterval: c.cfg.Store.RetryInitial,
			MaxInterval:     c.cfg.Store.RetryMax,
		})
	}
	b.Store = store

	queues := make([]taskqueue.Queue, len(queueNames))
	for i, name := range queueNames {
		if queues[i], err = c.queue(ctx, name); err != nil {
			return b, fmt.Errorf("open %s queue: %w", name, err)
		}
	}
	b.Orchestrations, b.Timers, b.Activities = queues[0], queues[1], queues[2]
	return b, nil
}

func (c *conns) store(ctx context.Context) (history.Store, error) {
	switch c.cfg.Store.Backend {
	case config.BackendMemory:
		return history.NewInMemoryStore(), nil
	case config.BackendSQLite:
		db, err := c.sqliteDB()
		if err != nil {
			return nil, err
		}
		return history.NewSQLiteStore(db)
	case config.BackendPostgres:
		db, err := c.postgresDB(ctx)
		if err != nil {
			return nil, err
		}
		return history.NewPostgresStore(db)
	case config.BackendRedis:
		client, err := c.redisClient(ctx)
		if err != nil {
			return nil, err
		}
		return history.NewRedisStore(client, c.cfg.Redis.Prefix), nil
	case config.BackendMongo:
		client, err := c.mongoClient(ctx)
		if err != nil {
			return nil, err
		}
		s := history.NewMongoStore(client, c.cfg.Mongo.Database)
		if err := s.EnsureIndexes(ctx); err != nil {
			return nil, fmt.Errorf("mongo store indexes: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", c.cfg.Store.Backend)
	}
}

func (c *conns) queue(ctx context.Context, name string) (taskqueue.Queue, error) {
	opts := []taskqueue.Option{taskqueue.WithPollInterval(c.cfg.Queue.PollInterval)}

	switch c.cfg.Queue.Backend {
	case config.BackendMemory:
		return taskqueue.NewInMemoryQueue(opts...), nil
	case config.BackendSQLite:
		db, err := c.sqliteDB()
		if err != nil {
			return nil, err
		}
		return taskqueue.NewSQLiteQueue(db, name, opts...)
	case config.BackendPostgres:
		db, err := c.postgresDB(ctx)
		if err != nil {
			return nil, err
		}
		return taskqueue.NewPostgresQueue(db, name, opts...)
	case config.BackendRedis:
		client, err := c.redisClient(ctx)
		if err != nil {
			return nil, err
		}
		return taskqueue.NewRedisQueue(client, c.cfg.Redis.Prefix, name, opts...), nil
	case config.BackendMongo:
		client, err := c.mongoClient(ctx)
		if err != nil {
			return nil, err
		}
		q := taskqueue.NewMongoQueue(client, c.cfg.Mongo.Database, mongoQueueCollection, name, opts...)
		if err := q.EnsureIndexes(ctx); err != nil {
			return nil, fmt.Errorf("mongo queue indexes: %w", err)
		}
		return q, nil
	case config.BackendNATS:
		js, err := c.jetStream()
		if err != nil {
			return nil, err
		}
		return taskqueue.NewNATSQueue(ctx, js, name, c.cfg.Workers.LeaseTTL, opts...)
	default:
		return nil, fmt.Errorf("unknown queue backend %q", c.cfg.Queue.Backend)
	}
}

func (c *conns) sqliteDB() (*sql.DB, error) {
	if c.sqlite != nil {
		return c.sqlite, nil
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", c.cfg.Store.SQLitePath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", c.cfg.Store.SQLitePath, err)
	}
	// modernc sqlite serializes writers; one connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	c.sqlite = db
	c.closers = append(c.closers, db.Close)
	c.pingers = append(c.pingers, db.PingContext)
	return db, nil
}

func (c *conns) postgresDB(ctx context.Context) (*sql.DB, error) {
	if c.postgres != nil {
		return c.postgres, nil
	}
	db, err := sql.Open("pgx", c.cfg.Postgres.DSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	c.postgres = db
	c.closers = append(c.closers, db.Close)
	c.pingers = append(c.pingers, db.PingContext)
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

func (c *conns) redisClient(ctx context.Context) (redis.UniversalClient, error) {
	if c.redis != nil {
		return c.redis, nil
	}
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    []string{c.cfg.Redis.Addr},
		Password: c.cfg.Redis.Password,
		DB:       c.cfg.Redis.DB,
	})
	c.redis = client
	c.closers = append(c.closers, client.Close)
	c.pingers = append(c.pingers, func(ctx context.Context) error { return client.Ping(ctx).Err() })
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis %s: %w", c.cfg.Redis.Addr, err)
	}
	return client, nil
}

func (c *conns) mongoClient(ctx context.Context) (*mongo.Client, error) {
	if c.mongo != nil {
		return c.mongo, nil
	}
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(c.cfg.Mongo.URI))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	c.mongo = client
	c.closers = append(c.closers, func() error { return client.Disconnect(context.Background()) })
	c.pingers = append(c.pingers, func(ctx context.Context) error { return client.Ping(ctx, readpref.Primary()) })
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	return client, nil
}

func (c *conns) jetStream() (jetstream.JetStream, error) {
	if c.js != nil {
		return c.js, nil
	}
	n := c.cfg.NATS
	opts := []nats.Option{
		nats.Name(n.ClientName),
		nats.MaxReconnects(n.MaxReconnects),
		nats.ReconnectWait(n.ReconnectWait),
		nats.DrainTimeout(n.DrainTimeout),
		nats.PingInterval(n.PingInterval),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			c.logger.Info("nats reconnected", "url", nc.ConnectedUrlRedacted())
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				c.logger.Warn("nats disconnected", "error", err)
			}
		}),
	}
	if n.Token != "" {
		opts = append(opts, nats.Token(n.Token))
	}
	nc, err := nats.Connect(n.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	c.nats = nc
	c.closers = append(c.closers, nc.Drain)
	c.pingers = append(c.pingers, func(ctx context.Context) error {
		if !nc.IsConnected() {
			return fmt.Errorf("nats is %s", nc.Status())
		}
		return nil
	})

	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("jetstream: %w", err)
	}
	c.js = js
	return js, nil
}

func (c *conns) ping(ctx context.Context) error {
	var errs []error
	for _, p := range c.pingers {
		errs = append(errs, p(ctx))
	}
	return errors.Join(errs...)
}

// close releases connections in reverse order of opening.
func (c *conns) close() error {
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		errs = append(errs, c.closers[i]())
	}
	c.closers = nil
	return errors.Join(errs...)
}
