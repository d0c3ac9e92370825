// Package config loads the host configuration from DURABLE_* environment
// variables once at startup.
package config

import (
	"errors"
	"fmt"
	"net"
	"slices"
	"strings"
	"time"

	env "github.com/caarlos0/env/v11"
)

// Prefix is prepended to every variable name.
const Prefix = "DURABLE_"

type Mode string

const (
	ModeDebug   Mode = "debug"
	ModeRelease Mode = "release"
)

// Backend names accepted for the store and the queues.
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
	BackendMongo    = "mongo"
	BackendNATS     = "nats"
)

var (
	storeBackends = []string{BackendMemory, BackendSQLite, BackendPostgres, BackendRedis, BackendMongo}
	queueBackends = append(slices.Clone(storeBackends), BackendNATS)
)

const (
	DefaultNATSHost      = "localhost"
	DefaultNATSPort      = "4222"
	DefaultReconnectWait = 2 * time.Second
	DefaultDrainTimeout  = 30 * time.Second
	DefaultPingInterval  = 2 * time.Minute

	// DefaultMaxReconnects makes the client reconnect forever.
	DefaultMaxReconnects = -1
)

// Config holds the complete host configuration.
type Config struct {
	Service string `json:"service_name" env:"SERVICE_NAME" envDefault:"durable-host"`
	Version string `json:"version"      env:"VERSION"      envDefault:"v0.1.0"`
	Mode    Mode   `json:"mode"         env:"MODE"         envDefault:"release"`

	// Serde names the payload codec: json or msgpack.
	Serde string `json:"serde" env:"SERDE" envDefault:"json"`

	Store    StoreConfig    `json:"store"    envPrefix:"STORE_"`
	Queue    QueueConfig    `json:"queue"    envPrefix:"QUEUE_"`
	Postgres PostgresConfig `json:"postgres" envPrefix:"POSTGRES_"`
	Redis    RedisConfig    `json:"redis"    envPrefix:"REDIS_"`
	Mongo    MongoConfig    `json:"mongo"    envPrefix:"MONGO_"`
	NATS     NATSConfig     `json:"nats"     envPrefix:"NATS_"`
	Server   ServerConfig   `json:"server"   envPrefix:"SERVER_"`
	Workers  WorkerConfig   `json:"workers"  envPrefix:"WORKERS_"`
	Activity ActivityConfig `json:"activity" envPrefix:"ACTIVITY_"`
	Logger   LoggerConfig   `json:"logger"   envPrefix:"LOG_"`
	Sample   SampleConfig   `json:"sample"   envPrefix:"SAMPLE_"`
}

type StoreConfig struct {
	Backend    string `json:"backend"     env:"BACKEND"     envDefault:"sqlite"`
	SQLitePath string `json:"sqlite_path" env:"SQLITE_PATH" envDefault:"durable.db"`

	// Store calls that fail with a transient error are retried this many
	// times in total.
	RetryMaxTries uint          `json:"retry_max_tries" env:"RETRY_MAX_TRIES" envDefault:"5"`
	RetryInitial  time.Duration `json:"retry_initial"   env:"RETRY_INITIAL"   envDefault:"50ms"`
	RetryMax      time.Duration `json:"retry_max"       env:"RETRY_MAX"       envDefault:"2s"`
}

type QueueConfig struct {
	// Backend defaults to the store backend.
	Backend      string        `json:"backend"       env:"BACKEND"`
	PollInterval time.Duration `json:"poll_interval" env:"POLL_INTERVAL" envDefault:"100ms"`
}

type PostgresConfig struct {
	DSN string `json:"dsn" env:"DSN"`
}

type RedisConfig struct {
	Addr     string `json:"addr"     env:"ADDR" envDefault:"localhost:6379"`
	Password string `json:"password" env:"PASSWORD"`
	DB       int    `json:"db"       env:"DB"`
	Prefix   string `json:"prefix"   env:"PREFIX" envDefault:"durable:"`
}

type MongoConfig struct {
	URI      string `json:"uri"      env:"URI" envDefault:"mongodb://localhost:27017"`
	Database string `json:"database" env:"DATABASE" envDefault:"durable"`
}

type NATSConfig struct {
	URL           string        `json:"url"            env:"URL"`
	Host          string        `json:"host"           env:"HOST"`
	Port          string        `json:"port"           env:"PORT"`
	Token         string        `json:"token"          env:"TOKEN"`
	MaxReconnects int           `json:"max_reconnects" env:"MAX_RECONNECTS"`
	ReconnectWait time.Duration `json:"reconnect_wait" env:"RECONNECT_WAIT"`
	DrainTimeout  time.Duration `json:"drain_timeout"  env:"DRAIN_TIMEOUT"`
	PingInterval  time.Duration `json:"ping_interval"  env:"PING_INTERVAL"`
	ClientName    string        `json:"client_name"    env:"CLIENT_NAME"`
}

type ServerConfig struct {
	Host              string        `json:"host"                env:"HOST"                envDefault:"localhost"`
	Port              string        `json:"port"                env:"PORT"                envDefault:"7071"`
	ReadHeaderTimeout time.Duration `json:"read_header_timeout" env:"READ_HEADER_TIMEOUT" envDefault:"5s"`
	ShutdownTimeout   time.Duration `json:"shutdown_timeout"    env:"SHUTDOWN_TIMEOUT"    envDefault:"15s"`
}

// Addr is the listen address of the HTTP server.
func (s ServerConfig) Addr() string { return net.JoinHostPort(s.Host, s.Port) }

type WorkerConfig struct {
	// Owner names this host in instance and task leases. Empty means a
	// generated name.
	Owner          string        `json:"owner"          env:"OWNER"`
	Orchestrations int           `json:"orchestrations" env:"ORCHESTRATIONS" envDefault:"4"`
	Timers         int           `json:"timers"         env:"TIMERS"         envDefault:"2"`
	Activities     int           `json:"activities"     env:"ACTIVITIES"     envDefault:"4"`
	LeaseTTL       time.Duration `json:"lease_ttl"      env:"LEASE_TTL"      envDefault:"30s"`
}

type ActivityConfig struct {
	MaxAttempts  uint          `json:"max_attempts"  env:"MAX_ATTEMPTS"  envDefault:"3"`
	InitialDelay time.Duration `json:"initial_delay" env:"INITIAL_DELAY" envDefault:"100ms"`
	MaxDelay     time.Duration `json:"max_delay"     env:"MAX_DELAY"     envDefault:"5s"`
}

type LoggerConfig struct {
	Level  string `json:"level"  env:"LEVEL"  envDefault:"info"` // debug|info|warn|error
	Format string `json:"format" env:"FORMAT" envDefault:"auto"` // auto|json|text|pretty

	OTELExporter string `json:"otel_exporter" env:"OTEL_EXPORTER" envDefault:"none"` // none|otlp-http|otlp-grpc
	OTELEndpoint string `json:"otel_endpoint" env:"OTEL_ENDPOINT"`
}

type SampleConfig struct {
	// TimerDelay is how long LongRunOrchestrator sleeps before greeting.
	TimerDelay time.Duration `json:"timer_delay" env:"TIMER_DELAY" envDefault:"5m"`
}

// LoadConfig reads the process environment.
func LoadConfig() (*Config, error) {
	return load(env.Options{Prefix: Prefix})
}

// LoadFrom reads vars instead of the process environment. Keys carry the
// DURABLE_ prefix.
func LoadFrom(vars map[string]string) (*Config, error) {
	return load(env.Options{Prefix: Prefix, Environment: vars})
}

func load(opts env.Options) (*Config, error) {
	cfg := Config{
		NATS: NATSConfig{
			Host:          DefaultNATSHost,
			Port:          DefaultNATSPort,
			MaxReconnects: DefaultMaxReconnects,
			ReconnectWait: DefaultReconnectWait,
			DrainTimeout:  DefaultDrainTimeout,
			PingInterval:  DefaultPingInterval,
			ClientName:    "durable-host",
		},
	}
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if cfg.NATS.URL == "" {
		cfg.NATS.URL = fmt.Sprintf("nats://%s", net.JoinHostPort(cfg.NATS.Host, cfg.NATS.Port))
	}
	if cfg.Queue.Backend == "" {
		cfg.Queue.Backend = cfg.Store.Backend
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the combinations env tags cannot express.
func (c *Config) Validate() error {
	var errs []error
	if !slices.Contains(storeBackends, c.Store.Backend) {
		errs = append(errs, fmt.Errorf("store backend %q is not one of %s", c.Store.Backend, strings.Join(storeBackends, ", ")))
	}
	if !slices.Contains(queueBackends, c.Queue.Backend) {
		errs = append(errs, fmt.Errorf("queue backend %q is not one of %s", c.Queue.Backend, strings.Join(queueBackends, ", ")))
	}
	if c.Store.Backend == BackendMemory && c.Queue.Backend != BackendMemory {
		errs = append(errs, errors.New("an in-memory store needs in-memory queues"))
	}
	if c.Uses(BackendPostgres) && c.Postgres.DSN == "" {
		errs = append(errs, errors.New("postgres backend requires DURABLE_POSTGRES_DSN"))
	}
	if c.Mode != ModeDebug && c.Mode != ModeRelease {
		errs = append(errs, fmt.Errorf("mode %q is not debug or release", c.Mode))
	}
	if c.Serde != "json" && c.Serde != "msgpack" {
		errs = append(errs, fmt.Errorf("serde %q is not json or msgpack", c.Serde))
	}
	if c.Workers.Orchestrations < 1 || c.Workers.Timers < 1 || c.Workers.Activities < 1 {
		errs = append(errs, errors.New("every worker pool needs at least one worker"))
	}
	if c.Workers.LeaseTTL <= 0 {
		errs = append(errs, errors.New("lease TTL must be positive"))
	}
	return errors.Join(errs...)
}

// Uses reports whether the store or the queues run on backend.
func (c *Config) Uses(backend string) bool {
	return c.Store.Backend == backend || c.Queue.Backend == backend
}
