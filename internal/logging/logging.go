// Package logging builds the process logger: a colored console handler in
// debug mode, JSON in release mode, optionally teed to an OTLP log exporter.
package logging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/petrijr/durable/internal/config"
)

const (
	ExporterNone     = "none"
	ExporterOTLPHTTP = "otlp-http"
	ExporterOTLPGRPC = "otlp-grpc"
)

// Logger is the process logger. Provider is nil unless logs are exported.
type Logger struct {
	*slog.Logger
	Provider *sdklog.LoggerProvider
}

// Shutdown flushes exported records.
func (l *Logger) Shutdown(ctx context.Context) error {
	if l.Provider == nil {
		return nil
	}
	return l.Provider.Shutdown(ctx)
}

type Options struct {
	Mode    config.Mode
	Level   string
	Format  string
	Writer  io.Writer
	Service string
	Version string

	Exporter string
	Endpoint string
}

// OptionsFrom maps the host configuration to logger options.
func OptionsFrom(cfg *config.Config) Options {
	return Options{
		Mode:     cfg.Mode,
		Level:    cfg.Logger.Level,
		Format:   cfg.Logger.Format,
		Writer:   os.Stdout,
		Service:  cfg.Service,
		Version:  cfg.Version,
		Exporter: cfg.Logger.OTELExporter,
		Endpoint: cfg.Logger.OTELEndpoint,
	}
}

func New(ctx context.Context, opts Options) (*Logger, error) {
	if opts.Writer == nil {
		return nil, errors.New("no log writer")
	}
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, err
	}

	var handlers []slog.Handler
	switch format := resolveFormat(opts); format {
	case "pretty":
		handlers = append(handlers, NewDebugHandler(opts.Writer, level))
	case "json":
		handlers = append(handlers, slog.NewJSONHandler(opts.Writer, &slog.HandlerOptions{Level: level}))
	case "text":
		handlers = append(handlers, slog.NewTextHandler(opts.Writer, &slog.HandlerOptions{Level: level}))
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}

	provider, err := newProvider(ctx, opts)
	if err != nil {
		return nil, err
	}
	if provider != nil {
		handlers = append(handlers, otelslog.NewHandler(opts.Service, otelslog.WithLoggerProvider(provider)))
	}

	var h slog.Handler = handlers[0]
	if len(handlers) > 1 {
		h = NewMultiHandler(handlers...)
	}
	return &Logger{Logger: slog.New(h), Provider: provider}, nil
}

func resolveFormat(opts Options) string {
	f := strings.ToLower(strings.TrimSpace(opts.Format))
	if f == "" || f == "auto" {
		if opts.Mode == config.ModeDebug {
			return "pretty"
		}
		return "json"
	}
	return f
}

// ParseLevel accepts slog level names; empty means info.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if strings.TrimSpace(s) == "" {
		return slog.LevelInfo, nil
	}
	if err := l.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return 0, fmt.Errorf("log level: %w", err)
	}
	return l, nil
}

func newProvider(ctx context.Context, opts Options) (*sdklog.LoggerProvider, error) {
	var (
		exporter sdklog.Exporter
		err      error
	)
	switch strings.ToLower(opts.Exporter) {
	case "", ExporterNone:
		return nil, nil
	case ExporterOTLPHTTP:
		var eo []otlploghttp.Option
		if opts.Endpoint != "" {
			eo = append(eo, otlploghttp.WithEndpointURL(opts.Endpoint))
		}
		exporter, err = otlploghttp.New(ctx, eo...)
	case ExporterOTLPGRPC:
		var eo []otlploggrpc.Option
		if opts.Endpoint != "" {
			eo = append(eo, otlploggrpc.WithEndpointURL(opts.Endpoint))
		}
		exporter, err = otlploggrpc.New(ctx, eo...)
	default:
		return nil, fmt.Errorf("unknown log exporter %q", opts.Exporter)
	}
	if err != nil {
		return nil, fmt.Errorf("log exporter: %w", err)
	}

	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		semconv.ServiceName(opts.Service),
		semconv.ServiceVersion(opts.Version),
	))
	if err != nil {
		return nil, fmt.Errorf("log resource: %w", err)
	}
	return sdklog.NewLoggerProvider(
		sdklog.WithProcessor(sdklog.NewBatchProcessor(exporter)),
		sdklog.WithResource(res),
	), nil
}
