package logging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
)

// DebugHandler writes one colored line per record for local development.
type DebugHandler struct {
	out    io.Writer
	level  slog.Leveler
	attrs  []slog.Attr
	groups string
	mu     *sync.Mutex
}

var _ slog.Handler = (*DebugHandler)(nil)

func NewDebugHandler(out io.Writer, level slog.Leveler) *DebugHandler {
	return &DebugHandler{out: out, level: level, mu: &sync.Mutex{}}
}

func (h *DebugHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *DebugHandler) Handle(_ context.Context, r slog.Record) error {
	attrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+r.NumAttrs())
	copy(attrs, h.attrs)
	r.Attrs(func(a slog.Attr) bool {
		if h.groups != "" {
			a.Key = h.groups + a.Key
		}
		attrs = append(attrs, a)
		return true
	})

	line := fmt.Sprintf("%s %s %s%s\n",
		color.New(color.FgHiBlack).Sprint(r.Time.Format("15:04:05.000")),
		levelBadge(r.Level),
		r.Message,
		formatAttrs(attrs),
	)

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.out, line)
	return err
}

func (h *DebugHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	c := *h
	c.attrs = make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	c.attrs = append(c.attrs, h.attrs...)
	for _, a := range attrs {
		if h.groups != "" {
			a.Key = h.groups + a.Key
		}
		c.attrs = append(c.attrs, a)
	}
	return &c
}

func (h *DebugHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	c := *h
	c.groups = h.groups + name + "."
	return &c
}

func levelBadge(level slog.Level) string {
	var bg, fg color.Attribute
	switch {
	case level >= slog.LevelError:
		bg, fg = color.BgRed, color.FgWhite
	case level >= slog.LevelWarn:
		bg, fg = color.BgYellow, color.FgBlack
	case level >= slog.LevelInfo:
		bg, fg = color.BgBlue, color.FgWhite
	default:
		bg, fg = color.BgMagenta, color.FgWhite
	}
	return color.New(bg, fg, color.Bold).Sprint(" " + strings.ToUpper(level.String()) + " ")
}

func formatAttrs(attrs []slog.Attr) string {
	var b strings.Builder
	for _, a := range attrs {
		if a.Equal(slog.Attr{}) {
			continue
		}
		b.WriteByte(' ')
		b.WriteString(color.New(color.FgCyan).Sprint(a.Key))
		b.WriteByte('=')
		b.WriteString(formatValue(a.Value))
	}
	return b.String()
}

func formatValue(v slog.Value) string {
	v = v.Resolve()
	switch v.Kind() {
	case slog.KindString:
		return fmt.Sprintf("%q", v.String())
	case slog.KindTime:
		return v.Time().Format(time.RFC3339Nano)
	case slog.KindDuration:
		return v.Duration().String()
	case slog.KindGroup:
		parts := make([]string, 0, len(v.Group()))
		for _, a := range v.Group() {
			parts = append(parts, a.Key+"="+formatValue(a.Value))
		}
		return "{" + strings.Join(parts, " ") + "}"
	case slog.KindAny:
		if err, ok := v.Any().(error); ok {
			return color.New(color.FgRed).Sprintf("%q", err.Error())
		}
	}
	return v.String()
}

// MultiHandler fans each record out to every handler that accepts it.
type MultiHandler struct {
	handlers []slog.Handler
}

var _ slog.Handler = (*MultiHandler)(nil)

func NewMultiHandler(handlers ...slog.Handler) *MultiHandler {
	return &MultiHandler{handlers: handlers}
}

func (m *MultiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range m.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (m *MultiHandler) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, h := range m.handlers {
		if !h.Enabled(ctx, r.Level) {
			continue
		}
		if err := h.Handle(ctx, r.Clone()); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *MultiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		out[i] = h.WithAttrs(attrs)
	}
	return &MultiHandler{handlers: out}
}

func (m *MultiHandler) WithGroup(name string) slog.Handler {
	out := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		out[i] = h.WithGroup(name)
	}
	return &MultiHandler{handlers: out}
}
