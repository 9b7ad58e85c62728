// Package logger provides structured logging with subsystem-specific levels
// and OpenTelemetry trace context integration.
package logger

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"
)

type contextKey string

const loggerKey contextKey = "logger"

// Subsystem names a part of the worker that can have its own log level.
type Subsystem string

const (
	SubsystemVMs        Subsystem = "VMS"
	SubsystemNode       Subsystem = "NODE"
	SubsystemNetwork    Subsystem = "NETWORK"
	SubsystemHypervisor Subsystem = "HYPERVISOR"
	SubsystemAPI        Subsystem = "API"
)

// Config holds the default log level and per-subsystem overrides.
type Config struct {
	DefaultLevel    slog.Level
	SubsystemLevels map[Subsystem]slog.Level
	// Output defaults to os.Stderr
	Output io.Writer
}

// NewConfig reads LOG_LEVEL and LOG_LEVEL_<SUBSYSTEM> from the environment.
// Unparseable levels fall back to info.
func NewConfig() Config {
	cfg := Config{
		DefaultLevel:    parseLevel(os.Getenv("LOG_LEVEL"), slog.LevelInfo),
		SubsystemLevels: make(map[Subsystem]slog.Level),
	}
	for _, s := range []Subsystem{SubsystemVMs, SubsystemNode, SubsystemNetwork, SubsystemHypervisor, SubsystemAPI} {
		if v := os.Getenv("LOG_LEVEL_" + string(s)); v != "" {
			cfg.SubsystemLevels[s] = parseLevel(v, cfg.DefaultLevel)
		}
	}
	return cfg
}

// LevelFor returns the level for a subsystem.
func (c Config) LevelFor(s Subsystem) slog.Level {
	if lvl, ok := c.SubsystemLevels[s]; ok {
		return lvl
	}
	return c.DefaultLevel
}

func parseLevel(s string, fallback slog.Level) slog.Level {
	if s == "" {
		return fallback
	}
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return fallback
	}
	return lvl
}

// NewSubsystemLogger returns a logger for the subsystem that writes JSON to
// the configured output and, when otelHandler is non-nil, to OTel as well.
func NewSubsystemLogger(subsystem Subsystem, cfg Config, otelHandler slog.Handler) *slog.Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	level := cfg.LevelFor(subsystem)
	var h slog.Handler = slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level})
	if otelHandler != nil {
		h = &fanoutHandler{handlers: []slog.Handler{h, otelHandler}, level: level}
	}
	return slog.New(h).With("subsystem", strings.ToLower(string(subsystem)))
}

// fanoutHandler sends each record to every handler, gated by one level.
type fanoutHandler struct {
	handlers []slog.Handler
	level    slog.Level
}

func (f *fanoutHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= f.level
}

func (f *fanoutHandler) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, h := range f.handlers {
		if err := h.Handle(ctx, r.Clone()); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (f *fanoutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := &fanoutHandler{handlers: make([]slog.Handler, len(f.handlers)), level: f.level}
	for i, h := range f.handlers {
		out.handlers[i] = h.WithAttrs(attrs)
	}
	return out
}

func (f *fanoutHandler) WithGroup(name string) slog.Handler {
	out := &fanoutHandler{handlers: make([]slog.Handler, len(f.handlers)), level: f.level}
	for i, h := range f.handlers {
		out.handlers[i] = h.WithGroup(name)
	}
	return out
}

// AddToContext adds a logger to the context
func AddToContext(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// FromContext retrieves the logger from context, or returns default
func FromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(loggerKey).(*slog.Logger); ok {
		return logger
	}
	return slog.Default()
}
