// Package logging provides utilities for structured logging across the collector.
//
// Design principles:
//   - Logging is dependency-injected, never global
//   - Each component owns its own scoped logger
//   - Logger scoping happens once at construction time
//   - slog.With() is used to attach default attributes
//   - If no logger is provided, a discard logger is used
//
// Global configuration (output format, level, destination) belongs only in main().
// Components must never call slog.SetDefault or access global loggers.
//
// Logging is intentionally sparse:
//   - No logging inside the partitioner's line loop
//   - File and segment boundaries are the intended log points
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
)

// discardHandler is a handler that discards all log records.
type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// Discard returns a logger that discards all output.
// Use this as a default when no logger is provided.
func Discard() *slog.Logger {
	return slog.New(discardHandler{})
}

// Default returns the provided logger if non-nil, otherwise returns a discard logger.
// This is the standard pattern for optional logger parameters:
//
//	func NewComponent(logger *slog.Logger) *Component {
//	    logger = logging.Default(logger)
//	    return &Component{logger: logger.With("component", "name")}
//	}
func Default(logger *slog.Logger) *slog.Logger {
	if logger != nil {
		return logger
	}
	return Discard()
}

// ParseLevel maps a level name (debug, info, warn/warning, error) to a slog.Level.
// Names are case-insensitive.
func ParseLevel(name string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error", "critical":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level %q", name)
	}
}

// New builds the base logger for the process. format is "text" or "json".
// The returned filter handler allows per-component level overrides.
func New(w io.Writer, level slog.Level, format string) (*slog.Logger, *ComponentFilterHandler, error) {
	opts := &slog.HandlerOptions{Level: slog.LevelDebug}

	var base slog.Handler
	switch strings.ToLower(format) {
	case "", "text":
		base = slog.NewTextHandler(w, opts)
	case "json":
		base = slog.NewJSONHandler(w, opts)
	default:
		return nil, nil, fmt.Errorf("unknown log format %q", format)
	}

	filter := NewComponentFilterHandler(base, level)
	return slog.New(filter), filter, nil
}

// componentLevels is shared by a ComponentFilterHandler and every handler
// derived from it through WithAttrs/WithGroup.
type componentLevels struct {
	mu        sync.RWMutex
	def       slog.Level
	overrides map[string]slog.Level
}

func (c *componentLevels) level(component string) slog.Level {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if lvl, ok := c.overrides[component]; ok && component != "" {
		return lvl
	}
	return c.def
}

// minLevel is the lowest level any component may log at.
func (c *componentLevels) minLevel() slog.Level {
	c.mu.RLock()
	defer c.mu.RUnlock()
	lvl := c.def
	for _, o := range c.overrides {
		if o < lvl {
			lvl = o
		}
	}
	return lvl
}

// ComponentFilterHandler filters records by the level configured for the
// record's "component" attribute, falling back to a default level.
type ComponentFilterHandler struct {
	inner     slog.Handler
	levels    *componentLevels
	component string // from WithAttrs, if any
}

// NewComponentFilterHandler wraps inner with per-component level filtering.
func NewComponentFilterHandler(inner slog.Handler, def slog.Level) *ComponentFilterHandler {
	return &ComponentFilterHandler{
		inner: inner,
		levels: &componentLevels{
			def:       def,
			overrides: make(map[string]slog.Level),
		},
	}
}

// SetLevel overrides the level for one component.
func (h *ComponentFilterHandler) SetLevel(component string, level slog.Level) {
	h.levels.mu.Lock()
	h.levels.overrides[component] = level
	h.levels.mu.Unlock()
}

// ClearLevel removes a component override.
func (h *ComponentFilterHandler) ClearLevel(component string) {
	h.levels.mu.Lock()
	delete(h.levels.overrides, component)
	h.levels.mu.Unlock()
}

// Level returns the effective level for component.
func (h *ComponentFilterHandler) Level(component string) slog.Level {
	return h.levels.level(component)
}

// DefaultLevel returns the level used for components without an override.
func (h *ComponentFilterHandler) DefaultLevel() slog.Level {
	return h.levels.def
}

func (h *ComponentFilterHandler) Enabled(ctx context.Context, level slog.Level) bool {
	if h.component != "" {
		if level < h.levels.level(h.component) {
			return false
		}
	} else if level < h.levels.minLevel() {
		return false
	}
	return h.inner == nil || h.inner.Enabled(ctx, level)
}

func (h *ComponentFilterHandler) Handle(ctx context.Context, r slog.Record) error {
	component := h.component
	if component == "" {
		r.Attrs(func(a slog.Attr) bool {
			if a.Key == "component" {
				component = a.Value.String()
				return false
			}
			return true
		})
	}
	if r.Level < h.levels.level(component) {
		return nil
	}
	if h.inner == nil {
		return nil
	}
	return h.inner.Handle(ctx, r)
}

func (h *ComponentFilterHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := *h
	for _, a := range attrs {
		if a.Key == "component" {
			clone.component = a.Value.String()
		}
	}
	if h.inner != nil {
		clone.inner = h.inner.WithAttrs(attrs)
	}
	return &clone
}

func (h *ComponentFilterHandler) WithGroup(name string) slog.Handler {
	clone := *h
	if h.inner != nil {
		clone.inner = h.inner.WithGroup(name)
	}
	return &clone
}
