// Package logging provides the structured-logging conventions shared by
// every component in this process.
//
// Loggers are dependency-injected, never global: main() builds the base
// logger, each component scopes it once at construction with a
// "component" attribute, and nothing ever calls slog.SetDefault. A
// component handed a nil logger gets a discard logger via Default.
//
// Logging is intentionally sparse. Lifecycle boundaries (startup,
// shutdown, reload, worker failure) are the intended log points; the
// scheduler's per-tick records (the scheduling trace, routine worker
// completion) are emitted at debug level only.
package logging

import (
	"context"
	"log/slog"
	"maps"
	"sync/atomic"
)

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// Discard returns a logger that drops all output.
func Discard() *slog.Logger {
	return slog.New(discardHandler{})
}

// Default returns logger if non-nil, otherwise a discard logger. This is
// the standard pattern for optional logger parameters:
//
//	logger := logging.Default(cfg.Logger).With("component", "reload")
func Default(logger *slog.Logger) *slog.Logger {
	if logger != nil {
		return logger
	}
	return Discard()
}

// ComponentFilterHandler wraps an slog.Handler and drops records below a
// per-component minimum level, keyed on the record's "component"
// attribute. Components without an explicit level fall back to the
// default. This lets an operator turn on debug logging for one
// component (say, the housekeeper) at runtime without the component
// knowing anything about levels.
//
// Handle reads the level map through a lock-free atomic snapshot;
// SetLevel and ClearLevel replace it copy-on-write. Handlers derived via
// WithAttrs/WithGroup share the snapshot, so a SetLevel call affects
// every scoped logger built from the same filter.
type ComponentFilterHandler struct {
	next         slog.Handler
	defaultLevel slog.Level

	// preAttrs are attributes attached via WithAttrs, searched for
	// "component" before the record's own attributes.
	preAttrs []slog.Attr

	levels *atomic.Pointer[map[string]slog.Level]
}

// NewComponentFilterHandler creates a filter in front of next. Records
// from components with no configured level pass when at or above
// defaultLevel.
func NewComponentFilterHandler(next slog.Handler, defaultLevel slog.Level) *ComponentFilterHandler {
	levels := &atomic.Pointer[map[string]slog.Level]{}
	empty := make(map[string]slog.Level)
	levels.Store(&empty)

	return &ComponentFilterHandler{
		next:         next,
		defaultLevel: defaultLevel,
		levels:       levels,
	}
}

// Enabled always reports true; the component attribute isn't visible
// until Handle, so filtering has to wait for the full record.
func (h *ComponentFilterHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return true
}

// Handle drops the record if it is below the minimum level configured
// for its component, then defers to the wrapped handler.
func (h *ComponentFilterHandler) Handle(ctx context.Context, r slog.Record) error {
	minLevel := h.defaultLevel
	if component := h.findComponent(r); component != "" {
		if level, ok := (*h.levels.Load())[component]; ok {
			minLevel = level
		}
	}
	if r.Level < minLevel {
		return nil
	}
	if !h.next.Enabled(ctx, r.Level) {
		return nil
	}
	return h.next.Handle(ctx, r)
}

func (h *ComponentFilterHandler) findComponent(r slog.Record) string {
	for _, attr := range h.preAttrs {
		if attr.Key == "component" {
			if s, ok := attr.Value.Resolve().Any().(string); ok {
				return s
			}
		}
	}
	var component string
	r.Attrs(func(a slog.Attr) bool {
		if a.Key == "component" {
			if s, ok := a.Value.Resolve().Any().(string); ok {
				component = s
				return false
			}
		}
		return true
	})
	return component
}

// WithAttrs returns a derived handler. A "component" attribute set here
// is what scoped loggers built with logger.With("component", ...) hit.
func (h *ComponentFilterHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	pre := make([]slog.Attr, len(h.preAttrs), len(h.preAttrs)+len(attrs))
	copy(pre, h.preAttrs)
	pre = append(pre, attrs...)

	return &ComponentFilterHandler{
		next:         h.next.WithAttrs(attrs),
		defaultLevel: h.defaultLevel,
		preAttrs:     pre,
		levels:       h.levels,
	}
}

func (h *ComponentFilterHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &ComponentFilterHandler{
		next:         h.next.WithGroup(name),
		defaultLevel: h.defaultLevel,
		preAttrs:     h.preAttrs,
		levels:       h.levels,
	}
}

// SetLevel sets the minimum level for one component at runtime.
func (h *ComponentFilterHandler) SetLevel(component string, level slog.Level) {
	old := *h.levels.Load()
	next := make(map[string]slog.Level, len(old)+1)
	maps.Copy(next, old)
	next[component] = level
	h.levels.Store(&next)
}

// ClearLevel removes a component's level override.
func (h *ComponentFilterHandler) ClearLevel(component string) {
	old := *h.levels.Load()
	if _, ok := old[component]; !ok {
		return
	}
	next := make(map[string]slog.Level, len(old))
	for k, v := range old {
		if k != component {
			next[k] = v
		}
	}
	h.levels.Store(&next)
}

// Level returns the effective minimum level for a component.
func (h *ComponentFilterHandler) Level(component string) slog.Level {
	if level, ok := (*h.levels.Load())[component]; ok {
		return level
	}
	return h.defaultLevel
}

// DefaultLevel returns the level components without an override get.
func (h *ComponentFilterHandler) DefaultLevel() slog.Level {
	return h.defaultLevel
}
