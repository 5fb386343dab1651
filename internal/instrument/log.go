package instrument

import (
	"context"
	"log/slog"
)

// LogHandler is a slog.Handler that passes every record unchanged to the
// wrapped handler and then reports it to the hooks. Records logged by the
// pipeline itself must not go through a LogHandler.
type LogHandler struct {
	next   slog.Handler
	hooks  *Hooks
	attrs  []slog.Attr
	groups []string
}

// NewLogHandler wraps next.
func NewLogHandler(next slog.Handler, h *Hooks) *LogHandler {
	return &LogHandler{next: next, hooks: h}
}

func (l *LogHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return l.next.Enabled(ctx, level)
}

// Handle returns the wrapped handler's error.
func (l *LogHandler) Handle(ctx context.Context, r slog.Record) error {
	err := l.next.Handle(ctx, r)

	attrs := make(map[string]any, r.NumAttrs()+len(l.attrs))
	for _, a := range l.attrs {
		attrs[a.Key] = a.Value.Resolve().Any()
	}
	prefix := l.groupPrefix()
	r.Attrs(func(a slog.Attr) bool {
		attrs[prefix+a.Key] = a.Value.Resolve().Any()
		return true
	})
	l.hooks.OnLog(r.Level, r.Message, attrs)
	return err
}

func (l *LogHandler) groupPrefix() string {
	prefix := ""
	for _, g := range l.groups {
		prefix += g + "."
	}
	return prefix
}

func (l *LogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	prefix := l.groupPrefix()
	merged := make([]slog.Attr, 0, len(l.attrs)+len(attrs))
	merged = append(merged, l.attrs...)
	for _, a := range attrs {
		merged = append(merged, slog.Attr{Key: prefix + a.Key, Value: a.Value})
	}
	return &LogHandler{next: l.next.WithAttrs(attrs), hooks: l.hooks, attrs: merged, groups: l.groups}
}

func (l *LogHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return l
	}
	groups := append(append([]string(nil), l.groups...), name)
	return &LogHandler{next: l.next.WithGroup(name), hooks: l.hooks, attrs: l.attrs, groups: groups}
}

// DefaultLoggerAdapter routes the process default slog logger through a
// LogHandler. Uninstall restores the previous default.
type DefaultLoggerAdapter struct{}

func (DefaultLoggerAdapter) Name() string { return "slog-default" }

func (DefaultLoggerAdapter) Install(h *Hooks) (func(), error) {
	previous := slog.Default()
	slog.SetDefault(slog.New(NewLogHandler(previous.Handler(), h)))
	return func() { slog.SetDefault(previous) }, nil
}
