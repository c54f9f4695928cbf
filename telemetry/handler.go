package telemetry

import (
	"context"
	"errors"
	"log/slog"
)

// fanout writes every record to all of its handlers.
type fanout []slog.Handler

func (handlers fanout) Enabled(ctx context.Context, level slog.Level) bool {
	for _, handler := range handlers {
		if handler.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (handlers fanout) Handle(ctx context.Context, record slog.Record) error {
	var err error
	for _, handler := range handlers {
		if handler.Enabled(ctx, record.Level) {
			err = errors.Join(err, handler.Handle(ctx, record.Clone()))
		}
	}
	return err
}

func (handlers fanout) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := make(fanout, len(handlers))
	for i, handler := range handlers {
		next[i] = handler.WithAttrs(attrs)
	}
	return next
}

func (handlers fanout) WithGroup(name string) slog.Handler {
	next := make(fanout, len(handlers))
	for i, handler := range handlers {
		next[i] = handler.WithGroup(name)
	}
	return next
}

// leveled applies a minimum level to a handler that has none of its own.
type leveled struct {
	slog.Handler
	level slog.Leveler
}

func (handler leveled) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= handler.level.Level() && handler.Handler.Enabled(ctx, level)
}

func (handler leveled) WithAttrs(attrs []slog.Attr) slog.Handler {
	return leveled{Handler: handler.Handler.WithAttrs(attrs), level: handler.level}
}

func (handler leveled) WithGroup(name string) slog.Handler {
	return leveled{Handler: handler.Handler.WithGroup(name), level: handler.level}
}
