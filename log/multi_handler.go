package log

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"
)

// MultiHandler writes each record to every sink that accepts its level. A
// sink whose Handle fails is switched off for the rest of the process and
// the failure is reported once through the remaining sinks, so a log file
// on a full disk does not silence stderr or flood it with errors.
type MultiHandler struct {
	sinks []sink
}

type sink struct {
	handler slog.Handler
	// failed is shared by every handler derived through WithAttrs/WithGroup.
	failed *atomic.Bool
}

// NewMultiHandler skips nil handlers. With a single child that child is
// returned as is.
func NewMultiHandler(handlers ...slog.Handler) slog.Handler {
	sinks := make([]sink, 0, len(handlers))
	for _, h := range handlers {
		if h != nil {
			sinks = append(sinks, sink{handler: h, failed: new(atomic.Bool)})
		}
	}
	if len(sinks) == 1 {
		return sinks[0].handler
	}
	return &MultiHandler{sinks: sinks}
}

func (h *MultiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, s := range h.sinks {
		if !s.failed.Load() && s.handler.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (h *MultiHandler) Handle(ctx context.Context, record slog.Record) error {
	var errs []error
	for i, s := range h.sinks {
		if s.failed.Load() || !s.handler.Enabled(ctx, record.Level) {
			continue
		}
		err := s.handler.Handle(ctx, record.Clone())
		if err == nil {
			continue
		}
		errs = append(errs, err)
		if s.failed.CompareAndSwap(false, true) {
			h.reportFailure(ctx, i, err)
		}
	}
	return errors.Join(errs...)
}

func (h *MultiHandler) reportFailure(ctx context.Context, index int, cause error) {
	notice := slog.NewRecord(time.Now(), slog.LevelError, "log sink disabled after write failure", 0)
	notice.AddAttrs(slog.Int("sink", index), slog.String("error", cause.Error()))
	for _, s := range h.sinks {
		if s.failed.Load() || !s.handler.Enabled(ctx, notice.Level) {
			continue
		}
		_ = s.handler.Handle(ctx, notice.Clone())
	}
}

func (h *MultiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return h.derive(func(c slog.Handler) slog.Handler { return c.WithAttrs(attrs) })
}

func (h *MultiHandler) WithGroup(name string) slog.Handler {
	return h.derive(func(c slog.Handler) slog.Handler { return c.WithGroup(name) })
}

func (h *MultiHandler) derive(fn func(slog.Handler) slog.Handler) *MultiHandler {
	sinks := make([]sink, len(h.sinks))
	for i, s := range h.sinks {
		sinks[i] = sink{handler: fn(s.handler), failed: s.failed}
	}
	return &MultiHandler{sinks: sinks}
}
