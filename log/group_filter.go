package log

import (
	"context"
	"log/slog"
	"strings"
)

// GroupFilterHandler drops records unless the logger's outermost group is
// one of the allowed components (api, cache, syncer, ...). Records logged
// without any group always pass, so startup and shutdown messages stay
// visible.
type GroupFilterHandler struct {
	next      slog.Handler
	allowed   map[string]struct{}
	component string
}

// NewGroupFilterHandler wraps next. When components is empty, next is
// returned unchanged.
func NewGroupFilterHandler(next slog.Handler, components []string) slog.Handler {
	if next == nil || len(components) == 0 {
		return next
	}
	allowed := make(map[string]struct{}, len(components))
	for _, c := range components {
		if trimmed := strings.ToLower(strings.TrimSpace(c)); trimmed != "" {
			allowed[trimmed] = struct{}{}
		}
	}
	if len(allowed) == 0 {
		return next
	}
	return &GroupFilterHandler{next: next, allowed: allowed}
}

func (h *GroupFilterHandler) Enabled(ctx context.Context, level slog.Level) bool {
	if !h.emits() {
		return false
	}
	return h.next.Enabled(ctx, level)
}

func (h *GroupFilterHandler) Handle(ctx context.Context, record slog.Record) error {
	if !h.emits() {
		return nil
	}
	return h.next.Handle(ctx, record)
}

func (h *GroupFilterHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &GroupFilterHandler{
		next:      h.next.WithAttrs(attrs),
		allowed:   h.allowed,
		component: h.component,
	}
}

func (h *GroupFilterHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	component := h.component
	if component == "" {
		component = strings.ToLower(name)
	}
	return &GroupFilterHandler{
		next:      h.next.WithGroup(name),
		allowed:   h.allowed,
		component: component,
	}
}

func (h *GroupFilterHandler) emits() bool {
	if h.component == "" {
		return true
	}
	_, ok := h.allowed[h.component]
	return ok
}
