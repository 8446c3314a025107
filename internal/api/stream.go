package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/recomma/ordersync/order"
	"github.com/recomma/ordersync/tracker"
)

const eventSnapshot = "snapshot"

type snapshotFrame struct {
	Items []order.Record `json:"items"`
	At    time.Time      `json:"at"`
}

// StreamOrders pushes tracking store changes as server-sent events. The
// stream opens with a snapshot of the active orders. With ?status= set,
// upserts outside the filter are sent as removals so the client drops them.
func (h *ApiHandler) StreamOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	statuses, err := bindStatuses(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		h.loggerFor(r).ErrorContext(ctx, "ResponseWriter does not support flushing")
		h.writeError(w, http.StatusInternalServerError, fmt.Errorf("streaming not supported"))
		return
	}

	// subscribe before the snapshot so nothing falls between the two
	changes, err := h.stream.Subscribe(ctx)
	if err != nil {
		h.loggerFor(r).ErrorContext(ctx, "subscribe to order changes", slog.String("error", err.Error()))
		h.writeError(w, http.StatusInternalServerError, fmt.Errorf("could not subscribe"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	if _, err := w.Write([]byte(": connected\n\n")); err != nil {
		h.loggerFor(r).WarnContext(ctx, "failed to write initial SSE comment", slog.String("error", err.Error()))
		return
	}
	snap := snapshotFrame{Items: h.orders.ListActive(statuses...), At: h.now().UTC()}
	if err := writeSSEFrame(w, eventSnapshot, snap); err != nil {
		h.loggerFor(r).WarnContext(ctx, "write snapshot frame", slog.String("error", err.Error()))
		return
	}
	flusher.Flush()

	for {
		select {
		case <-ctx.Done():
			return
		case change, ok := <-changes:
			if !ok {
				return
			}
			change = filterChange(change, statuses)
			if err := writeSSEFrame(w, string(change.Type), change); err != nil {
				h.loggerFor(r).WarnContext(ctx, "write order change frame",
					slog.String("type", string(change.Type)),
					slog.String("error", err.Error()),
				)
				return
			}
			flusher.Flush()
		}
	}
}

func filterChange(c tracker.Change, statuses []order.Status) tracker.Change {
	if len(statuses) == 0 || c.Type != tracker.ChangeUpserted || c.Record == nil {
		return c
	}
	if slices.Contains(statuses, c.Record.Status) {
		return c
	}
	return tracker.Change{Sequence: c.Sequence, Type: tracker.ChangeRemoved, OrderID: c.OrderID}
}

func writeSSEFrame(w io.Writer, event string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s frame: %w", event, err)
	}

	var buf bytes.Buffer
	buf.WriteString("event: ")
	buf.WriteString(event)
	buf.WriteString("\ndata: ")
	buf.Write(data)
	buf.WriteString("\n\n")

	_, err = w.Write(buf.Bytes())
	return err
}
