package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/oapi-codegen/runtime"
	"github.com/valyala/fastjson"

	"github.com/recomma/ordersync/history"
	"github.com/recomma/ordersync/normalize"
	"github.com/recomma/ordersync/order"
	"github.com/recomma/ordersync/storage"
	"github.com/recomma/ordersync/syncer"
	"github.com/recomma/ordersync/tracker"
)

const (
	defaultEventLimit = 50
	maxEventLimit     = 500
	maxBodyBytes      = 1 << 20
)

// Orders is the tracking store as seen by the UI.
type Orders interface {
	Get(orderID string) (order.Record, bool)
	ListActive(filter ...order.Status) []order.Record
	Remove(orderID string) bool
	CleanupInactive() int
}

// StreamSource publishes live store changes for the SSE endpoint.
type StreamSource interface {
	Subscribe(ctx context.Context) (<-chan tracker.Change, error)
}

// Applier applies UI-initiated order updates.
type Applier interface {
	ApplyLocal(raw []byte) (order.Record, error)
}

// Emitter sends outbound socket events.
type Emitter interface {
	Emit(ctx context.Context, name string, payload any) error
}

type History interface {
	FetchTab(ctx context.Context, tab string) ([]order.Record, error)
	FetchTabs(ctx context.Context) (history.Tabs, error)
}

type Journal interface {
	ListEvents(ctx context.Context, orderID string, limit int) ([]storage.EventLogEntry, error)
}

// Lifecycle covers login, logout and pull-to-refresh.
type Lifecycle interface {
	Restore(ctx context.Context) int
	Logout(ctx context.Context) error
}

// SessionStatus reports the sync session behind the store.
type SessionStatus interface {
	ID() string
	Pending() int
}

// Connection reports whether the realtime socket is up.
type Connection interface {
	Connected() bool
}

type HandlerOption func(*ApiHandler)

func WithLogger(logger *slog.Logger) HandlerOption {
	return func(h *ApiHandler) {
		if logger != nil {
			h.logger = logger.WithGroup("api")
		}
	}
}

func WithEmitter(e Emitter) HandlerOption {
	return func(h *ApiHandler) { h.emitter = e }
}

func WithHistory(src History) HandlerOption {
	return func(h *ApiHandler) { h.history = src }
}

func WithJournal(j Journal) HandlerOption {
	return func(h *ApiHandler) { h.journal = j }
}

func WithLifecycle(l Lifecycle) HandlerOption {
	return func(h *ApiHandler) { h.lifecycle = l }
}

func WithSessionStatus(s SessionStatus) HandlerOption {
	return func(h *ApiHandler) { h.session = s }
}

func WithConnection(c Connection) HandlerOption {
	return func(h *ApiHandler) { h.conn = c }
}

func WithNow(now func() time.Time) HandlerOption {
	return func(h *ApiHandler) {
		if now != nil {
			h.now = now
		}
	}
}

// ApiHandler serves the local order API used by UI collaborators.
type ApiHandler struct {
	orders  Orders
	stream  StreamSource
	applier Applier
	emitter Emitter
	history History
	journal Journal
	logger  *slog.Logger
	now     func() time.Time

	lifecycle Lifecycle
	session   SessionStatus
	conn      Connection
}

func NewHandler(orders Orders, stream StreamSource, applier Applier, opts ...HandlerOption) *ApiHandler {
	h := &ApiHandler{
		orders:  orders,
		stream:  stream,
		applier: applier,
		logger:  slog.Default().WithGroup("api"),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register mounts every route on mux.
func (h *ApiHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/health", h.Health)
	mux.HandleFunc("GET /api/orders", h.ListOrders)
	mux.HandleFunc("GET /api/orders/{id}", h.GetOrder)
	mux.HandleFunc("DELETE /api/orders/{id}", h.RemoveOrder)
	mux.HandleFunc("POST /api/orders/cleanup", h.CleanupOrders)
	mux.HandleFunc("POST /api/orders/{id}/status", h.UpdateOrderStatus)
	mux.HandleFunc("GET /api/orders/{id}/events", h.ListOrderEvents)
	mux.HandleFunc("GET /api/history", h.ListHistory)
	mux.HandleFunc("POST /api/session/restore", h.RestoreSession)
	mux.HandleFunc("POST /api/session/logout", h.Logout)
	mux.HandleFunc("GET /sse/orders", h.StreamOrders)
}

type errorResponse struct {
	Error string `json:"error"`
}

type ordersResponse struct {
	Items []order.Record `json:"items"`
	Count int            `json:"count"`
}

type updateResponse struct {
	Order   order.Record `json:"order"`
	Emitted bool         `json:"emitted"`
}

// Health reports liveness, plus the queue backlog and socket state when
// those are wired.
func (h *ApiHandler) Health(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"status": "ok",
		"time":   h.now().UTC(),
	}
	if h.session != nil {
		resp["session"] = h.session.ID()
		resp["pendingEvents"] = h.session.Pending()
	}
	if h.conn != nil {
		resp["socketConnected"] = h.conn.Connected()
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// ListOrders returns tracked orders filtered by ?status=A,B, defaulting to
// every active status.
func (h *ApiHandler) ListOrders(w http.ResponseWriter, r *http.Request) {
	statuses, err := bindStatuses(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}
	items := h.orders.ListActive(statuses...)
	h.writeJSON(w, http.StatusOK, ordersResponse{Items: items, Count: len(items)})
}

func (h *ApiHandler) GetOrder(w http.ResponseWriter, r *http.Request) {
	id, err := bindOrderID(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}
	rec, ok := h.orders.Get(id)
	if !ok {
		h.writeError(w, http.StatusNotFound, fmt.Errorf("order %s not found", id))
		return
	}
	h.writeJSON(w, http.StatusOK, rec)
}

// RemoveOrder drops one order from the tracking store and the persisted
// cache.
func (h *ApiHandler) RemoveOrder(w http.ResponseWriter, r *http.Request) {
	id, err := bindOrderID(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}
	if !h.orders.Remove(id) {
		h.writeError(w, http.StatusNotFound, fmt.Errorf("order %s not found", id))
		return
	}
	h.loggerFor(r).InfoContext(r.Context(), "removed order", slog.String("orderid", id))
	w.WriteHeader(http.StatusNoContent)
}

// CleanupOrders drops every tracked order in a terminal status.
func (h *ApiHandler) CleanupOrders(w http.ResponseWriter, r *http.Request) {
	n := h.orders.CleanupInactive()
	h.writeJSON(w, http.StatusOK, map[string]int{"removed": n})
}

// UpdateOrderStatus applies the order returned by an accept, reject or
// status-update call. Accepting an order also asks the backend to dispatch
// available drivers.
func (h *ApiHandler) UpdateOrderStatus(w http.ResponseWriter, r *http.Request) {
	id, err := bindOrderID(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, fmt.Errorf("read body: %w", err))
		return
	}
	payload, err := withOrderID(body, id)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	rec, err := h.applier.ApplyLocal(payload)
	switch {
	case errors.Is(err, normalize.ErrMalformedPayload):
		h.writeError(w, http.StatusBadRequest, err)
		return
	case errors.Is(err, syncer.ErrStaleUpdate):
		h.writeError(w, http.StatusConflict, err)
		return
	case err != nil:
		h.loggerFor(r).ErrorContext(r.Context(), "apply local update failed",
			slog.String("orderid", id),
			slog.String("error", err.Error()),
		)
		h.writeError(w, http.StatusInternalServerError, errors.New("could not apply update"))
		return
	}

	resp := updateResponse{Order: rec}
	if rec.Status == order.StatusRestaurantAccepted && h.emitter != nil {
		emitPayload := map[string]string{"orderId": rec.OrderID, "restaurantId": rec.RestaurantID}
		if err := h.emitter.Emit(r.Context(), order.EventAcceptWithDrivers, emitPayload); err != nil {
			h.loggerFor(r).WarnContext(r.Context(), "could not request drivers",
				slog.String("orderid", rec.OrderID),
				slog.String("error", err.Error()),
			)
		} else {
			resp.Emitted = true
		}
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *ApiHandler) ListOrderEvents(w http.ResponseWriter, r *http.Request) {
	if h.journal == nil {
		h.writeError(w, http.StatusServiceUnavailable, errors.New("event journal not configured"))
		return
	}
	id, err := bindOrderID(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	var limit *int
	if err := runtime.BindQueryParameter("form", true, false, "limit", r.URL.Query(), &limit); err != nil {
		h.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid limit: %w", err))
		return
	}
	n := defaultEventLimit
	if limit != nil {
		n = *limit
	}
	if n <= 0 || n > maxEventLimit {
		h.writeError(w, http.StatusBadRequest, fmt.Errorf("limit must be between 1 and %d", maxEventLimit))
		return
	}

	events, err := h.journal.ListEvents(r.Context(), id, n)
	if err != nil {
		h.loggerFor(r).ErrorContext(r.Context(), "list order events failed", slog.String("orderid", id), slog.String("error", err.Error()))
		h.writeError(w, http.StatusInternalServerError, errors.New("could not list events"))
		return
	}
	if events == nil {
		events = []storage.EventLogEntry{}
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"items": events})
}

// ListHistory proxies the completed and cancelled tabs from REST. Without
// ?tab= both tabs are returned together.
func (h *ApiHandler) ListHistory(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		h.writeError(w, http.StatusServiceUnavailable, errors.New("history source not configured"))
		return
	}

	var tab *string
	if err := runtime.BindQueryParameter("form", true, false, "tab", r.URL.Query(), &tab); err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}
	if tab == nil {
		tabs, err := h.history.FetchTabs(r.Context())
		if err != nil {
			h.loggerFor(r).WarnContext(r.Context(), "history fetch failed", slog.String("error", err.Error()))
			h.writeError(w, http.StatusBadGateway, errors.New("history unavailable"))
			return
		}
		h.writeJSON(w, http.StatusOK, tabs)
		return
	}

	items, err := h.history.FetchTab(r.Context(), *tab)
	switch {
	case errors.Is(err, history.ErrUnknownTab):
		h.writeError(w, http.StatusBadRequest, err)
		return
	case err != nil:
		h.loggerFor(r).WarnContext(r.Context(), "history fetch failed", slog.String("tab", *tab), slog.String("error", err.Error()))
		h.writeError(w, http.StatusBadGateway, errors.New("history unavailable"))
		return
	}
	h.writeJSON(w, http.StatusOK, ordersResponse{Items: items, Count: len(items)})
}

// RestoreSession reloads the persisted active orders into the tracking store.
func (h *ApiHandler) RestoreSession(w http.ResponseWriter, r *http.Request) {
	if h.lifecycle == nil {
		h.writeError(w, http.StatusServiceUnavailable, errors.New("session lifecycle not configured"))
		return
	}
	n := h.lifecycle.Restore(r.Context())
	h.writeJSON(w, http.StatusOK, map[string]int{"restored": n})
}

// Logout clears tracked orders and the persisted cache.
func (h *ApiHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if h.lifecycle == nil {
		h.writeError(w, http.StatusServiceUnavailable, errors.New("session lifecycle not configured"))
		return
	}
	if err := h.lifecycle.Logout(r.Context()); err != nil {
		h.loggerFor(r).ErrorContext(r.Context(), "logout failed", slog.String("error", err.Error()))
		h.writeError(w, http.StatusInternalServerError, errors.New("could not clear session"))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func bindStatuses(r *http.Request) ([]order.Status, error) {
	var raw *[]string
	if err := runtime.BindQueryParameter("form", false, false, "status", r.URL.Query(), &raw); err != nil {
		return nil, fmt.Errorf("invalid status: %w", err)
	}
	if raw == nil {
		return nil, nil
	}
	out := make([]order.Status, 0, len(*raw))
	for _, s := range *raw {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s == "" {
			continue
		}
		st := order.Status(s)
		if !st.Known() {
			return nil, fmt.Errorf("unknown status %q", s)
		}
		out = append(out, st)
	}
	return out, nil
}

func bindOrderID(r *http.Request) (string, error) {
	var id string
	err := runtime.BindStyledParameterWithOptions("simple", "id", r.PathValue("id"), &id, runtime.BindStyledParameterOptions{
		ParamLocation: runtime.ParamLocationPath,
		Explode:       false,
		Required:      true,
	})
	if err != nil {
		return "", fmt.Errorf("invalid order id: %w", err)
	}
	if strings.TrimSpace(id) == "" {
		return "", errors.New("order id is required")
	}
	return id, nil
}

// withOrderID returns body with orderId set to id, descending into an
// {"order": {...}} envelope when present. A body naming a different order is
// rejected.
func withOrderID(body []byte, id string) ([]byte, error) {
	var p fastjson.Parser
	v, err := p.ParseBytes(body)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid json: %w", normalize.ErrMalformedPayload, err)
	}
	obj, err := v.Object()
	if err != nil {
		return nil, fmt.Errorf("%w: body must be an object", normalize.ErrMalformedPayload)
	}

	target := obj
	if bodyOrderID(obj) == "" {
		if inner := v.Get("order"); inner != nil && inner.Type() == fastjson.TypeObject {
			target, _ = inner.Object()
		}
	}
	if got := bodyOrderID(target); got != "" && got != id {
		return nil, fmt.Errorf("%w: body order id %q does not match %q", normalize.ErrMalformedPayload, got, id)
	}

	var arena fastjson.Arena
	target.Set("orderId", arena.NewString(id))
	return v.MarshalTo(nil), nil
}

func bodyOrderID(obj *fastjson.Object) string {
	for _, key := range []string{"orderId", "id", "_id"} {
		if v := obj.Get(key); v != nil {
			if s := v.GetStringBytes(); len(s) > 0 {
				return string(s)
			}
		}
	}
	return ""
}

func (h *ApiHandler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("write response", slog.String("error", err.Error()))
	}
}

func (h *ApiHandler) writeError(w http.ResponseWriter, status int, err error) {
	h.writeJSON(w, status, errorResponse{Error: err.Error()})
}
