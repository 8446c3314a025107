package api

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	ordlog "github.com/recomma/ordersync/log"
)

func TestRequestLogger(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	var scoped *slog.Logger
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		scoped = ordlog.LoggerFromContext(r.Context(), nil)
		w.WriteHeader(http.StatusTeapot)
	})

	req := httptest.NewRequest(http.MethodGet, "/api/orders", nil)
	req.Header.Set(requestIDHeader, "req-1")
	rr := httptest.NewRecorder()
	RequestLogger(logger)(next).ServeHTTP(rr, req)

	require.Equal(t, http.StatusTeapot, rr.Code)
	require.Equal(t, "req-1", rr.Header().Get(requestIDHeader))
	require.NotSame(t, slog.Default(), scoped)
	require.Contains(t, buf.String(), "api.request_id=req-1")
	require.Contains(t, buf.String(), "api.status=418")

	rr = httptest.NewRecorder()
	RequestLogger(logger)(next).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	require.NotEmpty(t, rr.Header().Get(requestIDHeader))
}
