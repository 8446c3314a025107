package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/rs/xid"

	ordlog "github.com/recomma/ordersync/log"
)

const requestIDHeader = "X-Request-Id"

// RequestLogger tags every request with an id and a request-scoped logger,
// and logs the outcome once the handler returns.
func RequestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.WithGroup("api")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get(requestIDHeader)
			if id == "" {
				id = xid.New().String()
			}
			w.Header().Set(requestIDHeader, id)

			reqLogger := logger.With(
				slog.String("request_id", id),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
			)
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			start := time.Now()
			next.ServeHTTP(sw, r.WithContext(ordlog.ContextWithLogger(r.Context(), reqLogger)))

			level := slog.LevelDebug
			if sw.status >= http.StatusInternalServerError {
				level = slog.LevelWarn
			}
			reqLogger.Log(r.Context(), level, "request served",
				slog.Int("status", sw.status),
				slog.Duration("elapsed", time.Since(start)),
			)
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

func (h *ApiHandler) loggerFor(r *http.Request) *slog.Logger {
	return ordlog.LoggerFromContext(r.Context(), h.logger)
}
