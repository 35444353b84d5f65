package middleware

import (
	"log/slog"
	"net/http"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
)

// statusWriter records the response status and body size for the request log.
type statusWriter struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (w *statusWriter) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(p []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(p)
	w.bytes += n
	return n, err
}

// monitoringPath reports whether the path is polled by monitoring rather
// than called by an API consumer. Prometheus scrapes and health checks
// arrive every few seconds and would drown the request log at info level.
func monitoringPath(path string) bool {
	return path == "/metrics" || path == "/api/v1/health"
}

// StructuredLogger logs one slog line per request: request ID (from chi's
// RequestID), method, path, status, response size, duration and remote
// address. Monitoring endpoints log at debug, everything else at info.
func StructuredLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w}

		next.ServeHTTP(sw, r)

		if sw.status == 0 {
			sw.status = http.StatusOK
		}

		level := slog.LevelInfo
		if monitoringPath(r.URL.Path) {
			level = slog.LevelDebug
		}

		slog.Log(r.Context(), level, "api request",
			"request_id", chimw.GetReqID(r.Context()),
			"method", r.Method,
			"path", r.URL.Path,
			"status", sw.status,
			"bytes", sw.bytes,
			"duration_ms", time.Since(start).Milliseconds(),
			"remote_addr", r.RemoteAddr,
		)
	})
}
