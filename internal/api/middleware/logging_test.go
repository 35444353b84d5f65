package middleware

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
)

// captureLog routes the default slog output into a buffer for the duration
// of a test.
func captureLog(t *testing.T, level slog.Level) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: level})))
	t.Cleanup(func() { slog.SetDefault(prev) })
	return &buf
}

func lastLogEntry(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("parsing log output %q: %v", buf.String(), err)
	}
	return entry
}

func TestStructuredLoggerBodyOnlyResponse(t *testing.T) {
	buf := captureLog(t, slog.LevelInfo)

	handler := StructuredLogger(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":{"channels":[]}}`))
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/channels", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	entry := lastLogEntry(t, buf)
	if entry["msg"] != "api request" {
		t.Fatalf("msg = %v, want api request", entry["msg"])
	}
	if entry["path"] != "/api/v1/channels" {
		t.Fatalf("path = %v", entry["path"])
	}
	// A handler that never calls WriteHeader still logs 200.
	if entry["status"] != float64(200) {
		t.Fatalf("status = %v, want 200", entry["status"])
	}
	if entry["bytes"] != float64(24) {
		t.Fatalf("bytes = %v, want 24", entry["bytes"])
	}
	if _, ok := entry["duration_ms"]; !ok {
		t.Fatal("missing duration_ms")
	}
}

func TestStructuredLoggerExplicitStatus(t *testing.T) {
	buf := captureLog(t, slog.LevelInfo)

	handler := StructuredLogger(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/calls/9999", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	entry := lastLogEntry(t, buf)
	if entry["status"] != float64(404) {
		t.Fatalf("status = %v, want 404", entry["status"])
	}
}

func TestStructuredLoggerKeepsFirstStatus(t *testing.T) {
	buf := captureLog(t, slog.LevelInfo)

	handler := StructuredLogger(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.WriteHeader(http.StatusOK) // ignored, headers already sent
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/stats", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	entry := lastLogEntry(t, buf)
	if entry["status"] != float64(429) {
		t.Fatalf("status = %v, want 429", entry["status"])
	}
}

func TestStructuredLoggerDemotesMonitoringEndpoints(t *testing.T) {
	for _, path := range []string{"/metrics", "/api/v1/health"} {
		buf := captureLog(t, slog.LevelInfo)

		handler := StructuredLogger(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("ok"))
		}))

		req := httptest.NewRequest(http.MethodGet, path, nil)
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)

		// At info level the monitoring request produces no log line at all.
		if buf.Len() != 0 {
			t.Errorf("GET %s logged at info level: %s", path, buf.String())
		}
	}
}

func TestStructuredLoggerMonitoringVisibleAtDebug(t *testing.T) {
	buf := captureLog(t, slog.LevelDebug)

	handler := StructuredLogger(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	entry := lastLogEntry(t, buf)
	if entry["level"] != "DEBUG" {
		t.Fatalf("level = %v, want DEBUG", entry["level"])
	}
	if entry["path"] != "/metrics" {
		t.Fatalf("path = %v", entry["path"])
	}
}
