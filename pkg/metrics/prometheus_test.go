package metrics

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
)

func TestRouteLabel(t *testing.T) {
	cases := map[string]string{
		"/healthz":                           "/healthz",
		"/v1/sessions":                       "/v1/sessions",
		"/v1/sessions/abc-123":               "/v1/sessions/{id}",
		"/v1/sessions/abc-123/commands":      "/v1/sessions/{id}/commands",
		"/v1/sessions/abc-123/stream":        "/v1/sessions/{id}/stream",
		"/v1/sessions/session-with-dashes-9": "/v1/sessions/{id}",
	}
	for input, want := range cases {
		if got := routeLabel(input); got != want {
			t.Errorf("routeLabel(%q) = %q, want %q", input, got, want)
		}
	}
}

func TestResponseWriterTracksStatusAndBytes(t *testing.T) {
	rec := httptest.NewRecorder()
	rw := &responseWriter{ResponseWriter: rec, statusCode: http.StatusOK}

	rw.WriteHeader(http.StatusCreated)
	n, err := rw.Write([]byte("frame-bytes"))
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if n != len("frame-bytes") {
		t.Errorf("Write returned %d, want %d", n, len("frame-bytes"))
	}

	if rw.statusCode != http.StatusCreated {
		t.Errorf("expected statusCode %d, got %d", http.StatusCreated, rw.statusCode)
	}
	if rw.bytesWritten != int64(len("frame-bytes")) {
		t.Errorf("expected bytesWritten %d, got %d", len("frame-bytes"), rw.bytesWritten)
	}
}

func TestResponseWriterFlushDelegates(t *testing.T) {
	rec := httptest.NewRecorder()
	rw := &responseWriter{ResponseWriter: rec, statusCode: http.StatusOK}

	// httptest.ResponseRecorder implements http.Flusher; this must not panic.
	rw.Flush()
	if !rec.Flushed {
		t.Error("expected Flush to delegate to the wrapped ResponseWriter")
	}
}

func TestHTTPMiddlewareInstrumentsRequest(t *testing.T) {
	reg := NewRegistry("motionstream-test", "0.0.0-test", "", "", slog.New(slog.NewTextHandler(os.Stdout, nil)))

	handler := reg.HTTPMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		w.Write([]byte("ok"))
	}))

	req := httptest.NewRequest(http.MethodPost, "/v1/sessions/abc-123/commands", nil)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Errorf("expected status %d, got %d", http.StatusAccepted, rec.Code)
	}
	if rec.Body.String() != "ok" {
		t.Errorf("expected body %q, got %q", "ok", rec.Body.String())
	}
}
