package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/motionstream/motionstream/internal/animator"
	"github.com/motionstream/motionstream/internal/session"
)

const testAPIKeySecret = "test-secret"

func testServer() *Server {
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	registry := animator.NewRegistry()
	registry.Register("test", animator.NewTestAnimator(4))
	manager := session.NewManager(session.DefaultConfig(), registry, logger)

	hash, err := HashAPIKey(testAPIKeySecret)
	if err != nil {
		panic(err)
	}
	auth := AuthConfig{APIKeyHashes: map[string]string{"testkey": hash}}

	return NewServer(manager, nil, nil, auth, logger)
}

// authed sets the bearer token testServer's AuthConfig accepts.
func authed(req *http.Request) *http.Request {
	req.Header.Set("Authorization", "Bearer testkey."+testAPIKeySecret)
	return req
}

func TestHandleHealthz(t *testing.T) {
	s := testServer()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()

	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode body: %v", err)
	}
	if body["status"] != "healthy" {
		t.Errorf("expected status healthy, got %q", body["status"])
	}
}

func TestHandleHealthzIsUnauthenticated(t *testing.T) {
	s := testServer()
	s.auth = AuthConfig{JWTSecret: "super-secret"}

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()

	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected /healthz to bypass auth, got %d", rec.Code)
	}
}

func TestV1RoutesRequireAuth(t *testing.T) {
	s := testServer()
	s.auth = AuthConfig{JWTSecret: "super-secret"}

	req := httptest.NewRequest(http.MethodGet, "/v1/sessions/missing", nil)
	rec := httptest.NewRecorder()

	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without a bearer token, got %d", rec.Code)
	}
}

func TestHandleDescribeNotFound(t *testing.T) {
	s := testServer()

	req := authed(httptest.NewRequest(http.MethodGet, "/v1/sessions/does-not-exist", nil))
	rec := httptest.NewRecorder()

	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown session, got %d", rec.Code)
	}
}

func TestHandleCommandNotFound(t *testing.T) {
	s := testServer()

	body := strings.NewReader(`{"kind":"pause"}`)
	req := authed(httptest.NewRequest(http.MethodPost, "/v1/sessions/does-not-exist/commands", body))
	rec := httptest.NewRecorder()

	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown session, got %d", rec.Code)
	}
}

func TestHandleCloseNotFound(t *testing.T) {
	s := testServer()

	req := authed(httptest.NewRequest(http.MethodDelete, "/v1/sessions/does-not-exist", nil))
	rec := httptest.NewRecorder()

	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 closing an unknown session, got %d", rec.Code)
	}
}

// TestHandleCreateInvalidAnimatorKind exercises the
// ErrKindInvalidInput -> 400 mapping via a real Manager.Create call;
// an unknown animator kind is rejected before any engine process is
// spawned, so this needs no subprocess.
func TestHandleCreateInvalidAnimatorKind(t *testing.T) {
	s := testServer()

	body := strings.NewReader(`{"id":"session-1","source_reference":"clip.bvh","animator_kind":"no-such-kind"}`)
	req := authed(httptest.NewRequest(http.MethodPost, "/v1/sessions", body))
	rec := httptest.NewRecorder()

	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for an unregistered animator kind, got %d", rec.Code)
	}
}

// TestHandleCreateInvalidID exercises the same ErrKindInvalidInput ->
// 400 mapping via an id that fails session.ValidateID.
func TestHandleCreateInvalidID(t *testing.T) {
	s := testServer()

	body := strings.NewReader(`{"id":"not a valid id!","source_reference":"clip.bvh","animator_kind":"test"}`)
	req := authed(httptest.NewRequest(http.MethodPost, "/v1/sessions", body))
	rec := httptest.NewRecorder()

	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for an invalid session id, got %d", rec.Code)
	}
}

func TestHandleCreateMalformedBody(t *testing.T) {
	s := testServer()

	body := strings.NewReader(`not json`)
	req := authed(httptest.NewRequest(http.MethodPost, "/v1/sessions", body))
	rec := httptest.NewRecorder()

	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for a malformed body, got %d", rec.Code)
	}
}

func TestHTTPSinkSend(t *testing.T) {
	rec := httptest.NewRecorder()
	sink := &httpSink{w: rec, flusher: rec}

	if err := sink.Send([]byte("frame-bytes")); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if rec.Body.String() != "frame-bytes" {
		t.Errorf("expected body %q, got %q", "frame-bytes", rec.Body.String())
	}
	if !rec.Flushed {
		t.Error("expected Send to flush the response writer")
	}
}
