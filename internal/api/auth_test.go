package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func protectedHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(SubjectFrom(r.Context())))
	})
}

func TestRequireAuthMissingToken(t *testing.T) {
	cfg := AuthConfig{JWTSecret: "secret"}
	req := httptest.NewRequest(http.MethodGet, "/v1/sessions/x", nil)
	rec := httptest.NewRecorder()

	RequireAuth(cfg, protectedHandler()).ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with no Authorization header, got %d", rec.Code)
	}
}

func TestRequireAuthValidJWT(t *testing.T) {
	cfg := AuthConfig{JWTSecret: "secret"}

	token, err := IssueJWT(cfg, "user-42", time.Minute)
	if err != nil {
		t.Fatalf("IssueJWT failed: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/sessions/x", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()

	RequireAuth(cfg, protectedHandler()).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with a valid JWT, got %d", rec.Code)
	}
	if rec.Body.String() != "user-42" {
		t.Errorf("expected subject %q in context, got %q", "user-42", rec.Body.String())
	}
}

func TestRequireAuthExpiredJWT(t *testing.T) {
	cfg := AuthConfig{JWTSecret: "secret"}

	token, err := IssueJWT(cfg, "user-42", -time.Minute)
	if err != nil {
		t.Fatalf("IssueJWT failed: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/sessions/x", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()

	RequireAuth(cfg, protectedHandler()).ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with an expired JWT, got %d", rec.Code)
	}
}

func TestRequireAuthWrongSecret(t *testing.T) {
	issuerCfg := AuthConfig{JWTSecret: "secret-a"}
	verifierCfg := AuthConfig{JWTSecret: "secret-b"}

	token, err := IssueJWT(issuerCfg, "user-42", time.Minute)
	if err != nil {
		t.Fatalf("IssueJWT failed: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/sessions/x", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()

	RequireAuth(verifierCfg, protectedHandler()).ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 when verifying with the wrong secret, got %d", rec.Code)
	}
}

func TestRequireAuthValidAPIKey(t *testing.T) {
	hash, err := HashAPIKey("shh-secret")
	if err != nil {
		t.Fatalf("HashAPIKey failed: %v", err)
	}
	cfg := AuthConfig{APIKeyHashes: map[string]string{"svc-1": hash}}

	req := httptest.NewRequest(http.MethodGet, "/v1/sessions/x", nil)
	req.Header.Set("Authorization", "Bearer svc-1.shh-secret")
	rec := httptest.NewRecorder()

	RequireAuth(cfg, protectedHandler()).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with a valid API key, got %d", rec.Code)
	}
	if rec.Body.String() != "apikey:svc-1" {
		t.Errorf("expected subject %q, got %q", "apikey:svc-1", rec.Body.String())
	}
}

func TestRequireAuthWrongAPIKeySecret(t *testing.T) {
	hash, err := HashAPIKey("shh-secret")
	if err != nil {
		t.Fatalf("HashAPIKey failed: %v", err)
	}
	cfg := AuthConfig{APIKeyHashes: map[string]string{"svc-1": hash}}

	req := httptest.NewRequest(http.MethodGet, "/v1/sessions/x", nil)
	req.Header.Set("Authorization", "Bearer svc-1.wrong-secret")
	rec := httptest.NewRecorder()

	RequireAuth(cfg, protectedHandler()).ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with a wrong API key secret, got %d", rec.Code)
	}
}
