// Package api is the HTTP control-surface collaborator: it turns REST
// calls into Session operations and streams frame bytes to callers
// over chunked HTTP. It sits at the edge, deliberately separate from
// the frame-production core.
package api

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

// AuthConfig configures bearer-token verification at the API edge,
// grounded on psubacz-dungeongate/internal/auth's HS256
// createToken/parseToken pair, narrowed to verification only — this
// server has no login flow of its own, just a configured secret.
type AuthConfig struct {
	JWTSecret string
	// APIKeyHashes maps a key id to its bcrypt hash, for callers that
	// present a long-lived key instead of a JWT (e.g. service-to-service
	// automation). Either credential is accepted.
	APIKeyHashes map[string]string
}

// subjectContextKey matches the string key logging.ContextLogger looks
// for, so a request logger built from this context picks up the
// authenticated caller automatically.
const subjectContextKey = "subject"

// RequireAuth wraps next with bearer-token verification. /healthz and
// /metrics are expected to be registered outside this middleware —
// every other endpoint requires a bearer JWT or API key.
func RequireAuth(cfg AuthConfig, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}

		if subject, ok := verifyAPIKey(cfg, token); ok {
			r = r.WithContext(withSubject(r.Context(), subject))
			next.ServeHTTP(w, r)
			return
		}

		subject, err := verifyJWT(cfg, token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, fmt.Sprintf("invalid token: %v", err))
			return
		}

		r = r.WithContext(withSubject(r.Context(), subject))
		next.ServeHTTP(w, r)
	})
}

func verifyJWT(cfg AuthConfig, tokenString string) (string, error) {
	if cfg.JWTSecret == "" {
		return "", fmt.Errorf("no JWT secret configured")
	}

	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(cfg.JWTSecret), nil
	})
	if err != nil {
		return "", err
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return "", fmt.Errorf("invalid token")
	}

	sub, _ := claims["sub"].(string)
	return sub, nil
}

// verifyAPIKey checks tokenString (formatted "<key-id>.<secret>")
// against the configured bcrypt hash table.
func verifyAPIKey(cfg AuthConfig, tokenString string) (string, bool) {
	keyID, secret, ok := strings.Cut(tokenString, ".")
	if !ok {
		return "", false
	}
	hash, ok := cfg.APIKeyHashes[keyID]
	if !ok {
		return "", false
	}
	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)) != nil {
		return "", false
	}
	return "apikey:" + keyID, true
}

// HashAPIKey bcrypt-hashes a plaintext API key secret for storage in
// AuthConfig.APIKeyHashes (an operator tool, not called at request time).
func HashAPIKey(secret string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash api key: %w", err)
	}
	return string(hash), nil
}

// IssueJWT mints a short-lived HS256 token for subject, mirroring the
// teacher's createToken shape. Exposed for operator tooling/tests; the
// server itself only verifies tokens, it does not issue them over HTTP.
func IssueJWT(cfg AuthConfig, subject string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": subject,
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
		"iss": "motionstream",
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(cfg.JWTSecret))
}
