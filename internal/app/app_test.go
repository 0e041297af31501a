package app

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/kinderops/kinderops/internal/shared"
)

const testToken = "s3cret-token"

func newVerifier(t *testing.T) *shared.TokenVerifier {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(testToken), bcrypt.MinCost)
	require.NoError(t, err)
	verifier, err := shared.NewTokenVerifier(string(hash))
	require.NoError(t, err)
	return verifier
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestLoadConfig(t *testing.T) {
	t.Setenv("API_TOKEN_HASH", "$2a$04$abcdefghijklmnopqrstuu")
	t.Setenv("MATCH_MIN_SCORE", "0.4")
	t.Setenv("RATE_LIMIT_PER_MINUTE", "30")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.Equal(t, 0.4, cfg.MatchMinScore)
	require.Equal(t, 30, cfg.RateLimitPerMinute)
	require.Equal(t, ":8080", cfg.AppAddr)
	require.False(t, cfg.IsProduction())

	t.Setenv("MATCH_MIN_SCORE", "1.5")
	_, err = LoadConfig()
	require.Error(t, err)
}

func TestLoadConfigRequiresTokenHash(t *testing.T) {
	t.Setenv("API_TOKEN_HASH", "")
	_, err := LoadConfig()
	require.Error(t, err)
}

func TestNewLoggerFormats(t *testing.T) {
	var buf bytes.Buffer
	newLogger(&Config{LogFormat: "json", AppEnv: "production"}, &buf).Info("hello", slog.String("k", "v"))
	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	require.Equal(t, "hello", entry["msg"])
	require.Equal(t, "v", entry["k"])

	buf.Reset()
	newLogger(&Config{AppEnv: "production"}, &buf).Debug("hidden")
	require.Empty(t, buf.String())
}

func serveWithPrincipal(t *testing.T, req *http.Request) (*httptest.ResponseRecorder, shared.Principal) {
	t.Helper()
	var seen shared.Principal
	r := chi.NewRouter()
	r.Use(PrincipalMiddleware(newVerifier(t), discardLogger()))
	r.Get("/whoami", func(w http.ResponseWriter, r *http.Request) {
		seen, _ = shared.PrincipalFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)
	return rr, seen
}

func TestPrincipalMiddleware(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.Header.Set("Authorization", "Bearer "+testToken)
	req.Header.Set("X-User-ID", "42")
	req.Header.Set("X-User-Role", " Teacher ")

	rr, principal := serveWithPrincipal(t, req)
	require.Equal(t, http.StatusNoContent, rr.Code)
	require.Equal(t, shared.Principal{UserID: 42, Role: "teacher"}, principal)
}

func TestPrincipalMiddlewareRejects(t *testing.T) {
	cases := map[string]map[string]string{
		"missing token": {"X-User-ID": "1", "X-User-Role": "teacher"},
		"wrong token":   {"Authorization": "Bearer nope", "X-User-ID": "1", "X-User-Role": "teacher"},
		"missing user":  {"Authorization": "Bearer " + testToken, "X-User-Role": "teacher"},
		"bad user":      {"Authorization": "Bearer " + testToken, "X-User-ID": "abc", "X-User-Role": "teacher"},
		"missing role":  {"Authorization": "Bearer " + testToken, "X-User-ID": "1"},
	}
	for name, headers := range cases {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
			for k, v := range headers {
				req.Header.Set(k, v)
			}
			rr, _ := serveWithPrincipal(t, req)
			require.Equal(t, http.StatusUnauthorized, rr.Code)
			require.Equal(t, "application/problem+json", rr.Header().Get("Content-Type"))
		})
	}
}

func TestRouterHealthz(t *testing.T) {
	cfg := &Config{AppEnv: "test", RateLimitPerMinute: 100}
	healthy := NewRouter(RouterParams{Logger: discardLogger(), Config: cfg, Verifier: newVerifier(t)})
	rr := httptest.NewRecorder()
	healthy.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	require.JSONEq(t, `{"status":"ok"}`, rr.Body.String())
	require.Equal(t, "DENY", rr.Header().Get("X-Frame-Options"))

	down := NewRouter(RouterParams{
		Logger:      discardLogger(),
		Config:      cfg,
		Verifier:    newVerifier(t),
		HealthCheck: func(*http.Request) error { return errors.New("pg down") },
	})
	rr = httptest.NewRecorder()
	down.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
}
