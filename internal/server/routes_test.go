package server

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BitAdventure/drawing-webrtc-sub000/internal/auth"
	"github.com/BitAdventure/drawing-webrtc-sub000/internal/config"
)

func newTestServer() *Server {
	cfg := &config.Config{
		HTTPAddr:        ":0",
		JWTSecret:       "test-secret",
		ClientRateLimit: 30,
		ClientRateBurst: 60,
	}
	return New(cfg, auth.NewVerifier(cfg.JWTSecret), nil, nil, nil, nil, nil, zerolog.Nop())
}

func TestHealthEndpoint(t *testing.T) {
	srv := newTestServer()
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestPreflightShortCircuits(t *testing.T) {
	srv := newTestServer()
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/health", nil))

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), "Authorization")
}

func TestWebsocketRejectsMissingToken(t *testing.T) {
	srv := newTestServer()
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws/session-1", nil))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestWebsocketRejectsBadToken(t *testing.T) {
	srv := newTestServer()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/ws/session-1?token=garbage", nil)
	srv.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestBearerTokenSources(t *testing.T) {
	v := auth.NewVerifier("test-secret")
	token, err := v.Sign(auth.Identity{PlayerId: "p1", Name: "Alice"}, time.Minute)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/ws/s1?token="+token, nil)
	assert.Equal(t, token, bearerToken(req))

	req = httptest.NewRequest(http.MethodGet, "/ws/s1", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	assert.Equal(t, token, bearerToken(req))
}
