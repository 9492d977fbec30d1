// Copyright (c) 2025, the lab-dash contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package api

import (
	"context"
	"crypto/sha256"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AnthonyGress/lab-dash/internal/auth"
	"github.com/AnthonyGress/lab-dash/internal/crypto"
	"github.com/AnthonyGress/lab-dash/internal/database"
	"github.com/AnthonyGress/lab-dash/internal/downloadclient"
	"github.com/AnthonyGress/lab-dash/internal/metrics"
)

// stubAdapter satisfies the adapter contract and records the session key it
// was called with.
type stubAdapter struct {
	kind           downloadclient.Kind
	lastSessionKey string
}

func (s *stubAdapter) Kind() downloadclient.Kind { return s.kind }
func (s *stubAdapter) DefaultPort() int { return 8080 }
func (s *stubAdapter) RequiresSessionForReads() bool { return true }

func (s *stubAdapter) Login(_ context.Context, sessionKey string, _ downloadclient.Target, _, _ string) error {
	s.lastSessionKey = sessionKey
	return nil
}

func (s *stubAdapter) Stats(_ context.Context, sessionKey string, _ downloadclient.Target) (*downloadclient.Stats, error) {
	s.lastSessionKey = sessionKey
	return &downloadclient.Stats{}, nil
}

func (s *stubAdapter) Torrents(_ context.Context, sessionKey string, _ downloadclient.Target) ([]downloadclient.Torrent, error) {
	s.lastSessionKey = sessionKey
	return nil, nil
}

func (s *stubAdapter) Start(_ context.Context, sessionKey string, _ downloadclient.Target, _ []string) error {
	s.lastSessionKey = sessionKey
	return nil
}

func (s *stubAdapter) Stop(_ context.Context, sessionKey string, _ downloadclient.Target, _ []string) error {
	s.lastSessionKey = sessionKey
	return nil
}

func (s *stubAdapter) Delete(_ context.Context, sessionKey string, _ downloadclient.Target, _ []string, _ bool) error {
	s.lastSessionKey = sessionKey
	return nil
}

func (s *stubAdapter) Logout(_ context.Context, sessionKey string, _ downloadclient.Target) error {
	s.lastSessionKey = sessionKey
	return nil
}

func newTestRouter(t *testing.T, withMetrics bool) (http.Handler, *stubAdapter) {
	t.Helper()

	db, err := database.New(filepath.Join(t.TempDir(), "labdash.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	authService := auth.NewService(db.Conn(), "router-test-secret")

	key := sha256.Sum256([]byte("router-test-secret"))
	cipher, err := crypto.NewCipher(key[:])
	require.NoError(t, err)

	adapter := &stubAdapter{kind: downloadclient.KindQbittorrent}

	deps := &Dependencies{
		DB:          db.Conn(),
		AuthService: authService,
		Cipher:      cipher,
		Adapters:    []downloadclient.Adapter{adapter},
	}
	if withMetrics {
		deps.MetricsManager = metrics.NewManager()
	}

	return NewRouter(deps), adapter
}

func setupUser(t *testing.T, router http.Handler) *http.Cookie {
	t.Helper()

	req := httptest.NewRequest(http.MethodPost, "/api/auth/setup",
		strings.NewReader(`{"username":"admin","password":"correcthorse"}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)

	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	return cookies[0]
}

func TestHealthEndpoint(t *testing.T) {
	t.Parallel()

	router, _ := newTestRouter(t, false)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestMetricsEndpointPresence(t *testing.T) {
	t.Parallel()

	router, _ := newTestRouter(t, true)
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")

	router, _ = newTestRouter(t, false)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMeRequiresAuth(t *testing.T) {
	t.Parallel()

	router, _ := newTestRouter(t, false)

	req := httptest.NewRequest(http.MethodGet, "/api/auth/me", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	cookie := setupUser(t, router)
	req = httptest.NewRequest(http.MethodGet, "/api/auth/me", nil)
	req.AddCookie(cookie)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"username":"admin"}`, rec.Body.String())
}

func TestClientSessionScoping(t *testing.T) {
	t.Parallel()

	router, adapter := newTestRouter(t, false)
	cookie := setupUser(t, router)

	// Authenticated callers are keyed by username.
	req := httptest.NewRequest(http.MethodPost, "/api/qbittorrent/login",
		strings.NewReader(`{"host":"nas.local","username":"u","password":"p"}`))
	req.AddCookie(cookie)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "admin", adapter.lastSessionKey)

	// Anonymous callers are keyed by their IP.
	req = httptest.NewRequest(http.MethodPost, "/api/qbittorrent/login",
		strings.NewReader(`{"host":"nas.local","username":"u","password":"p"}`))
	req.RemoteAddr = "203.0.113.7:4444"
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "203.0.113.7", adapter.lastSessionKey)
}

func TestEncryptPasswordRequiresAuth(t *testing.T) {
	t.Parallel()

	router, _ := newTestRouter(t, false)

	req := httptest.NewRequest(http.MethodPost, "/api/qbittorrent/encrypt-password",
		strings.NewReader(`{"password":"hunter2"}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	cookie := setupUser(t, router)
	req = httptest.NewRequest(http.MethodPost, "/api/qbittorrent/encrypt-password",
		strings.NewReader(`{"password":"hunter2"}`))
	req.AddCookie(cookie)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "enc:v1:")
}

func TestClientRoutesRegistered(t *testing.T) {
	t.Parallel()

	router, _ := newTestRouter(t, false)

	paths := []string{
		"/api/qbittorrent/torrents/start",
		"/api/qbittorrent/torrents/resume",
		"/api/qbittorrent/torrents/stop",
		"/api/qbittorrent/torrents/pause",
	}
	for _, path := range paths {
		req := httptest.NewRequest(http.MethodPost, path,
			strings.NewReader(`{"host":"nas.local","hashes":["aaa"]}`))
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}
}

func TestClientMetricsObserved(t *testing.T) {
	t.Parallel()

	router, _ := newTestRouter(t, true)

	req := httptest.NewRequest(http.MethodGet, "/api/qbittorrent/stats?host=nas.local", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(),
		`labdash_client_requests_total{client="qbittorrent",operation="stats",status="200"}`)
}
