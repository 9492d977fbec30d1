// Copyright (c) 2025, the lab-dash contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package downloadclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQbittorrentLogin(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v2/auth/login", r.URL.Path)
		require.NoError(t, r.ParseForm())

		if r.PostForm.Get("username") == "admin" && r.PostForm.Get("password") == "hunter2" {
			w.Header().Set("Set-Cookie", "SID=abc123; HttpOnly; path=/")
			w.Write([]byte("Ok."))
			return
		}
		// Bad credentials still answer 200, just without a cookie.
		w.Write([]byte("Fails."))
	}))
	defer srv.Close()

	adapter := NewQbittorrent(testCipher(t, "secret"))
	target := testTarget(t, srv)

	err := adapter.Login(context.Background(), "alice", target, "admin", "hunter2")
	require.NoError(t, err)

	cookie, ok := adapter.sessions.Get("alice")
	require.True(t, ok)
	assert.Equal(t, "SID=abc123", cookie)

	err = adapter.Login(context.Background(), "alice", target, "admin", "wrong")
	require.Error(t, err)

	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusUnauthorized, statusErr.Code)

	// The failed attempt must not leave the old session behind.
	_, ok = adapter.sessions.Get("alice")
	assert.False(t, ok)
}

func TestQbittorrentLoginEncryptedPassword(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		// The backend must see the plaintext, never the blob.
		require.Equal(t, "hunter2", r.PostForm.Get("password"))
		w.Header().Set("Set-Cookie", "SID=abc123; path=/")
	}))
	defer srv.Close()

	cipher := testCipher(t, "secret")
	blob, err := cipher.Encrypt("hunter2")
	require.NoError(t, err)

	adapter := NewQbittorrent(cipher)
	require.NoError(t, adapter.Login(context.Background(), "alice", testTarget(t, srv), "admin", blob))
}

func TestQbittorrentLoginDecryptFailure(t *testing.T) {
	t.Parallel()

	// Encrypted under a different secret, as after a key rotation.
	blob, err := testCipher(t, "old-secret").Encrypt("hunter2")
	require.NoError(t, err)

	adapter := NewQbittorrent(testCipher(t, "new-secret"))
	err = adapter.Login(context.Background(), "alice", Target{Host: "localhost", Port: 8080}, "admin", blob)

	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusUnauthorized, statusErr.Code)
	assert.Contains(t, statusErr.Message, "re-enter")
}

func TestQbittorrentStats(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "SID=abc123", r.Header.Get("Cookie"))

		switch r.URL.Path {
		case "/api/v2/transfer/info":
			w.Write([]byte(`{"dl_info_speed":1048576,"up_info_speed":2048,"dl_info_data":5000000,"up_info_data":9000000}`))
		case "/api/v2/torrents/info":
			w.Write([]byte(`[
				{"hash":"aaa","state":"downloading","progress":0.4},
				{"hash":"bbb","state":"stalledDL","progress":0.1},
				{"hash":"ccc","state":"uploading","progress":1},
				{"hash":"ddd","state":"pausedUP","progress":1}
			]`))
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	adapter := NewQbittorrent(testCipher(t, "secret"))
	adapter.sessions.Put("alice", "SID=abc123")

	stats, err := adapter.Stats(context.Background(), "alice", testTarget(t, srv))
	require.NoError(t, err)

	assert.Equal(t, 4, stats.Total)
	assert.Equal(t, 2, stats.Downloading)
	assert.Equal(t, 1, stats.Seeding)
	assert.Equal(t, 1, stats.Paused)
	assert.Equal(t, 2, stats.Completed)
	assert.Equal(t, int64(1048576), stats.DLInfoSpeed)
	assert.Equal(t, int64(2048), stats.UPInfoSpeed)
	assert.Equal(t, int64(5000000), stats.DLInfoData)
	assert.Equal(t, int64(9000000), stats.UPInfoData)
}

func TestQbittorrentTorrents(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v2/torrents/info", r.URL.Path)
		w.Write([]byte(`[
			{"hash":"aaa","name":"ubuntu.iso","state":"downloading","progress":0.42,"dlspeed":500,"upspeed":10,"size":1000,"eta":3600},
			{"hash":"bbb","name":"debian.iso","state":"checkingResumeData","progress":1,"dlspeed":0,"upspeed":0,"size":2000,"eta":8640000}
		]`))
	}))
	defer srv.Close()

	adapter := NewQbittorrent(testCipher(t, "secret"))
	adapter.sessions.Put("alice", "SID=abc123")

	torrents, err := adapter.Torrents(context.Background(), "alice", testTarget(t, srv))
	require.NoError(t, err)
	require.Len(t, torrents, 2)

	assert.Equal(t, Torrent{
		Hash: "aaa", Name: "ubuntu.iso", State: StateDownloading,
		Progress: 0.42, DLSpeed: 500, UPSpeed: 10, Size: 1000, ETA: 3600,
	}, torrents[0])
	assert.Equal(t, StateCheckingUP, torrents[1].State)
}

func TestQbittorrentReadsRequireSession(t *testing.T) {
	t.Parallel()

	adapter := NewQbittorrent(testCipher(t, "secret"))
	target := Target{Host: "localhost", Port: 8080}

	_, err := adapter.Stats(context.Background(), "nobody", target)
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusUnauthorized, statusErr.Code)
	assert.Equal(t, "Not authenticated with qBittorrent", statusErr.Message)

	_, err = adapter.Torrents(context.Background(), "nobody", target)
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusUnauthorized, statusErr.Code)
}

func TestQbittorrentStaleCookieEvicted(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	adapter := NewQbittorrent(testCipher(t, "secret"))
	adapter.sessions.Put("alice", "SID=stale")

	_, err := adapter.Torrents(context.Background(), "alice", testTarget(t, srv))
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusUnauthorized, statusErr.Code)

	// The dead cookie must be gone so the next call prompts a fresh login.
	_, ok := adapter.sessions.Get("alice")
	assert.False(t, ok)
}

func TestQbittorrentDelete(t *testing.T) {
	t.Parallel()

	var gotHashes, gotDelete string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v2/torrents/delete", r.URL.Path)
		require.NoError(t, r.ParseForm())
		gotHashes = r.PostForm.Get("hashes")
		gotDelete = r.PostForm.Get("deleteFiles")
	}))
	defer srv.Close()

	adapter := NewQbittorrent(testCipher(t, "secret"))
	adapter.sessions.Put("alice", "SID=abc123")

	err := adapter.Delete(context.Background(), "alice", testTarget(t, srv), []string{"aaa", "bbb"}, true)
	require.NoError(t, err)
	assert.Equal(t, "aaa|bbb", gotHashes)
	assert.Equal(t, "true", gotDelete)
}

func TestQbittorrentLogout(t *testing.T) {
	t.Parallel()

	var logoutCalls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v2/auth/logout", r.URL.Path)
		logoutCalls.Add(1)
	}))
	defer srv.Close()

	adapter := NewQbittorrent(testCipher(t, "secret"))
	adapter.sessions.Put("alice", "SID=abc123")

	require.NoError(t, adapter.Logout(context.Background(), "alice", testTarget(t, srv)))
	assert.Equal(t, int32(1), logoutCalls.Load())
	assert.Equal(t, 0, adapter.sessions.Len())

	// Logging out without a session is fine and stays quiet.
	require.NoError(t, adapter.Logout(context.Background(), "alice", testTarget(t, srv)))
	assert.Equal(t, int32(1), logoutCalls.Load())
}

func TestQbittorrentUpstreamErrorPassthrough(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("maintenance window"))
	}))
	defer srv.Close()

	adapter := NewQbittorrent(testCipher(t, "secret"))
	adapter.sessions.Put("alice", "SID=abc123")

	_, err := adapter.Torrents(context.Background(), "alice", testTarget(t, srv))
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusServiceUnavailable, statusErr.Code)
	assert.Equal(t, "maintenance window", statusErr.Message)
}

func TestMapQbitState(t *testing.T) {
	t.Parallel()

	tests := []struct {
		state    string
		expected TorrentState
	}{
		{"downloading", StateDownloading},
		{"metaDL", StateDownloading},
		{"forcedDL", StateDownloading},
		{"uploading", StateSeeding},
		{"stalledUP", StateSeeding},
		{"queuedUP", StateSeeding},
		{"pausedDL", StatePausedDL},
		{"stoppedUP", StatePausedDL},
		{"stalledDL", StateStalledDL},
		{"queuedDL", StateStalledDL},
		{"checkingUP", StateCheckingUP},
		{"checkingResumeData", StateCheckingUP},
		{"moving", StateUnknown},
		{"", StateUnknown},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, mapQbitState(tt.state), "state %q", tt.state)
	}
}
