// Copyright (c) 2025, the lab-dash contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package downloadclient wraps the qBittorrent, Deluge and Transmission wire
// protocols behind one adapter contract consumed by the gateway routes.
package downloadclient

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// Kind identifies a download-client protocol family.
type Kind string

const (
	KindQbittorrent  Kind = "qbittorrent"
	KindDeluge       Kind = "deluge"
	KindTransmission Kind = "transmission"
)

// DisplayName returns the vendor's human name, used in error messages.
func (k Kind) DisplayName() string {
	switch k {
	case KindQbittorrent:
		return "qBittorrent"
	case KindDeluge:
		return "Deluge"
	case KindTransmission:
		return "Transmission"
	default:
		return string(k)
	}
}

// Target identifies the backend instance a request is aimed at. The frontend
// widget holds the connection details, not the backend, so a target arrives
// with every request via query parameters.
type Target struct {
	Host string
	Port int
	SSL  bool
}

func (t Target) origin() string {
	scheme := "http"
	if t.SSL {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, t.Host, t.Port)
}

// TorrentState is the shared state vocabulary all adapters normalize into.
type TorrentState string

const (
	StateDownloading TorrentState = "downloading"
	StateSeeding     TorrentState = "seeding"
	StatePausedDL    TorrentState = "pausedDL"
	StateStalledDL   TorrentState = "stalledDL"
	StateCheckingUP  TorrentState = "checkingUP"
	StateUnknown     TorrentState = "unknown"
)

// Torrent is the protocol-independent torrent shape. Progress is always on
// the 0..1 scale regardless of the vendor's convention.
type Torrent struct {
	Hash     string       `json:"hash"`
	Name     string       `json:"name"`
	State    TorrentState `json:"state"`
	Progress float64      `json:"progress"`
	DLSpeed  int64        `json:"dlspeed"`
	UPSpeed  int64        `json:"upspeed"`
	Size     int64        `json:"size"`
	ETA      int64        `json:"eta"`
}

// Stats aggregates per-state counts with global throughput and cumulative
// byte counters.
type Stats struct {
	Total       int   `json:"total"`
	Downloading int   `json:"downloading"`
	Seeding     int   `json:"seeding"`
	Completed   int   `json:"completed"`
	Paused      int   `json:"paused"`
	DLInfoSpeed int64 `json:"dl_info_speed"`
	UPInfoSpeed int64 `json:"up_info_speed"`
	DLInfoData  int64 `json:"dl_info_data"`
	UPInfoData  int64 `json:"up_info_data"`
}

// count folds one normalized torrent into the aggregate.
func (s *Stats) count(state TorrentState, progress float64) {
	s.Total++
	switch state {
	case StateDownloading, StateStalledDL:
		s.Downloading++
	case StateSeeding:
		s.Seeding++
	case StatePausedDL:
		s.Paused++
	}
	if progress >= 1 {
		s.Completed++
	}
}

// Adapter translates normalized gateway operations into one vendor's wire
// protocol. Implementations keep their session material in a per-adapter
// Store keyed by sessionKey; they never persist anything.
type Adapter interface {
	Kind() Kind

	// DefaultPort is the vendor's conventional WebUI/RPC port, used when the
	// request omits one.
	DefaultPort() int

	// RequiresSessionForReads reports whether Stats and Torrents demand an
	// established session. Transmission returns false: anonymous RPC is a
	// real operational mode there, and reads degrade to zeroed results
	// instead of failing.
	RequiresSessionForReads() bool

	Login(ctx context.Context, sessionKey string, target Target, username, password string) error
	Stats(ctx context.Context, sessionKey string, target Target) (*Stats, error)
	Torrents(ctx context.Context, sessionKey string, target Target) ([]Torrent, error)
	Start(ctx context.Context, sessionKey string, target Target, ids []string) error
	Stop(ctx context.Context, sessionKey string, target Target, ids []string) error
	Delete(ctx context.Context, sessionKey string, target Target, ids []string, deleteFiles bool) error
	Logout(ctx context.Context, sessionKey string, target Target) error
}

// StatusError is an adapter failure carrying the HTTP status the gateway
// should answer with. Vendor-reported statuses pass through unchanged.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return e.Message
}

// errNotAuthenticated is the session-absent error for clients whose reads
// and writes both require a login.
func errNotAuthenticated(kind Kind) *StatusError {
	return &StatusError{
		Code:    http.StatusUnauthorized,
		Message: fmt.Sprintf("Not authenticated with %s", kind.DisplayName()),
	}
}

// errDecryptFailed is returned when a stored credential cannot be decrypted,
// typically after the server-side secret changed.
func errDecryptFailed() *StatusError {
	return &StatusError{
		Code:    http.StatusUnauthorized,
		Message: "failed to decrypt stored credentials - please re-enter them",
	}
}

// errInvalidCredentials is a login rejection by the backend itself.
func errInvalidCredentials() *StatusError {
	return &StatusError{
		Code:    http.StatusUnauthorized,
		Message: "invalid credentials",
	}
}

// newHTTPClient builds the outbound client shared by the adapters. A hung
// downstream service must surface as a failure rather than starve the
// gateway, hence the hard timeout.
func newHTTPClient() *http.Client {
	return &http.Client{
		Timeout: 10 * time.Second,
	}
}
