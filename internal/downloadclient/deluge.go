// Copyright (c) 2025, the lab-dash contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package downloadclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/AnthonyGress/lab-dash/internal/crypto"
)

// Deluge speaks the Deluge WebUI's JSON-RPC-over-HTTP: every call is a POST
// to /json with {method, params, id}. The session value is the cookie from
// auth.login. Deluge reports failures as {"error":{...}} inside an HTTP 200,
// so transport success must never be taken for protocol success.
type Deluge struct {
	cipher   *crypto.Cipher
	sessions *Store[string]
	http     *http.Client
	reqID    atomic.Int64
}

func NewDeluge(cipher *crypto.Cipher) *Deluge {
	return &Deluge{
		cipher:   cipher,
		sessions: NewStore[string](),
		http:     newHTTPClient(),
	}
}

func (a *Deluge) Kind() Kind { return KindDeluge }
func (a *Deluge) DefaultPort() int { return 8112 }
func (a *Deluge) RequiresSessionForReads() bool { return true }

// SessionCount reports live cached sessions, for metrics.
func (a *Deluge) SessionCount() int { return a.sessions.Len() }

func (a *Deluge) endpoint(t Target) string {
	return t.origin() + "/json"
}

// Login issues auth.login with the password alone - Deluge has no username
// at the RPC layer. Only a boolean true result counts as success.
func (a *Deluge) Login(ctx context.Context, sessionKey string, target Target, _ string, password string) error {
	password, err := decryptIfNeeded(a.cipher, password)
	if err != nil {
		return err
	}

	result, header, err := a.rpc(ctx, target, "", "auth.login", []any{password})
	if err != nil {
		a.sessions.Evict(sessionKey)
		var rpcErr *delugeRPCError
		if errors.As(err, &rpcErr) {
			if rpcErr.isAuth() {
				return errInvalidCredentials()
			}
			return &StatusError{Code: http.StatusInternalServerError, Message: rpcErr.Error()}
		}
		return err
	}

	var ok bool
	if err := json.Unmarshal(result, &ok); err != nil || !ok {
		a.sessions.Evict(sessionKey)
		return errInvalidCredentials()
	}

	cookie := header.Get("Set-Cookie")
	if cookie == "" {
		a.sessions.Evict(sessionKey)
		return errInvalidCredentials()
	}

	a.sessions.Put(sessionKey, cookiePair(cookie))
	log.Debug().Str("sessionKey", sessionKey).Str("host", target.Host).Msg("Deluge login succeeded")
	return nil
}

func (a *Deluge) Stats(ctx context.Context, sessionKey string, target Target) (*Stats, error) {
	rates, err := a.call(ctx, sessionKey, target, "web.update_ui",
		[]any{[]string{"download_rate", "upload_rate", "total_download", "total_upload"}, map[string]any{}})
	if err != nil {
		return nil, err
	}

	var ui struct {
		Stats struct {
			DownloadRate  float64 `json:"download_rate"`
			UploadRate    float64 `json:"upload_rate"`
			TotalDownload float64 `json:"total_download"`
			TotalUpload   float64 `json:"total_upload"`
		} `json:"stats"`
	}
	if err := json.Unmarshal(rates, &ui); err != nil {
		return nil, errors.Wrap(err, "decoding deluge stats")
	}

	states, err := a.call(ctx, sessionKey, target, "web.update_ui",
		[]any{[]string{"state", "progress"}, map[string]any{}})
	if err != nil {
		return nil, err
	}

	var listing struct {
		Torrents map[string]delugeTorrent `json:"torrents"`
	}
	if err := json.Unmarshal(states, &listing); err != nil {
		return nil, errors.Wrap(err, "decoding deluge torrent states")
	}

	stats := &Stats{
		DLInfoSpeed: int64(ui.Stats.DownloadRate),
		UPInfoSpeed: int64(ui.Stats.UploadRate),
		DLInfoData:  int64(ui.Stats.TotalDownload),
		UPInfoData:  int64(ui.Stats.TotalUpload),
	}
	for _, t := range listing.Torrents {
		stats.count(mapDelugeState(t.State), t.Progress/100)
	}

	return stats, nil
}

func (a *Deluge) Torrents(ctx context.Context, sessionKey string, target Target) ([]Torrent, error) {
	result, err := a.call(ctx, sessionKey, target, "web.update_ui",
		[]any{[]string{"name", "state", "progress", "download_payload_rate", "upload_payload_rate", "total_size", "eta"}, map[string]any{}})
	if err != nil {
		return nil, err
	}

	var listing struct {
		Torrents map[string]delugeTorrent `json:"torrents"`
	}
	if err := json.Unmarshal(result, &listing); err != nil {
		return nil, errors.Wrap(err, "decoding deluge torrent list")
	}

	torrents := make([]Torrent, 0, len(listing.Torrents))
	for hash, t := range listing.Torrents {
		torrents = append(torrents, Torrent{
			Hash:     hash,
			Name:     t.Name,
			State:    mapDelugeState(t.State),
			Progress: t.Progress / 100,
			DLSpeed:  int64(t.DownloadPayloadRate),
			UPSpeed:  int64(t.UploadPayloadRate),
			Size:     int64(t.TotalSize),
			ETA:      int64(t.ETA),
		})
	}

	return torrents, nil
}

func (a *Deluge) Start(ctx context.Context, sessionKey string, target Target, ids []string) error {
	_, err := a.call(ctx, sessionKey, target, "core.resume_torrent", []any{ids})
	return err
}

func (a *Deluge) Stop(ctx context.Context, sessionKey string, target Target, ids []string) error {
	_, err := a.call(ctx, sessionKey, target, "core.pause_torrent", []any{ids})
	return err
}

func (a *Deluge) Delete(ctx context.Context, sessionKey string, target Target, ids []string, deleteFiles bool) error {
	// core.remove_torrent takes a single hash.
	for _, id := range ids {
		if _, err := a.call(ctx, sessionKey, target, "core.remove_torrent", []any{id, deleteFiles}); err != nil {
			return err
		}
	}
	return nil
}

func (a *Deluge) Logout(ctx context.Context, sessionKey string, target Target) error {
	if _, ok := a.sessions.Get(sessionKey); ok {
		if _, err := a.call(ctx, sessionKey, target, "auth.logout", []any{}); err != nil {
			log.Debug().Err(err).Str("sessionKey", sessionKey).Msg("Deluge logout call failed")
		}
	}
	a.sessions.Evict(sessionKey)
	return nil
}

// call runs one RPC under the cached session, evicting it when Deluge says
// the session is no longer valid.
func (a *Deluge) call(ctx context.Context, sessionKey string, target Target, method string, params []any) (json.RawMessage, error) {
	cookie, ok := a.sessions.Get(sessionKey)
	if !ok {
		return nil, errNotAuthenticated(KindDeluge)
	}

	result, _, err := a.rpc(ctx, target, cookie, method, params)
	if err != nil {
		var rpcErr *delugeRPCError
		if errors.As(err, &rpcErr) {
			if rpcErr.isAuth() {
				a.sessions.Evict(sessionKey)
				return nil, errNotAuthenticated(KindDeluge)
			}
			return nil, &StatusError{Code: http.StatusInternalServerError, Message: rpcErr.Error()}
		}
		return nil, err
	}

	return result, nil
}

// rpc performs a raw JSON-RPC exchange and hands the response headers back
// so Login can capture Set-Cookie.
func (a *Deluge) rpc(ctx context.Context, target Target, cookie, method string, params []any) (json.RawMessage, http.Header, error) {
	payload, err := json.Marshal(map[string]any{
		"method": method,
		"params": params,
		"id":     a.reqID.Add(1),
	})
	if err != nil {
		return nil, nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint(target), bytes.NewReader(payload))
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if cookie != "" {
		req.Header.Set("Cookie", cookie)
	}

	resp, err := a.http.Do(req)
	if err != nil {
		return nil, nil, errors.Wrap(err, "deluge request failed")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, errors.Wrap(err, "reading deluge response")
	}

	if resp.StatusCode != http.StatusOK {
		return nil, nil, &StatusError{Code: resp.StatusCode, Message: upstreamMessage(body, "Deluge request failed")}
	}

	var rpcResp struct {
		Result json.RawMessage `json:"result"`
		Error  *struct {
			Message string `json:"message"`
			Code    int    `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &rpcResp); err != nil {
		return nil, nil, errors.Wrap(err, "decoding deluge response")
	}

	if rpcResp.Error != nil {
		return nil, nil, &delugeRPCError{code: rpcResp.Error.Code, message: rpcResp.Error.Message}
	}

	return rpcResp.Result, resp.Header, nil
}

// delugeRPCError is a failure Deluge reported inside a 200 response. Codes
// 1 and 2 are the WebUI's not-authenticated errors.
type delugeRPCError struct {
	code    int
	message string
}

func (e *delugeRPCError) Error() string {
	if e.message != "" {
		return e.message
	}
	return fmt.Sprintf("deluge rpc error (code %d)", e.code)
}

func (e *delugeRPCError) isAuth() bool {
	return e.code == 1 || e.code == 2
}

type delugeTorrent struct {
	Name                string  `json:"name"`
	State               string  `json:"state"`
	Progress            float64 `json:"progress"`
	DownloadPayloadRate float64 `json:"download_payload_rate"`
	UploadPayloadRate   float64 `json:"upload_payload_rate"`
	TotalSize           float64 `json:"total_size"`
	ETA                 float64 `json:"eta"`
}

// mapDelugeState translates Deluge's state vocabulary. Progress arrives on a
// 0-100 scale and is rescaled by the callers.
func mapDelugeState(state string) TorrentState {
	switch state {
	case "Downloading":
		return StateDownloading
	case "Seeding":
		return StateSeeding
	case "Paused":
		return StatePausedDL
	case "Queued":
		return StateStalledDL
	case "Checking":
		return StateCheckingUP
	default:
		return StateUnknown
	}
}
