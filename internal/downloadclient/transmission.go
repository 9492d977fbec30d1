// Copyright (c) 2025, the lab-dash contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package downloadclient

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/AnthonyGress/lab-dash/internal/crypto"
)

// Transmission sessions live for this long before the CSRF token is
// re-negotiated.
const transmissionSessionTTL = 60 * time.Minute

// Transmission speaks the Transmission RPC protocol: JSON bodies against a
// single endpoint, HTTP Basic auth, and a CSRF token obtained by provoking a
// 409 whose X-Transmission-Session-Id header carries the value. Unlike the
// other clients it has no stateful login, so reads are served on a
// best-effort basis even without a cached session.
type Transmission struct {
	cipher   *crypto.Cipher
	sessions *Store[transmissionSession]
	http     *http.Client
}

func NewTransmission(cipher *crypto.Cipher) *Transmission {
	return &Transmission{
		cipher:   cipher,
		sessions: NewStore[transmissionSession](),
		http:     newHTTPClient(),
	}
}

func (a *Transmission) Kind() Kind { return KindTransmission }
func (a *Transmission) DefaultPort() int { return 9091 }
func (a *Transmission) RequiresSessionForReads() bool { return false }

// SessionCount reports live cached sessions, for metrics.
func (a *Transmission) SessionCount() int { return a.sessions.Len() }

func (a *Transmission) endpoint(t Target) string {
	return t.origin() + "/transmission/rpc"
}

// Login validates the credentials against session-get and caches them with
// the negotiated CSRF token. The password is stored as supplied so a later
// refresh can decrypt it again.
func (a *Transmission) Login(ctx context.Context, sessionKey string, target Target, username, password string) error {
	plain, err := decryptIfNeeded(a.cipher, password)
	if err != nil {
		return err
	}

	id, err := a.handshake(ctx, target, username, plain)
	if err != nil {
		a.sessions.Evict(sessionKey)
		return err
	}

	a.sessions.Put(sessionKey, transmissionSession{
		ID:        id,
		ExpiresAt: time.Now().Add(transmissionSessionTTL),
		Username:  username,
		Password:  password,
	})
	log.Debug().Str("sessionKey", sessionKey).Str("host", target.Host).Msg("Transmission login succeeded")
	return nil
}

// Stats returns zeroed stats when no session is cached rather than failing:
// a dashboard tile for a Transmission instance that was never logged into
// should render empty, not error.
func (a *Transmission) Stats(ctx context.Context, sessionKey string, target Target) (*Stats, error) {
	sess, ok := a.liveSession(ctx, sessionKey, target)
	if !ok {
		return &Stats{}, nil
	}

	sessionStats, err := a.request(ctx, sessionKey, target, sess, "session-stats", nil)
	if err != nil {
		return nil, err
	}

	var rates struct {
		DownloadSpeed int64 `json:"downloadSpeed"`
		UploadSpeed   int64 `json:"uploadSpeed"`
		Cumulative    struct {
			DownloadedBytes int64 `json:"downloadedBytes"`
			UploadedBytes   int64 `json:"uploadedBytes"`
		} `json:"cumulative-stats"`
	}
	if err := json.Unmarshal(sessionStats, &rates); err != nil {
		return nil, errors.Wrap(err, "decoding transmission session stats")
	}

	listing, err := a.request(ctx, sessionKey, target, sess, "torrent-get",
		map[string]any{"fields": []string{"status", "percentDone"}})
	if err != nil {
		return nil, err
	}

	var torrents struct {
		Torrents []struct {
			Status      int     `json:"status"`
			PercentDone float64 `json:"percentDone"`
		} `json:"torrents"`
	}
	if err := json.Unmarshal(listing, &torrents); err != nil {
		return nil, errors.Wrap(err, "decoding transmission torrent list")
	}

	stats := &Stats{
		DLInfoSpeed: rates.DownloadSpeed,
		UPInfoSpeed: rates.UploadSpeed,
		DLInfoData:  rates.Cumulative.DownloadedBytes,
		UPInfoData:  rates.Cumulative.UploadedBytes,
	}
	for _, t := range torrents.Torrents {
		stats.count(mapTransmissionStatus(t.Status), t.PercentDone)
	}

	return stats, nil
}

// Torrents degrades to an empty list when no session is cached, mirroring
// Stats.
func (a *Transmission) Torrents(ctx context.Context, sessionKey string, target Target) ([]Torrent, error) {
	sess, ok := a.liveSession(ctx, sessionKey, target)
	if !ok {
		return []Torrent{}, nil
	}

	result, err := a.request(ctx, sessionKey, target, sess, "torrent-get",
		map[string]any{"fields": []string{"hashString", "name", "status", "percentDone", "rateDownload", "rateUpload", "totalSize", "eta"}})
	if err != nil {
		return nil, err
	}

	var listing struct {
		Torrents []struct {
			HashString  string  `json:"hashString"`
			Name        string  `json:"name"`
			Status      int     `json:"status"`
			PercentDone float64 `json:"percentDone"`
			RateDown    int64   `json:"rateDownload"`
			RateUp      int64   `json:"rateUpload"`
			TotalSize   int64   `json:"totalSize"`
			ETA         int64   `json:"eta"`
		} `json:"torrents"`
	}
	if err := json.Unmarshal(result, &listing); err != nil {
		return nil, errors.Wrap(err, "decoding transmission torrent list")
	}

	torrents := make([]Torrent, 0, len(listing.Torrents))
	for _, t := range listing.Torrents {
		torrents = append(torrents, Torrent{
			Hash:     t.HashString,
			Name:     t.Name,
			State:    mapTransmissionStatus(t.Status),
			Progress: t.PercentDone,
			DLSpeed:  t.RateDown,
			UPSpeed:  t.RateUp,
			Size:     t.TotalSize,
			ETA:      t.ETA,
		})
	}

	return torrents, nil
}

func (a *Transmission) Start(ctx context.Context, sessionKey string, target Target, ids []string) error {
	return a.action(ctx, sessionKey, target, "torrent-start", map[string]any{"ids": transmissionIDs(ids)})
}

func (a *Transmission) Stop(ctx context.Context, sessionKey string, target Target, ids []string) error {
	return a.action(ctx, sessionKey, target, "torrent-stop", map[string]any{"ids": transmissionIDs(ids)})
}

func (a *Transmission) Delete(ctx context.Context, sessionKey string, target Target, ids []string, deleteFiles bool) error {
	return a.action(ctx, sessionKey, target, "torrent-remove", map[string]any{
		"ids":               transmissionIDs(ids),
		"delete-local-data": deleteFiles,
	})
}

// Logout has no remote counterpart; it only drops the cached session.
func (a *Transmission) Logout(_ context.Context, sessionKey string, _ Target) error {
	a.sessions.Evict(sessionKey)
	return nil
}

// action is the write path: unlike reads it refuses to run without a cached
// session, because mutations must only happen on behalf of someone who
// actually logged in.
func (a *Transmission) action(ctx context.Context, sessionKey string, target Target, method string, args map[string]any) error {
	sess, ok := a.sessions.Get(sessionKey)
	if !ok {
		return errNotAuthenticated(KindTransmission)
	}
	if sess.expired(time.Now()) {
		refreshed, err := a.refresh(ctx, sessionKey, target, sess)
		if err != nil {
			return err
		}
		sess = refreshed
	}

	_, err := a.request(ctx, sessionKey, target, sess, method, args)
	return err
}

// liveSession fetches the cached session, refreshing an expired one with
// the cached credentials. A missing session, or a refresh failure, reports
// no session so reads can degrade.
func (a *Transmission) liveSession(ctx context.Context, sessionKey string, target Target) (transmissionSession, bool) {
	sess, ok := a.sessions.Get(sessionKey)
	if !ok {
		return transmissionSession{}, false
	}
	if !sess.expired(time.Now()) {
		return sess, true
	}

	refreshed, err := a.refresh(ctx, sessionKey, target, sess)
	if err != nil {
		log.Debug().Err(err).Str("sessionKey", sessionKey).Msg("Transmission session refresh failed")
		a.sessions.Evict(sessionKey)
		return transmissionSession{}, false
	}
	return refreshed, true
}

// refresh re-runs the handshake with the session's cached credentials. A
// credential that can no longer be decrypted downgrades to an anonymous
// handshake instead of failing, since many Transmission instances run
// without auth.
func (a *Transmission) refresh(ctx context.Context, sessionKey string, target Target, sess transmissionSession) (transmissionSession, error) {
	password := sess.Password
	if a.cipher.IsEncrypted(password) {
		password = a.cipher.Decrypt(password)
	}

	id, err := a.handshake(ctx, target, sess.Username, password)
	if err != nil {
		a.sessions.Evict(sessionKey)
		return transmissionSession{}, err
	}

	refreshed := transmissionSession{
		ID:        id,
		ExpiresAt: time.Now().Add(transmissionSessionTTL),
		Username:  sess.Username,
		Password:  sess.Password,
	}
	a.sessions.Put(sessionKey, refreshed)
	return refreshed, nil
}

// handshake provokes the CSRF exchange: session-get without a token draws a
// 409 whose header carries the session id. A 200 means the server is not
// enforcing CSRF at all.
func (a *Transmission) handshake(ctx context.Context, target Target, username, password string) (string, error) {
	payload, err := json.Marshal(map[string]any{"method": "session-get"})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint(target), bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if username != "" || password != "" {
		req.SetBasicAuth(username, password)
	}

	resp, err := a.http.Do(req)
	if err != nil {
		return "", errors.Wrap(err, "transmission handshake failed")
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	switch {
	case resp.StatusCode == http.StatusConflict:
		return resp.Header.Get("X-Transmission-Session-Id"), nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return "", errInvalidCredentials()
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		// The daemon accepted session-get without a CSRF token, so there
		// is usually no id to record; the session is then stored id-less.
		// Some daemons still volunteer one in the header, and if
		// enforcement starts later the mid-request 409 retry picks the
		// new id up.
		return resp.Header.Get("X-Transmission-Session-Id"), nil
	default:
		return "", &StatusError{Code: resp.StatusCode, Message: upstreamMessage(body, "Transmission request failed")}
	}
}

// request performs one RPC under the given session. A mid-session 409 means
// the server rotated its CSRF token; the new one from the response header is
// stored and the call retried once.
func (a *Transmission) request(ctx context.Context, sessionKey string, target Target, sess transmissionSession, method string, args map[string]any) (json.RawMessage, error) {
	password := sess.Password
	if a.cipher.IsEncrypted(password) {
		password = a.cipher.Decrypt(password)
	}

	body := map[string]any{"method": method}
	if args != nil {
		body["arguments"] = args
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	for attempt := 0; ; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint(target), bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		if sess.ID != "" {
			req.Header.Set("X-Transmission-Session-Id", sess.ID)
		}
		if sess.Username != "" || password != "" {
			req.SetBasicAuth(sess.Username, password)
		}

		resp, err := a.http.Do(req)
		if err != nil {
			return nil, errors.Wrap(err, "transmission request failed")
		}
		data, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, errors.Wrap(err, "reading transmission response")
		}

		switch {
		case resp.StatusCode == http.StatusConflict && attempt == 0:
			sess.ID = resp.Header.Get("X-Transmission-Session-Id")
			sess.ExpiresAt = time.Now().Add(transmissionSessionTTL)
			a.sessions.Put(sessionKey, sess)
			continue
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			a.sessions.Evict(sessionKey)
			return nil, errNotAuthenticated(KindTransmission)
		case resp.StatusCode < 200 || resp.StatusCode >= 300:
			return nil, &StatusError{Code: resp.StatusCode, Message: upstreamMessage(data, "Transmission request failed")}
		}

		var rpcResp struct {
			Result    string          `json:"result"`
			Arguments json.RawMessage `json:"arguments"`
		}
		if err := json.Unmarshal(data, &rpcResp); err != nil {
			return nil, errors.Wrap(err, "decoding transmission response")
		}
		if rpcResp.Result != "success" {
			return nil, &StatusError{Code: http.StatusInternalServerError, Message: rpcResp.Result}
		}

		return rpcResp.Arguments, nil
	}
}

// transmissionIDs converts numeric-looking ids to integers, which the RPC
// wants for id-based addressing, and leaves hashes as strings.
func transmissionIDs(ids []string) []any {
	out := make([]any, 0, len(ids))
	for _, id := range ids {
		if n, err := strconv.Atoi(id); err == nil {
			out = append(out, n)
		} else {
			out = append(out, id)
		}
	}
	return out
}

// Transmission reports status as a small integer enum.
func mapTransmissionStatus(status int) TorrentState {
	switch status {
	case 0:
		return StatePausedDL
	case 1, 2:
		return StateCheckingUP
	case 3:
		return StateStalledDL
	case 4:
		return StateDownloading
	case 5, 6:
		return StateSeeding
	default:
		return StateUnknown
	}
}
