// Copyright (c) 2025, the lab-dash contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package downloadclient

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/AnthonyGress/lab-dash/internal/crypto"
)

// Qbittorrent speaks the qBittorrent Web API v2. The session value is the
// cookie captured from auth/login's Set-Cookie header; it carries no expiry
// and is invalidated lazily when a call comes back unauthorized.
type Qbittorrent struct {
	cipher   *crypto.Cipher
	sessions *Store[string]
	http     *http.Client
}

func NewQbittorrent(cipher *crypto.Cipher) *Qbittorrent {
	return &Qbittorrent{
		cipher:   cipher,
		sessions: NewStore[string](),
		http:     newHTTPClient(),
	}
}

func (a *Qbittorrent) Kind() Kind { return KindQbittorrent }
func (a *Qbittorrent) DefaultPort() int { return 8080 }
func (a *Qbittorrent) RequiresSessionForReads() bool { return true }

// SessionCount reports live cached sessions, for metrics.
func (a *Qbittorrent) SessionCount() int { return a.sessions.Len() }

func (a *Qbittorrent) baseURL(t Target) string {
	return t.origin() + "/api/v2"
}

func (a *Qbittorrent) Login(ctx context.Context, sessionKey string, target Target, username, password string) error {
	password, err := decryptIfNeeded(a.cipher, password)
	if err != nil {
		return err
	}

	form := url.Values{
		"username": {username},
		"password": {password},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL(target)+"/auth/login", strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := a.http.Do(req)
	if err != nil {
		a.sessions.Evict(sessionKey)
		return errors.Wrap(err, "qbittorrent login request failed")
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK {
		a.sessions.Evict(sessionKey)
		return &StatusError{Code: resp.StatusCode, Message: upstreamMessage(body, "qBittorrent login failed")}
	}

	// qBittorrent answers bad credentials with 200 and no session cookie.
	cookie := resp.Header.Get("Set-Cookie")
	if cookie == "" {
		a.sessions.Evict(sessionKey)
		return errInvalidCredentials()
	}

	a.sessions.Put(sessionKey, cookiePair(cookie))
	log.Debug().Str("sessionKey", sessionKey).Str("host", target.Host).Msg("qBittorrent login succeeded")
	return nil
}

func (a *Qbittorrent) Stats(ctx context.Context, sessionKey string, target Target) (*Stats, error) {
	cookie, ok := a.sessions.Get(sessionKey)
	if !ok {
		return nil, errNotAuthenticated(KindQbittorrent)
	}

	var (
		wg       sync.WaitGroup
		transfer qbtTransferInfo
		torrents []qbtTorrent
		errs     [2]error
	)

	// Neither call depends on the other, so issue them together.
	wg.Add(2)
	go func() {
		defer wg.Done()
		data, err := a.do(ctx, sessionKey, http.MethodGet, a.baseURL(target)+"/transfer/info", nil, cookie)
		if err != nil {
			errs[0] = err
			return
		}
		errs[0] = json.Unmarshal(data, &transfer)
	}()
	go func() {
		defer wg.Done()
		data, err := a.do(ctx, sessionKey, http.MethodGet, a.baseURL(target)+"/torrents/info", nil, cookie)
		if err != nil {
			errs[1] = err
			return
		}
		errs[1] = json.Unmarshal(data, &torrents)
	}()
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}

	stats := &Stats{
		DLInfoSpeed: transfer.DLInfoSpeed,
		UPInfoSpeed: transfer.UPInfoSpeed,
		DLInfoData:  transfer.DLInfoData,
		UPInfoData:  transfer.UPInfoData,
	}
	for _, t := range torrents {
		stats.count(mapQbitState(t.State), t.Progress)
	}

	return stats, nil
}

func (a *Qbittorrent) Torrents(ctx context.Context, sessionKey string, target Target) ([]Torrent, error) {
	cookie, ok := a.sessions.Get(sessionKey)
	if !ok {
		return nil, errNotAuthenticated(KindQbittorrent)
	}

	data, err := a.do(ctx, sessionKey, http.MethodGet, a.baseURL(target)+"/torrents/info", nil, cookie)
	if err != nil {
		return nil, err
	}

	var raw []qbtTorrent
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, errors.Wrap(err, "decoding qBittorrent torrent list")
	}

	torrents := make([]Torrent, 0, len(raw))
	for _, t := range raw {
		torrents = append(torrents, Torrent{
			Hash:     t.Hash,
			Name:     t.Name,
			State:    mapQbitState(t.State),
			Progress: t.Progress,
			DLSpeed:  t.DLSpeed,
			UPSpeed:  t.UPSpeed,
			Size:     t.Size,
			ETA:      t.ETA,
		})
	}

	return torrents, nil
}

func (a *Qbittorrent) Start(ctx context.Context, sessionKey string, target Target, ids []string) error {
	return a.torrentAction(ctx, sessionKey, target, "/torrents/start", ids, nil)
}

func (a *Qbittorrent) Stop(ctx context.Context, sessionKey string, target Target, ids []string) error {
	return a.torrentAction(ctx, sessionKey, target, "/torrents/stop", ids, nil)
}

func (a *Qbittorrent) Delete(ctx context.Context, sessionKey string, target Target, ids []string, deleteFiles bool) error {
	extra := url.Values{"deleteFiles": {strconv.FormatBool(deleteFiles)}}
	return a.torrentAction(ctx, sessionKey, target, "/torrents/delete", ids, extra)
}

// Logout calls auth/logout with the cached cookie and evicts the session no
// matter how that call goes.
func (a *Qbittorrent) Logout(ctx context.Context, sessionKey string, target Target) error {
	if cookie, ok := a.sessions.Get(sessionKey); ok {
		if _, err := a.do(ctx, sessionKey, http.MethodPost, a.baseURL(target)+"/auth/logout", url.Values{}, cookie); err != nil {
			log.Debug().Err(err).Str("sessionKey", sessionKey).Msg("qBittorrent logout call failed")
		}
	}
	a.sessions.Evict(sessionKey)
	return nil
}

func (a *Qbittorrent) torrentAction(ctx context.Context, sessionKey string, target Target, path string, hashes []string, extra url.Values) error {
	cookie, ok := a.sessions.Get(sessionKey)
	if !ok {
		return errNotAuthenticated(KindQbittorrent)
	}

	form := url.Values{"hashes": {strings.Join(hashes, "|")}}
	for k, vs := range extra {
		form[k] = vs
	}

	_, err := a.do(ctx, sessionKey, http.MethodPost, a.baseURL(target)+path, form, cookie)
	return err
}

// do runs one authenticated call. An unauthorized answer evicts the session
// so the next request triggers a fresh login instead of reusing a dead
// cookie.
func (a *Qbittorrent) do(ctx context.Context, sessionKey, method, u string, form url.Values, cookie string) ([]byte, error) {
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Cookie", cookie)
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := a.http.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "qbittorrent request failed")
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "reading qbittorrent response")
	}

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		a.sessions.Evict(sessionKey)
		return nil, errNotAuthenticated(KindQbittorrent)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{Code: resp.StatusCode, Message: upstreamMessage(data, "qBittorrent request failed")}
	}

	return data, nil
}

type qbtTransferInfo struct {
	DLInfoSpeed int64 `json:"dl_info_speed"`
	UPInfoSpeed int64 `json:"up_info_speed"`
	DLInfoData  int64 `json:"dl_info_data"`
	UPInfoData  int64 `json:"up_info_data"`
}

type qbtTorrent struct {
	Hash     string  `json:"hash"`
	Name     string  `json:"name"`
	State    string  `json:"state"`
	Progress float64 `json:"progress"`
	DLSpeed  int64   `json:"dlspeed"`
	UPSpeed  int64   `json:"upspeed"`
	Size     int64   `json:"size"`
	ETA      int64   `json:"eta"`
}

// mapQbitState folds qBittorrent's state vocabulary into the shared one.
// Anything unrecognized is unknown, never an error.
func mapQbitState(state string) TorrentState {
	switch state {
	case "downloading", "forcedDL", "metaDL":
		return StateDownloading
	case "uploading", "seeding", "forcedUP", "stalledUP", "queuedUP":
		return StateSeeding
	case "pausedDL", "pausedUP", "stoppedDL", "stoppedUP":
		return StatePausedDL
	case "stalledDL", "queuedDL":
		return StateStalledDL
	case "checkingUP", "checkingDL", "checkingResumeData":
		return StateCheckingUP
	default:
		return StateUnknown
	}
}

// cookiePair strips cookie attributes, keeping only the name=value pair the
// backend expects echoed back.
func cookiePair(setCookie string) string {
	if i := strings.Index(setCookie, ";"); i >= 0 {
		return strings.TrimSpace(setCookie[:i])
	}
	return strings.TrimSpace(setCookie)
}

// upstreamMessage prefers the vendor's error payload verbatim, falling back
// to a generic message for empty bodies.
func upstreamMessage(body []byte, fallback string) string {
	if msg := strings.TrimSpace(string(body)); msg != "" {
		return msg
	}
	return fallback
}

// decryptIfNeeded resolves a possibly encrypted credential. A blob that no
// longer decrypts means the stored secret is unusable; sending an empty
// password in its place would be worse than failing.
func decryptIfNeeded(c *crypto.Cipher, secret string) (string, error) {
	if secret == "" || !c.IsEncrypted(secret) {
		return secret, nil
	}
	plain := c.Decrypt(secret)
	if plain == "" {
		return "", errDecryptFailed()
	}
	return plain, nil
}
