// Copyright (c) 2025, the lab-dash contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/lithammer/fuzzysearch/fuzzy"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	apimiddleware "github.com/AnthonyGress/lab-dash/internal/api/middleware"
	"github.com/AnthonyGress/lab-dash/internal/crypto"
	"github.com/AnthonyGress/lab-dash/internal/downloadclient"
)

// DownloadClientsHandler exposes one download client's adapter as REST
// routes. Target coordinates ride on every request because the dashboard
// may point tiles at any number of backend instances; only the session is
// server-side state.
type DownloadClientsHandler struct {
	adapter downloadclient.Adapter
	cipher  *crypto.Cipher
}

func NewDownloadClientsHandler(adapter downloadclient.Adapter, cipher *crypto.Cipher) *DownloadClientsHandler {
	return &DownloadClientsHandler{
		adapter: adapter,
		cipher:  cipher,
	}
}

type targetParams struct {
	Host string `json:"host"`
	Port int    `json:"port"`
	SSL  bool   `json:"ssl"`
}

func (h *DownloadClientsHandler) target(p targetParams) (downloadclient.Target, error) {
	if p.Host == "" {
		return downloadclient.Target{}, errors.New("host is required")
	}
	if p.Port == 0 {
		p.Port = h.adapter.DefaultPort()
	}
	return downloadclient.Target{Host: p.Host, Port: p.Port, SSL: p.SSL}, nil
}

func (h *DownloadClientsHandler) targetFromQuery(r *http.Request) (downloadclient.Target, error) {
	q := r.URL.Query()
	port, _ := strconv.Atoi(q.Get("port"))
	return h.target(targetParams{
		Host: q.Get("host"),
		Port: port,
		SSL:  q.Get("ssl") == "true",
	})
}

// resolveTarget prefers the query string, where the widget sends the
// connection coordinates, and falls back to target fields in the body.
func (h *DownloadClientsHandler) resolveTarget(r *http.Request, body targetParams) (downloadclient.Target, error) {
	if r.URL.Query().Get("host") != "" {
		return h.targetFromQuery(r)
	}
	return h.target(body)
}

func (h *DownloadClientsHandler) sessionKey(r *http.Request) string {
	return downloadclient.SessionKey(apimiddleware.UsernameFromContext(r.Context()), r.RemoteAddr)
}

// Login establishes a backend session for the caller.
func (h *DownloadClientsHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		targetParams
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	target, err := h.resolveTarget(r, req.targetParams)
	if err != nil {
		RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.adapter.Login(r.Context(), h.sessionKey(r), target, req.Username, req.Password); err != nil {
		h.respondAdapterError(w, err)
		return
	}

	RespondJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "Successfully connected to " + h.adapter.Kind().DisplayName(),
	})
}

// Stats returns the aggregate transfer numbers for a dashboard tile.
func (h *DownloadClientsHandler) Stats(w http.ResponseWriter, r *http.Request) {
	target, err := h.targetFromQuery(r)
	if err != nil {
		RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	stats, err := h.adapter.Stats(r.Context(), h.sessionKey(r), target)
	if err != nil {
		h.respondAdapterError(w, err)
		return
	}

	RespondJSON(w, http.StatusOK, stats)
}

// Torrents lists the backend's torrents, optionally filtered by a fuzzy
// search on the name.
func (h *DownloadClientsHandler) Torrents(w http.ResponseWriter, r *http.Request) {
	target, err := h.targetFromQuery(r)
	if err != nil {
		RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	torrents, err := h.adapter.Torrents(r.Context(), h.sessionKey(r), target)
	if err != nil {
		h.respondAdapterError(w, err)
		return
	}

	if search := r.URL.Query().Get("search"); search != "" {
		filtered := make([]downloadclient.Torrent, 0, len(torrents))
		for _, t := range torrents {
			if fuzzy.MatchNormalizedFold(search, t.Name) {
				filtered = append(filtered, t)
			}
		}
		torrents = filtered
	}

	RespondJSON(w, http.StatusOK, torrents)
}

type actionRequest struct {
	targetParams
	Hashes      json.RawMessage `json:"hashes"`
	IDs         json.RawMessage `json:"ids"`
	DeleteFiles bool            `json:"deleteFiles"`
}

func (h *DownloadClientsHandler) action(w http.ResponseWriter, r *http.Request,
	run func(target downloadclient.Target, ids []string, req actionRequest) error) {

	var req actionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	target, err := h.resolveTarget(r, req.targetParams)
	if err != nil {
		RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	ids, err := normalizeIDs(req.Hashes, req.IDs)
	if err != nil {
		RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := run(target, ids, req); err != nil {
		h.respondAdapterError(w, err)
		return
	}

	RespondJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (h *DownloadClientsHandler) Start(w http.ResponseWriter, r *http.Request) {
	h.action(w, r, func(target downloadclient.Target, ids []string, _ actionRequest) error {
		return h.adapter.Start(r.Context(), h.sessionKey(r), target, ids)
	})
}

func (h *DownloadClientsHandler) Stop(w http.ResponseWriter, r *http.Request) {
	h.action(w, r, func(target downloadclient.Target, ids []string, _ actionRequest) error {
		return h.adapter.Stop(r.Context(), h.sessionKey(r), target, ids)
	})
}

func (h *DownloadClientsHandler) Delete(w http.ResponseWriter, r *http.Request) {
	h.action(w, r, func(target downloadclient.Target, ids []string, req actionRequest) error {
		return h.adapter.Delete(r.Context(), h.sessionKey(r), target, ids, req.DeleteFiles)
	})
}

// Logout drops the caller's backend session. It always reports success:
// whatever state the remote is in, the session is gone afterwards. The
// adapter is invoked even when no target resolves, because eviction must
// not depend on the caller still knowing the backend coordinates; the
// wire-level logout is best effort.
func (h *DownloadClientsHandler) Logout(w http.ResponseWriter, r *http.Request) {
	var req targetParams
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Debug().Err(err).Msg("Logout body did not decode")
	}

	target, err := h.resolveTarget(r, req)
	if err != nil {
		log.Debug().Err(err).Msg("Logout without a resolvable target")
	}

	if err := h.adapter.Logout(r.Context(), h.sessionKey(r), target); err != nil {
		log.Debug().Err(err).Msg("Logout call failed")
	}

	RespondJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// EncryptPassword encrypts a credential for storage in the dashboard's
// client-side config. Re-submitting an already encrypted value returns it
// unchanged so saving a form twice cannot double-encrypt.
func (h *DownloadClientsHandler) EncryptPassword(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Password == "" {
		RespondError(w, http.StatusBadRequest, "password is required")
		return
	}

	if h.cipher.IsEncrypted(req.Password) {
		RespondJSON(w, http.StatusOK, map[string]string{"encryptedPassword": req.Password})
		return
	}

	encrypted, err := h.cipher.Encrypt(req.Password)
	if err != nil {
		log.Error().Err(err).Msg("Failed to encrypt password")
		RespondError(w, http.StatusInternalServerError, "Failed to encrypt password")
		return
	}

	RespondJSON(w, http.StatusOK, map[string]string{"encryptedPassword": encrypted})
}

func (h *DownloadClientsHandler) respondAdapterError(w http.ResponseWriter, err error) {
	var statusErr *downloadclient.StatusError
	if errors.As(err, &statusErr) {
		RespondError(w, statusErr.Code, statusErr.Message)
		return
	}

	kind := h.adapter.Kind()
	log.Error().Err(err).Str("client", string(kind)).Msg("Download client request failed")
	RespondError(w, http.StatusInternalServerError, "Failed to communicate with "+kind.DisplayName())
}

// normalizeIDs accepts the id payload shapes clients actually send: a
// single string, a number, or an array mixing both, under either "hashes"
// or "ids".
func normalizeIDs(raws ...json.RawMessage) ([]string, error) {
	for _, raw := range raws {
		if len(raw) == 0 || string(raw) == "null" {
			continue
		}

		var value any
		if err := json.Unmarshal(raw, &value); err != nil {
			return nil, errors.New("invalid hashes value")
		}

		if ids := flattenIDs(value); len(ids) > 0 {
			return ids, nil
		}
	}

	return nil, errors.New("hashes are required")
}

func flattenIDs(value any) []string {
	switch v := value.(type) {
	case string:
		if v == "" {
			return nil
		}
		return []string{v}
	case float64:
		return []string{strconv.FormatFloat(v, 'f', -1, 64)}
	case []any:
		var ids []string
		for _, item := range v {
			ids = append(ids, flattenIDs(item)...)
		}
		return ids
	default:
		return nil
	}
}
