// Copyright (c) 2025, the lab-dash contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/AnthonyGress/lab-dash/internal/metrics"
)

// ClientMetrics records request counts and latency for one download
// client's route subtree. The operation label is the path below the client
// prefix, e.g. "torrents/delete".
func ClientMetrics(manager *metrics.Manager, client string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if manager == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			operation := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/"+client), "/")
			if operation == "" {
				operation = "root"
			}
			manager.ObserveRequest(client, operation, ww.Status(), time.Since(start))
		})
	}
}
