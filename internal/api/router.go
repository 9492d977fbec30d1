// Copyright (c) 2025, the lab-dash contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package api

import (
	"database/sql"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/AnthonyGress/lab-dash/internal/api/handlers"
	apimiddleware "github.com/AnthonyGress/lab-dash/internal/api/middleware"
	"github.com/AnthonyGress/lab-dash/internal/auth"
	"github.com/AnthonyGress/lab-dash/internal/config"
	"github.com/AnthonyGress/lab-dash/internal/crypto"
	"github.com/AnthonyGress/lab-dash/internal/downloadclient"
	"github.com/AnthonyGress/lab-dash/internal/metrics"
)

// Dependencies holds all the dependencies needed for the API
type Dependencies struct {
	Config      *config.AppConfig
	DB          *sql.DB
	AuthService *auth.Service
	Cipher      *crypto.Cipher
	Adapters    []downloadclient.Adapter

	// MetricsManager is nil when metrics are disabled.
	MetricsManager *metrics.Manager
}

// NewRouter creates and configures the main application router
func NewRouter(deps *Dependencies) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(apimiddleware.HTTPLogger)

	authHandler := handlers.NewAuthHandler(deps.AuthService)

	r.Route("/api", func(r chi.Router) {
		r.Route("/auth", func(r chi.Router) {
			r.Post("/setup", authHandler.Setup)
			r.Post("/login", authHandler.Login)
			r.Post("/logout", authHandler.Logout)

			r.Group(func(r chi.Router) {
				r.Use(apimiddleware.RequireAuth(deps.AuthService))
				r.Get("/me", authHandler.Me)
				r.Put("/change-password", authHandler.ChangePassword)
			})
		})

		// One route subtree per download client. Reads and writes work for
		// anonymous callers; the optional auth only scopes backend sessions
		// to the dashboard user.
		for _, adapter := range deps.Adapters {
			clientHandler := handlers.NewDownloadClientsHandler(adapter, deps.Cipher)
			client := string(adapter.Kind())

			r.Route("/"+client, func(r chi.Router) {
				r.Use(apimiddleware.ClientMetrics(deps.MetricsManager, client))
				r.Use(apimiddleware.OptionalAuth(deps.AuthService))

				r.Post("/login", clientHandler.Login)
				r.Post("/logout", clientHandler.Logout)
				r.Get("/stats", clientHandler.Stats)
				r.Get("/torrents", clientHandler.Torrents)
				r.Post("/torrents/start", clientHandler.Start)
				r.Post("/torrents/resume", clientHandler.Start)
				r.Post("/torrents/stop", clientHandler.Stop)
				r.Post("/torrents/pause", clientHandler.Stop)
				r.Post("/torrents/delete", clientHandler.Delete)

				r.With(apimiddleware.RequireAuth(deps.AuthService)).
					Post("/encrypt-password", clientHandler.EncryptPassword)
			})
		}
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})

	if deps.MetricsManager != nil {
		metricsHandler := handlers.NewMetricsHandler(deps.MetricsManager)
		r.Get("/metrics", metricsHandler.ServeMetrics)
	}

	return r
}
