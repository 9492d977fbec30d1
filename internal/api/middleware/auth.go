// Copyright (c) 2025, the lab-dash contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package middleware

import (
	"context"
	"net/http"

	"github.com/AnthonyGress/lab-dash/internal/auth"
)

type contextKey string

const usernameKey contextKey = "username"

// RequireAuth rejects requests without a valid auth cookie.
func RequireAuth(authService *auth.Service) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			username, ok := authenticate(authService, r)
			if !ok {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				w.Write([]byte(`{"error":"Unauthorized"}`))
				return
			}

			next.ServeHTTP(w, r.WithContext(withUsername(r.Context(), username)))
		})
	}
}

// OptionalAuth attaches the username when a valid cookie is present but lets
// anonymous requests through. Download client routes run under this: the
// dashboard works without a local account, the username only scopes backend
// sessions.
func OptionalAuth(authService *auth.Service) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if username, ok := authenticate(authService, r); ok {
				r = r.WithContext(withUsername(r.Context(), username))
			}
			next.ServeHTTP(w, r)
		})
	}
}

func authenticate(authService *auth.Service, r *http.Request) (string, bool) {
	cookie, err := r.Cookie(auth.CookieName)
	if err != nil || cookie.Value == "" {
		return "", false
	}

	username, err := authService.ValidateToken(cookie.Value)
	if err != nil {
		return "", false
	}

	return username, true
}

func withUsername(ctx context.Context, username string) context.Context {
	return context.WithValue(ctx, usernameKey, username)
}

// UsernameFromContext returns the authenticated username, or "" for
// anonymous requests.
func UsernameFromContext(ctx context.Context) string {
	if username, ok := ctx.Value(usernameKey).(string); ok {
		return username
	}
	return ""
}
