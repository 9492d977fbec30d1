// Copyright (c) 2025, the lab-dash contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package auth

import (
	"context"
	"database/sql"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"

	"github.com/AnthonyGress/lab-dash/internal/models"
)

// CookieName is the dashboard's auth cookie.
const CookieName = "labdash_token"

const tokenLifetime = 24 * time.Hour

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidToken       = errors.New("invalid token")
)

// Service owns dashboard authentication: the single local user account and
// the signed JWTs handed out as cookies. The signing key is the session
// secret, the same value the credential cipher key is derived from.
type Service struct {
	userStore *models.UserStore
	jwtSecret []byte
}

func NewService(db *sql.DB, sessionSecret string) *Service {
	return &Service{
		userStore: models.NewUserStore(db),
		jwtSecret: []byte(sessionSecret),
	}
}

// IsSetupComplete reports whether the single user account exists yet.
func (s *Service) IsSetupComplete(ctx context.Context) (bool, error) {
	return s.userStore.Exists(ctx)
}

// SetupUser creates the initial account. The store enforces that only one
// account can ever exist.
func (s *Service) SetupUser(ctx context.Context, username, password string) (*models.User, error) {
	hash, err := HashPassword(password)
	if err != nil {
		return nil, errors.Wrap(err, "hashing password")
	}

	return s.userStore.Create(ctx, username, hash)
}

// Login verifies the credentials against the stored argon2id hash.
func (s *Service) Login(ctx context.Context, username, password string) (*models.User, error) {
	user, err := s.userStore.GetByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, models.ErrUserNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}

	ok, err := VerifyPassword(password, user.PasswordHash)
	if err != nil {
		return nil, errors.Wrap(err, "verifying password")
	}
	if !ok {
		return nil, ErrInvalidCredentials
	}

	return user, nil
}

// ChangePassword replaces the stored hash for the single account.
func (s *Service) ChangePassword(ctx context.Context, newPassword string) error {
	hash, err := HashPassword(newPassword)
	if err != nil {
		return errors.Wrap(err, "hashing password")
	}

	return s.userStore.UpdatePassword(ctx, hash)
}

// IssueToken mints a signed JWT identifying the user.
func (s *Service) IssueToken(username string) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   username,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(tokenLifetime)),
	})

	return token.SignedString(s.jwtSecret)
}

// ValidateToken parses and verifies a JWT, returning the username it names.
func (s *Service) ValidateToken(tokenString string) (string, error) {
	token, err := jwt.ParseWithClaims(tokenString, &jwt.RegisteredClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.jwtSecret, nil
	})
	if err != nil || !token.Valid {
		return "", ErrInvalidToken
	}

	claims, ok := token.Claims.(*jwt.RegisteredClaims)
	if !ok || claims.Subject == "" {
		return "", ErrInvalidToken
	}

	return claims.Subject, nil
}
