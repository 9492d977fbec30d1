// Copyright (c) 2025, the lab-dash contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package downloadclient

import (
	"net"
	"sync"
	"time"
)

// Store is the in-memory session map owned by a single adapter. Entries are
// created on login and consulted on every subsequent call; they are lost on
// restart and never shared across processes. Concurrent logins for the same
// key may race - last writer wins, which is harmless because a duplicate
// login is idempotent for all three backends.
type Store[T any] struct {
	mu      sync.RWMutex
	entries map[string]T
}

func NewStore[T any]() *Store[T] {
	return &Store[T]{
		entries: make(map[string]T),
	}
}

func (s *Store[T]) Get(key string) (T, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.entries[key]
	return v, ok
}

// Put stores a session, overwriting any live session for the key.
func (s *Store[T]) Put(key string, value T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = value
}

func (s *Store[T]) Evict(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
}

// Len reports the number of live sessions.
func (s *Store[T]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// SessionKey scopes a cached backend session: the authenticated dashboard
// username when present, else the caller's IP, else "default".
func SessionKey(username, remoteAddr string) string {
	if username != "" {
		return username
	}
	if remoteAddr != "" {
		if host, _, err := net.SplitHostPort(remoteAddr); err == nil {
			return host
		}
		return remoteAddr
	}
	return "default"
}

// transmissionSession is Transmission's session material. The credentials
// are cached (possibly still encrypted) so later requests within the
// session's lifetime do not need to resupply them.
type transmissionSession struct {
	ID        string
	ExpiresAt time.Time
	Username  string
	Password  string
}

func (t transmissionSession) expired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}
