// Package auth implements the session.Handler long-term credential
// lookups the router authenticates requests against: a static credential
// map (grounded on the teacher's internal/auth.Static) and a TURN REST API
// shared-secret scheme (grounded on original_source's crypto.rs
// static_auth_secret, which the teacher never implemented).
package auth

import (
	"context"
	"sync"

	"github.com/gorelay/gorelayd/internal/crypto"
)

// Credential is one statically configured long-term credential.
type Credential struct {
	Username string
	Password string
}

// Static resolves passwords from a fixed, operator-supplied map. It
// implements session.Handler.
type Static struct {
	mu          sync.RWMutex
	credentials map[string]string
}

// NewStatic builds a Static handler from a credential list.
func NewStatic(credentials []Credential) *Static {
	s := &Static{credentials: make(map[string]string, len(credentials))}
	for _, c := range credentials {
		s.credentials[c.Username] = c.Password
	}
	return s
}

// GetPassword implements session.Handler.
func (s *Static) GetPassword(_ context.Context, username string, _ crypto.Algorithm) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.credentials[username]
	return p, ok
}

// Set installs or replaces a credential, used by the hot-reload path when
// the static credential list changes.
func (s *Static) Set(username, password string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.credentials[username] = password
}

// Replace swaps the entire credential set atomically.
func (s *Static) Replace(credentials []Credential) {
	m := make(map[string]string, len(credentials))
	for _, c := range credentials {
		m[c.Username] = c.Password
	}
	s.mu.Lock()
	s.credentials = m
	s.mu.Unlock()
}

// RESTSecret implements the (expired) draft-uberti-behave-turn-rest-00
// shared-secret scheme: any username is accepted, and its effective
// password is derived from the shared secret via HMAC-SHA1, exactly as
// original_source's crypto.rs::static_auth_secret computes it. The
// server does not parse or validate any timestamp prefix baked into the
// username; RFC 8656 leaves credential provisioning out of scope, and the
// draft itself says the issuing service is responsible for timestamp
// freshness.
type RESTSecret struct {
	secret string
}

// NewRESTSecret builds a RESTSecret handler over the given shared secret.
func NewRESTSecret(secret string) *RESTSecret {
	return &RESTSecret{secret: secret}
}

// GetPassword implements session.Handler.
func (r *RESTSecret) GetPassword(_ context.Context, username string, _ crypto.Algorithm) (string, bool) {
	if r.secret == "" {
		return "", false
	}
	return crypto.StaticAuthSecret(username, r.secret), true
}

// Chain tries each Handler in order, returning the first that resolves a
// password. Used when both a static credential list and a REST secret are
// configured.
type Chain []interface {
	GetPassword(ctx context.Context, username string, algorithm crypto.Algorithm) (string, bool)
}

// GetPassword implements session.Handler.
func (c Chain) GetPassword(ctx context.Context, username string, algorithm crypto.Algorithm) (string, bool) {
	for _, h := range c {
		if p, ok := h.GetPassword(ctx, username, algorithm); ok {
			return p, ok
		}
	}
	return "", false
}
