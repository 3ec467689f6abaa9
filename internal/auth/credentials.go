// Package auth supplies the bearer credential used by the signaling
// channel and the persistence client. Token issuance itself is an
// external collaborator; this package only fetches, falls back, and
// inspects tokens.
package auth

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrNoCredential means neither the primary source nor the stored
// fallback produced a token. Terminal for the messaging session.
var ErrNoCredential = errors.New("auth: no credential available")

// TokenFunc fetches the primary (live) bearer token.
type TokenFunc func() (string, error)

// Source resolves the bearer credential. When the primary source is
// unavailable it falls back to a stored secondary token; that is a
// degraded-auth condition — logged once, never fatal by itself.
type Source struct {
	primary  TokenFunc
	fallback string

	mu       sync.Mutex
	degraded bool
}

// NewSource creates a credential source. fallback may be empty.
func NewSource(primary TokenFunc, fallback string) *Source {
	return &Source{primary: primary, fallback: fallback}
}

// Token returns the primary credential, or the stored fallback when the
// primary is unavailable.
func (s *Source) Token() (string, error) {
	if s.primary != nil {
		tok, err := s.primary()
		if err == nil && tok != "" {
			s.setDegraded(false)
			return tok, nil
		}
		if err != nil {
			log.Printf("AUTH: primary credential unavailable: %v", err)
		}
	}

	if s.fallback != "" {
		if s.setDegraded(true) {
			log.Printf("AUTH: using stored fallback credential (degraded)")
		}
		return s.fallback, nil
	}
	return "", ErrNoCredential
}

// Degraded reports whether the last Token call served the fallback.
func (s *Source) Degraded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.degraded
}

// setDegraded updates the flag and reports whether it flipped to true.
func (s *Source) setDegraded(v bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	flipped := v && !s.degraded
	s.degraded = v
	return flipped
}

// Identity is what the client needs from its own token: who it is and
// how long the token lasts. The server does the real verification; the
// client only reads the claims.
type Identity struct {
	UserID    string
	ExpiresAt time.Time
}

// ParseIdentity extracts the subject and expiry from a JWT without
// verifying the signature.
func ParseIdentity(token string) (Identity, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return Identity{}, fmt.Errorf("parse token: %w", err)
	}

	var id Identity
	if sub, err := claims.GetSubject(); err == nil {
		id.UserID = sub
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		id.ExpiresAt = exp.Time
	}
	if id.UserID == "" {
		return Identity{}, errors.New("token has no subject")
	}
	return id, nil
}
