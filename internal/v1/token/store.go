// Package token implements the short-lived relay-credential token store.
// Tokens gate access to TURN credentials: one is minted on a successful room
// join (kind "call") or for the device-check page (kind "diagnostic"), and
// the credentials endpoint consumes it within its TTL.
package token

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/serenada/signaling/internal/v1/identity"
	"github.com/serenada/signaling/internal/v1/logging"
)

// Kind classifies why a token was issued.
type Kind string

const (
	// KindCall is minted on room join; TTL 5 minutes.
	KindCall Kind = "call"
	// KindDiagnostic is minted for the device-check page; TTL 5 seconds.
	KindDiagnostic Kind = "diagnostic"
)

const (
	// CallTTL is the lifetime of call-kind tokens.
	CallTTL = 5 * time.Minute
	// DiagnosticTTL is the lifetime of diagnostic-kind tokens.
	DiagnosticTTL = 5 * time.Second

	sweepInterval = 30 * time.Second
)

var (
	// ErrUnknown indicates the token was never issued or has been swept.
	ErrUnknown = errors.New("token: unknown token")
	// ErrExpired indicates the token exists but its TTL has elapsed.
	ErrExpired = errors.New("token: token expired")
)

// Record holds the issuance facts for a token.
type Record struct {
	IP        string
	Kind      Kind
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Store is an in-memory, mutex-guarded token map. Expiry is authoritative;
// consuming a token does not delete it, so re-fetching credentials within the
// TTL is permitted.
type Store struct {
	mu      sync.Mutex
	tokens  map[string]Record
	now     func() time.Time // injectable for tests
	sweepEv time.Duration
}

// NewStore builds an empty store.
func NewStore() *Store {
	return &Store{
		tokens:  make(map[string]Record),
		now:     time.Now,
		sweepEv: sweepInterval,
	}
}

// Issue inserts a fresh token bound to ip with the given ttl and kind.
func (s *Store) Issue(ip string, ttl time.Duration, kind Kind) (string, time.Time) {
	tok := identity.NewOpaqueToken()
	now := s.now()
	rec := Record{
		IP:        ip,
		Kind:      kind,
		IssuedAt:  now,
		ExpiresAt: now.Add(ttl),
	}

	s.mu.Lock()
	s.tokens[tok] = rec
	s.mu.Unlock()

	return tok, rec.ExpiresAt
}

// Consume looks up a token and returns its record. The token stays in the
// store until it expires.
func (s *Store) Consume(tok string) (Record, error) {
	s.mu.Lock()
	rec, ok := s.tokens[tok]
	s.mu.Unlock()

	if !ok {
		return Record{}, ErrUnknown
	}
	if s.now().After(rec.ExpiresAt) {
		return Record{}, ErrExpired
	}
	return rec, nil
}

// Sweep removes expired entries and returns how many were dropped.
func (s *Store) Sweep() int {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for tok, rec := range s.tokens {
		if now.After(rec.ExpiresAt) {
			delete(s.tokens, tok)
			removed++
		}
	}
	return removed
}

// Len reports the number of live entries, expired or not.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tokens)
}

// Run sweeps on a fixed cadence until ctx is cancelled.
func (s *Store) Run(ctx context.Context) {
	ticker := time.NewTicker(s.sweepEv)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.Sweep(); n > 0 {
				logging.GetLogger().Debug("Swept expired relay tokens", zap.Int("removed", n))
			}
		}
	}
}
