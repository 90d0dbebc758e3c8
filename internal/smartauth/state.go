package smartauth

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// stateTTL bounds how long a pending authorization attempt may remain
// unclaimed before its state token and verifier are discarded.
const stateTTL = 10 * time.Minute

// stateEntropyBytes yields a base64url state token with over 128 bits of
// entropy, per spec.
const stateEntropyBytes = 32

type pendingAuth struct {
	connectionID uuid.UUID
	verifier     codeVerifier
	redirectURI  string
	createdAt    time.Time
}

// stateStore holds in-flight authorization attempts keyed by the opaque
// state parameter round-tripped through the vendor's authorization server.
// Modeled on the teacher's LaunchContextStore: a mutex-guarded map with
// lazy TTL eviction, swappable later for a Redis-backed store without
// changing the Manager's call sites.
type stateStore struct {
	mu      sync.Mutex
	entries map[string]pendingAuth
}

func newStateStore() *stateStore {
	return &stateStore{entries: make(map[string]pendingAuth)}
}

func (s *stateStore) create(connectionID uuid.UUID, verifier codeVerifier, redirectURI string) (string, error) {
	b := make([]byte, stateEntropyBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate state token: %w", err)
	}
	state := base64.RawURLEncoding.EncodeToString(b)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.evictExpiredLocked()
	s.entries[state] = pendingAuth{
		connectionID: connectionID,
		verifier:     verifier,
		redirectURI:  redirectURI,
		createdAt:    time.Now(),
	}
	return state, nil
}

// claim consumes the pending auth for state, so replaying the same callback
// twice fails the second time.
func (s *stateStore) claim(state string) (pendingAuth, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evictExpiredLocked()
	p, ok := s.entries[state]
	if !ok {
		return pendingAuth{}, false
	}
	delete(s.entries, state)
	return p, true
}

func (s *stateStore) evictExpiredLocked() {
	now := time.Now()
	for k, v := range s.entries {
		if now.Sub(v.createdAt) > stateTTL {
			delete(s.entries, k)
		}
	}
}
