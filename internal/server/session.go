package server

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"
)

// sessionTTL is how long an issued token stays valid. The app re-exchanges
// the device secret silently when it gets a 401.
const sessionTTL = 30 * 24 * time.Hour

// sessionStore issues and checks bearer tokens for the single paired device.
// Tokens live in memory only; a daemon restart just forces a re-pair.
type sessionStore struct {
	secret string

	mu     sync.Mutex
	tokens map[string]time.Time // token -> expiry
	now    func() time.Time
}

func newSessionStore(deviceSecret string) *sessionStore {
	return &sessionStore{
		secret: deviceSecret,
		tokens: make(map[string]time.Time),
		now:    time.Now,
	}
}

// Issue exchanges the device secret for a fresh token. The comparison is
// constant-time so the secret cannot be probed byte by byte.
func (s *sessionStore) Issue(deviceSecret string) (token string, expiry time.Time, err error) {
	if subtle.ConstantTimeCompare([]byte(deviceSecret), []byte(s.secret)) != 1 {
		return "", time.Time{}, fmt.Errorf("device secret mismatch")
	}

	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", time.Time{}, fmt.Errorf("generate token: %w", err)
	}
	token = hex.EncodeToString(buf)
	expiry = s.now().Add(sessionTTL)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.prune()
	s.tokens[token] = expiry
	return token, expiry, nil
}

// Check reports whether the token is known and unexpired.
func (s *sessionStore) Check(token string) bool {
	if token == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	exp, ok := s.tokens[token]
	if !ok {
		return false
	}
	if s.now().After(exp) {
		delete(s.tokens, token)
		return false
	}
	return true
}

// prune drops expired tokens. Callers hold s.mu.
func (s *sessionStore) prune() {
	now := s.now()
	for t, exp := range s.tokens {
		if now.After(exp) {
			delete(s.tokens, t)
		}
	}
}

// bearerToken pulls the token out of an Authorization header.
func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(h, prefix) {
		return ""
	}
	return strings.TrimSpace(h[len(prefix):])
}
