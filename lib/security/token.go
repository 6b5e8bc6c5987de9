// Copyright 2026 The Stowage Authors
// SPDX-License-Identifier: Apache-2.0

package security

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/stowage-foundation/stowage/lib/clock"
)

// tokenIDBytes is the entropy of a session token. The hex form is
// twice this length.
const tokenIDBytes = 32

// Token is one authenticated session. Expiry is checked lazily: a
// token past its expiry is removed the next time it is presented, or
// by PurgeExpiredTokens.
type Token struct {
	Token    string  `json:"token"`
	Username string  `json:"username"`
	Created  float64 `json:"created"`
	Expiry   float64 `json:"expiry"`
}

// Authenticate verifies a username and password and mints a session
// token. Whether the username exists or the password is wrong, callers
// see the same ErrAuthenticationFailed with no account detail; an
// account with too many recent attempts gets ErrThrottled before any
// check runs.
func (m *Manager) Authenticate(username, password string) (*Token, error) {
	if !m.loginLimiter(username).AllowN(m.clock.Now(), 1) {
		m.logger.Warn("login throttled", "username", username)
		return nil, ErrThrottled
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	user, exists := m.lookupUser(username)
	if !exists {
		// Burn the same hashing cost as a real check so a missing
		// account is not distinguishable by response time.
		hashPassword(password, dummySalt)
		m.logger.Warn("login failed", "username", username)
		return nil, ErrAuthenticationFailed
	}

	candidate := hashPassword(password, user.Salt)
	if subtle.ConstantTimeCompare([]byte(candidate), []byte(user.PasswordHash)) != 1 {
		m.logger.Warn("login failed", "username", username)
		return nil, ErrAuthenticationFailed
	}

	now := m.clock.Now()
	user.LastLogin = clock.UnixSeconds(now)
	if err := m.persistUserLocked(user); err != nil {
		return nil, err
	}

	id, err := newTokenID()
	if err != nil {
		return nil, err
	}
	token := &Token{
		Token:    id,
		Username: username,
		Created:  clock.UnixSeconds(now),
		Expiry:   clock.UnixSeconds(now.Add(m.ttl)),
	}
	if err := m.persistTokenLocked(token); err != nil {
		return nil, err
	}
	m.tokens[id] = token

	m.logger.Info("login succeeded", "username", username)
	return token, nil
}

// ValidateToken resolves a session token to its username. Unknown
// tokens get ErrTokenInvalid; a token past its expiry is purged on the
// spot and gets ErrTokenExpired.
func (m *Manager) ValidateToken(id string) (string, error) {
	return m.ValidateTokenAt(id, m.clock.Now())
}

// ValidateTokenAt is ValidateToken against an explicit instant.
func (m *Manager) ValidateTokenAt(id string, now time.Time) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	token, exists := m.tokens[id]
	if !exists {
		return "", ErrTokenInvalid
	}
	if clock.UnixSeconds(now) >= token.Expiry {
		m.removeTokenLocked(id)
		return "", ErrTokenExpired
	}
	return token.Username, nil
}

// RevokeToken ends one session. Revoking an unknown token is not an
// error.
func (m *Manager) RevokeToken(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeTokenLocked(id)
}

// PurgeExpiredTokens removes every token past its expiry and returns
// how many were dropped.
func (m *Manager) PurgeExpiredTokens() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := clock.UnixSeconds(m.clock.Now())
	purged := 0
	for id, token := range m.tokens {
		if now >= token.Expiry {
			m.removeTokenLocked(id)
			purged++
		}
	}
	if purged > 0 {
		m.logger.Info("expired tokens purged", "count", purged)
	}
	return purged
}

// TokenCount returns the number of stored tokens. Expiry is lazy, so
// the count includes expired tokens not yet presented or purged.
func (m *Manager) TokenCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.tokens)
}

// removeTokenLocked drops a token from memory and disk. Callers hold
// m.mu.
func (m *Manager) removeTokenLocked(id string) {
	if _, exists := m.tokens[id]; !exists {
		return
	}
	if err := os.Remove(m.tokenPath(id)); err != nil && !os.IsNotExist(err) {
		m.logger.Warn("stale token file left behind", "error", err)
	}
	delete(m.tokens, id)
}

// loadTokens reads the token directory, keeping unexpired sessions
// and deleting files already past expiry. Unlike user files, a token
// file that does not parse is deleted rather than failing the load:
// the worst outcome is one session logged out.
func (m *Manager) loadTokens() error {
	entries, err := os.ReadDir(m.tokensDir)
	if err != nil {
		return fmt.Errorf("reading tokens directory: %w", err)
	}
	now := clock.UnixSeconds(m.clock.Now())
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		path := filepath.Join(m.tokensDir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading token file %s: %w", path, err)
		}
		var token Token
		if err := json.Unmarshal(data, &token); err != nil || token.Token == "" {
			m.logger.Warn("dropping unreadable token file", "path", path)
			os.Remove(path)
			continue
		}
		if now >= token.Expiry {
			os.Remove(path)
			continue
		}
		m.tokens[token.Token] = &token
	}
	return nil
}

// persistTokenLocked writes a token file atomically. Callers hold
// m.mu.
func (m *Manager) persistTokenLocked(token *Token) error {
	data, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("encoding token: %w", err)
	}
	return writeFileAtomic(m.tokensDir, m.tokenPath(token.Token), data, 0o600)
}

func (m *Manager) tokenPath(id string) string {
	return filepath.Join(m.tokensDir, id+".json")
}

// loginLimiter returns the per-username rate limiter, creating it on
// first use.
func (m *Manager) loginLimiter(username string) *rate.Limiter {
	m.limiterMu.Lock()
	defer m.limiterMu.Unlock()

	limiter, exists := m.limiters[username]
	if !exists {
		limiter = rate.NewLimiter(m.loginRate, m.loginBurst)
		m.limiters[username] = limiter
	}
	return limiter
}

// dummySalt feeds the decoy hash for unknown usernames.
var dummySalt = hex.EncodeToString(func() []byte {
	sum := sha256.Sum256([]byte("stowage.login.decoy"))
	return sum[:16]
}())

// newTokenID returns a fresh random token identifier in hex.
func newTokenID() (string, error) {
	raw := make([]byte, tokenIDBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generating token: %w", err)
	}
	return hex.EncodeToString(raw), nil
}
