// Copyright 2026 The Stowage Authors
// SPDX-License-Identifier: Apache-2.0

package security

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/stowage-foundation/stowage/lib/clock"
)

// Sentinel errors for authentication and account management.
// ErrAuthenticationFailed deliberately carries no detail: a failed
// login must not reveal whether the username exists.
var (
	ErrUserExists           = errors.New("user already exists")
	ErrUserNotFound         = errors.New("user not found")
	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrAuthorizationFailed  = errors.New("authorization failed")
	ErrTokenInvalid         = errors.New("token invalid")
	ErrTokenExpired         = errors.New("token expired")
	ErrThrottled            = errors.New("too many login attempts")
)

// DefaultTokenTTL is how long a session token stays valid.
const DefaultTokenTTL = time.Hour

// Options configures a Manager.
type Options struct {
	// StateDir holds the users/ and tokens/ directories.
	StateDir string

	// TokenTTL is the session token lifetime. Defaults to one hour.
	TokenTTL time.Duration

	// LoginRate and LoginBurst throttle Authenticate per username.
	// Defaults: 1 attempt per second, burst of 5.
	LoginRate  float64
	LoginBurst int

	Clock  clock.Clock
	Logger *slog.Logger
}

// Manager owns users, session tokens, and access control state.
// Safe for concurrent use.
type Manager struct {
	usersDir   string
	tokensDir  string
	ttl        time.Duration
	loginRate  rate.Limit
	loginBurst int
	clock      clock.Clock
	logger     *slog.Logger

	mu     sync.RWMutex
	users  map[string]*User
	tokens map[string]*Token

	limiterMu sync.Mutex
	limiters  map[string]*rate.Limiter

	aclMu    sync.RWMutex
	aclCache map[aclKey]AccessLevel
}

type aclKey struct {
	resource string
	username string
}

// NewManager opens the security state under opts.StateDir, loading
// existing users and unexpired tokens. Token files already past
// expiry are deleted during the load.
func NewManager(opts Options) (*Manager, error) {
	if opts.TokenTTL <= 0 {
		opts.TokenTTL = DefaultTokenTTL
	}
	if opts.LoginRate <= 0 {
		opts.LoginRate = 1
	}
	if opts.LoginBurst <= 0 {
		opts.LoginBurst = 5
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	m := &Manager{
		usersDir:   filepath.Join(opts.StateDir, "users"),
		tokensDir:  filepath.Join(opts.StateDir, "tokens"),
		ttl:        opts.TokenTTL,
		loginRate:  rate.Limit(opts.LoginRate),
		loginBurst: opts.LoginBurst,
		clock:      opts.Clock,
		logger:     opts.Logger,
		users:      make(map[string]*User),
		tokens:     make(map[string]*Token),
		limiters:   make(map[string]*rate.Limiter),
		aclCache:   make(map[aclKey]AccessLevel),
	}

	for _, dir := range []string{m.usersDir, m.tokensDir} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("creating security directory %s: %w", dir, err)
		}
	}
	if err := m.loadUsers(); err != nil {
		return nil, err
	}
	if err := m.loadTokens(); err != nil {
		return nil, err
	}
	return m, nil
}

// CreateUser registers a new account with the given default access
// level. Fails with ErrUserExists when the username is taken.
func (m *Manager) CreateUser(username, password string, level AccessLevel) error {
	if err := ValidateUsername(username); err != nil {
		return err
	}
	if len(password) < MinPasswordLength {
		return fmt.Errorf("password must be at least %d characters", MinPasswordLength)
	}
	if !level.Valid() {
		return fmt.Errorf("unknown access level %q", level)
	}

	salt, err := newSalt()
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, taken := m.users[username]; taken {
		return fmt.Errorf("%s: %w", username, ErrUserExists)
	}

	user := &User{
		Username:     username,
		PasswordHash: hashPassword(password, salt),
		Salt:         salt,
		AccessLevel:  level,
		Created:      clock.UnixSeconds(m.clock.Now()),
		ACL:          make(map[string]AccessLevel),
	}
	if err := m.persistUserLocked(user); err != nil {
		return err
	}
	m.users[username] = user

	m.invalidateUserACL(username)
	m.logger.Info("user created", "username", username, "access_level", level)
	return nil
}

// DeleteUser removes an account, its sessions, and its cached access
// resolutions.
func (m *Manager) DeleteUser(username string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.users[username]; !exists {
		return fmt.Errorf("%s: %w", username, ErrUserNotFound)
	}

	if err := os.Remove(m.userPath(username)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing user file for %s: %w", username, err)
	}
	delete(m.users, username)

	for id, token := range m.tokens {
		if token.Username != username {
			continue
		}
		if err := os.Remove(m.tokenPath(id)); err != nil && !os.IsNotExist(err) {
			m.logger.Warn("stale token file left behind", "username", username, "error", err)
		}
		delete(m.tokens, id)
	}

	m.invalidateUserACL(username)
	m.logger.Info("user deleted", "username", username)
	return nil
}

// GetUser returns the sanitized record for one account.
func (m *Manager) GetUser(username string) (UserInfo, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	user, exists := m.users[username]
	if !exists {
		return UserInfo{}, false
	}
	return user.info(), true
}

// ListUsers returns every account sorted by username, without
// credential material.
func (m *Manager) ListUsers() []UserInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	infos := make([]UserInfo, 0, len(m.users))
	for _, username := range sortedUsernames(m.users) {
		infos = append(infos, m.users[username].info())
	}
	return infos
}

// UserCount returns the number of accounts.
func (m *Manager) UserCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.users)
}

// loadUsers reads every user file into memory. A file that does not
// parse fails the load: a silently skipped account would lock its
// owner out.
func (m *Manager) loadUsers() error {
	entries, err := os.ReadDir(m.usersDir)
	if err != nil {
		return fmt.Errorf("reading users directory: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		path := filepath.Join(m.usersDir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading user file %s: %w", path, err)
		}
		var user User
		if err := json.Unmarshal(data, &user); err != nil {
			return fmt.Errorf("decoding user file %s: %w", path, err)
		}
		if err := ValidateUsername(user.Username); err != nil {
			return fmt.Errorf("user file %s: %w", path, err)
		}
		if !user.AccessLevel.Valid() {
			return fmt.Errorf("user file %s: unknown access level %q", path, user.AccessLevel)
		}
		if user.ACL == nil {
			user.ACL = make(map[string]AccessLevel)
		}
		m.users[user.Username] = &user
	}
	return nil
}

// persistUserLocked writes a user file atomically. Callers hold m.mu.
func (m *Manager) persistUserLocked(user *User) error {
	data, err := json.Marshal(user)
	if err != nil {
		return fmt.Errorf("encoding user %s: %w", user.Username, err)
	}
	return writeFileAtomic(m.usersDir, m.userPath(user.Username), data, 0o600)
}

func (m *Manager) userPath(username string) string {
	return filepath.Join(m.usersDir, username+".json")
}

// lookupUser returns the in-memory record. Callers hold m.mu in some
// mode.
func (m *Manager) lookupUser(username string) (*User, bool) {
	user, exists := m.users[username]
	return user, exists
}

// writeFileAtomic writes data to path via a temp file in dir followed
// by a rename.
func writeFileAtomic(dir, path string, data []byte, perm os.FileMode) error {
	tmpFile, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if err := tmpFile.Chmod(perm); err != nil {
		tmpFile.Close()
		return fmt.Errorf("setting mode on temp file: %w", err)
	}
	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("renaming into place: %w", err)
	}
	success = true
	return nil
}
