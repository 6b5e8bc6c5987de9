// Copyright 2026 The Stowage Authors
// SPDX-License-Identifier: Apache-2.0

package security

import (
	"fmt"
	"strings"
)

// SetACL grants a user an access level on a resource pattern. The
// pattern is either an exact repository path ("team/app") or a
// wildcard over a subtree ("team/*"). Setting a pattern overwrites
// any previous grant for it; LevelNone is an explicit denial, not a
// removal.
func (m *Manager) SetACL(username, pattern string, level AccessLevel) error {
	if pattern == "" {
		return fmt.Errorf("empty ACL pattern")
	}
	if !level.Valid() {
		return fmt.Errorf("unknown access level %q", level)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	user, exists := m.lookupUser(username)
	if !exists {
		return fmt.Errorf("%s: %w", username, ErrUserNotFound)
	}
	user.ACL[pattern] = level
	if err := m.persistUserLocked(user); err != nil {
		return err
	}

	m.invalidateUserACL(username)
	m.logger.Info("acl updated", "username", username, "pattern", pattern, "level", level)
	return nil
}

// RemoveACL drops a grant. Removing a pattern that was never granted
// is not an error.
func (m *Manager) RemoveACL(username, pattern string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	user, exists := m.lookupUser(username)
	if !exists {
		return fmt.Errorf("%s: %w", username, ErrUserNotFound)
	}
	if _, granted := user.ACL[pattern]; !granted {
		return nil
	}
	delete(user.ACL, pattern)
	if err := m.persistUserLocked(user); err != nil {
		return err
	}

	m.invalidateUserACL(username)
	m.logger.Info("acl removed", "username", username, "pattern", pattern)
	return nil
}

// GetAccessLevel resolves what level a user holds on a resource.
// Resolution order: admin accounts hold admin everywhere, then an
// exact ACL entry, then wildcard entries from the most specific
// ancestor outward, then the account's default level. Unknown users
// hold no access. Resolutions are cached per (resource, username)
// until the user's ACL or account changes.
func (m *Manager) GetAccessLevel(username, resource string) AccessLevel {
	key := aclKey{resource: resource, username: username}

	m.aclMu.RLock()
	level, cached := m.aclCache[key]
	m.aclMu.RUnlock()
	if cached {
		return level
	}

	m.mu.RLock()
	level = m.resolveAccessLocked(username, resource)
	m.mu.RUnlock()

	m.aclMu.Lock()
	m.aclCache[key] = level
	m.aclMu.Unlock()
	return level
}

// CheckAccess reports whether a user may act on a resource at the
// required level.
func (m *Manager) CheckAccess(username, resource string, required AccessLevel) bool {
	return m.GetAccessLevel(username, resource).Satisfies(required)
}

// resolveAccessLocked walks the precedence chain. Callers hold m.mu.
func (m *Manager) resolveAccessLocked(username, resource string) AccessLevel {
	user, exists := m.lookupUser(username)
	if !exists {
		return LevelNone
	}
	if user.AccessLevel == LevelAdmin {
		return LevelAdmin
	}
	if level, granted := user.ACL[resource]; granted {
		return level
	}
	// Walk ancestors from the most specific: for a/b/c try a/b/*,
	// then a/*.
	prefix := resource
	for {
		slash := strings.LastIndex(prefix, "/")
		if slash < 0 {
			break
		}
		prefix = prefix[:slash]
		if level, granted := user.ACL[prefix+"/*"]; granted {
			return level
		}
	}
	return user.AccessLevel
}

// invalidateUserACL drops every cached resolution for one username.
// Callers hold m.mu, which orders the invalidation after the ACL
// write it covers.
func (m *Manager) invalidateUserACL(username string) {
	m.aclMu.Lock()
	defer m.aclMu.Unlock()
	for key := range m.aclCache {
		if key.username == username {
			delete(m.aclCache, key)
		}
	}
}
