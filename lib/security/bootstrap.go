// Copyright 2026 The Stowage Authors
// SPDX-License-Identifier: Apache-2.0

package security

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/tidwall/jsonc"
)

// Bootstrap declares accounts to provision at startup. The file is
// JSONC, so deployments can annotate entries with comments.
type Bootstrap struct {
	Users []BootstrapUser `json:"users"`
}

// BootstrapUser is one declared account.
type BootstrapUser struct {
	Username    string                 `json:"username"`
	Password    string                 `json:"password"`
	AccessLevel AccessLevel            `json:"access_level"`
	ACL         map[string]AccessLevel `json:"acl,omitempty"`
}

// LoadBootstrap parses a bootstrap file. A missing file is not an
// error and yields an empty declaration.
func LoadBootstrap(path string) (*Bootstrap, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &Bootstrap{}, nil
		}
		return nil, fmt.Errorf("reading bootstrap file: %w", err)
	}

	stripped := jsonc.ToJSON(data)
	var boot Bootstrap
	if err := json.Unmarshal(stripped, &boot); err != nil {
		return nil, fmt.Errorf("parsing bootstrap file %s: %w", path, err)
	}

	for i, user := range boot.Users {
		if err := ValidateUsername(user.Username); err != nil {
			return nil, fmt.Errorf("bootstrap user %d: %w", i, err)
		}
		if len(user.Password) < MinPasswordLength {
			return nil, fmt.Errorf("bootstrap user %q: password must be at least %d characters",
				user.Username, MinPasswordLength)
		}
		if !user.AccessLevel.Valid() {
			return nil, fmt.Errorf("bootstrap user %q: unknown access level %q",
				user.Username, user.AccessLevel)
		}
		for pattern, level := range user.ACL {
			if pattern == "" {
				return nil, fmt.Errorf("bootstrap user %q: empty ACL pattern", user.Username)
			}
			if !level.Valid() {
				return nil, fmt.Errorf("bootstrap user %q: unknown access level %q for %q",
					user.Username, level, pattern)
			}
		}
	}
	return &boot, nil
}

// ApplyBootstrap provisions the declared accounts, skipping usernames
// that already exist so repeated startups leave live accounts and
// their rotated passwords alone. Returns how many accounts were
// created.
func (m *Manager) ApplyBootstrap(boot *Bootstrap) (int, error) {
	created := 0
	for _, declared := range boot.Users {
		if _, exists := m.GetUser(declared.Username); exists {
			continue
		}
		if err := m.CreateUser(declared.Username, declared.Password, declared.AccessLevel); err != nil {
			return created, fmt.Errorf("bootstrapping user %s: %w", declared.Username, err)
		}
		for pattern, level := range declared.ACL {
			if err := m.SetACL(declared.Username, pattern, level); err != nil {
				return created, fmt.Errorf("bootstrapping acl for %s: %w", declared.Username, err)
			}
		}
		created++
	}
	if created > 0 {
		m.logger.Info("bootstrap users created", "count", created)
	}
	return created, nil
}
