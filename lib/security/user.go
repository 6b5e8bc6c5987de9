// Copyright 2026 The Stowage Authors
// SPDX-License-Identifier: Apache-2.0

package security

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"sort"
)

// MinPasswordLength is the minimum accepted password length.
const MinPasswordLength = 8

// usernameRE matches account names: a lowercase alphanumeric first
// character followed by up to 63 alphanumerics, dots, underscores, or
// dashes. The charset keeps one-file-per-user storage safe.
var usernameRE = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]{0,63}$`)

// User is the persisted account record, one JSON file per username.
type User struct {
	Username     string                 `json:"username"`
	PasswordHash string                 `json:"password_hash"`
	Salt         string                 `json:"salt"`
	AccessLevel  AccessLevel            `json:"access_level"`
	Created      float64                `json:"created"`
	LastLogin    float64                `json:"last_login"`
	ACL          map[string]AccessLevel `json:"acl"`
}

// UserInfo is the credential-free view of a user returned by listing
// and inspection operations.
type UserInfo struct {
	Username    string                 `json:"username"`
	AccessLevel AccessLevel            `json:"access_level"`
	Created     float64                `json:"created"`
	LastLogin   float64                `json:"last_login"`
	ACL         map[string]AccessLevel `json:"acl,omitempty"`
}

// ValidateUsername checks an account name against the naming rules.
func ValidateUsername(username string) error {
	if username == "" {
		return fmt.Errorf("username is empty")
	}
	if !usernameRE.MatchString(username) {
		return fmt.Errorf("invalid username %q", username)
	}
	return nil
}

// info returns the sanitized view of a user.
func (u *User) info() UserInfo {
	acl := make(map[string]AccessLevel, len(u.ACL))
	for resource, level := range u.ACL {
		acl[resource] = level
	}
	if len(acl) == 0 {
		acl = nil
	}
	return UserInfo{
		Username:    u.Username,
		AccessLevel: u.AccessLevel,
		Created:     u.Created,
		LastLogin:   u.LastLogin,
		ACL:         acl,
	}
}

// hashPassword derives the stored hash: hex sha256 over the password
// concatenated with the hex-encoded salt.
func hashPassword(password, salt string) string {
	sum := sha256.Sum256([]byte(password + salt))
	return hex.EncodeToString(sum[:])
}

// newSalt returns a fresh random 16-byte salt, hex encoded.
func newSalt() (string, error) {
	var raw [16]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", fmt.Errorf("generating salt: %w", err)
	}
	return hex.EncodeToString(raw[:]), nil
}

// sortedUsernames returns the map's keys in order.
func sortedUsernames(users map[string]*User) []string {
	names := make([]string, 0, len(users))
	for name := range users {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
