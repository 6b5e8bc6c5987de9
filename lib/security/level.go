// Copyright 2026 The Stowage Authors
// SPDX-License-Identifier: Apache-2.0

package security

import "fmt"

// AccessLevel is one of the four registry access levels, totally
// ordered by capability: none < read < write < admin.
type AccessLevel string

const (
	LevelNone  AccessLevel = "none"
	LevelRead  AccessLevel = "read"
	LevelWrite AccessLevel = "write"
	LevelAdmin AccessLevel = "admin"
)

var levelRank = map[AccessLevel]int{
	LevelNone:  0,
	LevelRead:  1,
	LevelWrite: 2,
	LevelAdmin: 3,
}

// ParseLevel converts a string to an AccessLevel.
func ParseLevel(s string) (AccessLevel, error) {
	level := AccessLevel(s)
	if !level.Valid() {
		return "", fmt.Errorf("unknown access level %q (want none, read, write, or admin)", s)
	}
	return level, nil
}

// Valid reports whether the level is one of the four known levels.
func (l AccessLevel) Valid() bool {
	_, known := levelRank[l]
	return known
}

// Satisfies reports whether a holder of this level meets the required
// level. Admin satisfies everything, write satisfies write and read,
// read satisfies read, and none satisfies nothing. An unknown level
// satisfies nothing.
func (l AccessLevel) Satisfies(required AccessLevel) bool {
	if l == LevelNone || !l.Valid() {
		return false
	}
	return levelRank[l] >= levelRank[required]
}
