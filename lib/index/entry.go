// Copyright 2026 The Stowage Authors
// SPDX-License-Identifier: Apache-2.0

package index

import (
	"strings"

	"github.com/opencontainers/go-digest"
)

// Entry is the denormalized search record for one (name, tag) pair.
// Recomputed from the tag, manifest, and config on every push, so a
// stale entry never survives past the next index rebuild.
type Entry struct {
	Name     string            `json:"name"`
	Tag      string            `json:"tag"`
	Digest   digest.Digest     `json:"digest"`
	Created  float64           `json:"created"`
	Size     int64             `json:"size"`
	Labels   map[string]string `json:"labels,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Key returns the flat map key "name:tag".
func (e Entry) Key() string {
	return e.Name + ":" + e.Tag
}

// ShortDigest returns the first 12 hex characters of the manifest
// digest, the familiar truncated form shown in listings.
func (e Entry) ShortDigest() string {
	encoded := e.Digest.Encoded()
	if len(encoded) > 12 {
		return encoded[:12]
	}
	return encoded
}

// Matches reports whether query matches this entry with a
// case-insensitive substring test against the name, tag, short
// digest, and every label key and value. This is the last-resort
// search path after the exact-key lookups miss.
func (e Entry) Matches(query string) bool {
	q := strings.ToLower(query)
	if strings.Contains(strings.ToLower(e.Name), q) {
		return true
	}
	if strings.Contains(strings.ToLower(e.Tag), q) {
		return true
	}
	if strings.Contains(strings.ToLower(e.ShortDigest()), q) {
		return true
	}
	for key, value := range e.Labels {
		if strings.Contains(strings.ToLower(key), q) {
			return true
		}
		if strings.Contains(strings.ToLower(value), q) {
			return true
		}
	}
	return false
}

// clone returns a deep copy so callers cannot mutate indexed state
// through returned entries.
func (e Entry) clone() Entry {
	copied := e
	if e.Labels != nil {
		copied.Labels = make(map[string]string, len(e.Labels))
		for k, v := range e.Labels {
			copied.Labels[k] = v
		}
	}
	if e.Metadata != nil {
		copied.Metadata = make(map[string]string, len(e.Metadata))
		for k, v := range e.Metadata {
			copied.Metadata[k] = v
		}
	}
	return copied
}
