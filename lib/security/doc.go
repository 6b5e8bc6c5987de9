// Copyright 2026 The Stowage Authors
// SPDX-License-Identifier: Apache-2.0

// Package security manages registry users, session tokens, and access
// control.
//
// Users carry a salted sha256 password hash, a default access level,
// and per-resource ACL overrides. A login mints an opaque session
// token valid for a configurable TTL (one hour by default); expired
// tokens are purged lazily when presented, so no eviction goroutine is
// needed.
//
// Access resolution for a (resource, username) pair runs in strict
// precedence order: an admin default level wins outright, then an
// exact ACL entry for the resource, then wildcard ancestor entries
// from most specific to least ("a/b/c" consults "a/b/*" then "a/*"),
// then the user's default level. Resolved lookups are cached and the
// cache is invalidated whenever the user's ACL or account changes.
//
// State persists as one JSON file per user and per token under the
// manager's state directory. Login attempts are throttled per
// username to blunt brute force.
package security
