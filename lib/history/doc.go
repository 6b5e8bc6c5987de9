// Copyright 2026 The Stowage Authors
// SPDX-License-Identifier: Apache-2.0

// Package history records registry operations in a local SQLite log.
//
// Every mutating operation and every pull appends one event row:
// who did what, to which repository and tag, and the manifest digest
// involved. The log answers operational questions ("when was this tag
// overwritten", "how often is this image pulled") without being on
// any critical path: recording failures are logged and swallowed by
// callers, and the registry works with history disabled entirely.
package history
