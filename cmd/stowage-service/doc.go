// Copyright 2026 The Stowage Authors
// SPDX-License-Identifier: Apache-2.0

// Command stowage-service is the registry daemon. It owns the
// content-addressed blob store, the tag pointers, the search index,
// the security state, and the operation history, and exposes them
// over a Unix socket speaking the CBOR protocol defined in lib/wire.
//
// Configuration comes from a YAML file (--config, or the
// STOWAGE_CONFIG environment variable); every setting has a runnable
// default under /var/lib/stowage. Background maintenance (garbage
// collection and index rebuilds) runs on configurable cadences, and
// an optional HTTP listener serves Prometheus metrics at /metrics.
//
// Every action except status and login requires a session token from
// a prior login; the handler layer validates the token and checks the
// caller's access level against the resource the action touches
// before any registry state changes.
package main
