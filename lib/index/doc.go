// Copyright 2026 The Stowage Authors
// SPDX-License-Identifier: Apache-2.0

// Package index maintains the registry's search index: a flat
// authoritative map of (name, tag) entries plus four derived B-trees
// keyed by name, tag, manifest digest, and "labelkey:labelvalue".
//
// The index is an acceleration structure, not a source of truth. Every
// entry is derivable from the tag pointers, manifests, and configs in
// the image store, so a corrupt or stale index is repaired by
// rebuilding rather than restored from backup.
//
// Entry removal rebuilds all four trees from the surviving entries
// instead of deleting keys in place. That costs O(n) per removal and
// is deliberate: registries hold hundreds to low thousands of tags,
// and the rebuild keeps the tree code to insertion and lookup only.
//
// The flat map persists to a single JSON snapshot, rewritten by a
// background goroutine after a debounce window so bursts of mutations
// coalesce into one disk write. The B-trees are memory-only and are
// reconstructed from the snapshot at startup.
package index
