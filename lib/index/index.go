// Copyright 2026 The Stowage Authors
// SPDX-License-Identifier: Apache-2.0

package index

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/stowage-foundation/stowage/lib/clock"
)

const defaultDebounce = time.Second

// Options configures an Index.
type Options struct {
	// SnapshotPath is the JSON file the flat entry map persists to.
	// Empty means memory-only: no snapshot is loaded or written and no
	// persister goroutine runs.
	SnapshotPath string

	// Debounce is how long the persister waits after a mutation before
	// writing, so mutation bursts coalesce. Defaults to one second.
	Debounce time.Duration

	Clock  clock.Clock
	Logger *slog.Logger
}

// Index is the registry search index. A single RWMutex covers the flat
// entry map and all four trees: tree rebuilds replace whole trees, so
// readers cannot safely overlap them.
type Index struct {
	mu       sync.RWMutex
	entries  map[string]*Entry
	byName   *btree
	byTag    *btree
	byDigest *btree
	byLabel  *btree

	path     string
	debounce time.Duration
	clock    clock.Clock
	logger   *slog.Logger

	dirtyCh  chan struct{}
	flushCh  chan chan error
	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once

	// closeErr holds the final persist error, if any. Written by the
	// persister before doneCh closes, read only after doneCh closes.
	closeErr error
}

// New creates an Index. When opts.SnapshotPath names an existing
// snapshot, the entry map is loaded from it and the trees are rebuilt;
// a missing file starts empty. With a snapshot path configured, New
// also starts the background persister, which runs until Close.
func New(opts Options) (*Index, error) {
	if opts.Debounce <= 0 {
		opts.Debounce = defaultDebounce
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	ix := &Index{
		entries:  make(map[string]*Entry),
		byName:   newBtree(),
		byTag:    newBtree(),
		byDigest: newBtree(),
		byLabel:  newBtree(),
		path:     opts.SnapshotPath,
		debounce: opts.Debounce,
		clock:    opts.Clock,
		logger:   opts.Logger,
	}

	if ix.path != "" {
		if err := ix.load(); err != nil {
			return nil, fmt.Errorf("loading index snapshot: %w", err)
		}
		ix.dirtyCh = make(chan struct{}, 1)
		ix.flushCh = make(chan chan error)
		ix.stopCh = make(chan struct{})
		ix.doneCh = make(chan struct{})
		go ix.persister()
	}
	return ix, nil
}

// Upsert inserts or replaces the entry for (entry.Name, entry.Tag).
// A replacement rebuilds the trees so the superseded entry cannot
// linger under stale keys; a fresh key inserts incrementally.
func (ix *Index) Upsert(entry Entry) {
	stored := entry.clone()

	ix.mu.Lock()
	key := stored.Key()
	_, existed := ix.entries[key]
	ix.entries[key] = &stored
	if existed {
		ix.rebuildLocked()
	} else {
		ix.insertLocked(&stored)
	}
	ix.mu.Unlock()

	ix.markDirty()
}

// Remove deletes the entry for (name, tag) and rebuilds the trees from
// the survivors. Returns false when no such entry existed.
func (ix *Index) Remove(name, tag string) bool {
	ix.mu.Lock()
	key := name + ":" + tag
	_, existed := ix.entries[key]
	if existed {
		delete(ix.entries, key)
		ix.rebuildLocked()
	}
	ix.mu.Unlock()

	if existed {
		ix.markDirty()
	}
	return existed
}

// Rebuild discards all four trees and re-inserts every entry from the
// flat map. Self-healing for trees left stale by crashed operations.
func (ix *Index) Rebuild() {
	ix.mu.Lock()
	ix.rebuildLocked()
	ix.mu.Unlock()
}

// ReplaceAll swaps in a wholly new entry set, as when the index is
// recomputed from the authoritative tag pointers.
func (ix *Index) ReplaceAll(entries []Entry) {
	fresh := make(map[string]*Entry, len(entries))
	for _, entry := range entries {
		stored := entry.clone()
		fresh[stored.Key()] = &stored
	}

	ix.mu.Lock()
	ix.entries = fresh
	ix.rebuildLocked()
	ix.mu.Unlock()

	ix.markDirty()
}

// Get returns the entry for (name, tag).
func (ix *Index) Get(name, tag string) (Entry, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	entry, exists := ix.entries[name+":"+tag]
	if !exists {
		return Entry{}, false
	}
	return entry.clone(), true
}

// Len returns the number of indexed (name, tag) pairs.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.entries)
}

// Entries returns a snapshot of every entry, sorted by name then tag.
func (ix *Index) Entries() []Entry {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.entriesLocked()
}

// Search resolves query through a fallback chain, where each step runs
// only if every earlier step found nothing:
//
//  1. exact "name:tag" against the flat map, when the query contains
//     exactly one colon
//  2. exact "labelkey:labelvalue" against the label tree
//  3. exact name against the name tree
//  4. exact tag against the tag tree
//  5. exact digest against the digest tree
//  6. full scan with Entry.Matches, stopping once limit entries match
//
// Results are deduplicated by (name, tag), sorted by name then tag,
// and truncated to limit. A limit <= 0 means unlimited.
func (ix *Index) Search(query string, limit int) []Entry {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	var hits []*Entry
	if strings.Count(query, ":") == 1 {
		if entry, exists := ix.entries[query]; exists {
			hits = []*Entry{entry}
		}
	}
	if len(hits) == 0 && strings.Contains(query, ":") {
		hits = ix.byLabel.get(query)
	}
	if len(hits) == 0 {
		hits = ix.byName.get(query)
	}
	if len(hits) == 0 {
		hits = ix.byTag.get(query)
	}
	if len(hits) == 0 {
		hits = ix.byDigest.get(query)
	}
	if len(hits) == 0 {
		hits = ix.scanLocked(query, limit)
	}

	seen := make(map[string]struct{}, len(hits))
	results := make([]Entry, 0, len(hits))
	for _, entry := range hits {
		key := entry.Key()
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		results = append(results, entry.clone())
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Name != results[j].Name {
			return results[i].Name < results[j].Name
		}
		return results[i].Tag < results[j].Tag
	})

	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results
}

// scanLocked is the substring fallback: test every entry in key order,
// stopping once limit matches accumulate. Callers hold ix.mu.
func (ix *Index) scanLocked(query string, limit int) []*Entry {
	keys := make([]string, 0, len(ix.entries))
	for key := range ix.entries {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var hits []*Entry
	for _, key := range keys {
		entry := ix.entries[key]
		if !entry.Matches(query) {
			continue
		}
		hits = append(hits, entry)
		if limit > 0 && len(hits) >= limit {
			break
		}
	}
	return hits
}

// insertLocked adds one entry to all four trees. Callers hold ix.mu.
func (ix *Index) insertLocked(entry *Entry) {
	ix.byName.insert(entry.Name, entry)
	ix.byTag.insert(entry.Tag, entry)
	ix.byDigest.insert(entry.Digest.String(), entry)
	for key, value := range entry.Labels {
		ix.byLabel.insert(key+":"+value, entry)
	}
}

// rebuildLocked discards and repopulates all four trees from the flat
// map. Callers hold ix.mu.
func (ix *Index) rebuildLocked() {
	ix.byName = newBtree()
	ix.byTag = newBtree()
	ix.byDigest = newBtree()
	ix.byLabel = newBtree()
	for _, entry := range ix.entries {
		ix.insertLocked(entry)
	}
}

// entriesLocked snapshots the entries sorted by name then tag.
// Callers hold ix.mu.
func (ix *Index) entriesLocked() []Entry {
	entries := make([]Entry, 0, len(ix.entries))
	for _, entry := range ix.entries {
		entries = append(entries, entry.clone())
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Name != entries[j].Name {
			return entries[i].Name < entries[j].Name
		}
		return entries[i].Tag < entries[j].Tag
	})
	return entries
}
