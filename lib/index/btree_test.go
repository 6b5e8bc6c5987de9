// Copyright 2026 The Stowage Authors
// SPDX-License-Identifier: Apache-2.0

package index

import (
	"fmt"
	"sort"
	"testing"
)

func TestBtreeInsertAndGet(t *testing.T) {
	tree := newBtree()
	keys := []string{"mango", "apple", "pear", "kiwi", "fig", "plum", "date"}
	for _, key := range keys {
		tree.insert(key, &Entry{Name: key})
	}

	for _, key := range keys {
		entries := tree.get(key)
		if len(entries) != 1 {
			t.Fatalf("get(%q) returned %d entries, want 1", key, len(entries))
		}
		if entries[0].Name != key {
			t.Fatalf("get(%q) returned entry %q", key, entries[0].Name)
		}
	}
}

func TestBtreeGetMissingKey(t *testing.T) {
	tree := newBtree()
	tree.insert("present", &Entry{Name: "present"})

	if entries := tree.get("absent"); entries != nil {
		t.Fatalf("get(absent) = %v, want nil", entries)
	}
}

func TestBtreeSharedKey(t *testing.T) {
	tree := newBtree()
	tree.insert("app", &Entry{Name: "app", Tag: "v1"})
	tree.insert("app", &Entry{Name: "app", Tag: "v2"})

	entries := tree.get("app")
	if len(entries) != 2 {
		t.Fatalf("get(app) returned %d entries, want 2", len(entries))
	}
}

func TestBtreeSplitGrowsHeight(t *testing.T) {
	tree := newBtree()
	if got := tree.height(); got != 1 {
		t.Fatalf("empty tree height = %d, want 1", got)
	}

	// Sequential inserts are the worst case for rightmost splitting.
	for i := 0; i < 100; i++ {
		key := fmt.Sprintf("key-%03d", i)
		tree.insert(key, &Entry{Name: key})
	}

	if got := tree.height(); got < 3 {
		t.Fatalf("height after 100 inserts = %d, want >= 3", got)
	}
	for i := 0; i < 100; i++ {
		key := fmt.Sprintf("key-%03d", i)
		if entries := tree.get(key); len(entries) != 1 {
			t.Fatalf("get(%q) after splits returned %d entries, want 1", key, len(entries))
		}
	}
	checkBtreeInvariants(t, tree.root, true)
}

func TestBtreeReverseOrderInsert(t *testing.T) {
	tree := newBtree()
	for i := 99; i >= 0; i-- {
		key := fmt.Sprintf("key-%03d", i)
		tree.insert(key, &Entry{Name: key})
	}

	for i := 0; i < 100; i++ {
		key := fmt.Sprintf("key-%03d", i)
		if entries := tree.get(key); len(entries) != 1 {
			t.Fatalf("get(%q) returned %d entries, want 1", key, len(entries))
		}
	}
	checkBtreeInvariants(t, tree.root, true)
}

// checkBtreeInvariants walks the tree verifying node shape: sorted
// keys, at most btreeMaxKeys-1 keys per node between operations, and
// len(children) == len(keys)+1 for internal nodes.
func checkBtreeInvariants(t *testing.T, n *btreeNode, isRoot bool) {
	t.Helper()

	if len(n.keys) >= btreeMaxKeys {
		t.Fatalf("node holds %d keys, want < %d", len(n.keys), btreeMaxKeys)
	}
	if !isRoot && len(n.keys) == 0 {
		t.Fatal("non-root node holds no keys")
	}
	if !sort.StringsAreSorted(n.keys) {
		t.Fatalf("node keys not sorted: %v", n.keys)
	}
	if len(n.keys) != len(n.values) {
		t.Fatalf("node has %d keys but %d value lists", len(n.keys), len(n.values))
	}

	if n.leaf {
		if len(n.children) != 0 {
			t.Fatalf("leaf node has %d children", len(n.children))
		}
		return
	}
	if len(n.children) != len(n.keys)+1 {
		t.Fatalf("internal node has %d keys but %d children", len(n.keys), len(n.children))
	}
	for _, child := range n.children {
		checkBtreeInvariants(t, child, false)
	}
}
