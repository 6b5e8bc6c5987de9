// Copyright 2026 The Stowage Authors
// SPDX-License-Identifier: Apache-2.0

package index

import "sort"

// B-tree of minimum degree btreeDegree. A node splits once it holds
// btreeMaxKeys keys, so every node carries at most btreeMaxKeys-1 keys
// between operations. Each key maps to the list of entries sharing it
// (many tags share a name, several tags may share a digest).
//
// The tree supports insertion and exact-key lookup only. Removal is
// handled one level up by rebuilding the whole tree from the flat
// entry map.
const (
	btreeDegree  = 3
	btreeMaxKeys = 2*btreeDegree - 1
)

type btree struct {
	root *btreeNode
}

type btreeNode struct {
	keys     []string
	values   [][]*Entry
	children []*btreeNode
	leaf     bool
}

func newBtree() *btree {
	return &btree{root: &btreeNode{leaf: true}}
}

// insert adds entry under key, appending to the entry list when the
// key already exists. Splits overfull nodes on the way back up,
// growing a new root when the old root itself splits.
func (t *btree) insert(key string, entry *Entry) {
	midKey, midValue, right := t.root.insert(key, entry)
	if right == nil {
		return
	}
	t.root = &btreeNode{
		keys:     []string{midKey},
		values:   [][]*Entry{midValue},
		children: []*btreeNode{t.root, right},
	}
}

// get returns the entries stored under key, or nil.
func (t *btree) get(key string) []*Entry {
	node := t.root
	for {
		idx, found := node.search(key)
		if found {
			return node.values[idx]
		}
		if node.leaf {
			return nil
		}
		node = node.children[idx]
	}
}

// height returns the number of levels in the tree. A lone leaf root
// has height 1.
func (t *btree) height() int {
	h := 1
	for node := t.root; !node.leaf; node = node.children[0] {
		h++
	}
	return h
}

// search binary-searches the node's keys. Returns the key's position
// when found, otherwise the child index to descend into.
func (n *btreeNode) search(key string) (int, bool) {
	idx := sort.SearchStrings(n.keys, key)
	if idx < len(n.keys) && n.keys[idx] == key {
		return idx, true
	}
	return idx, false
}

// insert places (key, entry) in the subtree rooted at n. When the
// insertion overfills a node, the node splits at its median and the
// median key, its entries, and the new right sibling are returned for
// the parent to absorb.
func (n *btreeNode) insert(key string, entry *Entry) (string, []*Entry, *btreeNode) {
	idx, found := n.search(key)
	if found {
		n.values[idx] = append(n.values[idx], entry)
		return "", nil, nil
	}

	if n.leaf {
		n.insertAt(idx, key, []*Entry{entry})
	} else {
		midKey, midValue, right := n.children[idx].insert(key, entry)
		if right == nil {
			return "", nil, nil
		}
		n.insertAt(idx, midKey, midValue)
		n.children = append(n.children, nil)
		copy(n.children[idx+2:], n.children[idx+1:])
		n.children[idx+1] = right
	}

	if len(n.keys) >= btreeMaxKeys {
		return n.split()
	}
	return "", nil, nil
}

// insertAt slots a key and its entry list at position idx.
func (n *btreeNode) insertAt(idx int, key string, value []*Entry) {
	n.keys = append(n.keys, "")
	copy(n.keys[idx+1:], n.keys[idx:])
	n.keys[idx] = key

	n.values = append(n.values, nil)
	copy(n.values[idx+1:], n.values[idx:])
	n.values[idx] = value
}

// split divides an overfull node at its median. The left half stays in
// n, the right half moves to a new sibling, and the median moves up.
func (n *btreeNode) split() (string, []*Entry, *btreeNode) {
	mid := len(n.keys) / 2
	midKey := n.keys[mid]
	midValue := n.values[mid]

	right := &btreeNode{
		keys:   append([]string(nil), n.keys[mid+1:]...),
		values: append([][]*Entry(nil), n.values[mid+1:]...),
		leaf:   n.leaf,
	}
	if !n.leaf {
		right.children = append([]*btreeNode(nil), n.children[mid+1:]...)
		n.children = n.children[:mid+1]
	}
	n.keys = n.keys[:mid]
	n.values = n.values[:mid]

	return midKey, midValue, right
}
