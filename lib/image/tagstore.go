// Copyright 2026 The Stowage Authors
// SPDX-License-Identifier: Apache-2.0

package image

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/zeebo/blake3"
)

// tagPathKey is the BLAKE3 domain key for hashing "name:tag" pairs to
// filesystem-safe paths. Repository names contain slashes, so tag
// files cannot use the name directly.
var tagPathKey = [32]byte{
	's', 't', 'o', 'w', 'a', 'g', 'e', '.', 't', 'a', 'g', '.', 'p', 'a', 't', 'h',
	0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
}

// TagRecord is the on-disk and in-memory representation of one
// (name, tag) → manifest digest pointer. Each record is a JSON file:
//
//	{"name": ..., "tag": ..., "digest": "sha256:...", "created": ...}
type TagRecord struct {
	Name    string        `json:"name"`
	Tag     string        `json:"tag"`
	Digest  digest.Digest `json:"digest"`
	Created float64       `json:"created"`
}

// Key returns the flat map key for a record.
func (r TagRecord) Key() string {
	return r.Name + ":" + r.Tag
}

// TagStore manages the mutable (name, tag) → manifest digest pointers
// with an in-memory index backed by one JSON file per tag. Tags are
// the only mutable entity in the registry: Set overwrites in place.
//
// On-disk layout:
//
//	<root>/<hash[:2]>/<hash[2:4]>/<hash>.json
//
// where hash is the keyed BLAKE3 hash of "name:tag". Each file holds
// the original name and tag, so the in-memory map is rebuilt with a
// directory scan at startup.
type TagStore struct {
	root string

	mu      sync.RWMutex
	records map[string]TagRecord // "name:tag" → record
}

// NewTagStore creates a tag store rooted at the given directory and
// loads any tag files from a previous run.
func NewTagStore(root string) (*TagStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("creating tag store directory %s: %w", root, err)
	}
	store := &TagStore{
		root:    root,
		records: make(map[string]TagRecord),
	}
	if err := store.scanAll(); err != nil {
		return nil, fmt.Errorf("loading tag store: %w", err)
	}
	return store, nil
}

// Set creates or overwrites the pointer for (name, tag). The write is
// atomic on disk; the in-memory map is updated only after the file is
// in place.
func (ts *TagStore) Set(name, tag string, d digest.Digest, now time.Time) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	if err := ValidateTag(tag); err != nil {
		return err
	}
	if err := d.Validate(); err != nil {
		return fmt.Errorf("invalid manifest digest %q: %w", d, err)
	}

	record := TagRecord{
		Name:    name,
		Tag:     tag,
		Digest:  d,
		Created: UnixSeconds(now),
	}

	ts.mu.Lock()
	defer ts.mu.Unlock()

	if err := ts.writeFile(record); err != nil {
		return err
	}
	ts.records[record.Key()] = record
	return nil
}

// Get returns the record for (name, tag).
func (ts *TagStore) Get(name, tag string) (TagRecord, bool) {
	ts.mu.RLock()
	defer ts.mu.RUnlock()

	record, exists := ts.records[name+":"+tag]
	return record, exists
}

// Delete removes the pointer for (name, tag). Returns ErrTagNotFound
// when the pointer does not exist. Blob bytes are untouched:
// reclamation belongs to garbage collection.
func (ts *TagStore) Delete(name, tag string) error {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	key := name + ":" + tag
	if _, exists := ts.records[key]; !exists {
		return fmt.Errorf("%s:%s: %w", name, tag, ErrTagNotFound)
	}

	path := ts.tagPath(name, tag)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing tag file for %s:%s: %w", name, tag, err)
	}
	delete(ts.records, key)
	return nil
}

// List returns a snapshot of every record, sorted by name then tag.
// Garbage collection marks from this snapshot.
func (ts *TagStore) List() []TagRecord {
	ts.mu.RLock()
	defer ts.mu.RUnlock()

	records := make([]TagRecord, 0, len(ts.records))
	for _, record := range ts.records {
		records = append(records, record)
	}
	sort.Slice(records, func(i, j int) bool {
		if records[i].Name != records[j].Name {
			return records[i].Name < records[j].Name
		}
		return records[i].Tag < records[j].Tag
	})
	return records
}

// Tags returns the sorted tags of one repository.
func (ts *TagStore) Tags(name string) []string {
	ts.mu.RLock()
	defer ts.mu.RUnlock()

	var tags []string
	for _, record := range ts.records {
		if record.Name == name {
			tags = append(tags, record.Tag)
		}
	}
	sort.Strings(tags)
	return tags
}

// Repositories returns the sorted distinct repository names.
func (ts *TagStore) Repositories() []string {
	ts.mu.RLock()
	defer ts.mu.RUnlock()

	seen := make(map[string]struct{})
	for _, record := range ts.records {
		seen[record.Name] = struct{}{}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of tags.
func (ts *TagStore) Len() int {
	ts.mu.RLock()
	defer ts.mu.RUnlock()

	return len(ts.records)
}

// scanAll walks the tag directory and loads every tag file into the
// in-memory map. Called once at startup.
func (ts *TagStore) scanAll() error {
	return filepath.WalkDir(ts.root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			return nil
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading tag file %s: %w", path, err)
		}

		var record TagRecord
		if err := json.Unmarshal(data, &record); err != nil {
			return fmt.Errorf("decoding tag file %s: %w", path, err)
		}
		if record.Name == "" || record.Tag == "" {
			// Skip incomplete tag files.
			return nil
		}

		ts.records[record.Key()] = record
		return nil
	})
}

// writeFile atomically writes a tag record. Callers hold ts.mu.
func (ts *TagStore) writeFile(record TagRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encoding tag %s:%s: %w", record.Name, record.Tag, err)
	}

	finalPath := ts.tagPath(record.Name, record.Tag)
	if err := os.MkdirAll(filepath.Dir(finalPath), 0o755); err != nil {
		return fmt.Errorf("creating tag shard directory: %w", err)
	}

	tmpFile, err := os.CreateTemp(ts.root, "tag-*.json")
	if err != nil {
		return fmt.Errorf("creating temp tag file: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		return fmt.Errorf("writing tag data: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("closing temp tag file: %w", err)
	}

	if err := os.Rename(tmpPath, finalPath); err != nil {
		return fmt.Errorf("renaming tag file to %s: %w", finalPath, err)
	}

	success = true
	return nil
}

// tagPath returns the sharded filesystem path for a (name, tag) pair.
func (ts *TagStore) tagPath(name, tag string) string {
	hasher, err := blake3.NewKeyed(tagPathKey[:])
	if err != nil {
		panic("image: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	hasher.Write([]byte(name + ":" + tag))
	hexString := hex.EncodeToString(hasher.Sum(nil))
	return filepath.Join(ts.root, hexString[:2], hexString[2:4], hexString+".json")
}
