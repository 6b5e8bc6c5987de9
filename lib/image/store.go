// Copyright 2026 The Stowage Authors
// SPDX-License-Identifier: Apache-2.0

package image

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/stowage-foundation/stowage/lib/blob"
	"github.com/stowage-foundation/stowage/lib/clock"
	"github.com/stowage-foundation/stowage/lib/index"
)

// Options configures an image Store.
type Options struct {
	// Root is the storage directory. The store lays out blobs/, tmp/,
	// and tags/ beneath it.
	Root string

	// Sealer encrypts blob bytes at rest. Nil stores plaintext.
	Sealer *blob.Sealer

	// Index, when set, is kept in sync on every push, tag, and
	// delete. The store never reads from it: search is the only
	// consumer.
	Index *index.Index

	Clock  clock.Clock
	Logger *slog.Logger
}

// Store manages images: content-addressed blobs plus the mutable
// (name, tag) pointers over them. Pushes of different images proceed
// concurrently; pushes and deletes of the same (name, tag) serialize
// on a per-image lock.
//
// GarbageCollect must not overlap Push or Restore. The store does not
// enforce that itself: the registry holds its maintenance lock
// exclusively around GC and shared around mutations.
type Store struct {
	blobs  *blob.Store
	tags   *TagStore
	index  *index.Index
	clock  clock.Clock
	logger *slog.Logger
	locks  keyedLocks
}

// NewStore opens the image store rooted at opts.Root, creating the
// directory layout on first use.
func NewStore(opts Options) (*Store, error) {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	blobs, err := blob.NewStore(opts.Root, opts.Sealer)
	if err != nil {
		return nil, err
	}
	tags, err := NewTagStore(filepath.Join(opts.Root, "tags"))
	if err != nil {
		return nil, err
	}

	return &Store{
		blobs:  blobs,
		tags:   tags,
		index:  opts.Index,
		clock:  opts.Clock,
		logger: opts.Logger,
		locks:  keyedLocks{locks: make(map[string]*sync.Mutex)},
	}, nil
}

// PushRequest carries one image push.
type PushRequest struct {
	Name string
	Tag  string

	// Layers are the filesystem layers in stacking order. Order is
	// preserved exactly: it is part of the image's identity.
	Layers [][]byte

	Config      Config
	Annotations map[string]string
}

// Push stores an image and points (name, tag) at it. The sequence is
// config blob, layer blobs in order, manifest blob, then the tag
// pointer last. A failure at any step leaves the pointer untouched;
// any blobs already written are orphans that the next garbage
// collection reclaims.
func (s *Store) Push(req PushRequest) (digest.Digest, error) {
	if err := ValidateName(req.Name); err != nil {
		return "", err
	}
	if err := ValidateTag(req.Tag); err != nil {
		return "", err
	}
	if len(req.Layers) == 0 {
		return "", fmt.Errorf("pushing %s:%s: image has no layers", req.Name, req.Tag)
	}

	defer s.locks.acquire(req.Name + ":" + req.Tag)()

	now := s.clock.Now()
	config := req.Config
	if config.Created == 0 {
		config.Created = UnixSeconds(now)
	}

	configBytes, err := MarshalCanonical(config)
	if err != nil {
		return "", fmt.Errorf("encoding config for %s:%s: %w", req.Name, req.Tag, err)
	}
	configDigest, err := s.blobs.Write(configBytes)
	if err != nil {
		return "", fmt.Errorf("storing config for %s:%s: %w", req.Name, req.Tag, err)
	}
	configDesc := ocispec.Descriptor{
		MediaType: ocispec.MediaTypeImageConfig,
		Digest:    configDigest,
		Size:      int64(len(configBytes)),
	}

	var totalSize int64
	layerDescs := make([]ocispec.Descriptor, 0, len(req.Layers))
	for i, layer := range req.Layers {
		layerDigest, err := s.blobs.Write(layer)
		if err != nil {
			return "", fmt.Errorf("storing layer %d for %s:%s: %w", i, req.Name, req.Tag, err)
		}
		layerDescs = append(layerDescs, ocispec.Descriptor{
			MediaType: ocispec.MediaTypeImageLayer,
			Digest:    layerDigest,
			Size:      int64(len(layer)),
		})
		totalSize += int64(len(layer))
	}

	manifest := NewManifest(configDesc, layerDescs, req.Annotations, now)
	manifestBytes, err := MarshalCanonical(manifest)
	if err != nil {
		return "", fmt.Errorf("encoding manifest for %s:%s: %w", req.Name, req.Tag, err)
	}
	manifestDigest, err := s.blobs.Write(manifestBytes)
	if err != nil {
		return "", fmt.Errorf("storing manifest for %s:%s: %w", req.Name, req.Tag, err)
	}

	if err := s.tags.Set(req.Name, req.Tag, manifestDigest, now); err != nil {
		return "", fmt.Errorf("pointing %s:%s at %s: %w", req.Name, req.Tag, manifestDigest, err)
	}

	if s.index != nil {
		s.index.Upsert(index.Entry{
			Name:     req.Name,
			Tag:      req.Tag,
			Digest:   manifestDigest,
			Created:  UnixSeconds(now),
			Size:     totalSize,
			Labels:   config.Config.Labels,
			Metadata: configMetadata(&config),
		})
	}

	s.logger.Info("image pushed",
		"name", req.Name,
		"tag", req.Tag,
		"digest", manifestDigest,
		"layers", len(req.Layers),
		"size", totalSize)
	return manifestDigest, nil
}

// Pull materializes the complete image for (name, tag). If the
// manifest, config, or any layer blob is missing, the whole pull
// fails with ErrCorrupt: a partial image is never returned.
func (s *Store) Pull(name, tag string) (*Image, error) {
	record, exists := s.tags.Get(name, tag)
	if !exists {
		return nil, fmt.Errorf("%s:%s: %w", name, tag, ErrTagNotFound)
	}

	manifest, err := s.loadManifest(record.Digest)
	if err != nil {
		return nil, fmt.Errorf("pulling %s:%s: %w", name, tag, err)
	}
	config, err := s.loadConfig(manifest.Config.Digest)
	if err != nil {
		return nil, fmt.Errorf("pulling %s:%s: %w", name, tag, err)
	}

	layers := make([][]byte, 0, len(manifest.Layers))
	for i, desc := range manifest.Layers {
		layer, err := s.blobs.Read(desc.Digest)
		if err != nil {
			if errors.Is(err, blob.ErrBlobNotFound) {
				return nil, fmt.Errorf("pulling %s:%s: layer %d: %w: %w", name, tag, i, ErrCorrupt, err)
			}
			return nil, fmt.Errorf("pulling %s:%s: layer %d: %w", name, tag, i, err)
		}
		layers = append(layers, layer)
	}

	s.logger.Info("image pulled", "name", name, "tag", tag, "digest", record.Digest)
	return &Image{
		Name:           name,
		Tag:            tag,
		ManifestDigest: record.Digest,
		Manifest:       manifest,
		Config:         config,
		Layers:         layers,
	}, nil
}

// Tag points (dstName, dstTag) at the manifest that (srcName, srcTag)
// references. No blob is copied: both tags share the same manifest,
// config, and layers.
func (s *Store) Tag(srcName, srcTag, dstName, dstTag string) error {
	if err := ValidateName(dstName); err != nil {
		return err
	}
	if err := ValidateTag(dstTag); err != nil {
		return err
	}

	src, exists := s.tags.Get(srcName, srcTag)
	if !exists {
		return fmt.Errorf("%s:%s: %w", srcName, srcTag, ErrTagNotFound)
	}

	defer s.locks.acquire(dstName + ":" + dstTag)()

	now := s.clock.Now()
	if err := s.tags.Set(dstName, dstTag, src.Digest, now); err != nil {
		return fmt.Errorf("tagging %s:%s as %s:%s: %w", srcName, srcTag, dstName, dstTag, err)
	}
	s.refreshIndexEntry(dstName, dstTag)

	s.logger.Info("image tagged",
		"source", srcName+":"+srcTag,
		"target", dstName+":"+dstTag,
		"digest", src.Digest)
	return nil
}

// DeleteTag removes the (name, tag) pointer and its index entry. Blobs
// stay on disk until garbage collection proves them unreachable: the
// manifest may be shared with other tags.
func (s *Store) DeleteTag(name, tag string) error {
	defer s.locks.acquire(name + ":" + tag)()

	if err := s.tags.Delete(name, tag); err != nil {
		return err
	}
	if s.index != nil {
		s.index.Remove(name, tag)
	}

	s.logger.Info("tag deleted", "name", name, "tag", tag)
	return nil
}

// Inspect assembles the metadata view of (name, tag) without loading
// layer bytes.
func (s *Store) Inspect(name, tag string) (*Summary, error) {
	record, exists := s.tags.Get(name, tag)
	if !exists {
		return nil, fmt.Errorf("%s:%s: %w", name, tag, ErrTagNotFound)
	}

	manifest, err := s.loadManifest(record.Digest)
	if err != nil {
		return nil, fmt.Errorf("inspecting %s:%s: %w", name, tag, err)
	}
	config, err := s.loadConfig(manifest.Config.Digest)
	if err != nil {
		return nil, fmt.Errorf("inspecting %s:%s: %w", name, tag, err)
	}

	var totalSize int64
	layerDigests := make([]digest.Digest, 0, len(manifest.Layers))
	for _, desc := range manifest.Layers {
		layerDigests = append(layerDigests, desc.Digest)
		totalSize += desc.Size
	}

	return &Summary{
		Name:           name,
		Tag:            tag,
		ManifestDigest: record.Digest,
		ConfigDigest:   manifest.Config.Digest,
		LayerDigests:   layerDigests,
		Size:           totalSize,
		Labels:         config.Config.Labels,
		Architecture:   config.Architecture,
		OS:             config.OS,
		Entrypoint:     config.Config.Entrypoint,
		Cmd:            config.Config.Cmd,
		Annotations:    manifest.Annotations,
		Created:        record.Created,
	}, nil
}

// Tags returns the tag records of one repository, sorted by tag.
func (s *Store) Tags(name string) []TagRecord {
	var records []TagRecord
	for _, record := range s.tags.List() {
		if record.Name == name {
			records = append(records, record)
		}
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Tag < records[j].Tag })
	return records
}

// Repositories returns the sorted distinct repository names.
func (s *Store) Repositories() []string {
	return s.tags.Repositories()
}

// TagCount returns the number of (name, tag) pointers.
func (s *Store) TagCount() int {
	return s.tags.Len()
}

// BlobStats returns the blob count and total on-disk bytes.
func (s *Store) BlobStats() (int, int64, error) {
	return s.blobs.Stats()
}

// Encrypted reports whether blobs are sealed at rest.
func (s *Store) Encrypted() bool {
	return s.blobs.Encrypted()
}

// ReadBlob returns the raw bytes of one blob. Used by exports, which
// archive the exact stored bytes.
func (s *Store) ReadBlob(d digest.Digest) ([]byte, error) {
	return s.blobs.Read(d)
}

// WriteBlob stores raw blob bytes under their digest. Used by imports
// and pull-through, which must preserve byte identity.
func (s *Store) WriteBlob(data []byte) (digest.Digest, error) {
	return s.blobs.Write(data)
}

// Restore points (name, tag) at an already-stored manifest, keeping
// the original creation time. Imports call this after writing the
// archived blobs, so the restored image keeps its original digests.
func (s *Store) Restore(name, tag string, manifestDigest digest.Digest, created time.Time) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	if err := ValidateTag(tag); err != nil {
		return err
	}

	defer s.locks.acquire(name + ":" + tag)()

	// The manifest must be present and whole before the pointer lands.
	if _, err := s.loadManifest(manifestDigest); err != nil {
		return fmt.Errorf("restoring %s:%s: %w", name, tag, err)
	}

	if err := s.tags.Set(name, tag, manifestDigest, created); err != nil {
		return fmt.Errorf("restoring %s:%s: %w", name, tag, err)
	}
	s.refreshIndexEntry(name, tag)

	s.logger.Info("image restored", "name", name, "tag", tag, "digest", manifestDigest)
	return nil
}

// RebuildIndex recomputes every index entry from the authoritative
// tag pointers and swaps the result in wholesale. Tags whose manifest
// or config cannot be loaded are logged and left out; they reappear
// once the underlying blobs are repaired or repushed.
//
// Returns the number of entries indexed. A store without an index
// rebuilds nothing and returns 0.
func (s *Store) RebuildIndex() int {
	if s.index == nil {
		return 0
	}

	records := s.tags.List()
	entries := make([]index.Entry, 0, len(records))
	for _, record := range records {
		entry, err := s.indexEntry(record)
		if err != nil {
			s.logger.Warn("skipping unindexable tag",
				"name", record.Name, "tag", record.Tag, "error", err)
			continue
		}
		entries = append(entries, entry)
	}

	s.index.ReplaceAll(entries)
	s.logger.Info("index rebuilt", "entries", len(entries), "tags", len(records))
	return len(entries)
}

// refreshIndexEntry recomputes the index entry for one tag. Failures
// are logged, not returned: the index is an acceleration structure
// and the next rebuild repairs it.
func (s *Store) refreshIndexEntry(name, tag string) {
	if s.index == nil {
		return
	}
	record, exists := s.tags.Get(name, tag)
	if !exists {
		return
	}
	entry, err := s.indexEntry(record)
	if err != nil {
		s.logger.Warn("index entry not refreshed", "name", name, "tag", tag, "error", err)
		return
	}
	s.index.Upsert(entry)
}

// indexEntry derives the search entry for a tag record from its
// manifest and config.
func (s *Store) indexEntry(record TagRecord) (index.Entry, error) {
	manifest, err := s.loadManifest(record.Digest)
	if err != nil {
		return index.Entry{}, err
	}
	config, err := s.loadConfig(manifest.Config.Digest)
	if err != nil {
		return index.Entry{}, err
	}

	var totalSize int64
	for _, desc := range manifest.Layers {
		totalSize += desc.Size
	}

	return index.Entry{
		Name:     record.Name,
		Tag:      record.Tag,
		Digest:   record.Digest,
		Created:  record.Created,
		Size:     totalSize,
		Labels:   config.Config.Labels,
		Metadata: configMetadata(config),
	}, nil
}

// loadManifest reads and strictly decodes a manifest blob.
func (s *Store) loadManifest(d digest.Digest) (*Manifest, error) {
	data, err := s.blobs.Read(d)
	if err != nil {
		if errors.Is(err, blob.ErrBlobNotFound) {
			return nil, fmt.Errorf("manifest %s: %w: %w", d, ErrCorrupt, err)
		}
		return nil, fmt.Errorf("manifest %s: %w", d, err)
	}
	var manifest Manifest
	if err := decodeStrict(data, &manifest); err != nil {
		return nil, fmt.Errorf("manifest %s: %w: %w", d, ErrCorrupt, err)
	}
	if err := manifest.Validate(); err != nil {
		return nil, fmt.Errorf("manifest %s: %w: %w", d, ErrCorrupt, err)
	}
	return &manifest, nil
}

// loadConfig reads and strictly decodes a config blob.
func (s *Store) loadConfig(d digest.Digest) (*Config, error) {
	data, err := s.blobs.Read(d)
	if err != nil {
		if errors.Is(err, blob.ErrBlobNotFound) {
			return nil, fmt.Errorf("config %s: %w: %w", d, ErrCorrupt, err)
		}
		return nil, fmt.Errorf("config %s: %w", d, err)
	}
	var config Config
	if err := decodeStrict(data, &config); err != nil {
		return nil, fmt.Errorf("config %s: %w: %w", d, ErrCorrupt, err)
	}
	return &config, nil
}

// configMetadata extracts the free-form metadata the index keeps
// alongside labels.
func configMetadata(config *Config) map[string]string {
	metadata := make(map[string]string, 2)
	if config.Architecture != "" {
		metadata["architecture"] = config.Architecture
	}
	if config.OS != "" {
		metadata["os"] = config.OS
	}
	if len(metadata) == 0 {
		return nil
	}
	return metadata
}

// keyedLocks serializes operations per "name:tag" key. The per-key
// mutexes are never removed: the key space is bounded by the tag
// count.
type keyedLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// acquire locks the key and returns the unlock function.
func (kl *keyedLocks) acquire(key string) func() {
	kl.mu.Lock()
	lock, exists := kl.locks[key]
	if !exists {
		lock = &sync.Mutex{}
		kl.locks[key] = lock
	}
	kl.mu.Unlock()

	lock.Lock()
	return lock.Unlock
}
