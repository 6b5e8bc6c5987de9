// Copyright 2026 The Stowage Authors
// SPDX-License-Identifier: Apache-2.0

package image

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stowage-foundation/stowage/lib/blob"
	"github.com/stowage-foundation/stowage/lib/clock"
	"github.com/stowage-foundation/stowage/lib/index"
)

var storeEpoch = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

type storeFixture struct {
	store *Store
	index *index.Index
	clock *clock.FakeClock
}

func newStoreFixture(t *testing.T) *storeFixture {
	t.Helper()

	ix, err := index.New(index.Options{})
	if err != nil {
		t.Fatalf("index.New() error: %v", err)
	}
	fakeClock := clock.Fake(storeEpoch)
	store, err := NewStore(Options{
		Root:   t.TempDir(),
		Index:  ix,
		Clock:  fakeClock,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("NewStore() error: %v", err)
	}
	return &storeFixture{store: store, index: ix, clock: fakeClock}
}

// testPush pushes a two-layer image (1 KiB + 2 KiB) labeled
// team=x, the canonical fixture image.
func (f *storeFixture) testPush(t *testing.T, name, tag string) PushRequest {
	t.Helper()
	req := PushRequest{
		Name:   name,
		Tag:    tag,
		Layers: [][]byte{bytes.Repeat([]byte{0xa1}, 1024), bytes.Repeat([]byte{0xb2}, 2048)},
		Config: Config{
			Architecture: "amd64",
			OS:           "linux",
			Config: RuntimeConfig{
				Entrypoint: []string{"/bin/app"},
				Env:        []string{"PATH=/usr/bin"},
				Labels:     map[string]string{"team": "x"},
			},
		},
	}
	if _, err := f.store.Push(req); err != nil {
		t.Fatalf("Push(%s:%s) error: %v", name, tag, err)
	}
	return req
}

func TestPushAndPull(t *testing.T) {
	f := newStoreFixture(t)
	req := f.testPush(t, "app", "v1")

	image, err := f.store.Pull("app", "v1")
	if err != nil {
		t.Fatalf("Pull() error: %v", err)
	}

	if len(image.Layers) != 2 {
		t.Fatalf("pulled %d layers, want 2", len(image.Layers))
	}
	for i := range req.Layers {
		if !bytes.Equal(image.Layers[i], req.Layers[i]) {
			t.Fatalf("layer %d bytes differ after round trip", i)
		}
	}
	if image.Config.Architecture != "amd64" {
		t.Fatalf("config architecture = %q, want amd64", image.Config.Architecture)
	}
	if image.Config.Config.Labels["team"] != "x" {
		t.Fatalf("config labels = %v, want team=x", image.Config.Config.Labels)
	}
	if image.Manifest.Layers[0].Size != 1024 || image.Manifest.Layers[1].Size != 2048 {
		t.Fatal("manifest layer sizes or order wrong")
	}
}

func TestPushReturnsManifestDigest(t *testing.T) {
	f := newStoreFixture(t)
	req := PushRequest{
		Name:   "app",
		Tag:    "v1",
		Layers: [][]byte{[]byte("layer")},
		Config: Config{Architecture: "amd64", OS: "linux"},
	}
	d, err := f.store.Push(req)
	if err != nil {
		t.Fatalf("Push() error: %v", err)
	}

	image, err := f.store.Pull("app", "v1")
	if err != nil {
		t.Fatalf("Pull() error: %v", err)
	}
	if image.ManifestDigest != d {
		t.Fatalf("pulled manifest digest = %s, want %s", image.ManifestDigest, d)
	}

	// The stored manifest bytes must hash back to the digest.
	raw, err := f.store.ReadBlob(d)
	if err != nil {
		t.Fatalf("ReadBlob(manifest) error: %v", err)
	}
	rehashed, err := f.store.WriteBlob(raw)
	if err != nil {
		t.Fatalf("WriteBlob(manifest) error: %v", err)
	}
	if rehashed != d {
		t.Fatalf("manifest rehash = %s, want %s", rehashed, d)
	}
}

func TestPushIdenticalContentIsStable(t *testing.T) {
	f := newStoreFixture(t)
	req := PushRequest{
		Name:   "app",
		Tag:    "v1",
		Layers: [][]byte{[]byte("layer")},
		Config: Config{Architecture: "amd64", OS: "linux", Created: UnixSeconds(storeEpoch)},
	}

	first, err := f.store.Push(req)
	if err != nil {
		t.Fatalf("first Push() error: %v", err)
	}
	second, err := f.store.Push(req)
	if err != nil {
		t.Fatalf("second Push() error: %v", err)
	}
	if first != second {
		t.Fatalf("identical pushes at the same instant produced %s then %s", first, second)
	}

	count, _, err := f.store.BlobStats()
	if err != nil {
		t.Fatalf("BlobStats() error: %v", err)
	}
	if count != 3 {
		t.Fatalf("blob count after duplicate push = %d, want 3", count)
	}
}

func TestRepushOverwritesTag(t *testing.T) {
	f := newStoreFixture(t)
	f.testPush(t, "app", "v1")

	f.clock.Advance(time.Minute)
	newLayer := []byte("replacement layer")
	newDigest, err := f.store.Push(PushRequest{
		Name:   "app",
		Tag:    "v1",
		Layers: [][]byte{newLayer},
		Config: Config{Architecture: "arm64", OS: "linux"},
	})
	if err != nil {
		t.Fatalf("repush error: %v", err)
	}

	image, err := f.store.Pull("app", "v1")
	if err != nil {
		t.Fatalf("Pull() after repush error: %v", err)
	}
	if image.ManifestDigest != newDigest {
		t.Fatalf("Pull() returned digest %s, want replacement %s", image.ManifestDigest, newDigest)
	}
	if !bytes.Equal(image.Layers[0], newLayer) {
		t.Fatal("Pull() after repush returned the old layer bytes")
	}
	if image.Config.Architecture != "arm64" {
		t.Fatalf("Pull() after repush returned architecture %q, want arm64", image.Config.Architecture)
	}

	// The old manifest blob lingers until GC.
	count, _, err := f.store.BlobStats()
	if err != nil {
		t.Fatalf("BlobStats() error: %v", err)
	}
	if count != 7 {
		t.Fatalf("blob count after repush = %d, want 7 (old 4 + new 3)", count)
	}
}

func TestPushRejectsInvalidRequests(t *testing.T) {
	f := newStoreFixture(t)

	if _, err := f.store.Push(PushRequest{Name: "UPPER", Tag: "v1", Layers: [][]byte{{1}}}); err == nil {
		t.Fatal("Push accepted an invalid name")
	}
	if _, err := f.store.Push(PushRequest{Name: "app", Tag: "bad tag", Layers: [][]byte{{1}}}); err == nil {
		t.Fatal("Push accepted an invalid tag")
	}
	if _, err := f.store.Push(PushRequest{Name: "app", Tag: "v1"}); err == nil {
		t.Fatal("Push accepted an image with no layers")
	}
}

func TestPushUpdatesIndex(t *testing.T) {
	f := newStoreFixture(t)
	f.testPush(t, "app", "v1")

	results := f.index.Search("team:x", 0)
	if len(results) != 1 {
		t.Fatalf("Search(team:x) returned %d results, want 1", len(results))
	}
	if results[0].Size != 3072 {
		t.Fatalf("indexed size = %d, want 3072", results[0].Size)
	}
	if results[0].Metadata["architecture"] != "amd64" {
		t.Fatalf("indexed metadata = %v, want architecture=amd64", results[0].Metadata)
	}
}

func TestPullNotFound(t *testing.T) {
	f := newStoreFixture(t)

	_, err := f.store.Pull("ghost", "v1")
	if !errors.Is(err, ErrTagNotFound) {
		t.Fatalf("Pull(ghost:v1) error = %v, want ErrTagNotFound", err)
	}
}

func TestPullFailsWholeWhenLayerMissing(t *testing.T) {
	f := newStoreFixture(t)
	f.testPush(t, "app", "v1")

	image, err := f.store.Pull("app", "v1")
	if err != nil {
		t.Fatalf("Pull() error: %v", err)
	}
	if err := f.store.blobs.Delete(image.Manifest.Layers[1].Digest); err != nil {
		t.Fatalf("deleting layer blob: %v", err)
	}

	if _, err := f.store.Pull("app", "v1"); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("Pull() with missing layer error = %v, want ErrCorrupt", err)
	}
}

func TestPullReportsCorruptWhenManifestMissing(t *testing.T) {
	f := newStoreFixture(t)
	f.testPush(t, "app", "v1")

	image, err := f.store.Pull("app", "v1")
	if err != nil {
		t.Fatalf("Pull() error: %v", err)
	}
	if err := f.store.blobs.Delete(image.ManifestDigest); err != nil {
		t.Fatalf("deleting manifest blob: %v", err)
	}

	if _, err := f.store.Pull("app", "v1"); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("Pull() with missing manifest error = %v, want ErrCorrupt", err)
	}
}

func TestPullReportsCorruptWhenConfigMissing(t *testing.T) {
	f := newStoreFixture(t)
	f.testPush(t, "app", "v1")

	image, err := f.store.Pull("app", "v1")
	if err != nil {
		t.Fatalf("Pull() error: %v", err)
	}
	if err := f.store.blobs.Delete(image.Manifest.Config.Digest); err != nil {
		t.Fatalf("deleting config blob: %v", err)
	}

	if _, err := f.store.Pull("app", "v1"); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("Pull() with missing config error = %v, want ErrCorrupt", err)
	}
}

func TestTagCreatesAlias(t *testing.T) {
	f := newStoreFixture(t)
	f.testPush(t, "app", "v1")

	if err := f.store.Tag("app", "v1", "app", "stable"); err != nil {
		t.Fatalf("Tag() error: %v", err)
	}

	original, err := f.store.Pull("app", "v1")
	if err != nil {
		t.Fatalf("Pull(v1) error: %v", err)
	}
	alias, err := f.store.Pull("app", "stable")
	if err != nil {
		t.Fatalf("Pull(stable) error: %v", err)
	}
	if alias.ManifestDigest != original.ManifestDigest {
		t.Fatalf("alias digest = %s, want %s", alias.ManifestDigest, original.ManifestDigest)
	}

	if results := f.index.Search("app:stable", 0); len(results) != 1 {
		t.Fatalf("Search(app:stable) returned %d results, want 1", len(results))
	}
}

func TestTagSourceMissing(t *testing.T) {
	f := newStoreFixture(t)

	err := f.store.Tag("ghost", "v1", "app", "stable")
	if !errors.Is(err, ErrTagNotFound) {
		t.Fatalf("Tag() error = %v, want ErrTagNotFound", err)
	}
}

func TestDeleteTagRemovesPointerAndIndexEntry(t *testing.T) {
	f := newStoreFixture(t)
	f.testPush(t, "app", "v1")

	countBefore, _, err := f.store.BlobStats()
	if err != nil {
		t.Fatalf("BlobStats() error: %v", err)
	}

	if err := f.store.DeleteTag("app", "v1"); err != nil {
		t.Fatalf("DeleteTag() error: %v", err)
	}

	if _, err := f.store.Pull("app", "v1"); !errors.Is(err, ErrTagNotFound) {
		t.Fatalf("Pull() after delete error = %v, want ErrTagNotFound", err)
	}
	if results := f.index.Search("app", 0); len(results) != 0 {
		t.Fatalf("Search(app) after delete returned %d results, want 0", len(results))
	}

	// Blobs survive the tag: reclamation is garbage collection's job.
	countAfter, _, err := f.store.BlobStats()
	if err != nil {
		t.Fatalf("BlobStats() error: %v", err)
	}
	if countAfter != countBefore {
		t.Fatalf("blob count changed from %d to %d on tag delete", countBefore, countAfter)
	}

	if err := f.store.DeleteTag("app", "v1"); !errors.Is(err, ErrTagNotFound) {
		t.Fatalf("second DeleteTag() error = %v, want ErrTagNotFound", err)
	}
}

func TestInspect(t *testing.T) {
	f := newStoreFixture(t)
	f.testPush(t, "app", "v1")

	summary, err := f.store.Inspect("app", "v1")
	if err != nil {
		t.Fatalf("Inspect() error: %v", err)
	}
	if summary.Size != 3072 {
		t.Fatalf("summary size = %d, want 3072", summary.Size)
	}
	if len(summary.LayerDigests) != 2 {
		t.Fatalf("summary layer digests = %d, want 2", len(summary.LayerDigests))
	}
	if summary.Labels["team"] != "x" {
		t.Fatalf("summary labels = %v, want team=x", summary.Labels)
	}
	if summary.Architecture != "amd64" || summary.OS != "linux" {
		t.Fatalf("summary platform = %s/%s, want amd64/linux", summary.Architecture, summary.OS)
	}
	if summary.Created != UnixSeconds(storeEpoch) {
		t.Fatalf("summary created = %v, want %v", summary.Created, UnixSeconds(storeEpoch))
	}
}

func TestTagsAndRepositories(t *testing.T) {
	f := newStoreFixture(t)
	f.testPush(t, "app", "v1")
	f.clock.Advance(time.Minute)
	f.testPush(t, "app", "v2")
	f.testPush(t, "tool", "v1")

	records := f.store.Tags("app")
	if len(records) != 2 || records[0].Tag != "v1" || records[1].Tag != "v2" {
		t.Fatalf("Tags(app) = %v, want [v1 v2]", records)
	}
	repos := f.store.Repositories()
	if len(repos) != 2 || repos[0] != "app" || repos[1] != "tool" {
		t.Fatalf("Repositories() = %v, want [app tool]", repos)
	}
	if got := f.store.TagCount(); got != 3 {
		t.Fatalf("TagCount() = %d, want 3", got)
	}
}

func TestRestorePreservesDigestAndCreated(t *testing.T) {
	f := newStoreFixture(t)
	f.testPush(t, "app", "v1")

	image, err := f.store.Pull("app", "v1")
	if err != nil {
		t.Fatalf("Pull() error: %v", err)
	}
	if err := f.store.DeleteTag("app", "v1"); err != nil {
		t.Fatalf("DeleteTag() error: %v", err)
	}

	created := storeEpoch.Add(-24 * time.Hour)
	if err := f.store.Restore("app", "v1", image.ManifestDigest, created); err != nil {
		t.Fatalf("Restore() error: %v", err)
	}

	summary, err := f.store.Inspect("app", "v1")
	if err != nil {
		t.Fatalf("Inspect() after restore error: %v", err)
	}
	if summary.ManifestDigest != image.ManifestDigest {
		t.Fatalf("restored digest = %s, want %s", summary.ManifestDigest, image.ManifestDigest)
	}
	if summary.Created != UnixSeconds(created) {
		t.Fatalf("restored created = %v, want %v", summary.Created, UnixSeconds(created))
	}
	if results := f.index.Search("app:v1", 0); len(results) != 1 {
		t.Fatalf("Search(app:v1) after restore returned %d results, want 1", len(results))
	}
}

func TestRestoreRequiresStoredManifest(t *testing.T) {
	f := newStoreFixture(t)

	err := f.store.Restore("app", "v1", "sha256:0000000000000000000000000000000000000000000000000000000000000000", storeEpoch)
	if !errors.Is(err, blob.ErrBlobNotFound) {
		t.Fatalf("Restore() error = %v, want ErrBlobNotFound", err)
	}
}

func TestRebuildIndexFromTags(t *testing.T) {
	f := newStoreFixture(t)
	f.testPush(t, "app", "v1")
	f.testPush(t, "tool", "v1")

	// Wreck the index, then rebuild from the authoritative tags.
	f.index.ReplaceAll(nil)
	if results := f.index.Search("app", 0); len(results) != 0 {
		t.Fatal("index not actually cleared")
	}

	if got := f.store.RebuildIndex(); got != 2 {
		t.Fatalf("RebuildIndex() = %d, want 2", got)
	}
	if results := f.index.Search("team:x", 0); len(results) != 2 {
		t.Fatalf("Search(team:x) after rebuild returned %d results, want 2", len(results))
	}
}

func TestRebuildIndexSkipsBrokenTags(t *testing.T) {
	f := newStoreFixture(t)
	f.testPush(t, "app", "v1")
	f.testPush(t, "tool", "v1")

	image, err := f.store.Pull("tool", "v1")
	if err != nil {
		t.Fatalf("Pull() error: %v", err)
	}
	if err := f.store.blobs.Delete(image.ManifestDigest); err != nil {
		t.Fatalf("deleting manifest blob: %v", err)
	}

	if got := f.store.RebuildIndex(); got != 1 {
		t.Fatalf("RebuildIndex() = %d, want 1", got)
	}
	if results := f.index.Search("tool", 0); len(results) != 0 {
		t.Fatalf("broken tag still indexed: %v", results)
	}
}

func TestEncryptedStoreRoundTrip(t *testing.T) {
	key := bytes.Repeat([]byte{0x42}, blob.KeySize)
	sealer, err := blob.NewSealer(key)
	if err != nil {
		t.Fatalf("NewSealer() error: %v", err)
	}

	store, err := NewStore(Options{
		Root:   t.TempDir(),
		Sealer: sealer,
		Clock:  clock.Fake(storeEpoch),
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("NewStore() error: %v", err)
	}

	layer := []byte("very secret layer bytes")
	if _, err := store.Push(PushRequest{
		Name:   "app",
		Tag:    "v1",
		Layers: [][]byte{layer},
		Config: Config{Architecture: "amd64", OS: "linux"},
	}); err != nil {
		t.Fatalf("Push() error: %v", err)
	}

	image, err := store.Pull("app", "v1")
	if err != nil {
		t.Fatalf("Pull() error: %v", err)
	}
	if !bytes.Equal(image.Layers[0], layer) {
		t.Fatal("layer bytes differ after encrypted round trip")
	}
	if !store.Encrypted() {
		t.Fatal("Encrypted() = false for sealed store")
	}
}

func TestConcurrentPushesOfDistinctImages(t *testing.T) {
	f := newStoreFixture(t)

	done := make(chan error, 8)
	for i := 0; i < 8; i++ {
		go func(n int) {
			_, err := f.store.Push(PushRequest{
				Name:   "app",
				Tag:    "v" + string(rune('a'+n)),
				Layers: [][]byte{bytes.Repeat([]byte{byte(n)}, 512)},
				Config: Config{Architecture: "amd64", OS: "linux"},
			})
			done <- err
		}(i)
	}
	for i := 0; i < 8; i++ {
		if err := <-done; err != nil {
			t.Fatalf("concurrent Push() error: %v", err)
		}
	}

	if got := f.store.TagCount(); got != 8 {
		t.Fatalf("TagCount() = %d, want 8", got)
	}
}
