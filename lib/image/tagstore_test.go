// Copyright 2026 The Stowage Authors
// SPDX-License-Identifier: Apache-2.0

package image

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/opencontainers/go-digest"
)

var tagEpoch = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

func newTestTagStore(t *testing.T) *TagStore {
	t.Helper()
	store, err := NewTagStore(filepath.Join(t.TempDir(), "tags"))
	if err != nil {
		t.Fatalf("NewTagStore() error: %v", err)
	}
	return store
}

func TestTagStoreSetAndGet(t *testing.T) {
	store := newTestTagStore(t)
	d := digest.FromString("manifest")

	if err := store.Set("app", "v1", d, tagEpoch); err != nil {
		t.Fatalf("Set() error: %v", err)
	}

	record, exists := store.Get("app", "v1")
	if !exists {
		t.Fatal("Get(app, v1) reported missing")
	}
	if record.Digest != d {
		t.Fatalf("record digest = %s, want %s", record.Digest, d)
	}
	if record.Created != UnixSeconds(tagEpoch) {
		t.Fatalf("record created = %v, want %v", record.Created, UnixSeconds(tagEpoch))
	}
}

func TestTagStoreOverwrite(t *testing.T) {
	store := newTestTagStore(t)
	first := digest.FromString("first manifest")
	second := digest.FromString("second manifest")

	if err := store.Set("app", "v1", first, tagEpoch); err != nil {
		t.Fatalf("Set() error: %v", err)
	}
	if err := store.Set("app", "v1", second, tagEpoch.Add(time.Hour)); err != nil {
		t.Fatalf("second Set() error: %v", err)
	}

	record, _ := store.Get("app", "v1")
	if record.Digest != second {
		t.Fatalf("record digest after overwrite = %s, want %s", record.Digest, second)
	}
	if got := store.Len(); got != 1 {
		t.Fatalf("Len() = %d, want 1", got)
	}
}

func TestTagStoreDelete(t *testing.T) {
	store := newTestTagStore(t)
	if err := store.Set("app", "v1", digest.FromString("m"), tagEpoch); err != nil {
		t.Fatalf("Set() error: %v", err)
	}

	if err := store.Delete("app", "v1"); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}
	if _, exists := store.Get("app", "v1"); exists {
		t.Fatal("Get() found a deleted tag")
	}

	err := store.Delete("app", "v1")
	if !errors.Is(err, ErrTagNotFound) {
		t.Fatalf("second Delete() error = %v, want ErrTagNotFound", err)
	}
}

func TestTagStoreListSorted(t *testing.T) {
	store := newTestTagStore(t)
	pairs := [][2]string{{"tool", "v1"}, {"app", "v2"}, {"app", "v1"}}
	for _, pair := range pairs {
		if err := store.Set(pair[0], pair[1], digest.FromString(pair[0]+pair[1]), tagEpoch); err != nil {
			t.Fatalf("Set(%s, %s) error: %v", pair[0], pair[1], err)
		}
	}

	records := store.List()
	if len(records) != 3 {
		t.Fatalf("List() returned %d records, want 3", len(records))
	}
	wantOrder := []string{"app:v1", "app:v2", "tool:v1"}
	for i, want := range wantOrder {
		if got := records[i].Key(); got != want {
			t.Fatalf("List()[%d] = %s, want %s", i, got, want)
		}
	}
}

func TestTagStoreTagsAndRepositories(t *testing.T) {
	store := newTestTagStore(t)
	for _, pair := range [][2]string{{"app", "v1"}, {"app", "v2"}, {"tool", "v1"}} {
		if err := store.Set(pair[0], pair[1], digest.FromString(pair[0]+pair[1]), tagEpoch); err != nil {
			t.Fatalf("Set() error: %v", err)
		}
	}

	tags := store.Tags("app")
	if len(tags) != 2 || tags[0] != "v1" || tags[1] != "v2" {
		t.Fatalf("Tags(app) = %v, want [v1 v2]", tags)
	}
	if tags := store.Tags("absent"); len(tags) != 0 {
		t.Fatalf("Tags(absent) = %v, want empty", tags)
	}

	repos := store.Repositories()
	if len(repos) != 2 || repos[0] != "app" || repos[1] != "tool" {
		t.Fatalf("Repositories() = %v, want [app tool]", repos)
	}
}

func TestTagStoreReload(t *testing.T) {
	root := filepath.Join(t.TempDir(), "tags")
	store, err := NewTagStore(root)
	if err != nil {
		t.Fatalf("NewTagStore() error: %v", err)
	}
	d := digest.FromString("manifest")
	if err := store.Set("team/app", "v1", d, tagEpoch); err != nil {
		t.Fatalf("Set() error: %v", err)
	}

	reloaded, err := NewTagStore(root)
	if err != nil {
		t.Fatalf("NewTagStore() on existing directory error: %v", err)
	}
	record, exists := reloaded.Get("team/app", "v1")
	if !exists {
		t.Fatal("reloaded store is missing the tag")
	}
	if record.Digest != d {
		t.Fatalf("reloaded record digest = %s, want %s", record.Digest, d)
	}
}

func TestTagStoreSlashedNamesAreFilesystemSafe(t *testing.T) {
	root := filepath.Join(t.TempDir(), "tags")
	store, err := NewTagStore(root)
	if err != nil {
		t.Fatalf("NewTagStore() error: %v", err)
	}
	if err := store.Set("team/sub/app", "v1", digest.FromString("m"), tagEpoch); err != nil {
		t.Fatalf("Set() error: %v", err)
	}

	// No path component under the root may carry the raw name: the
	// hashed layout keeps slashes out of the filesystem.
	err = filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if strings.Contains(filepath.Base(path), "team") {
			t.Fatalf("raw repository name leaked into path %s", path)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("walking tag store: %v", err)
	}
}

func TestTagStoreRejectsInvalidInput(t *testing.T) {
	store := newTestTagStore(t)
	d := digest.FromString("m")

	if err := store.Set("UPPER", "v1", d, tagEpoch); err == nil {
		t.Fatal("Set() accepted an invalid name")
	}
	if err := store.Set("app", "bad tag", d, tagEpoch); err == nil {
		t.Fatal("Set() accepted an invalid tag")
	}
	if err := store.Set("app", "v1", digest.Digest("not-a-digest"), tagEpoch); err == nil {
		t.Fatal("Set() accepted an invalid digest")
	}
}
