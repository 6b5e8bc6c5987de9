// Copyright 2026 The Stowage Authors
// SPDX-License-Identifier: Apache-2.0

package blob

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/opencontainers/go-digest"
)

// ErrBlobNotFound is returned when a digest has no stored blob. It is
// a normal outcome, distinct from I/O failures: callers can check it
// with errors.Is to tell "doesn't exist" from "storage broken".
var ErrBlobNotFound = errors.New("blob not found")

// Store is a content-addressed blob store rooted at a directory.
//
// Layout under the root:
//
//	blobs/<hex[:2]>/<hex[2:4]>/<hex>   blob content, keyed by digest
//	tmp/                               in-flight writes before rename
//
// All methods are safe for concurrent use: writes are idempotent by
// digest and land via atomic rename, reads never observe a partial
// file.
type Store struct {
	root string

	// sealer encrypts blob bytes at rest. Nil means plaintext
	// storage.
	sealer *Sealer
}

// NewStore creates a blob store rooted at root, creating the
// directory layout if needed. Pass a nil sealer for plaintext
// storage.
func NewStore(root string, sealer *Sealer) (*Store, error) {
	store := &Store{root: root, sealer: sealer}
	for _, dir := range []string{store.blobsDir(), store.tmpDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating blob store directory %s: %w", dir, err)
		}
	}
	return store, nil
}

// Encrypted reports whether the store seals blob bytes at rest.
func (s *Store) Encrypted() bool {
	return s.sealer != nil
}

// Write stores data under its sha256 digest and returns the digest.
// If a blob with that digest already exists the existing bytes are
// kept untouched and the digest is returned (dedup by content).
//
// On any failure the in-flight temp file is removed before the error
// is returned, so a failed write never leaves a partial blob behind.
func (s *Store) Write(data []byte) (digest.Digest, error) {
	d := digest.FromBytes(data)
	finalPath := s.blobPath(d)

	if _, err := os.Stat(finalPath); err == nil {
		return d, nil
	}

	payload := data
	if s.sealer != nil {
		sealed, err := s.sealer.Seal(data, d)
		if err != nil {
			return "", fmt.Errorf("sealing blob %s: %w", d, err)
		}
		payload = sealed
	}

	tmp, err := os.CreateTemp(s.tmpDir(), "blob-*")
	if err != nil {
		return "", fmt.Errorf("creating temp file for blob %s: %w", d, err)
	}
	success := false
	defer func() {
		if !success {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	if _, err := tmp.Write(payload); err != nil {
		return "", fmt.Errorf("writing blob %s: %w", d, err)
	}
	if err := tmp.Sync(); err != nil {
		return "", fmt.Errorf("syncing blob %s: %w", d, err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("closing blob %s: %w", d, err)
	}

	if err := os.MkdirAll(filepath.Dir(finalPath), 0o755); err != nil {
		return "", fmt.Errorf("creating shard directory for blob %s: %w", d, err)
	}

	// A concurrent writer of identical content may have landed the
	// blob while we were writing. The bytes are the same, so keep
	// theirs and drop ours.
	if _, err := os.Stat(finalPath); err == nil {
		os.Remove(tmp.Name())
		success = true
		return d, nil
	}

	if err := os.Rename(tmp.Name(), finalPath); err != nil {
		return "", fmt.Errorf("renaming blob %s into place: %w", d, err)
	}
	success = true
	return d, nil
}

// Read returns the blob bytes for a digest. Returns ErrBlobNotFound
// (wrapped with the digest) when no blob with that digest is stored.
func (s *Store) Read(d digest.Digest) ([]byte, error) {
	if err := d.Validate(); err != nil {
		return nil, fmt.Errorf("invalid digest %q: %w", d, err)
	}
	data, err := os.ReadFile(s.blobPath(d))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", d, ErrBlobNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("reading blob %s: %w", d, err)
	}
	if s.sealer != nil {
		plaintext, err := s.sealer.Open(data, d)
		if err != nil {
			return nil, fmt.Errorf("unsealing blob %s: %w", d, err)
		}
		return plaintext, nil
	}
	return data, nil
}

// Size returns the plaintext length of a stored blob, or 0 when the
// digest is absent. Absence is not an error.
func (s *Store) Size(d digest.Digest) (int64, error) {
	info, err := os.Stat(s.blobPath(d))
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("stat blob %s: %w", d, err)
	}
	if s.sealer != nil {
		if info.Size() < SealOverhead {
			return 0, fmt.Errorf("blob %s: sealed file is %d bytes, shorter than the %d-byte envelope",
				d, info.Size(), SealOverhead)
		}
		return info.Size() - SealOverhead, nil
	}
	return info.Size(), nil
}

// Exists reports whether a blob with the given digest is stored.
func (s *Store) Exists(d digest.Digest) bool {
	_, err := os.Stat(s.blobPath(d))
	return err == nil
}

// Delete removes a blob. Deleting an absent digest is a no-op:
// garbage collection may race with itself across restarts.
func (s *Store) Delete(d digest.Digest) error {
	err := os.Remove(s.blobPath(d))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("deleting blob %s: %w", d, err)
	}
	return nil
}

// Digests walks the store and returns the digest of every stored
// blob. Files that do not parse as a sha256 hex name are skipped:
// only the store writes under blobs/ and it only writes final names.
func (s *Store) Digests() ([]digest.Digest, error) {
	var digests []digest.Digest
	err := filepath.WalkDir(s.blobsDir(), func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() {
			return nil
		}
		d := digest.NewDigestFromEncoded(digest.SHA256, entry.Name())
		if d.Validate() != nil {
			return nil
		}
		digests = append(digests, d)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking blob store: %w", err)
	}
	return digests, nil
}

// Stats returns the number of stored blobs and their total on-disk
// size in bytes. For an encrypted store the byte count includes the
// per-blob seal envelope overhead.
func (s *Store) Stats() (count int, bytes int64, err error) {
	err = filepath.WalkDir(s.blobsDir(), func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() {
			return nil
		}
		info, err := entry.Info()
		if err != nil {
			return err
		}
		count++
		bytes += info.Size()
		return nil
	})
	if err != nil {
		return 0, 0, fmt.Errorf("walking blob store: %w", err)
	}
	return count, bytes, nil
}

// Root returns the store's root directory.
func (s *Store) Root() string {
	return s.root
}

func (s *Store) blobsDir() string {
	return filepath.Join(s.root, "blobs")
}

func (s *Store) tmpDir() string {
	return filepath.Join(s.root, "tmp")
}

// blobPath returns the final path for a digest, sharded two levels
// deep by the leading hex characters to keep directory fan-out flat.
func (s *Store) blobPath(d digest.Digest) string {
	encoded := d.Encoded()
	return filepath.Join(s.blobsDir(), encoded[:2], encoded[2:4], encoded)
}
