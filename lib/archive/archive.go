// Copyright 2026 The Stowage Authors
// SPDX-License-Identifier: Apache-2.0

package archive

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/opencontainers/go-digest"

	"github.com/stowage-foundation/stowage/lib/codec"
	"github.com/stowage-foundation/stowage/lib/image"
)

// FormatVersion is the archive header version this package writes.
// Read rejects any other version.
const FormatVersion = 1

// maxBlobSize bounds the uncompressed size a header row may claim. A
// row past this is treated as corrupt rather than honored with the
// allocation.
const maxBlobSize = 4 << 30

var (
	// ErrNothingToArchive is returned by Write when no images are
	// requested.
	ErrNothingToArchive = errors.New("nothing to archive")

	// ErrCorrupt is returned by Read when the archive cannot be
	// trusted: a malformed header, a truncated section, a size or
	// digest mismatch, or an image whose blob closure is incomplete.
	ErrCorrupt = errors.New("archive corrupt")
)

// BlobReader provides blob bytes by digest. image.Store.ReadBlob
// satisfies it.
type BlobReader func(digest.Digest) ([]byte, error)

// Ref names one archived image by its tag pointer.
type Ref struct {
	Name   string        `json:"name"`
	Tag    string        `json:"tag"`
	Digest digest.Digest `json:"digest"`
}

// BlobRecord is one row of the header blob table, describing one
// compressed section. Sections follow the header in table order.
type BlobRecord struct {
	Digest         digest.Digest  `cbor:"digest"`
	MediaType      string         `cbor:"mediaType,omitempty"`
	Compression    CompressionTag `cbor:"compression"`
	CompressedSize int64          `cbor:"compressedSize"`
	Size           int64          `cbor:"size"`
}

// header is the CBOR document at the front of an archive file.
type header struct {
	Version int          `cbor:"version"`
	Images  []Ref        `cbor:"images"`
	Blobs   []BlobRecord `cbor:"blobs"`
}

// Write streams an archive of the given images to w. Each image's
// manifest is read through read, decoded, and walked; the manifest,
// config, and layer blobs are archived once each no matter how many
// images share them. Every blob is re-hashed before it is written, so
// a store whose bytes no longer match their digest fails the export
// instead of producing an archive that can never import.
func Write(w io.Writer, images []Ref, read BlobReader) error {
	if len(images) == 0 {
		return ErrNothingToArchive
	}

	var order []digest.Digest
	mediaTypes := make(map[digest.Digest]string)
	contents := make(map[digest.Digest][]byte)

	fetch := func(d digest.Digest, mediaType string) ([]byte, error) {
		if data, seen := contents[d]; seen {
			return data, nil
		}
		data, err := read(d)
		if err != nil {
			return nil, err
		}
		if got := d.Algorithm().FromBytes(data); got != d {
			return nil, fmt.Errorf("blob %s: stored bytes hash to %s", d, got)
		}
		order = append(order, d)
		mediaTypes[d] = mediaType
		contents[d] = data
		return data, nil
	}

	for _, img := range images {
		if err := img.Digest.Validate(); err != nil {
			return fmt.Errorf("archiving %s:%s: manifest digest: %w", img.Name, img.Tag, err)
		}

		manifestBytes, err := fetch(img.Digest, "")
		if err != nil {
			return fmt.Errorf("archiving %s:%s: %w", img.Name, img.Tag, err)
		}
		var manifest image.Manifest
		if err := json.Unmarshal(manifestBytes, &manifest); err != nil {
			return fmt.Errorf("archiving %s:%s: decoding manifest %s: %w", img.Name, img.Tag, img.Digest, err)
		}
		if err := manifest.Validate(); err != nil {
			return fmt.Errorf("archiving %s:%s: manifest %s: %w", img.Name, img.Tag, img.Digest, err)
		}
		mediaTypes[img.Digest] = manifest.MediaType

		if _, err := fetch(manifest.Config.Digest, manifest.Config.MediaType); err != nil {
			return fmt.Errorf("archiving %s:%s: config: %w", img.Name, img.Tag, err)
		}
		for i, layer := range manifest.Layers {
			if _, err := fetch(layer.Digest, layer.MediaType); err != nil {
				return fmt.Errorf("archiving %s:%s: layer %d: %w", img.Name, img.Tag, i, err)
			}
		}
	}

	records := make([]BlobRecord, 0, len(order))
	sections := make([][]byte, 0, len(order))
	for _, d := range order {
		data := contents[d]
		section, tag, err := CompressBlobAuto(data, mediaTypes[d])
		if err != nil {
			return fmt.Errorf("compressing blob %s: %w", d, err)
		}
		records = append(records, BlobRecord{
			Digest:         d,
			MediaType:      mediaTypes[d],
			Compression:    tag,
			CompressedSize: int64(len(section)),
			Size:           int64(len(data)),
		})
		sections = append(sections, section)
	}

	encoder := codec.NewEncoder(w)
	if err := encoder.Encode(header{Version: FormatVersion, Images: images, Blobs: records}); err != nil {
		return fmt.Errorf("encoding archive header: %w", err)
	}
	for i, section := range sections {
		if _, err := w.Write(section); err != nil {
			return fmt.Errorf("writing blob section %d: %w", i, err)
		}
	}
	return nil
}

// Archive is a fully decoded and verified archive: the header tables
// plus the decompressed blobs. Read never returns a partially verified
// Archive.
type Archive struct {
	Images []Ref
	Blobs  []BlobRecord

	blobs     map[digest.Digest][]byte
	manifests map[digest.Digest]*image.Manifest
}

// Read decodes and verifies an entire archive. Every section is
// decompressed, checked against its recorded uncompressed size, and
// re-hashed against its digest. Each listed image must be complete:
// its manifest blob present and valid, and every blob the manifest
// references present in the table.
func Read(r io.Reader) (*Archive, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading archive: %w", err)
	}

	var h header
	rest, err := codec.UnmarshalFirst(data, &h)
	if err != nil {
		return nil, fmt.Errorf("%w: decoding header: %w", ErrCorrupt, err)
	}
	if h.Version != FormatVersion {
		return nil, fmt.Errorf("archive format version %d is not supported (expected %d)", h.Version, FormatVersion)
	}
	if len(h.Images) == 0 {
		return nil, fmt.Errorf("%w: header lists no images", ErrCorrupt)
	}

	blobs := make(map[digest.Digest][]byte, len(h.Blobs))
	var offset int64
	for _, record := range h.Blobs {
		if err := record.Digest.Validate(); err != nil {
			return nil, fmt.Errorf("%w: blob table digest %q: %w", ErrCorrupt, record.Digest, err)
		}
		if record.Size < 0 || record.Size > maxBlobSize {
			return nil, fmt.Errorf("%w: blob %s: uncompressed size %d out of range", ErrCorrupt, record.Digest, record.Size)
		}
		if record.CompressedSize < 0 || offset+record.CompressedSize > int64(len(rest)) {
			return nil, fmt.Errorf("%w: blob %s: section extends past end of archive", ErrCorrupt, record.Digest)
		}
		section := rest[offset : offset+record.CompressedSize]
		offset += record.CompressedSize

		plain, err := DecompressBlob(section, record.Compression, int(record.Size))
		if err != nil {
			return nil, fmt.Errorf("%w: blob %s: %w", ErrCorrupt, record.Digest, err)
		}
		if got := record.Digest.Algorithm().FromBytes(plain); got != record.Digest {
			return nil, fmt.Errorf("%w: blob %s: content hashes to %s", ErrCorrupt, record.Digest, got)
		}
		if _, dup := blobs[record.Digest]; dup {
			return nil, fmt.Errorf("%w: blob %s listed twice", ErrCorrupt, record.Digest)
		}
		blobs[record.Digest] = plain
	}
	if offset != int64(len(rest)) {
		return nil, fmt.Errorf("%w: %d trailing bytes after blob sections", ErrCorrupt, int64(len(rest))-offset)
	}

	manifests := make(map[digest.Digest]*image.Manifest, len(h.Images))
	for _, img := range h.Images {
		manifestBytes, present := blobs[img.Digest]
		if !present {
			return nil, fmt.Errorf("%w: image %s:%s: manifest %s has no blob section", ErrCorrupt, img.Name, img.Tag, img.Digest)
		}
		var manifest image.Manifest
		if err := json.Unmarshal(manifestBytes, &manifest); err != nil {
			return nil, fmt.Errorf("%w: image %s:%s: decoding manifest: %w", ErrCorrupt, img.Name, img.Tag, err)
		}
		if err := manifest.Validate(); err != nil {
			return nil, fmt.Errorf("%w: image %s:%s: manifest: %w", ErrCorrupt, img.Name, img.Tag, err)
		}
		for _, ref := range manifest.References() {
			if _, present := blobs[ref]; !present {
				return nil, fmt.Errorf("%w: image %s:%s: referenced blob %s has no section", ErrCorrupt, img.Name, img.Tag, ref)
			}
		}
		manifests[img.Digest] = &manifest
	}

	return &Archive{
		Images:    h.Images,
		Blobs:     h.Blobs,
		blobs:     blobs,
		manifests: manifests,
	}, nil
}

// Blob returns the decompressed, digest-verified bytes of one archived
// blob.
func (a *Archive) Blob(d digest.Digest) ([]byte, bool) {
	data, present := a.blobs[d]
	return data, present
}

// Import writes every archived blob into the store and restores each
// image's tag pointer, preserving the original digests and creation
// times. Blobs the store already holds deduplicate on digest, and the
// restored tags land in the search index the same way a push would. A
// failure part way leaves any blobs already written as orphans for the
// next garbage collection; tag pointers land image by image.
func (a *Archive) Import(store *image.Store) ([]Ref, error) {
	for _, record := range a.Blobs {
		if _, err := store.WriteBlob(a.blobs[record.Digest]); err != nil {
			return nil, fmt.Errorf("importing blob %s: %w", record.Digest, err)
		}
	}

	restored := make([]Ref, 0, len(a.Images))
	for _, img := range a.Images {
		created := image.TimeFromUnixSeconds(a.manifests[img.Digest].Created)
		if err := store.Restore(img.Name, img.Tag, img.Digest, created); err != nil {
			return nil, fmt.Errorf("importing %s:%s: %w", img.Name, img.Tag, err)
		}
		restored = append(restored, img)
	}
	return restored, nil
}
