// Copyright 2026 The Stowage Authors
// SPDX-License-Identifier: Apache-2.0

// Package archive reads and writes image archive files, the offline
// interchange format behind stowage export and import.
//
// An archive is a CBOR header document followed by the referenced
// blobs, concatenated in table order. The header names the archived
// images (name, tag, manifest digest) and carries one table row per
// blob: digest, media type, compression tag, compressed size, and
// uncompressed size. Write includes every blob an archived manifest
// references, so archives are self-contained: importing one into an
// empty store yields complete, pullable images.
//
// Blob sections are compressed independently. JSON documents go
// through zstd, already-compressed layer media types are stored as-is,
// and everything else is probed: zstd when the ratio reaches 1.5x, lz4
// above 1.1x, uncompressed otherwise. Read verifies every section
// against its recorded uncompressed size and its digest before
// returning anything, so a truncated or tampered archive never
// produces a blob.
package archive
