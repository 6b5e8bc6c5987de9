// Copyright 2026 The Stowage Authors
// SPDX-License-Identifier: Apache-2.0

// Package blob implements the content-addressed blob store underlying
// the registry: immutable byte sequences stored under their sha256
// digest.
//
// Writes are idempotent (write-if-absent by digest) and atomic (temp
// file + rename), so concurrent writers of the same content cannot
// corrupt a blob. Blobs are never rewritten in place; the only way a
// blob leaves the store is garbage collection.
//
// A store constructed with a Sealer encrypts blob bytes at rest with
// XChaCha20-Poly1305. Digests are always computed over plaintext, so
// content addressing, deduplication, and garbage collection behave
// identically with and without encryption.
package blob
