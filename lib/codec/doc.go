// Copyright 2026 The Stowage Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides Stowage's standard CBOR encoding configuration.
//
// Stowage uses two serialization formats with a clear boundary:
//
//   - JSON for content-addressed and external data: image manifests and
//     configs (their bytes are hashed, so they keep the OCI JSON form
//     they arrived in), the security bootstrap file, and CLI --json
//     output.
//   - CBOR for internal protocols: the service socket request/response
//     envelope, archive file headers, and search index snapshots.
//
// This package provides the shared CBOR encoding and decoding modes so
// that every Stowage package encodes identically without duplicating
// configuration. The encoder uses Core Deterministic Encoding (RFC 8949
// §4.2): sorted map keys, smallest integer encoding, no
// indefinite-length items. Same logical data always produces identical
// bytes, which keeps index snapshots and exported archives reproducible.
//
// For buffer-oriented operations (headers, snapshots):
//
//	data, err := codec.Marshal(value)
//	err = codec.Unmarshal(data, &value)
//
// For stream-oriented operations (the service socket):
//
//	encoder := codec.NewEncoder(conn)
//	decoder := codec.NewDecoder(conn)
//
// # Struct Tag Rules
//
// The struct tag on a type documents its serialization format:
//
//   - `cbor` tag: this type is ONLY ever serialized as CBOR. Examples:
//     archive headers, index snapshot records.
//   - `json` tag: this type may be serialized as BOTH JSON and CBOR.
//     fxamacker/cbor v2 reads `json` tags as fallback when `cbor` tags
//     are absent, so a single `json` tag controls field naming and
//     omitempty for both formats. Examples: service socket protocol
//     types, which the CLI also renders as --json output.
//
// Never use both `cbor` and `json` tags on the same field. The tag
// choice documents the contract.
package codec
