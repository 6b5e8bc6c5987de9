// Copyright 2026 The Stowage Authors
// SPDX-License-Identifier: Apache-2.0

// Package wire defines the CBOR-encoded message types for the
// registry's Unix socket protocol. Both cmd/stowage-service (the
// daemon) and cmd/stowage (the CLI) import this package so the wire
// types are defined once rather than mirrored.
//
// Every request carries an "action" field naming one of the Action*
// constants and, for authenticated actions, a "token" field holding a
// session token from a prior login. The service client injects both;
// the request types here declare only the action-specific fields.
//
// Responses ride inside the service envelope ({ok, error, data}); the
// types here describe the data field. All wire types carry json tags:
// the CBOR codec falls back to them, and the CLI reuses the same
// names for --json output. Record types that already have a canonical
// definition elsewhere (index entries, history events, user listings,
// archive refs) are transported as those types.
package wire
