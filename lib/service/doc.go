// Copyright 2026 The Stowage Authors
// SPDX-License-Identifier: Apache-2.0

// Package service provides the Unix socket protocol shared by the
// stowage daemon and its clients.
//
// The protocol is one CBOR request-response cycle per connection: the
// client writes a single CBOR map containing at minimum an "action"
// field (and, for authenticated actions, a "token" field), the server
// routes it to the registered handler for that action and writes back
// a Response envelope ({ok, error, data}), then the connection closes.
// CBOR is self-delimiting, so no framing protocol is needed.
//
// SocketServer is the daemon side: actions are registered with Handle
// before Serve, shutdown is cooperative (cancel the context; active
// handlers drain before Serve returns). Client is the caller side:
// each Call opens a fresh connection, injects the action and session
// token, and decodes the response data.
//
// The action names and request/response payload types live in
// lib/wire; this package only moves opaque CBOR.
package service
