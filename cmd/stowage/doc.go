// Copyright 2026 The Stowage Authors
// SPDX-License-Identifier: Apache-2.0

// Command stowage is the command-line client for the stowage registry
// daemon. It speaks the CBOR socket protocol from lib/wire over the
// daemon's Unix socket.
//
// The socket path comes from --socket or STOWAGE_SOCKET (default
// /run/stowage/stowage.sock). Session tokens from "stowage login" are
// stored in $STOWAGE_DIR/token (default ~/.stowage/token, mode 0600)
// and attached to every authenticated command; --token-file or
// STOWAGE_TOKEN overrides the location.
package main
