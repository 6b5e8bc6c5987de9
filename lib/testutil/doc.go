// Copyright 2026 The Stowage Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers for Stowage packages.
//
// [SocketDir] creates a temporary directory in /tmp suitable for Unix
// domain sockets. This exists because Unix domain sockets have a
// 108-byte path limit (sun_path in sockaddr_un), and CI systems set
// TMPDIR to deeply nested paths that exceed this limit, making
// t.TempDir() unsuitable for socket files. The directory is
// automatically removed when the test completes.
//
// [RequireReceive], [RequireSend], and [RequireClosed] encapsulate the
// timeout safety valve pattern (select with time.After fallback) so
// that individual tests do not need direct time.After calls. Tests that
// exercise scheduled work should drive a fake clock instead; these
// helpers are for bounding waits on goroutines that signal over
// channels.
//
// All helpers call t.Fatalf on failure rather than returning errors,
// since test setup failures are not recoverable.
//
// This package has no Stowage-internal dependencies.
package testutil
