// Copyright 2026 The Stowage Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock abstracts time for testability.
//
// Production code injects Real(); tests inject Fake(initial) and move
// time explicitly with Advance. Components that stamp records, expire
// tokens, or run periodic maintenance take a Clock instead of calling
// the time package directly, so tests never sleep to wait for a
// deadline to pass.
//
// When a goroutine registers a timer on a FakeClock (via After,
// NewTicker, or Sleep), use WaitForTimers to block until the
// registration is visible before calling Advance. That removes the
// race between a background loop arming its ticker and the test
// advancing past the first tick.
package clock
