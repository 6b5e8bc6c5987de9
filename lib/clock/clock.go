// Copyright 2026 The Stowage Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import "time"

// Clock is the time surface stowage components depend on. Real() backs
// it with the time package; Fake() gives tests deterministic control.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After returns a channel that receives the current time once
	// duration d elapses. If d <= 0, the channel receives immediately.
	After(d time.Duration) <-chan time.Time

	// NewTicker returns a Ticker delivering ticks on its C channel at
	// the given interval. Panics if d <= 0.
	NewTicker(d time.Duration) *Ticker

	// Sleep pauses the calling goroutine for at least duration d.
	Sleep(d time.Duration)
}

// UnixSeconds converts t to the fractional unix-seconds form used by
// the created and expiry fields of persisted records.
func UnixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

// FromUnixSeconds converts fractional unix seconds back to a UTC time.
func FromUnixSeconds(seconds float64) time.Time {
	return time.Unix(0, int64(seconds*1e9)).UTC()
}

// Ticker wraps a periodic timer. Read ticks from C and call Stop when
// done. The C channel has capacity 1, matching time.Ticker: if the
// consumer falls behind, ticks are dropped rather than queued.
type Ticker struct {
	C <-chan time.Time

	stopFunc func()
}

// Stop turns off the ticker. No more ticks are sent on C after Stop
// returns. Stop does not close C.
func (t *Ticker) Stop() { t.stopFunc() }
