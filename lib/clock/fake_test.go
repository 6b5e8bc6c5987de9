// Copyright 2026 The Stowage Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"sync"
	"testing"
	"time"
)

var epoch = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

func TestFakeClockNow(t *testing.T) {
	clock := Fake(epoch)
	if got := clock.Now(); !got.Equal(epoch) {
		t.Fatalf("Now() = %v, want %v", got, epoch)
	}
	clock.Advance(5 * time.Second)
	want := epoch.Add(5 * time.Second)
	if got := clock.Now(); !got.Equal(want) {
		t.Fatalf("Now() after Advance = %v, want %v", got, want)
	}
}

func TestFakeClockSet(t *testing.T) {
	clock := Fake(epoch)
	want := epoch.Add(48 * time.Hour)
	clock.Set(want)
	if got := clock.Now(); !got.Equal(want) {
		t.Fatalf("Now() after Set = %v, want %v", got, want)
	}
}

func TestFakeClockAfterFiresOnAdvance(t *testing.T) {
	clock := Fake(epoch)
	channel := clock.After(3 * time.Second)

	select {
	case <-channel:
		t.Fatal("After fired before Advance")
	default:
	}

	clock.Advance(3 * time.Second)

	select {
	case <-channel:
	default:
		t.Fatal("After did not fire after Advance")
	}
}

func TestFakeClockAfterZeroDuration(t *testing.T) {
	clock := Fake(epoch)
	channel := clock.After(0)

	select {
	case <-channel:
	default:
		t.Fatal("After(0) should fire immediately")
	}
}

func TestFakeClockAfterPartialAdvance(t *testing.T) {
	clock := Fake(epoch)
	channel := clock.After(5 * time.Second)

	clock.Advance(3 * time.Second)
	select {
	case <-channel:
		t.Fatal("After fired before deadline")
	default:
	}

	clock.Advance(2 * time.Second)
	select {
	case <-channel:
	default:
		t.Fatal("After did not fire at exact deadline")
	}
}

func TestFakeClockTickerFiresPerInterval(t *testing.T) {
	clock := Fake(epoch)
	ticker := clock.NewTicker(10 * time.Second)
	defer ticker.Stop()

	clock.Advance(10 * time.Second)
	select {
	case <-ticker.C:
	default:
		t.Fatal("ticker did not fire at first interval")
	}

	clock.Advance(10 * time.Second)
	select {
	case <-ticker.C:
	default:
		t.Fatal("ticker did not fire at second interval")
	}
}

func TestFakeClockTickerStop(t *testing.T) {
	clock := Fake(epoch)
	ticker := clock.NewTicker(time.Second)
	ticker.Stop()

	clock.Advance(5 * time.Second)
	select {
	case <-ticker.C:
		t.Fatal("stopped ticker fired")
	default:
	}
}

func TestFakeClockTickerDropsOverflowTicks(t *testing.T) {
	clock := Fake(epoch)
	ticker := clock.NewTicker(time.Second)
	defer ticker.Stop()

	// Spanning three intervals with nobody reading: the buffered
	// channel holds one tick and the rest are dropped.
	clock.Advance(3 * time.Second)

	got := 0
	for {
		select {
		case <-ticker.C:
			got++
			continue
		default:
		}
		break
	}
	if got != 1 {
		t.Fatalf("buffered ticks = %d, want 1", got)
	}
}

func TestFakeClockSleepBlocksUntilAdvance(t *testing.T) {
	clock := Fake(epoch)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		clock.Sleep(7 * time.Second)
	}()

	clock.WaitForTimers(1)
	clock.Advance(7 * time.Second)
	wg.Wait()
}

func TestFakeClockWaitForTimers(t *testing.T) {
	clock := Fake(epoch)

	go clock.After(time.Minute)
	go clock.After(time.Minute)

	clock.WaitForTimers(2)
	if got := clock.PendingCount(); got != 2 {
		t.Fatalf("PendingCount() = %d, want 2", got)
	}
}

func TestFakeClockAdvanceFiresInDeadlineOrder(t *testing.T) {
	clock := Fake(epoch)
	first := clock.After(1 * time.Second)
	second := clock.After(2 * time.Second)

	clock.Advance(2 * time.Second)

	firstAt := <-first
	secondAt := <-second
	if firstAt.After(secondAt) {
		t.Fatalf("waiters fired out of order: first at %v, second at %v", firstAt, secondAt)
	}
}
