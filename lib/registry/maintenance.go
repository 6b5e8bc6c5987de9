// Copyright 2026 The Stowage Authors
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Status is a point-in-time operational summary.
type Status struct {
	UptimeSeconds int64 `json:"uptime_seconds"`
	Repositories  int   `json:"repositories"`
	Tags          int   `json:"tags"`
	Blobs         int   `json:"blobs"`
	BlobBytes     int64 `json:"blob_bytes"`
	IndexEntries  int   `json:"index_entries"`
	Users         int   `json:"users"`
	Encrypted     bool  `json:"encrypted"`
}

// Status reports current store, index, and account counts.
func (r *Registry) Status() (Status, error) {
	r.maintMu.RLock()
	defer r.maintMu.RUnlock()

	blobs, blobBytes, err := r.store.BlobStats()
	if err != nil {
		return Status{}, fmt.Errorf("reading blob stats: %w", err)
	}

	return Status{
		UptimeSeconds: int64(r.clock.Now().Sub(r.started).Seconds()),
		Repositories:  len(r.store.Repositories()),
		Tags:          r.store.TagCount(),
		Blobs:         blobs,
		BlobBytes:     blobBytes,
		IndexEntries:  r.index.Len(),
		Users:         r.security.UserCount(),
		Encrypted:     r.store.Encrypted(),
	}, nil
}

// Run drives scheduled maintenance until ctx is canceled: garbage
// collection on the GC cadence, a full index rebuild on its own. A
// zero interval disables that task. Run flushes the index snapshot on
// the way out and returns nil after a clean shutdown.
func (r *Registry) Run(ctx context.Context) error {
	var gcTicks, rebuildTicks <-chan time.Time
	if r.gcInterval > 0 {
		ticker := r.clock.NewTicker(r.gcInterval)
		defer ticker.Stop()
		gcTicks = ticker.C
	}
	if r.rebuildInterval > 0 {
		ticker := r.clock.NewTicker(r.rebuildInterval)
		defer ticker.Stop()
		rebuildTicks = ticker.C
	}

	r.logger.Info("maintenance loop started",
		"gc_interval", r.gcInterval,
		"index_rebuild_interval", r.rebuildInterval)

	for {
		select {
		case <-ctx.Done():
			if err := r.index.Flush(); err != nil {
				r.logger.Error("final index flush failed", "error", err)
			}
			r.logger.Info("maintenance loop stopped")
			return nil
		case <-gcTicks:
			r.runScheduledGC(ctx)
		case <-rebuildTicks:
			r.runScheduledRebuild(ctx)
		}
	}
}

// runScheduledGC is one timed garbage collection cycle. Expired
// session tokens are swept in the same cycle; they are otherwise only
// purged when presented.
func (r *Registry) runScheduledGC(ctx context.Context) {
	result, err := r.GarbageCollect(ctx, "")
	if err != nil {
		r.logger.Error("scheduled garbage collection failed", "error", err)
		return
	}
	r.logger.Info("scheduled garbage collection finished",
		"blobs_removed", result.BlobsRemoved,
		"bytes_freed", result.BytesFreed)

	r.security.PurgeExpiredTokens()
}

func (r *Registry) runScheduledRebuild(ctx context.Context) {
	entries := r.RebuildIndex(ctx, "")
	r.logger.Info("scheduled index rebuild finished", "entries", entries)
}

// Close releases resources the registry's components own: the index
// persister and, when configured, the history store.
func (r *Registry) Close() error {
	var errs []error
	if err := r.index.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing index: %w", err))
	}
	if r.history != nil {
		if err := r.history.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing history: %w", err))
		}
	}
	return errors.Join(errs...)
}
