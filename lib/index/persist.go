// Copyright 2026 The Stowage Authors
// SPDX-License-Identifier: Apache-2.0

package index

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// snapshot is the persisted form of the flat entry map.
type snapshot struct {
	Entries []Entry `json:"entries"`
}

// load reads the snapshot file into the entry map and rebuilds the
// trees. A missing file is a fresh registry, not an error.
func (ix *Index) load() error {
	data, err := os.ReadFile(ix.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("decoding %s: %w", ix.path, err)
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()
	for i := range snap.Entries {
		entry := snap.Entries[i]
		ix.entries[entry.Key()] = &entry
	}
	ix.rebuildLocked()
	return nil
}

// persistNow writes the snapshot file, replacing it atomically.
func (ix *Index) persistNow() error {
	ix.mu.RLock()
	snap := snapshot{Entries: ix.entriesLocked()}
	ix.mu.RUnlock()

	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encoding index snapshot: %w", err)
	}

	dir := filepath.Dir(ix.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating index snapshot directory: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, "index-*.json")
	if err != nil {
		return fmt.Errorf("creating temp index snapshot: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		return fmt.Errorf("writing index snapshot: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("closing temp index snapshot: %w", err)
	}

	if err := os.Rename(tmpPath, ix.path); err != nil {
		return fmt.Errorf("renaming index snapshot to %s: %w", ix.path, err)
	}

	success = true
	return nil
}

// persister coalesces mutation bursts into one snapshot write per
// debounce window. Flush requests persist immediately; shutdown
// persists any pending dirt before exiting.
func (ix *Index) persister() {
	defer close(ix.doneCh)

	for {
		select {
		case <-ix.stopCh:
			select {
			case <-ix.dirtyCh:
				ix.finalPersist()
			default:
			}
			return

		case errCh := <-ix.flushCh:
			errCh <- ix.persistNow()

		case <-ix.dirtyCh:
			timer := ix.clock.After(ix.debounce)
		window:
			for {
				select {
				case <-ix.dirtyCh:
					// Another mutation inside the window. Coalesce.
				case errCh := <-ix.flushCh:
					errCh <- ix.persistNow()
					break window
				case <-timer:
					if err := ix.persistNow(); err != nil {
						ix.logger.Error("index snapshot write failed",
							"path", ix.path, "error", err)
					}
					break window
				case <-ix.stopCh:
					ix.finalPersist()
					return
				}
			}
		}
	}
}

func (ix *Index) finalPersist() {
	if err := ix.persistNow(); err != nil {
		ix.logger.Error("final index snapshot write failed",
			"path", ix.path, "error", err)
		ix.closeErr = err
	}
}

// markDirty wakes the persister. Non-blocking: the dirty channel holds
// one pending mark and further marks coalesce into it.
func (ix *Index) markDirty() {
	if ix.dirtyCh == nil {
		return
	}
	select {
	case ix.dirtyCh <- struct{}{}:
	default:
	}
}

// Flush writes the snapshot now and returns the write's error. A
// memory-only index flushes trivially.
func (ix *Index) Flush() error {
	if ix.flushCh == nil {
		return nil
	}
	errCh := make(chan error, 1)
	select {
	case ix.flushCh <- errCh:
		return <-errCh
	case <-ix.doneCh:
		return ix.closeErr
	}
}

// Close stops the persister, writing any pending mutations first.
// Safe to call more than once.
func (ix *Index) Close() error {
	if ix.stopCh == nil {
		return nil
	}
	ix.stopOnce.Do(func() { close(ix.stopCh) })
	<-ix.doneCh
	return ix.closeErr
}
