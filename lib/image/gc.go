// Copyright 2026 The Stowage Authors
// SPDX-License-Identifier: Apache-2.0

package image

// GCResult reports what one garbage collection pass reclaimed.
type GCResult struct {
	BlobsRemoved int   `json:"blobs_removed"`
	BytesFreed   int64 `json:"bytes_freed"`
}

// GarbageCollect removes every blob not reachable from a tag pointer.
// Mark: snapshot all tags, then walk tag -> manifest -> config and
// layers, collecting reachable digests. Sweep: delete every stored
// blob outside that set.
//
// The mark set is computed before any deletion, and callers must
// exclude concurrent pushes for the duration (the registry takes its
// maintenance lock exclusively). A tag whose manifest cannot be
// loaded keeps its manifest digest marked and contributes nothing
// else; its config and layers are only reclaimed once the tag is
// repaired or removed.
func (s *Store) GarbageCollect() (GCResult, error) {
	snapshot := s.tags.List()

	reachable := make(map[string]struct{})
	for _, record := range snapshot {
		reachable[record.Digest.String()] = struct{}{}

		manifest, err := s.loadManifest(record.Digest)
		if err != nil {
			s.logger.Error("tag references unreadable manifest, keeping only the manifest digest marked",
				"name", record.Name, "tag", record.Tag, "error", err)
			continue
		}
		for _, ref := range manifest.References() {
			reachable[ref.String()] = struct{}{}
		}
	}

	stored, err := s.blobs.Digests()
	if err != nil {
		return GCResult{}, err
	}

	var result GCResult
	for _, d := range stored {
		if _, marked := reachable[d.String()]; marked {
			continue
		}

		size, err := s.blobs.Size(d)
		if err != nil {
			s.logger.Warn("blob size unavailable before delete", "digest", d, "error", err)
			size = 0
		}
		if err := s.blobs.Delete(d); err != nil {
			s.logger.Error("unreachable blob not deleted", "digest", d, "error", err)
			continue
		}
		result.BlobsRemoved++
		result.BytesFreed += size
	}

	s.logger.Info("garbage collection finished",
		"removed", result.BlobsRemoved,
		"bytes_freed", result.BytesFreed,
		"reachable", len(reachable),
		"tags", len(snapshot))
	return result, nil
}
