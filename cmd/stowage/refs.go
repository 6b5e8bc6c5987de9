// Copyright 2026 The Stowage Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/stowage-foundation/stowage/lib/image"
)

// parseRef splits an image reference into repository name and tag.
// Repository names contain slashes, so the split is on the last colon.
// A bare name defaults to the "latest" tag.
func parseRef(ref string) (name, tag string, err error) {
	if ref == "" {
		return "", "", fmt.Errorf("empty image reference")
	}
	idx := strings.LastIndex(ref, ":")
	if idx < 0 {
		return ref, "latest", nil
	}
	name, tag = ref[:idx], ref[idx+1:]
	if name == "" || tag == "" {
		return "", "", fmt.Errorf("invalid image reference %q (want name:tag)", ref)
	}
	return name, tag, nil
}

// humanSize returns a human-readable byte count.
func humanSize(bytes int64) string {
	switch {
	case bytes >= 1<<30:
		return fmt.Sprintf("%.1f GB", float64(bytes)/float64(1<<30))
	case bytes >= 1<<20:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(1<<20))
	case bytes >= 1<<10:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(1<<10))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}

// formatCreated renders a unix-seconds creation time for listings.
func formatCreated(seconds float64) string {
	if seconds == 0 {
		return "-"
	}
	return image.TimeFromUnixSeconds(seconds).UTC().Format(time.RFC3339)
}

// shortDigest truncates a digest string to the familiar 12-character
// listing form, dropping the algorithm prefix.
func shortDigest(d string) string {
	if idx := strings.IndexByte(d, ':'); idx >= 0 {
		d = d[idx+1:]
	}
	if len(d) > 12 {
		return d[:12]
	}
	return d
}
