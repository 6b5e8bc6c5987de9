// Copyright 2026 The Stowage Authors
// SPDX-License-Identifier: Apache-2.0

// Package image manages container images on top of the blob store:
// manifest and config documents, mutable (name, tag) pointers, and
// the push/pull/tag/delete/garbage-collect lifecycle.
//
// Manifests and configs are serialized canonically (sorted keys)
// before digesting, so identical documents dedup to a single blob.
// The tag pointer is the only mutable entity: a push writes all blobs
// first and moves the pointer as its final step, so a failed push
// never leaves a tag pointing at a partial image.
package image
