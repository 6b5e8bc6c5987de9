// Copyright 2026 The Stowage Authors
// SPDX-License-Identifier: Apache-2.0

// Package upstream fetches images from remote registries for
// pull-through proxying.
//
// The client speaks the standard two-step pull protocol: GET
// /v2/{name}/manifests/{ref} for the manifest, then GET
// /v2/{name}/blobs/{digest} for the config and each layer. Every blob
// body is verified against its descriptor digest before it is
// returned, so a corrupt or tampered transfer never reaches the local
// store. Manifest parsing is deliberately lenient about media types
// and unknown fields: remote registries serve several dialects, and
// the result is re-persisted through the local push path, which
// applies the strict local rules.
package upstream
