// Copyright 2026 The Stowage Authors
// SPDX-License-Identifier: Apache-2.0

// Package registry assembles the image store, search index, security
// manager, and operation history into the single façade the service
// daemon talks to.
//
// Every image operation passes through two gates. Admission: weighted
// semaphores bound concurrent uploads and downloads, and a caller that
// cannot get a slot within the admission window is turned away with
// ErrBusy rather than queued without bound. Maintenance: a
// registry-wide RW lock is held shared by image operations and
// exclusively by garbage collection and index rebuilds, so maintenance
// never observes an image mid-write and operations never read blobs
// mid-sweep.
//
// Run drives the background maintenance loop on the configured
// cadences. PullThrough fetches an image from a named upstream and
// persists it through the normal push path, giving the copy a local
// manifest digest, a local creation time, and a search index entry
// like any other push.
package registry
