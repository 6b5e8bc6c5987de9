// Copyright 2026 The Stowage Authors
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/opencontainers/go-digest"
	"golang.org/x/sync/semaphore"

	"github.com/stowage-foundation/stowage/lib/archive"
	"github.com/stowage-foundation/stowage/lib/clock"
	"github.com/stowage-foundation/stowage/lib/history"
	"github.com/stowage-foundation/stowage/lib/image"
	"github.com/stowage-foundation/stowage/lib/index"
	"github.com/stowage-foundation/stowage/lib/security"
	"github.com/stowage-foundation/stowage/lib/upstream"
)

var (
	// ErrBusy means no upload or download slot opened within the
	// admission window.
	ErrBusy = errors.New("registry busy")

	// ErrUnknownUpstream means the named upstream is not configured.
	ErrUnknownUpstream = errors.New("unknown upstream")

	// ErrHistoryDisabled means the registry runs without an operation
	// history store.
	ErrHistoryDisabled = errors.New("history disabled")
)

// Admission defaults. Uploads are fewer because a push writes every
// layer through the digest pipeline while a pull only reads.
const (
	DefaultMaxConcurrentUploads   = 4
	DefaultMaxConcurrentDownloads = 8
	DefaultAdmissionWait          = 5 * time.Second
)

// Config wires a Registry. Store, Index, and Security are required;
// History and Upstreams are optional features.
type Config struct {
	Store    *image.Store
	Index    *index.Index
	Security *security.Manager

	// History records one event per operation. Nil disables recording
	// and makes the history accessors return ErrHistoryDisabled.
	History *history.Log

	// Upstreams maps names usable with PullThrough to their clients.
	Upstreams map[string]*upstream.Client

	// MaxConcurrentUploads and MaxConcurrentDownloads bound in-flight
	// image writes and reads. AdmissionWait is how long a caller may
	// wait for a slot before ErrBusy. Zero values take the defaults.
	MaxConcurrentUploads   int64
	MaxConcurrentDownloads int64
	AdmissionWait          time.Duration

	// GCInterval and IndexRebuildInterval set the maintenance
	// cadences for Run. Zero disables the respective task.
	GCInterval           time.Duration
	IndexRebuildInterval time.Duration

	Clock  clock.Clock
	Logger *slog.Logger
}

// Registry is the operational core of stowage: one façade over the
// image store, search index, security manager, history log, and
// upstream proxies. Safe for concurrent use.
type Registry struct {
	store     *image.Store
	index     *index.Index
	security  *security.Manager
	history   *history.Log
	upstreams map[string]*upstream.Client

	uploads       *semaphore.Weighted
	downloads     *semaphore.Weighted
	admissionWait time.Duration

	gcInterval      time.Duration
	rebuildInterval time.Duration

	// maintMu serializes maintenance against image operations.
	// Operations hold it shared; garbage collection and index rebuilds
	// hold it exclusively, so a sweep never runs under a push and a
	// pull never reads blobs mid-sweep.
	maintMu sync.RWMutex

	clock   clock.Clock
	logger  *slog.Logger
	started time.Time
}

// New validates the wiring and returns a ready Registry.
func New(cfg Config) (*Registry, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("registry: image store is required")
	}
	if cfg.Index == nil {
		return nil, fmt.Errorf("registry: search index is required")
	}
	if cfg.Security == nil {
		return nil, fmt.Errorf("registry: security manager is required")
	}

	uploads := cfg.MaxConcurrentUploads
	if uploads <= 0 {
		uploads = DefaultMaxConcurrentUploads
	}
	downloads := cfg.MaxConcurrentDownloads
	if downloads <= 0 {
		downloads = DefaultMaxConcurrentDownloads
	}
	wait := cfg.AdmissionWait
	if wait <= 0 {
		wait = DefaultAdmissionWait
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Registry{
		store:           cfg.Store,
		index:           cfg.Index,
		security:        cfg.Security,
		history:         cfg.History,
		upstreams:       cfg.Upstreams,
		uploads:         semaphore.NewWeighted(uploads),
		downloads:       semaphore.NewWeighted(downloads),
		admissionWait:   wait,
		gcInterval:      cfg.GCInterval,
		rebuildInterval: cfg.IndexRebuildInterval,
		clock:           clk,
		logger:          logger,
		started:         clk.Now(),
	}, nil
}

// Security exposes the security manager for token validation and
// account administration at the service boundary.
func (r *Registry) Security() *security.Manager { return r.security }

// acquire takes one slot from sem, waiting at most the admission
// window. A window that elapses with the parent context still live is
// ErrBusy; a parent cancellation propagates as the context's error.
func (r *Registry) acquire(ctx context.Context, sem *semaphore.Weighted) (func(), error) {
	waitCtx, cancel := context.WithTimeout(ctx, r.admissionWait)
	defer cancel()

	if err := sem.Acquire(waitCtx, 1); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, ErrBusy
	}
	return func() { sem.Release(1) }, nil
}

// recordEvent appends to the operation history. The operation already
// succeeded by the time this runs, so failures are logged rather than
// returned, and a caller hanging up cannot lose the record.
func (r *Registry) recordEvent(ctx context.Context, event history.Event) {
	if r.history == nil {
		return
	}
	if err := r.history.Record(context.WithoutCancel(ctx), event); err != nil {
		r.logger.Error("recording history event failed",
			"action", event.Action, "repository", event.Repository, "error", err)
	}
}

// PushImage stores a complete image under name:tag and returns the
// manifest digest.
func (r *Registry) PushImage(ctx context.Context, req image.PushRequest, actor string) (digest.Digest, error) {
	release, err := r.acquire(ctx, r.uploads)
	if err != nil {
		return "", err
	}
	defer release()

	r.maintMu.RLock()
	defer r.maintMu.RUnlock()

	manifestDigest, err := r.store.Push(req)
	if err != nil {
		return "", err
	}

	r.recordEvent(ctx, history.Event{
		Action:     history.ActionPush,
		Actor:      actor,
		Repository: req.Name,
		Tag:        req.Tag,
		Digest:     manifestDigest.String(),
	})
	return manifestDigest, nil
}

// PullImage materializes the complete image stored under name:tag.
func (r *Registry) PullImage(ctx context.Context, name, tag, actor string) (*image.Image, error) {
	release, err := r.acquire(ctx, r.downloads)
	if err != nil {
		return nil, err
	}
	defer release()

	r.maintMu.RLock()
	defer r.maintMu.RUnlock()

	img, err := r.store.Pull(name, tag)
	if err != nil {
		return nil, err
	}

	r.recordEvent(ctx, history.Event{
		Action:     history.ActionPull,
		Actor:      actor,
		Repository: name,
		Tag:        tag,
		Digest:     img.ManifestDigest.String(),
	})
	return img, nil
}

// TagImage points dstName:dstTag at the image srcName:srcTag already
// references. No blob is copied.
func (r *Registry) TagImage(ctx context.Context, srcName, srcTag, dstName, dstTag, actor string) error {
	r.maintMu.RLock()
	defer r.maintMu.RUnlock()

	if err := r.store.Tag(srcName, srcTag, dstName, dstTag); err != nil {
		return err
	}

	r.recordEvent(ctx, history.Event{
		Action:     history.ActionTag,
		Actor:      actor,
		Repository: dstName,
		Tag:        dstTag,
		Detail:     fmt.Sprintf("from %s:%s", srcName, srcTag),
	})
	return nil
}

// RemoveImage deletes the tag pointer for name:tag. Blobs stay on disk
// until the next garbage collection.
func (r *Registry) RemoveImage(ctx context.Context, name, tag, actor string) error {
	r.maintMu.RLock()
	defer r.maintMu.RUnlock()

	if err := r.store.DeleteTag(name, tag); err != nil {
		return err
	}

	r.recordEvent(ctx, history.Event{
		Action:     history.ActionDelete,
		Actor:      actor,
		Repository: name,
		Tag:        tag,
	})
	return nil
}

// Search queries the search index. The index swaps state atomically,
// so no maintenance lock is needed.
func (r *Registry) Search(query string, limit int) []index.Entry {
	return r.index.Search(query, limit)
}

// Inspect returns the metadata summary for name:tag.
func (r *Registry) Inspect(name, tag string) (*image.Summary, error) {
	r.maintMu.RLock()
	defer r.maintMu.RUnlock()
	return r.store.Inspect(name, tag)
}

// ListRepositories returns every repository name with at least one
// tag, sorted.
func (r *Registry) ListRepositories() []string {
	return r.store.Repositories()
}

// ListTags returns the tag records for one repository, sorted by tag.
func (r *Registry) ListTags(name string) []image.TagRecord {
	return r.store.Tags(name)
}

// GarbageCollect removes every blob no tagged manifest references. It
// holds the maintenance lock exclusively for the whole mark and sweep.
func (r *Registry) GarbageCollect(ctx context.Context, actor string) (image.GCResult, error) {
	r.maintMu.Lock()
	result, err := r.store.GarbageCollect()
	r.maintMu.Unlock()
	if err != nil {
		return image.GCResult{}, err
	}

	r.recordEvent(ctx, history.Event{
		Action: history.ActionGC,
		Actor:  actor,
		Detail: fmt.Sprintf("removed %d blobs, freed %d bytes", result.BlobsRemoved, result.BytesFreed),
	})
	return result, nil
}

// RebuildIndex recomputes the search index from the tag pointers and
// returns the entry count.
func (r *Registry) RebuildIndex(ctx context.Context, actor string) int {
	r.maintMu.Lock()
	entries := r.store.RebuildIndex()
	r.maintMu.Unlock()

	r.recordEvent(ctx, history.Event{
		Action: history.ActionRebuildIndex,
		Actor:  actor,
		Detail: fmt.Sprintf("%d entries", entries),
	})
	return entries
}

// externalConfig is the lenient view of a config document produced
// outside this registry. Other registries and build tools write
// created as an RFC 3339 string and carry sections (history, rootfs)
// stowage does not model, so only the portable subset is read and the
// local push stamps its own creation time.
type externalConfig struct {
	Architecture string              `json:"architecture"`
	OS           string              `json:"os"`
	Config       image.RuntimeConfig `json:"config"`
}

// ParseConfigJSON decodes an externally produced image config
// document into the portable subset the registry stores. Unknown
// fields are ignored and the returned config has a zero Created;
// the push path stamps its own creation time.
func ParseConfigJSON(data []byte) (image.Config, error) {
	var external externalConfig
	if err := json.Unmarshal(data, &external); err != nil {
		return image.Config{}, err
	}
	return image.Config{
		Architecture: external.Architecture,
		OS:           external.OS,
		Config:       external.Config,
	}, nil
}

// PullThrough fetches name:tag from the named upstream and persists it
// locally through the normal push path. The local copy gets its own
// manifest digest and creation time; layer and config content is
// byte-identical to the upstream's.
func (r *Registry) PullThrough(ctx context.Context, upstreamName, name, tag, actor string) (digest.Digest, error) {
	client, exists := r.upstreams[upstreamName]
	if !exists {
		return "", fmt.Errorf("%w: %q", ErrUnknownUpstream, upstreamName)
	}

	// Fetch before admission so slow upstreams hold no slot or lock.
	fetched, err := client.FetchImage(ctx, name, tag)
	if err != nil {
		return "", fmt.Errorf("fetching %s:%s from upstream %s: %w", name, tag, upstreamName, err)
	}

	remote, err := ParseConfigJSON(fetched.Config)
	if err != nil {
		return "", fmt.Errorf("parsing upstream config for %s:%s: %w", name, tag, err)
	}

	release, err := r.acquire(ctx, r.uploads)
	if err != nil {
		return "", err
	}
	defer release()

	r.maintMu.RLock()
	defer r.maintMu.RUnlock()

	manifestDigest, err := r.store.Push(image.PushRequest{
		Name:        name,
		Tag:         tag,
		Layers:      fetched.Layers,
		Config:      remote,
		Annotations: fetched.Manifest.Annotations,
	})
	if err != nil {
		return "", fmt.Errorf("persisting %s:%s: %w", name, tag, err)
	}

	r.logger.Info("pulled through upstream",
		"upstream", upstreamName, "name", name, "tag", tag, "digest", manifestDigest)
	r.recordEvent(ctx, history.Event{
		Action:     history.ActionProxyPull,
		Actor:      actor,
		Repository: name,
		Tag:        tag,
		Digest:     manifestDigest.String(),
		Detail:     "from " + upstreamName,
	})
	return manifestDigest, nil
}

// TagRef names one tagged image for export.
type TagRef struct {
	Name string
	Tag  string
}

// Export writes the named images and the full closure of their blobs
// as one archive stream.
func (r *Registry) Export(ctx context.Context, w io.Writer, images []TagRef, actor string) error {
	release, err := r.acquire(ctx, r.downloads)
	if err != nil {
		return err
	}
	defer release()

	r.maintMu.RLock()
	defer r.maintMu.RUnlock()

	refs := make([]archive.Ref, 0, len(images))
	for _, ref := range images {
		summary, err := r.store.Inspect(ref.Name, ref.Tag)
		if err != nil {
			return fmt.Errorf("resolving %s:%s: %w", ref.Name, ref.Tag, err)
		}
		refs = append(refs, archive.Ref{Name: ref.Name, Tag: ref.Tag, Digest: summary.ManifestDigest})
	}

	if err := archive.Write(w, refs, r.store.ReadBlob); err != nil {
		return err
	}

	for _, ref := range refs {
		r.recordEvent(ctx, history.Event{
			Action:     history.ActionExport,
			Actor:      actor,
			Repository: ref.Name,
			Tag:        ref.Tag,
			Digest:     ref.Digest.String(),
		})
	}
	return nil
}

// Import reads an archive stream and restores every image it holds,
// preserving digests and creation times. Existing blobs deduplicate;
// existing tags move to the imported manifests.
func (r *Registry) Import(ctx context.Context, rd io.Reader, actor string) ([]archive.Ref, error) {
	a, err := archive.Read(rd)
	if err != nil {
		return nil, err
	}

	release, err := r.acquire(ctx, r.uploads)
	if err != nil {
		return nil, err
	}
	defer release()

	r.maintMu.RLock()
	restored, err := a.Import(r.store)
	r.maintMu.RUnlock()
	if err != nil {
		return nil, err
	}

	for _, ref := range restored {
		r.recordEvent(ctx, history.Event{
			Action:     history.ActionImport,
			Actor:      actor,
			Repository: ref.Name,
			Tag:        ref.Tag,
			Digest:     ref.Digest.String(),
		})
	}
	return restored, nil
}

// Login authenticates a user and mints a session token.
func (r *Registry) Login(ctx context.Context, username, password string) (*security.Token, error) {
	token, err := r.security.Authenticate(username, password)
	if err != nil {
		return nil, err
	}

	r.recordEvent(ctx, history.Event{
		Action: history.ActionLogin,
		Actor:  username,
	})
	return token, nil
}

// History returns operation events matching the filter, most recent
// first.
func (r *Registry) History(ctx context.Context, filter history.Filter) ([]history.Event, error) {
	if r.history == nil {
		return nil, ErrHistoryDisabled
	}
	return r.history.Query(ctx, filter)
}

// PullCount returns how many pulls, local and proxied, name:tag has
// served.
func (r *Registry) PullCount(ctx context.Context, name, tag string) (int64, error) {
	if r.history == nil {
		return 0, ErrHistoryDisabled
	}
	return r.history.PullCount(ctx, name, tag)
}
