// Copyright 2026 The Stowage Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"github.com/stowage-foundation/stowage/lib/archive"
	"github.com/stowage-foundation/stowage/lib/history"
	"github.com/stowage-foundation/stowage/lib/image"
	"github.com/stowage-foundation/stowage/lib/index"
	"github.com/stowage-foundation/stowage/lib/security"
)

// Action names routed by the daemon's socket server. The "status" and
// "login" actions are unauthenticated; everything else requires a
// token field.
const (
	ActionStatus = "status"
	ActionLogin  = "login"

	ActionPush         = "push"
	ActionPull         = "pull"
	ActionTag          = "tag"
	ActionRemove       = "remove"
	ActionSearch       = "search"
	ActionInspect      = "inspect"
	ActionRepositories = "repositories"
	ActionTags         = "tags"

	ActionGC           = "garbage-collect"
	ActionRebuildIndex = "rebuild-index"
	ActionProxyPull    = "proxy-pull"
	ActionHistory      = "history"

	ActionExport = "export"
	ActionImport = "import"

	ActionUserCreate = "user-create"
	ActionUserList   = "user-list"
	ActionUserDelete = "user-delete"
	ActionACLSet     = "acl-set"
	ActionACLRemove  = "acl-remove"
)

// --- Status and login ---

// StatusResponse is the unauthenticated liveness and capacity report.
type StatusResponse struct {
	// Version is the daemon's build version string.
	Version string `json:"version"`

	UptimeSeconds int64 `json:"uptime_seconds"`
	Repositories  int   `json:"repositories"`
	Tags          int   `json:"tags"`
	Blobs         int   `json:"blobs"`
	BlobBytes     int64 `json:"blob_bytes"`
	IndexEntries  int   `json:"index_entries"`
	Users         int   `json:"users"`

	// Encrypted reports whether blobs are sealed at rest.
	Encrypted bool `json:"encrypted"`

	// DiskFreeBytes is the free space on the filesystem holding the
	// blob store. Zero when the daemon could not stat the filesystem.
	DiskFreeBytes uint64 `json:"disk_free_bytes"`
}

// LoginRequest exchanges credentials for a session token.
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// LoginResponse carries the minted session token. Expiry is unix
// seconds; clients should re-login when it passes rather than retry
// rejected requests.
type LoginResponse struct {
	Token    string  `json:"token"`
	Username string  `json:"username"`
	Expiry   float64 `json:"expiry"`
}

// --- Image operations ---

// PushRequest stores a complete image in one request. Layers are in
// stacking order; order is part of the image's identity.
type PushRequest struct {
	Name   string   `json:"name"`
	Tag    string   `json:"tag"`
	Layers [][]byte `json:"layers"`

	// Config is the image config document as raw JSON. The daemon
	// reads the portable subset (architecture, os, runtime config) and
	// ignores sections it does not model, so configs written by other
	// build tooling push unmodified. Empty means an empty config.
	Config []byte `json:"config,omitempty"`

	Annotations map[string]string `json:"annotations,omitempty"`
}

// PushResponse reports the manifest digest the push produced.
type PushResponse struct {
	Digest string `json:"digest"`
}

// PullRequest fetches a complete image by name and tag.
type PullRequest struct {
	Name string `json:"name"`
	Tag  string `json:"tag"`
}

// PullResponse is the fully materialized image: enough to write a
// rootfs and re-push the identical image elsewhere.
type PullResponse struct {
	Name    string  `json:"name"`
	Tag     string  `json:"tag"`
	Digest  string  `json:"digest"`
	Created float64 `json:"created"`

	// Config is the stored config document in its canonical JSON form.
	Config []byte `json:"config"`

	Annotations map[string]string `json:"annotations,omitempty"`

	// Layers are the filesystem layers in stacking order.
	Layers [][]byte `json:"layers"`
}

// TagRequest points a new (name, tag) at the manifest another tag
// already references. Aliasing is metadata-only; no blobs move.
type TagRequest struct {
	SrcName string `json:"src_name"`
	SrcTag  string `json:"src_tag"`
	DstName string `json:"dst_name"`
	DstTag  string `json:"dst_tag"`
}

// RemoveRequest deletes a tag pointer. Blob reclamation is garbage
// collection's job, not removal's.
type RemoveRequest struct {
	Name string `json:"name"`
	Tag  string `json:"tag"`
}

// --- Queries ---

// SearchRequest queries the search index.
type SearchRequest struct {
	Query string `json:"query"`

	// Limit caps the result count; zero means the server default.
	Limit int `json:"limit,omitempty"`
}

// SearchResponse lists matching index entries, exact key matches
// first.
type SearchResponse struct {
	Entries []index.Entry `json:"entries"`
}

// InspectRequest fetches the metadata view of one tagged image.
type InspectRequest struct {
	Name string `json:"name"`
	Tag  string `json:"tag"`
}

// InspectResponse is the metadata view of a tagged image, assembled
// without loading layer bytes.
type InspectResponse struct {
	Name         string            `json:"name"`
	Tag          string            `json:"tag"`
	Digest       string            `json:"digest"`
	ConfigDigest string            `json:"config_digest"`
	LayerDigests []string          `json:"layer_digests"`
	Size         int64             `json:"size"`
	Labels       map[string]string `json:"labels,omitempty"`
	Architecture string            `json:"architecture,omitempty"`
	OS           string            `json:"os,omitempty"`
	Entrypoint   []string          `json:"entrypoint,omitempty"`
	Cmd          []string          `json:"cmd,omitempty"`
	Annotations  map[string]string `json:"annotations,omitempty"`
	Created      float64           `json:"created"`

	// PullCount is the lifetime pull total from the history log. Uses
	// a pointer to distinguish "zero pulls" from "history disabled"
	// (field not present).
	PullCount *int64 `json:"pull_count,omitempty"`
}

// RepositoriesResponse lists repository names in sorted order.
type RepositoriesResponse struct {
	Repositories []string `json:"repositories"`
}

// TagsRequest lists the tags of one repository.
type TagsRequest struct {
	Name string `json:"name"`
}

// TagsResponse lists the repository's tag records sorted by tag.
type TagsResponse struct {
	Tags []image.TagRecord `json:"tags"`
}

// --- Maintenance ---

// GCResponse reports what a garbage collection pass reclaimed.
type GCResponse struct {
	BlobsRemoved int   `json:"blobs_removed"`
	BytesFreed   int64 `json:"bytes_freed"`
}

// RebuildIndexResponse reports the entry count after a rebuild.
type RebuildIndexResponse struct {
	Entries int `json:"entries"`
}

// ProxyPullRequest fetches an image from a configured upstream and
// stores it locally under the same name and tag.
type ProxyPullRequest struct {
	// Upstream is the configured upstream name, not a URL.
	Upstream string `json:"upstream"`

	Name string `json:"name"`
	Tag  string `json:"tag"`
}

// ProxyPullResponse reports the local manifest digest of the stored
// copy. This differs from the upstream's digest: the local manifest
// is re-serialized with its own creation time.
type ProxyPullResponse struct {
	Digest string `json:"digest"`
}

// HistoryRequest filters the event log. Zero values mean "any".
type HistoryRequest struct {
	Repository string `json:"repository,omitempty"`
	Action     string `json:"action,omitempty"`
	Actor      string `json:"actor,omitempty"`

	// Since is the earliest event time, unix seconds.
	Since int64 `json:"since,omitempty"`

	// Limit caps the result count; zero means the server default.
	Limit int `json:"limit,omitempty"`
}

// HistoryResponse lists matching events, most recent first.
type HistoryResponse struct {
	Events []history.Event `json:"events"`
}

// --- Archive transfer ---

// ImageRef names one tagged image for export.
type ImageRef struct {
	Name string `json:"name"`
	Tag  string `json:"tag"`
}

// ExportRequest names the images to bundle. The archive carries the
// full blob closure of every named image.
type ExportRequest struct {
	Images []ImageRef `json:"images"`
}

// ExportResponse carries the complete archive stream.
type ExportResponse struct {
	Archive []byte `json:"archive"`
}

// ImportRequest restores every image from an archive produced by
// export. Digests and creation times are preserved exactly.
type ImportRequest struct {
	Archive []byte `json:"archive"`
}

// ImportResponse lists the restored images.
type ImportResponse struct {
	Images []archive.Ref `json:"images"`
}

// --- Account management ---

// UserCreateRequest provisions an account. Level is the default
// access level for resources no ACL rule covers.
type UserCreateRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Level    string `json:"level"`
}

// UserDeleteRequest removes an account and its live sessions.
type UserDeleteRequest struct {
	Username string `json:"username"`
}

// UserListResponse lists all accounts without credential material.
type UserListResponse struct {
	Users []security.UserInfo `json:"users"`
}

// ACLSetRequest grants an access level on a resource pattern.
// Patterns are path-shaped with a trailing "*" wildcard matching any
// suffix ("repository/team-x/*").
type ACLSetRequest struct {
	Username string `json:"username"`
	Pattern  string `json:"pattern"`
	Level    string `json:"level"`
}

// ACLRemoveRequest deletes one ACL rule. The account falls back to
// its default level for resources the remaining rules do not cover.
type ACLRemoveRequest struct {
	Username string `json:"username"`
	Pattern  string `json:"pattern"`
}
