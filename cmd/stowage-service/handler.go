// Copyright 2026 The Stowage Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sys/unix"

	"github.com/stowage-foundation/stowage/lib/archive"
	"github.com/stowage-foundation/stowage/lib/clock"
	"github.com/stowage-foundation/stowage/lib/codec"
	"github.com/stowage-foundation/stowage/lib/history"
	"github.com/stowage-foundation/stowage/lib/image"
	"github.com/stowage-foundation/stowage/lib/registry"
	"github.com/stowage-foundation/stowage/lib/security"
	"github.com/stowage-foundation/stowage/lib/service"
	"github.com/stowage-foundation/stowage/lib/version"
	"github.com/stowage-foundation/stowage/lib/wire"
)

// Resource names used for access checks. Repository operations use
// "repository/<name>" so ACL wildcards can scope grants to name
// prefixes ("repository/team-x/*").
const (
	resourceCatalog     = "registry/catalog"
	resourceMaintenance = "registry/maintenance"
	resourceHistory     = "registry/history"
	resourceUsers       = "security/users"
	resourceACL         = "security/acl"
)

func repositoryResource(name string) string {
	return "repository/" + name
}

// defaultSearchLimit caps search results when the client sends no
// limit of its own.
const defaultSearchLimit = 50

// registryService is the daemon's action handler layer: it decodes
// wire requests, enforces authentication and authorization, and
// delegates to the registry façade.
type registryService struct {
	registry    *registry.Registry
	storageRoot string
	metrics     *serviceMetrics // nil when the metrics listener is disabled
	clock       clock.Clock
	logger      *slog.Logger
}

// register wires every action onto the socket server.
func (s *registryService) register(server *service.SocketServer) {
	handlers := map[string]service.ActionFunc{
		wire.ActionStatus: s.handleStatus,
		wire.ActionLogin:  s.handleLogin,

		wire.ActionPush:         s.handlePush,
		wire.ActionPull:         s.handlePull,
		wire.ActionTag:          s.handleTag,
		wire.ActionRemove:       s.handleRemove,
		wire.ActionSearch:       s.handleSearch,
		wire.ActionInspect:      s.handleInspect,
		wire.ActionRepositories: s.handleRepositories,
		wire.ActionTags:         s.handleTags,

		wire.ActionGC:           s.handleGC,
		wire.ActionRebuildIndex: s.handleRebuildIndex,
		wire.ActionProxyPull:    s.handleProxyPull,
		wire.ActionHistory:      s.handleHistory,

		wire.ActionExport: s.handleExport,
		wire.ActionImport: s.handleImport,

		wire.ActionUserCreate: s.handleUserCreate,
		wire.ActionUserList:   s.handleUserList,
		wire.ActionUserDelete: s.handleUserDelete,
		wire.ActionACLSet:     s.handleACLSet,
		wire.ActionACLRemove:  s.handleACLRemove,
	}
	for action, handler := range handlers {
		server.Handle(action, s.instrument(action, handler))
	}
}

// instrument wraps a handler with request metrics. A no-op when the
// metrics listener is disabled.
func (s *registryService) instrument(action string, handler service.ActionFunc) service.ActionFunc {
	if s.metrics == nil {
		return handler
	}
	return func(ctx context.Context, raw []byte) (any, error) {
		start := time.Now()
		result, err := handler(ctx, raw)
		s.metrics.observe(action, time.Since(start), err)
		return result, err
	}
}

// authenticate resolves the request's session token to a username.
func (s *registryService) authenticate(raw []byte) (string, error) {
	var fields struct {
		Token string `cbor:"token"`
	}
	if err := codec.Unmarshal(raw, &fields); err != nil {
		return "", fmt.Errorf("invalid request: %w", err)
	}
	if fields.Token == "" {
		return "", fmt.Errorf("%w: missing session token", security.ErrAuthenticationFailed)
	}
	return s.registry.Security().ValidateToken(fields.Token)
}

// requireAccess authenticates the request and checks the caller's
// level on one resource.
func (s *registryService) requireAccess(raw []byte, resource string, required security.AccessLevel) (string, error) {
	username, err := s.authenticate(raw)
	if err != nil {
		return "", err
	}
	if err := s.authorize(username, resource, required); err != nil {
		return "", err
	}
	return username, nil
}

func (s *registryService) authorize(username, resource string, required security.AccessLevel) error {
	if !s.registry.Security().CheckAccess(username, resource, required) {
		return fmt.Errorf("%w: %s requires %s access to %s",
			security.ErrAuthorizationFailed, username, required, resource)
	}
	return nil
}

// --- Unauthenticated actions ---

func (s *registryService) handleStatus(ctx context.Context, raw []byte) (any, error) {
	status, err := s.registry.Status()
	if err != nil {
		return nil, err
	}

	response := wire.StatusResponse{
		Version:       version.Short(),
		UptimeSeconds: status.UptimeSeconds,
		Repositories:  status.Repositories,
		Tags:          status.Tags,
		Blobs:         status.Blobs,
		BlobBytes:     status.BlobBytes,
		IndexEntries:  status.IndexEntries,
		Users:         status.Users,
		Encrypted:     status.Encrypted,
	}

	// Free space is informational; a statfs failure is not worth
	// failing the whole status call.
	var stat unix.Statfs_t
	if err := unix.Statfs(s.storageRoot, &stat); err == nil {
		response.DiskFreeBytes = stat.Bavail * uint64(stat.Bsize)
	}

	return response, nil
}

func (s *registryService) handleLogin(ctx context.Context, raw []byte) (any, error) {
	var req wire.LoginRequest
	if err := codec.Unmarshal(raw, &req); err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}

	token, err := s.registry.Login(ctx, req.Username, req.Password)
	if err != nil {
		return nil, err
	}
	return wire.LoginResponse{
		Token:    token.Token,
		Username: token.Username,
		Expiry:   token.Expiry,
	}, nil
}

// --- Image operations ---

func (s *registryService) handlePush(ctx context.Context, raw []byte) (any, error) {
	var req wire.PushRequest
	if err := codec.Unmarshal(raw, &req); err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}

	username, err := s.requireAccess(raw, repositoryResource(req.Name), security.LevelWrite)
	if err != nil {
		return nil, err
	}

	var cfg image.Config
	if len(req.Config) > 0 {
		cfg, err = registry.ParseConfigJSON(req.Config)
		if err != nil {
			return nil, fmt.Errorf("invalid image config: %w", err)
		}
	}

	manifestDigest, err := s.registry.PushImage(ctx, image.PushRequest{
		Name:        req.Name,
		Tag:         req.Tag,
		Layers:      req.Layers,
		Config:      cfg,
		Annotations: req.Annotations,
	}, username)
	if err != nil {
		return nil, err
	}
	return wire.PushResponse{Digest: manifestDigest.String()}, nil
}

func (s *registryService) handlePull(ctx context.Context, raw []byte) (any, error) {
	var req wire.PullRequest
	if err := codec.Unmarshal(raw, &req); err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}

	username, err := s.requireAccess(raw, repositoryResource(req.Name), security.LevelRead)
	if err != nil {
		return nil, err
	}

	img, err := s.registry.PullImage(ctx, req.Name, req.Tag, username)
	if err != nil {
		return nil, err
	}

	configJSON, err := image.MarshalCanonical(img.Config)
	if err != nil {
		return nil, fmt.Errorf("serializing config: %w", err)
	}

	return wire.PullResponse{
		Name:        img.Name,
		Tag:         img.Tag,
		Digest:      img.ManifestDigest.String(),
		Created:     img.Manifest.Created,
		Config:      configJSON,
		Annotations: img.Manifest.Annotations,
		Layers:      img.Layers,
	}, nil
}

func (s *registryService) handleTag(ctx context.Context, raw []byte) (any, error) {
	var req wire.TagRequest
	if err := codec.Unmarshal(raw, &req); err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}

	// Aliasing reads the source and writes the destination, so the
	// caller needs both sides.
	username, err := s.requireAccess(raw, repositoryResource(req.SrcName), security.LevelRead)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(username, repositoryResource(req.DstName), security.LevelWrite); err != nil {
		return nil, err
	}

	if err := s.registry.TagImage(ctx, req.SrcName, req.SrcTag, req.DstName, req.DstTag, username); err != nil {
		return nil, err
	}
	return nil, nil
}

func (s *registryService) handleRemove(ctx context.Context, raw []byte) (any, error) {
	var req wire.RemoveRequest
	if err := codec.Unmarshal(raw, &req); err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}

	username, err := s.requireAccess(raw, repositoryResource(req.Name), security.LevelWrite)
	if err != nil {
		return nil, err
	}

	if err := s.registry.RemoveImage(ctx, req.Name, req.Tag, username); err != nil {
		return nil, err
	}
	return nil, nil
}

// --- Queries ---

func (s *registryService) handleSearch(ctx context.Context, raw []byte) (any, error) {
	var req wire.SearchRequest
	if err := codec.Unmarshal(raw, &req); err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}

	if _, err := s.requireAccess(raw, resourceCatalog, security.LevelRead); err != nil {
		return nil, err
	}

	limit := req.Limit
	if limit <= 0 {
		limit = defaultSearchLimit
	}
	return wire.SearchResponse{Entries: s.registry.Search(req.Query, limit)}, nil
}

func (s *registryService) handleInspect(ctx context.Context, raw []byte) (any, error) {
	var req wire.InspectRequest
	if err := codec.Unmarshal(raw, &req); err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}

	if _, err := s.requireAccess(raw, repositoryResource(req.Name), security.LevelRead); err != nil {
		return nil, err
	}

	summary, err := s.registry.Inspect(req.Name, req.Tag)
	if err != nil {
		return nil, err
	}

	layerDigests := make([]string, len(summary.LayerDigests))
	for i, d := range summary.LayerDigests {
		layerDigests[i] = d.String()
	}

	response := wire.InspectResponse{
		Name:         summary.Name,
		Tag:          summary.Tag,
		Digest:       summary.ManifestDigest.String(),
		ConfigDigest: summary.ConfigDigest.String(),
		LayerDigests: layerDigests,
		Size:         summary.Size,
		Labels:       summary.Labels,
		Architecture: summary.Architecture,
		OS:           summary.OS,
		Entrypoint:   summary.Entrypoint,
		Cmd:          summary.Cmd,
		Annotations:  summary.Annotations,
		Created:      summary.Created,
	}

	pulls, err := s.registry.PullCount(ctx, req.Name, req.Tag)
	switch {
	case err == nil:
		response.PullCount = &pulls
	case errors.Is(err, registry.ErrHistoryDisabled):
		// Leave PullCount absent.
	default:
		s.logger.Warn("reading pull count failed", "name", req.Name, "tag", req.Tag, "error", err)
	}

	return response, nil
}

func (s *registryService) handleRepositories(ctx context.Context, raw []byte) (any, error) {
	if _, err := s.requireAccess(raw, resourceCatalog, security.LevelRead); err != nil {
		return nil, err
	}
	return wire.RepositoriesResponse{Repositories: s.registry.ListRepositories()}, nil
}

func (s *registryService) handleTags(ctx context.Context, raw []byte) (any, error) {
	var req wire.TagsRequest
	if err := codec.Unmarshal(raw, &req); err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}
	if _, err := s.requireAccess(raw, repositoryResource(req.Name), security.LevelRead); err != nil {
		return nil, err
	}
	return wire.TagsResponse{Tags: s.registry.ListTags(req.Name)}, nil
}

// --- Maintenance ---

func (s *registryService) handleGC(ctx context.Context, raw []byte) (any, error) {
	username, err := s.requireAccess(raw, resourceMaintenance, security.LevelWrite)
	if err != nil {
		return nil, err
	}

	result, err := s.registry.GarbageCollect(ctx, username)
	if err != nil {
		return nil, err
	}
	return wire.GCResponse{
		BlobsRemoved: result.BlobsRemoved,
		BytesFreed:   result.BytesFreed,
	}, nil
}

func (s *registryService) handleRebuildIndex(ctx context.Context, raw []byte) (any, error) {
	username, err := s.requireAccess(raw, resourceMaintenance, security.LevelWrite)
	if err != nil {
		return nil, err
	}
	return wire.RebuildIndexResponse{Entries: s.registry.RebuildIndex(ctx, username)}, nil
}

func (s *registryService) handleProxyPull(ctx context.Context, raw []byte) (any, error) {
	var req wire.ProxyPullRequest
	if err := codec.Unmarshal(raw, &req); err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}

	username, err := s.requireAccess(raw, repositoryResource(req.Name), security.LevelWrite)
	if err != nil {
		return nil, err
	}

	manifestDigest, err := s.registry.PullThrough(ctx, req.Upstream, req.Name, req.Tag, username)
	if err != nil {
		return nil, err
	}
	return wire.ProxyPullResponse{Digest: manifestDigest.String()}, nil
}

func (s *registryService) handleHistory(ctx context.Context, raw []byte) (any, error) {
	var req wire.HistoryRequest
	if err := codec.Unmarshal(raw, &req); err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}

	if _, err := s.requireAccess(raw, resourceHistory, security.LevelRead); err != nil {
		return nil, err
	}

	events, err := s.registry.History(ctx, history.Filter{
		Repository: req.Repository,
		Action:     history.Action(req.Action),
		Actor:      req.Actor,
		Since:      req.Since,
		Limit:      req.Limit,
	})
	if err != nil {
		return nil, err
	}
	return wire.HistoryResponse{Events: events}, nil
}

// --- Archive transfer ---

func (s *registryService) handleExport(ctx context.Context, raw []byte) (any, error) {
	var req wire.ExportRequest
	if err := codec.Unmarshal(raw, &req); err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}
	if len(req.Images) == 0 {
		return nil, fmt.Errorf("export requires at least one image")
	}

	username, err := s.authenticate(raw)
	if err != nil {
		return nil, err
	}
	refs := make([]registry.TagRef, 0, len(req.Images))
	for _, img := range req.Images {
		if err := s.authorize(username, repositoryResource(img.Name), security.LevelRead); err != nil {
			return nil, err
		}
		refs = append(refs, registry.TagRef{Name: img.Name, Tag: img.Tag})
	}

	var buf bytes.Buffer
	if err := s.registry.Export(ctx, &buf, refs, username); err != nil {
		return nil, err
	}
	return wire.ExportResponse{Archive: buf.Bytes()}, nil
}

func (s *registryService) handleImport(ctx context.Context, raw []byte) (any, error) {
	var req wire.ImportRequest
	if err := codec.Unmarshal(raw, &req); err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}

	username, err := s.authenticate(raw)
	if err != nil {
		return nil, err
	}

	// Peek at the archive header so authorization covers every tag the
	// import would write before any of them is restored.
	preview, err := archiveRefs(req.Archive)
	if err != nil {
		return nil, err
	}
	for _, ref := range preview {
		if err := s.authorize(username, repositoryResource(ref.Name), security.LevelWrite); err != nil {
			return nil, err
		}
	}

	restored, err := s.registry.Import(ctx, bytes.NewReader(req.Archive), username)
	if err != nil {
		return nil, err
	}
	return wire.ImportResponse{Images: restored}, nil
}

// archiveRefs lists the images an archive would restore. This fully
// verifies the archive, and Import verifies it again; imports are
// rare, operator-driven transfers, so the duplicate pass is preferred
// over restoring tags before authorization has seen every name.
func archiveRefs(data []byte) ([]archive.Ref, error) {
	a, err := archive.Read(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	return a.Images, nil
}

// --- Account management ---

func (s *registryService) handleUserCreate(ctx context.Context, raw []byte) (any, error) {
	var req wire.UserCreateRequest
	if err := codec.Unmarshal(raw, &req); err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}

	if _, err := s.requireAccess(raw, resourceUsers, security.LevelAdmin); err != nil {
		return nil, err
	}

	level, err := security.ParseLevel(req.Level)
	if err != nil {
		return nil, err
	}
	if err := s.registry.Security().CreateUser(req.Username, req.Password, level); err != nil {
		return nil, err
	}
	return nil, nil
}

func (s *registryService) handleUserList(ctx context.Context, raw []byte) (any, error) {
	if _, err := s.requireAccess(raw, resourceUsers, security.LevelRead); err != nil {
		return nil, err
	}
	return wire.UserListResponse{Users: s.registry.Security().ListUsers()}, nil
}

func (s *registryService) handleUserDelete(ctx context.Context, raw []byte) (any, error) {
	var req wire.UserDeleteRequest
	if err := codec.Unmarshal(raw, &req); err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}
	if _, err := s.requireAccess(raw, resourceUsers, security.LevelAdmin); err != nil {
		return nil, err
	}
	if err := s.registry.Security().DeleteUser(req.Username); err != nil {
		return nil, err
	}
	return nil, nil
}

func (s *registryService) handleACLSet(ctx context.Context, raw []byte) (any, error) {
	var req wire.ACLSetRequest
	if err := codec.Unmarshal(raw, &req); err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}
	if _, err := s.requireAccess(raw, resourceACL, security.LevelAdmin); err != nil {
		return nil, err
	}

	level, err := security.ParseLevel(req.Level)
	if err != nil {
		return nil, err
	}
	if err := s.registry.Security().SetACL(req.Username, req.Pattern, level); err != nil {
		return nil, err
	}
	return nil, nil
}

func (s *registryService) handleACLRemove(ctx context.Context, raw []byte) (any, error) {
	var req wire.ACLRemoveRequest
	if err := codec.Unmarshal(raw, &req); err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}
	if _, err := s.requireAccess(raw, resourceACL, security.LevelAdmin); err != nil {
		return nil, err
	}
	if err := s.registry.Security().RemoveACL(req.Username, req.Pattern); err != nil {
		return nil, err
	}
	return nil, nil
}
