// Copyright 2026 The Stowage Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stowage-foundation/stowage/lib/clock"
	"github.com/stowage-foundation/stowage/lib/codec"
	"github.com/stowage-foundation/stowage/lib/image"
	"github.com/stowage-foundation/stowage/lib/index"
	"github.com/stowage-foundation/stowage/lib/registry"
	"github.com/stowage-foundation/stowage/lib/security"
	"github.com/stowage-foundation/stowage/lib/wire"
)

func newTestService(t *testing.T) *registryService {
	t.Helper()
	root := t.TempDir()

	searchIndex, err := index.New(index.Options{})
	if err != nil {
		t.Fatalf("creating index: %v", err)
	}
	store, err := image.NewStore(image.Options{
		Root:  filepath.Join(root, "storage"),
		Index: searchIndex,
	})
	if err != nil {
		t.Fatalf("creating image store: %v", err)
	}
	securityManager, err := security.NewManager(security.Options{
		StateDir: filepath.Join(root, "security"),
		// Generous throttle so repeated test logins never trip it.
		LoginRate:  1000,
		LoginBurst: 1000,
	})
	if err != nil {
		t.Fatalf("creating security manager: %v", err)
	}
	reg, err := registry.New(registry.Config{
		Store:    store,
		Index:    searchIndex,
		Security: securityManager,
	})
	if err != nil {
		t.Fatalf("creating registry: %v", err)
	}
	t.Cleanup(func() { reg.Close() })

	return &registryService{
		registry:    reg,
		storageRoot: filepath.Join(root, "storage"),
		clock:       clock.Real(),
		logger:      slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})),
	}
}

// encodeRequest marshals a request map the way the socket server hands
// raw requests to handlers.
func encodeRequest(t *testing.T, fields map[string]any) []byte {
	t.Helper()
	raw, err := codec.Marshal(fields)
	if err != nil {
		t.Fatalf("encoding request: %v", err)
	}
	return raw
}

// loginAs creates the user if missing and returns a session token.
func loginAs(t *testing.T, s *registryService, username, password string, level security.AccessLevel) string {
	t.Helper()
	if _, exists := s.registry.Security().GetUser(username); !exists {
		if err := s.registry.Security().CreateUser(username, password, level); err != nil {
			t.Fatalf("creating user %s: %v", username, err)
		}
	}
	result, err := s.handleLogin(context.Background(), encodeRequest(t, map[string]any{
		"action":   wire.ActionLogin,
		"username": username,
		"password": password,
	}))
	if err != nil {
		t.Fatalf("login as %s: %v", username, err)
	}
	return result.(wire.LoginResponse).Token
}

// pushImage pushes a small two-layer image through the handler layer.
func pushImage(t *testing.T, s *registryService, token, name, tag string) wire.PushResponse {
	t.Helper()
	result, err := s.handlePush(context.Background(), encodeRequest(t, map[string]any{
		"action": wire.ActionPush,
		"token":  token,
		"name":   name,
		"tag":    tag,
		"layers": [][]byte{bytes.Repeat([]byte("a"), 1024), bytes.Repeat([]byte("b"), 2048)},
		"config": []byte(`{"architecture":"amd64","os":"linux","config":{"Labels":{"team":"x"}}}`),
	}))
	if err != nil {
		t.Fatalf("push %s:%s: %v", name, tag, err)
	}
	return result.(wire.PushResponse)
}

func TestPushPullRoundTrip(t *testing.T) {
	s := newTestService(t)
	token := loginAs(t, s, "admin", "admin-password", security.LevelAdmin)

	pushed := pushImage(t, s, token, "app", "v1")
	if pushed.Digest == "" {
		t.Fatal("push returned empty digest")
	}

	result, err := s.handlePull(context.Background(), encodeRequest(t, map[string]any{
		"action": wire.ActionPull,
		"token":  token,
		"name":   "app",
		"tag":    "v1",
	}))
	if err != nil {
		t.Fatalf("pull: %v", err)
	}
	pulled := result.(wire.PullResponse)

	if pulled.Digest != pushed.Digest {
		t.Errorf("pulled digest %s, pushed %s", pulled.Digest, pushed.Digest)
	}
	if len(pulled.Layers) != 2 {
		t.Fatalf("pulled %d layers, want 2", len(pulled.Layers))
	}
	if len(pulled.Layers[0]) != 1024 || len(pulled.Layers[1]) != 2048 {
		t.Errorf("layer sizes %d, %d: stacking order not preserved",
			len(pulled.Layers[0]), len(pulled.Layers[1]))
	}
	if !bytes.Contains(pulled.Config, []byte(`"team":"x"`)) {
		t.Errorf("pulled config lost the label: %s", pulled.Config)
	}
}

func TestSearchByLabel(t *testing.T) {
	s := newTestService(t)
	token := loginAs(t, s, "admin", "admin-password", security.LevelAdmin)
	pushImage(t, s, token, "app", "v1")

	result, err := s.handleSearch(context.Background(), encodeRequest(t, map[string]any{
		"action": wire.ActionSearch,
		"token":  token,
		"query":  "team:x",
	}))
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	entries := result.(wire.SearchResponse).Entries
	if len(entries) != 1 {
		t.Fatalf("search(team:x) returned %d entries, want 1", len(entries))
	}
	if entries[0].Name != "app" || entries[0].Tag != "v1" {
		t.Errorf("unexpected entry %s:%s", entries[0].Name, entries[0].Tag)
	}
	if entries[0].Size != 3072 {
		t.Errorf("entry size %d, want 3072", entries[0].Size)
	}
}

func TestMissingTokenRejected(t *testing.T) {
	s := newTestService(t)

	_, err := s.handlePush(context.Background(), encodeRequest(t, map[string]any{
		"action": wire.ActionPush,
		"name":   "app",
		"tag":    "v1",
		"layers": [][]byte{[]byte("data")},
	}))
	if !errors.Is(err, security.ErrAuthenticationFailed) {
		t.Fatalf("expected ErrAuthenticationFailed, got %v", err)
	}
}

func TestBogusTokenRejected(t *testing.T) {
	s := newTestService(t)

	_, err := s.handleRepositories(context.Background(), encodeRequest(t, map[string]any{
		"action": wire.ActionRepositories,
		"token":  "not-a-real-token",
	}))
	if !errors.Is(err, security.ErrTokenInvalid) {
		t.Fatalf("expected ErrTokenInvalid, got %v", err)
	}
}

func TestReadOnlyUserCannotPush(t *testing.T) {
	s := newTestService(t)
	adminToken := loginAs(t, s, "admin", "admin-password", security.LevelAdmin)
	readToken := loginAs(t, s, "reader", "reader-password", security.LevelRead)

	pushImage(t, s, adminToken, "app", "v1")

	_, err := s.handlePush(context.Background(), encodeRequest(t, map[string]any{
		"action": wire.ActionPush,
		"token":  readToken,
		"name":   "app",
		"tag":    "v2",
		"layers": [][]byte{[]byte("data")},
	}))
	if !errors.Is(err, security.ErrAuthorizationFailed) {
		t.Fatalf("expected ErrAuthorizationFailed, got %v", err)
	}

	// Reading is still allowed.
	if _, err := s.handlePull(context.Background(), encodeRequest(t, map[string]any{
		"action": wire.ActionPull,
		"token":  readToken,
		"name":   "app",
		"tag":    "v1",
	})); err != nil {
		t.Fatalf("read-only pull: %v", err)
	}
}

func TestACLWildcardScopesWrites(t *testing.T) {
	s := newTestService(t)
	if err := s.registry.Security().CreateUser("builder", "builder-password", security.LevelRead); err != nil {
		t.Fatalf("creating builder: %v", err)
	}
	if err := s.registry.Security().SetACL("builder", "repository/team-x/*", security.LevelWrite); err != nil {
		t.Fatalf("setting ACL: %v", err)
	}
	token := loginAs(t, s, "builder", "builder-password", security.LevelRead)

	// Inside the granted prefix: allowed.
	pushImage(t, s, token, "team-x/app", "v1")

	// Outside it: denied.
	_, err := s.handlePush(context.Background(), encodeRequest(t, map[string]any{
		"action": wire.ActionPush,
		"token":  token,
		"name":   "team-y/app",
		"tag":    "v1",
		"layers": [][]byte{[]byte("data")},
	}))
	if !errors.Is(err, security.ErrAuthorizationFailed) {
		t.Fatalf("expected ErrAuthorizationFailed outside granted prefix, got %v", err)
	}
}

func TestGCRemovesUnreferencedBlobs(t *testing.T) {
	s := newTestService(t)
	token := loginAs(t, s, "admin", "admin-password", security.LevelAdmin)
	ctx := context.Background()

	pushImage(t, s, token, "app", "v1")

	if _, err := s.handleRemove(ctx, encodeRequest(t, map[string]any{
		"action": wire.ActionRemove,
		"token":  token,
		"name":   "app",
		"tag":    "v1",
	})); err != nil {
		t.Fatalf("remove: %v", err)
	}

	result, err := s.handleGC(ctx, encodeRequest(t, map[string]any{
		"action": wire.ActionGC,
		"token":  token,
	}))
	if err != nil {
		t.Fatalf("gc: %v", err)
	}
	// Manifest, config, and two layers.
	if removed := result.(wire.GCResponse).BlobsRemoved; removed != 4 {
		t.Errorf("gc removed %d blobs, want 4", removed)
	}

	// Maintenance requires write access.
	readToken := loginAs(t, s, "reader", "reader-password", security.LevelRead)
	if _, err := s.handleGC(ctx, encodeRequest(t, map[string]any{
		"action": wire.ActionGC,
		"token":  readToken,
	})); !errors.Is(err, security.ErrAuthorizationFailed) {
		t.Fatalf("expected ErrAuthorizationFailed for reader gc, got %v", err)
	}
}

func TestStatusIsUnauthenticated(t *testing.T) {
	s := newTestService(t)
	adminToken := loginAs(t, s, "admin", "admin-password", security.LevelAdmin)
	pushImage(t, s, adminToken, "app", "v1")

	result, err := s.handleStatus(context.Background(), encodeRequest(t, map[string]any{
		"action": wire.ActionStatus,
	}))
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	status := result.(wire.StatusResponse)
	if status.Repositories != 1 || status.Tags != 1 {
		t.Errorf("status reports %d repositories, %d tags; want 1, 1",
			status.Repositories, status.Tags)
	}
	if status.Blobs != 4 {
		t.Errorf("status reports %d blobs, want 4", status.Blobs)
	}
	if status.Users != 1 {
		t.Errorf("status reports %d users, want 1", status.Users)
	}
}

func TestExportImportRoundTrip(t *testing.T) {
	s := newTestService(t)
	token := loginAs(t, s, "admin", "admin-password", security.LevelAdmin)
	ctx := context.Background()

	pushed := pushImage(t, s, token, "app", "v1")

	result, err := s.handleExport(ctx, encodeRequest(t, map[string]any{
		"action": wire.ActionExport,
		"token":  token,
		"images": []map[string]any{{"name": "app", "tag": "v1"}},
	}))
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	archiveBytes := result.(wire.ExportResponse).Archive
	if len(archiveBytes) == 0 {
		t.Fatal("export produced empty archive")
	}

	// Import into a second, empty service.
	dst := newTestService(t)
	dstToken := loginAs(t, dst, "admin", "admin-password", security.LevelAdmin)

	importResult, err := dst.handleImport(ctx, encodeRequest(t, map[string]any{
		"action":  wire.ActionImport,
		"token":   dstToken,
		"archive": archiveBytes,
	}))
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	restored := importResult.(wire.ImportResponse).Images
	if len(restored) != 1 || restored[0].Digest.String() != pushed.Digest {
		t.Fatalf("import restored %+v, want one image with digest %s", restored, pushed.Digest)
	}

	pullResult, err := dst.handlePull(ctx, encodeRequest(t, map[string]any{
		"action": wire.ActionPull,
		"token":  dstToken,
		"name":   "app",
		"tag":    "v1",
	}))
	if err != nil {
		t.Fatalf("pull after import: %v", err)
	}
	if pullResult.(wire.PullResponse).Digest != pushed.Digest {
		t.Error("imported image digest does not match the exported one")
	}
}

func TestUserManagementRequiresAdmin(t *testing.T) {
	s := newTestService(t)
	adminToken := loginAs(t, s, "admin", "admin-password", security.LevelAdmin)
	readToken := loginAs(t, s, "reader", "reader-password", security.LevelRead)
	ctx := context.Background()

	if _, err := s.handleUserCreate(ctx, encodeRequest(t, map[string]any{
		"action":   wire.ActionUserCreate,
		"token":    readToken,
		"username": "sneaky",
		"password": "whatever1",
		"level":    "admin",
	})); !errors.Is(err, security.ErrAuthorizationFailed) {
		t.Fatalf("expected ErrAuthorizationFailed, got %v", err)
	}

	if _, err := s.handleUserCreate(ctx, encodeRequest(t, map[string]any{
		"action":   wire.ActionUserCreate,
		"token":    adminToken,
		"username": "builder",
		"password": "builder-password",
		"level":    "write",
	})); err != nil {
		t.Fatalf("admin user-create: %v", err)
	}

	result, err := s.handleUserList(ctx, encodeRequest(t, map[string]any{
		"action": wire.ActionUserList,
		"token":  readToken,
	}))
	if err != nil {
		t.Fatalf("user-list: %v", err)
	}
	if users := result.(wire.UserListResponse).Users; len(users) != 3 {
		t.Errorf("listed %d users, want 3", len(users))
	}
}
