// Copyright 2026 The Stowage Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "stowage.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing config fixture: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("STOWAGE_CONFIG", "")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load(\"\") with no file failed: %v", err)
	}

	if cfg.Storage.Root != "/var/lib/stowage" {
		t.Errorf("root = %q, want /var/lib/stowage", cfg.Storage.Root)
	}
	// Root-derived defaults expand against the default root.
	if cfg.Index.SnapshotPath != "/var/lib/stowage/index.json" {
		t.Errorf("snapshot path = %q, want it under the root", cfg.Index.SnapshotPath)
	}
	if cfg.History.Path != "/var/lib/stowage/history.db" {
		t.Errorf("history path = %q, want it under the root", cfg.History.Path)
	}
	if cfg.Security.TokenTTL.Std() != time.Hour {
		t.Errorf("token ttl = %v, want 1h", cfg.Security.TokenTTL.Std())
	}
	if cfg.Limits.MaxConcurrentUploads != 4 || cfg.Limits.MaxConcurrentDownloads != 8 {
		t.Errorf("limits = %d/%d, want 4/8",
			cfg.Limits.MaxConcurrentUploads, cfg.Limits.MaxConcurrentDownloads)
	}
	if cfg.Log.SlogLevel() != slog.LevelInfo {
		t.Errorf("default log level = %v, want info", cfg.Log.SlogLevel())
	}
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
storage:
  root: /srv/registry
  encryption_key_file: /etc/stowage/blob.key
index:
  persist_debounce: 250ms
security:
  token_ttl: 90m
  login_rate: 0.5
  login_burst: 3
limits:
  max_concurrent_uploads: 2
  max_concurrent_downloads: 16
  admission_wait: 10s
maintenance:
  gc_interval: 30m
  index_rebuild_interval: 12h
upstreams:
  - name: mirror
    url: https://mirror.example.com
  - name: corp
    url: http://registry.corp.internal:5000
history:
  path: /srv/registry/history.db
service:
  socket_path: /run/stowage/stowage.sock
metrics:
  listen: 127.0.0.1:9123
log:
  level: debug
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.Storage.Root != "/srv/registry" {
		t.Errorf("root = %q, want /srv/registry", cfg.Storage.Root)
	}
	if cfg.Storage.EncryptionKeyFile != "/etc/stowage/blob.key" {
		t.Errorf("key file = %q", cfg.Storage.EncryptionKeyFile)
	}
	// Root-derived defaults follow the overridden root.
	if cfg.Index.SnapshotPath != "/srv/registry/index.json" {
		t.Errorf("snapshot path = %q, want it under the overridden root", cfg.Index.SnapshotPath)
	}
	if cfg.Index.PersistDebounce.Std() != 250*time.Millisecond {
		t.Errorf("debounce = %v, want 250ms", cfg.Index.PersistDebounce.Std())
	}
	if cfg.Security.TokenTTL.Std() != 90*time.Minute {
		t.Errorf("token ttl = %v, want 90m", cfg.Security.TokenTTL.Std())
	}
	if cfg.Security.LoginRate != 0.5 || cfg.Security.LoginBurst != 3 {
		t.Errorf("login throttle = %v/%d, want 0.5/3", cfg.Security.LoginRate, cfg.Security.LoginBurst)
	}
	if cfg.Limits.AdmissionWait.Std() != 10*time.Second {
		t.Errorf("admission wait = %v, want 10s", cfg.Limits.AdmissionWait.Std())
	}
	if cfg.Maintenance.GCInterval.Std() != 30*time.Minute {
		t.Errorf("gc interval = %v, want 30m", cfg.Maintenance.GCInterval.Std())
	}
	if len(cfg.Upstreams) != 2 || cfg.Upstreams[0].Name != "mirror" || cfg.Upstreams[1].URL != "http://registry.corp.internal:5000" {
		t.Errorf("upstreams = %+v", cfg.Upstreams)
	}
	if cfg.Metrics.Listen != "127.0.0.1:9123" {
		t.Errorf("metrics listen = %q", cfg.Metrics.Listen)
	}
	if cfg.Log.SlogLevel() != slog.LevelDebug {
		t.Errorf("log level = %v, want debug", cfg.Log.SlogLevel())
	}
}

func TestLoadFromEnvironment(t *testing.T) {
	path := writeConfig(t, "storage:\n  root: /env/root\n")
	t.Setenv("STOWAGE_CONFIG", path)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load(\"\") failed: %v", err)
	}
	if cfg.Storage.Root != "/env/root" {
		t.Errorf("root = %q, want /env/root", cfg.Storage.Root)
	}
}

func TestVariableExpansion(t *testing.T) {
	t.Setenv("HOME", "/home/carol")

	path := writeConfig(t, `
storage:
  root: ${HOME}/registry
index:
  snapshot_path: ${STOWAGE_ROOT}/snap/index.json
history:
  path: ${STOWAGE_HISTORY:-/fallback/history.db}
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.Storage.Root != "/home/carol/registry" {
		t.Errorf("root = %q, want ${HOME} expanded", cfg.Storage.Root)
	}
	if cfg.Index.SnapshotPath != "/home/carol/registry/snap/index.json" {
		t.Errorf("snapshot = %q, want ${STOWAGE_ROOT} expanded", cfg.Index.SnapshotPath)
	}
	if cfg.History.Path != "/fallback/history.db" {
		t.Errorf("history path = %q, want the unset-variable fallback", cfg.History.Path)
	}
}

func TestValidateCollectsAllErrors(t *testing.T) {
	path := writeConfig(t, `
storage:
  root: ""
service:
  socket_path: ""
log:
  level: loud
limits:
  max_concurrent_uploads: -1
`)

	_, err := Load(path)
	if err == nil {
		t.Fatal("invalid config accepted")
	}
	for _, want := range []string{
		"storage.root is required",
		"service.socket_path is required",
		`log.level "loud"`,
		"limits.max_concurrent_uploads must be positive",
	} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %q", err, want)
		}
	}
}

func TestValidateUpstreams(t *testing.T) {
	path := writeConfig(t, `
upstreams:
  - name: mirror
    url: https://mirror.example.com
  - name: mirror
    url: ftp://wrong.example.com
  - name: ""
    url: https://ok.example.com
`)

	_, err := Load(path)
	if err == nil {
		t.Fatal("invalid upstreams accepted")
	}
	for _, want := range []string{"duplicate name", "http or https", "name is required"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %q", err, want)
		}
	}
}

func TestInvalidDurationRejected(t *testing.T) {
	path := writeConfig(t, "security:\n  token_ttl: soon\n")

	_, err := Load(path)
	if err == nil {
		t.Fatal("unparseable duration accepted")
	}
	if !strings.Contains(err.Error(), `invalid duration "soon"`) {
		t.Errorf("error %q does not name the bad duration", err)
	}
}

func TestEnsurePaths(t *testing.T) {
	base := t.TempDir()
	path := writeConfig(t, `
storage:
  root: `+base+`/data
history:
  path: `+base+`/var/history.db
service:
  socket_path: `+base+`/run/stowage.sock
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if err := cfg.EnsurePaths(); err != nil {
		t.Fatalf("EnsurePaths() failed: %v", err)
	}

	for _, dir := range []string{
		base + "/data",
		base + "/data", // snapshot parent, same as root here
		base + "/var",
		base + "/run",
	} {
		info, err := os.Stat(dir)
		if err != nil || !info.IsDir() {
			t.Errorf("directory %s missing after EnsurePaths (err %v)", dir, err)
		}
	}
}
