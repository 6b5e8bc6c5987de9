// Copyright 2026 The Stowage Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings like
// "90s" or "1h30m".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the plain time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the full configuration of the stowage service.
type Config struct {
	Storage     StorageConfig     `yaml:"storage"`
	Index       IndexConfig       `yaml:"index"`
	Security    SecurityConfig    `yaml:"security"`
	Limits      LimitsConfig      `yaml:"limits"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
	Upstreams   []UpstreamConfig  `yaml:"upstreams"`
	History     HistoryConfig     `yaml:"history"`
	Service     ServiceConfig     `yaml:"service"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Log         LogConfig         `yaml:"log"`
}

// StorageConfig places the content-addressed store.
type StorageConfig struct {
	// Root is the base directory for blobs and tag pointers. Other
	// paths may reference it as ${STOWAGE_ROOT}.
	Root string `yaml:"root"`

	// EncryptionKeyFile, when set, names a 32-byte key file and
	// switches the blob store to sealed (encrypted at rest) mode.
	EncryptionKeyFile string `yaml:"encryption_key_file"`
}

// IndexConfig places the search index snapshot.
type IndexConfig struct {
	// SnapshotPath is the JSON file the index persists to. Empty
	// keeps the index memory-only; a restart then costs one rebuild.
	SnapshotPath string `yaml:"snapshot_path"`

	// PersistDebounce is how long the persister coalesces mutations
	// before writing the snapshot.
	PersistDebounce Duration `yaml:"persist_debounce"`
}

// SecurityConfig places account state and tunes authentication.
type SecurityConfig struct {
	// StateDir holds the users/ and tokens/ directories.
	StateDir string `yaml:"state_dir"`

	// BootstrapFile, when set, names a JSONC file of users and grants
	// applied once at startup, for provisioning a fresh registry.
	BootstrapFile string `yaml:"bootstrap_file"`

	// TokenTTL is the session token lifetime.
	TokenTTL Duration `yaml:"token_ttl"`

	// LoginRate and LoginBurst throttle login attempts per username.
	LoginRate  float64 `yaml:"login_rate"`
	LoginBurst int     `yaml:"login_burst"`
}

// LimitsConfig bounds concurrent image traffic.
type LimitsConfig struct {
	MaxConcurrentUploads   int64 `yaml:"max_concurrent_uploads"`
	MaxConcurrentDownloads int64 `yaml:"max_concurrent_downloads"`

	// AdmissionWait is how long an operation may wait for a slot
	// before being turned away as busy.
	AdmissionWait Duration `yaml:"admission_wait"`
}

// MaintenanceConfig sets the background cadences. A zero interval
// disables that task.
type MaintenanceConfig struct {
	GCInterval           Duration `yaml:"gc_interval"`
	IndexRebuildInterval Duration `yaml:"index_rebuild_interval"`
}

// UpstreamConfig names one remote registry for pull-through.
type UpstreamConfig struct {
	Name string `yaml:"name"`
	URL  string `yaml:"url"`
}

// HistoryConfig places the operation log.
type HistoryConfig struct {
	// Path is the SQLite database file. Empty disables history.
	Path string `yaml:"path"`
}

// ServiceConfig places the daemon's listening socket.
type ServiceConfig struct {
	SocketPath string `yaml:"socket_path"`
}

// MetricsConfig exposes Prometheus metrics.
type MetricsConfig struct {
	// Listen is the HTTP address for /metrics, like "127.0.0.1:9123".
	// Empty disables the listener.
	Listen string `yaml:"listen"`
}

// LogConfig tunes the daemon's logging.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`
}

// SlogLevel maps the configured level onto slog. Validate rejects
// unknown names; anything else falls back to info.
func (l LogConfig) SlogLevel() slog.Level {
	switch l.Level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Default returns a runnable baseline configuration. Paths derived
// from the storage root are written as ${STOWAGE_ROOT} references, so
// a file that overrides only storage.root relocates them all.
func Default() *Config {
	return &Config{
		Storage: StorageConfig{
			Root: "/var/lib/stowage",
		},
		Index: IndexConfig{
			SnapshotPath:    "${STOWAGE_ROOT}/index.json",
			PersistDebounce: Duration(time.Second),
		},
		Security: SecurityConfig{
			StateDir:   "${STOWAGE_ROOT}/security",
			TokenTTL:   Duration(time.Hour),
			LoginRate:  1,
			LoginBurst: 5,
		},
		Limits: LimitsConfig{
			MaxConcurrentUploads:   4,
			MaxConcurrentDownloads: 8,
			AdmissionWait:          Duration(5 * time.Second),
		},
		Maintenance: MaintenanceConfig{
			GCInterval:           Duration(time.Hour),
			IndexRebuildInterval: Duration(6 * time.Hour),
		},
		History: HistoryConfig{
			Path: "${STOWAGE_ROOT}/history.db",
		},
		Service: ServiceConfig{
			SocketPath: "/run/stowage/stowage.sock",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads the configuration file at path, expands path variables,
// and validates the result. An empty path falls back to the
// STOWAGE_CONFIG environment variable; if that is unset too, the
// defaults are returned.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("STOWAGE_CONFIG")
	}

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	}

	cfg.expandVariables()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// expandVariables expands ${VAR} and ${VAR:-default} patterns in path
// fields. ${STOWAGE_ROOT} resolves to the configured storage root, so
// it is expanded first.
func (c *Config) expandVariables() {
	vars := map[string]string{
		"STOWAGE_ROOT": c.Storage.Root,
		"HOME":         os.Getenv("HOME"),
	}

	c.Storage.Root = expandVars(c.Storage.Root, vars)
	vars["STOWAGE_ROOT"] = c.Storage.Root

	c.Storage.EncryptionKeyFile = expandVars(c.Storage.EncryptionKeyFile, vars)
	c.Index.SnapshotPath = expandVars(c.Index.SnapshotPath, vars)
	c.Security.StateDir = expandVars(c.Security.StateDir, vars)
	c.Security.BootstrapFile = expandVars(c.Security.BootstrapFile, vars)
	c.History.Path = expandVars(c.History.Path, vars)
	c.Service.SocketPath = expandVars(c.Service.SocketPath, vars)
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// expandVars expands ${VAR} and ${VAR:-default} patterns, checking
// the provided vars first and the process environment second.
func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}

		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// Validate checks the configuration for errors, reporting all of them
// at once.
func (c *Config) Validate() error {
	var errs []error

	if c.Storage.Root == "" {
		errs = append(errs, fmt.Errorf("storage.root is required"))
	}
	if c.Service.SocketPath == "" {
		errs = append(errs, fmt.Errorf("service.socket_path is required"))
	}
	if c.Security.StateDir == "" {
		errs = append(errs, fmt.Errorf("security.state_dir is required"))
	}
	if c.Security.TokenTTL <= 0 {
		errs = append(errs, fmt.Errorf("security.token_ttl must be positive"))
	}
	if c.Security.LoginRate <= 0 {
		errs = append(errs, fmt.Errorf("security.login_rate must be positive"))
	}
	if c.Security.LoginBurst <= 0 {
		errs = append(errs, fmt.Errorf("security.login_burst must be positive"))
	}
	if c.Index.PersistDebounce <= 0 {
		errs = append(errs, fmt.Errorf("index.persist_debounce must be positive"))
	}
	if c.Limits.MaxConcurrentUploads <= 0 {
		errs = append(errs, fmt.Errorf("limits.max_concurrent_uploads must be positive"))
	}
	if c.Limits.MaxConcurrentDownloads <= 0 {
		errs = append(errs, fmt.Errorf("limits.max_concurrent_downloads must be positive"))
	}
	if c.Limits.AdmissionWait <= 0 {
		errs = append(errs, fmt.Errorf("limits.admission_wait must be positive"))
	}
	if c.Maintenance.GCInterval < 0 {
		errs = append(errs, fmt.Errorf("maintenance.gc_interval must not be negative"))
	}
	if c.Maintenance.IndexRebuildInterval < 0 {
		errs = append(errs, fmt.Errorf("maintenance.index_rebuild_interval must not be negative"))
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level %q is not one of debug, info, warn, error", c.Log.Level))
	}

	seen := make(map[string]bool, len(c.Upstreams))
	for i, up := range c.Upstreams {
		if up.Name == "" {
			errs = append(errs, fmt.Errorf("upstreams[%d].name is required", i))
		} else if seen[up.Name] {
			errs = append(errs, fmt.Errorf("upstreams[%d]: duplicate name %q", i, up.Name))
		}
		seen[up.Name] = true

		parsed, err := url.Parse(up.URL)
		if err != nil || parsed.Host == "" || (parsed.Scheme != "http" && parsed.Scheme != "https") {
			errs = append(errs, fmt.Errorf("upstreams[%d].url %q must be an http or https URL", i, up.URL))
		}
	}

	return errors.Join(errs...)
}

// EnsurePaths creates the storage root and the parent directories of
// every configured file. The security state directory is created by
// the security manager itself with tighter permissions.
func (c *Config) EnsurePaths() error {
	dirs := []string{c.Storage.Root}
	for _, file := range []string{c.Index.SnapshotPath, c.History.Path, c.Service.SocketPath} {
		if file != "" {
			dirs = append(dirs, filepath.Dir(file))
		}
	}

	for _, dir := range dirs {
		if dir == "" || dir == "." {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}
	return nil
}
