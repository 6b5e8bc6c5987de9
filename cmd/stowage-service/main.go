// Copyright 2026 The Stowage Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/stowage-foundation/stowage/lib/blob"
	"github.com/stowage-foundation/stowage/lib/clock"
	"github.com/stowage-foundation/stowage/lib/config"
	"github.com/stowage-foundation/stowage/lib/history"
	"github.com/stowage-foundation/stowage/lib/image"
	"github.com/stowage-foundation/stowage/lib/index"
	"github.com/stowage-foundation/stowage/lib/registry"
	"github.com/stowage-foundation/stowage/lib/security"
	"github.com/stowage-foundation/stowage/lib/service"
	"github.com/stowage-foundation/stowage/lib/upstream"
	"github.com/stowage-foundation/stowage/lib/version"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath  string
		showVersion bool
	)
	flag.StringVar(&configPath, "config", "", "configuration file (default: $STOWAGE_CONFIG, else built-in defaults)")
	flag.BoolVar(&showVersion, "version", false, "print version information and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf("stowage-service %s\n", version.Info())
		return nil
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.Log.SlogLevel(),
	}))
	slog.SetDefault(logger)

	if err := cfg.EnsurePaths(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Blob encryption key, if configured. Loaded before anything
	// touches the store so a bad key file fails fast.
	var sealer *blob.Sealer
	if cfg.Storage.EncryptionKeyFile != "" {
		sealer, err = blob.LoadSealer(cfg.Storage.EncryptionKeyFile)
		if err != nil {
			return fmt.Errorf("loading encryption key: %w", err)
		}
		logger.Info("blob encryption enabled")
	}

	searchIndex, err := index.New(index.Options{
		SnapshotPath: cfg.Index.SnapshotPath,
		Debounce:     cfg.Index.PersistDebounce.Std(),
		Logger:       logger.With("component", "index"),
	})
	if err != nil {
		return err
	}
	logger.Info("search index loaded", "entries", searchIndex.Len())

	store, err := image.NewStore(image.Options{
		Root:   cfg.Storage.Root,
		Sealer: sealer,
		Index:  searchIndex,
		Logger: logger.With("component", "image"),
	})
	if err != nil {
		return err
	}
	logger.Info("image store opened",
		"root", cfg.Storage.Root,
		"repositories", len(store.Repositories()),
		"tags", store.TagCount())

	// An empty index next to a populated tag store means the snapshot
	// was lost or this is the first run with persistence on. The index
	// is derived state, so recompute rather than serve empty results.
	if searchIndex.Len() == 0 && store.TagCount() > 0 {
		entries := store.RebuildIndex()
		logger.Info("search index rebuilt from tags", "entries", entries)
	}

	securityManager, err := security.NewManager(security.Options{
		StateDir:   cfg.Security.StateDir,
		TokenTTL:   cfg.Security.TokenTTL.Std(),
		LoginRate:  cfg.Security.LoginRate,
		LoginBurst: cfg.Security.LoginBurst,
		Logger:     logger.With("component", "security"),
	})
	if err != nil {
		return err
	}
	if securityManager.UserCount() == 0 && cfg.Security.BootstrapFile != "" {
		boot, err := security.LoadBootstrap(cfg.Security.BootstrapFile)
		if err != nil {
			return fmt.Errorf("loading bootstrap file: %w", err)
		}
		applied, err := securityManager.ApplyBootstrap(boot)
		if err != nil {
			return fmt.Errorf("applying bootstrap file: %w", err)
		}
		logger.Info("bootstrap users provisioned", "users", applied)
	}
	logger.Info("security manager ready", "users", securityManager.UserCount())

	var historyLog *history.Log
	if cfg.History.Path != "" {
		historyLog, err = history.Open(history.Config{
			Path:   cfg.History.Path,
			Logger: logger.With("component", "history"),
		})
		if err != nil {
			return err
		}
		logger.Info("history log opened", "path", cfg.History.Path)
	}

	upstreams := make(map[string]*upstream.Client, len(cfg.Upstreams))
	for _, up := range cfg.Upstreams {
		client, err := upstream.NewClient(upstream.Config{
			BaseURL: up.URL,
			Logger:  logger.With("upstream", up.Name),
		})
		if err != nil {
			return fmt.Errorf("configuring upstream %q: %w", up.Name, err)
		}
		upstreams[up.Name] = client
	}
	if len(upstreams) > 0 {
		logger.Info("upstream registries configured", "count", len(upstreams))
	}

	reg, err := registry.New(registry.Config{
		Store:                  store,
		Index:                  searchIndex,
		Security:               securityManager,
		History:                historyLog,
		Upstreams:              upstreams,
		MaxConcurrentUploads:   cfg.Limits.MaxConcurrentUploads,
		MaxConcurrentDownloads: cfg.Limits.MaxConcurrentDownloads,
		AdmissionWait:          cfg.Limits.AdmissionWait.Std(),
		GCInterval:             cfg.Maintenance.GCInterval.Std(),
		IndexRebuildInterval:   cfg.Maintenance.IndexRebuildInterval.Std(),
		Logger:                 logger.With("component", "registry"),
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := reg.Close(); err != nil {
			logger.Error("closing registry", "error", err)
		}
	}()

	svc := &registryService{
		registry:    reg,
		storageRoot: cfg.Storage.Root,
		clock:       clock.Real(),
		logger:      logger,
	}

	if cfg.Metrics.Listen != "" {
		svc.metrics = newServiceMetrics(prometheus.DefaultRegisterer, reg, cfg.Storage.Root)
		go serveMetrics(ctx, cfg.Metrics.Listen, logger)
	}

	server := service.NewSocketServer(cfg.Service.SocketPath, logger)
	svc.register(server)

	socketDone := make(chan error, 1)
	go func() {
		socketDone <- server.Serve(ctx)
	}()

	maintenanceDone := make(chan error, 1)
	go func() {
		maintenanceDone <- reg.Run(ctx)
	}()

	logger.Info("stowage service running",
		"socket", cfg.Service.SocketPath,
		"metrics", cfg.Metrics.Listen,
		"version", version.Short())

	<-ctx.Done()
	logger.Info("shutting down")

	if err := <-socketDone; err != nil {
		logger.Error("socket listener error", "error", err)
	}
	if err := <-maintenanceDone; err != nil {
		logger.Error("maintenance loop error", "error", err)
	}

	return nil
}
