// Copyright 2026 The Stowage Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sys/unix"

	"github.com/stowage-foundation/stowage/lib/registry"
)

// serviceMetrics holds the daemon's Prometheus instruments. Gauge
// values are read from the registry at scrape time rather than
// maintained incrementally, so they can never drift from the store.
type serviceMetrics struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

func newServiceMetrics(registerer prometheus.Registerer, reg *registry.Registry, storageRoot string) *serviceMetrics {
	factory := promauto.With(registerer)

	m := &serviceMetrics{
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "stowage_requests_total",
			Help: "Socket protocol requests by action and outcome.",
		}, []string{"action", "outcome"}),
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "stowage_request_duration_seconds",
			Help:    "Socket protocol request duration by action.",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
		}, []string{"action"}),
	}

	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "stowage_blobs",
		Help: "Blobs currently in the store.",
	}, func() float64 {
		status, err := reg.Status()
		if err != nil {
			return 0
		}
		return float64(status.Blobs)
	})
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "stowage_blob_bytes",
		Help: "Bytes currently stored across all blobs.",
	}, func() float64 {
		status, err := reg.Status()
		if err != nil {
			return 0
		}
		return float64(status.BlobBytes)
	})
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "stowage_index_entries",
		Help: "Entries in the search index.",
	}, func() float64 {
		status, err := reg.Status()
		if err != nil {
			return 0
		}
		return float64(status.IndexEntries)
	})
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "stowage_disk_free_bytes",
		Help: "Free space on the filesystem holding the blob store.",
	}, func() float64 {
		var stat unix.Statfs_t
		if err := unix.Statfs(storageRoot, &stat); err != nil {
			return 0
		}
		return float64(stat.Bavail) * float64(stat.Bsize)
	})

	return m
}

// observe records one handled request.
func (m *serviceMetrics) observe(action string, elapsed time.Duration, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.requests.WithLabelValues(action, outcome).Inc()
	m.duration.WithLabelValues(action).Observe(elapsed.Seconds())
}

// serveMetrics runs the /metrics HTTP listener until ctx is cancelled.
func serveMetrics(ctx context.Context, listen string, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:              listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	logger.Info("metrics listener started", "addr", listen)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("metrics listener failed", "error", err)
	}
}
