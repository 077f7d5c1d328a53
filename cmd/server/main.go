// vulnsync - CVE Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vulnsync

package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/tomtom215/vulnsync/internal/api"
	"github.com/tomtom215/vulnsync/internal/cache"
	"github.com/tomtom215/vulnsync/internal/config"
	"github.com/tomtom215/vulnsync/internal/database"
	"github.com/tomtom215/vulnsync/internal/events"
	"github.com/tomtom215/vulnsync/internal/fetcher"
	"github.com/tomtom215/vulnsync/internal/logging"
	"github.com/tomtom215/vulnsync/internal/metrics"
	"github.com/tomtom215/vulnsync/internal/ratelimit"
	"github.com/tomtom215/vulnsync/internal/retry"
	"github.com/tomtom215/vulnsync/internal/supervisor"
	"github.com/tomtom215/vulnsync/internal/supervisor/services"
	"github.com/tomtom215/vulnsync/internal/sync"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

//nolint:gocyclo // startup wiring is linear but long
func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:     cfg.Logging.Level,
		Format:    cfg.Logging.Format,
		Caller:    cfg.Logging.Caller,
		Timestamp: true,
	})

	logging.Info().
		Str("version", version).
		Str("driver", cfg.Database.Driver).
		Str("upstream", cfg.Upstream.BaseURL).
		Bool("api_key", cfg.Upstream.APIKey != "").
		Msg("Starting vulnsync...")

	db, err := database.New(&cfg.Database, database.WithBatchSize(cfg.Sync.BatchSize))
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to initialize database")
	}
	defer func() {
		if err := db.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing database")
		}
	}()
	metrics.AppInfo.WithLabelValues(version, db.Dialect().String()).Set(1)
	logging.Info().Str("dialect", db.Dialect().String()).Msg("Database initialized")

	// Page response cache, optional
	var fetchOpts []fetcher.Option
	if cfg.Cache.Enabled {
		pageCache, err := cache.NewCacher(cache.Config{
			Backend: cache.Backend(cfg.Cache.Backend),
			TTL:     cfg.Cache.TTL,
			Path:    cfg.Cache.Path,
		})
		if err != nil {
			logging.Fatal().Err(err).Msg("Failed to initialize page cache")
		}
		defer func() {
			if err := pageCache.Close(); err != nil {
				logging.Error().Err(err).Msg("Error closing page cache")
			}
		}()
		fetchOpts = append(fetchOpts, fetcher.WithCache(pageCache), fetcher.WithCacheTTL(cfg.Cache.TTL))
		logging.Info().Str("backend", cfg.Cache.Backend).Dur("ttl", cfg.Cache.TTL).Msg("Page cache enabled")
	}

	limiter := ratelimit.New(cfg.Upstream.EffectiveRateRequests(), cfg.Upstream.RateWindow)
	engine := retry.New(retry.DefaultPolicies().WithOverrides(cfg.Sync.MaxRetries, cfg.Sync.RetryBaseDelay))

	client, err := fetcher.New(&cfg.Upstream, limiter, engine, fetchOpts...)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to initialize upstream client")
	}

	publisher, err := events.New(cfg.Events)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to initialize event publisher")
	}
	defer func() {
		if err := publisher.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing event publisher")
		}
	}()

	orch := sync.New(cfg.Sync, db, client,
		sync.WithPageSize(cfg.Upstream.PageSize),
		sync.WithPublisher(publisher),
		sync.WithRetryEngine(engine),
	)

	handler := api.NewHandler(orch, db, version)
	router := api.NewRouter(handler, cfg.API)

	server := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           router.SetupChi(),
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       60 * time.Second,
	}

	// === SUPERVISOR TREE ===

	tree, err := supervisor.NewSupervisorTree(logging.NewSlogLogger(), supervisor.TreeConfig{
		FailureThreshold: 5,
		FailureBackoff:   15 * time.Second,
		ShutdownTimeout:  cfg.Server.ShutdownTimeout + 5*time.Second,
	})
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to create supervisor tree")
	}

	tree.AddSyncService(services.NewSyncService(orch))
	tree.AddAPIService(services.NewHTTPServerService(server, cfg.Server.ShutdownTimeout))
	logging.Info().Str("addr", server.Addr).Msg("Sync scheduler and HTTP server added to supervisor tree")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logging.Info().Msg("Starting supervisor tree...")
	errCh := tree.ServeBackground(ctx)

	select {
	case <-ctx.Done():
		logging.Info().Msg("Received shutdown signal, waiting for supervisor to finish...")
		err = <-errCh
	case err = <-errCh:
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		logging.Error().Err(err).Msg("Supervisor tree error")
	}

	unstopped, _ := tree.UnstoppedServiceReport()
	if len(unstopped) > 0 {
		logging.Warn().Int("count", len(unstopped)).Msg("Services failed to stop within timeout")
		for _, svc := range unstopped {
			logging.Warn().Str("service", svc.Name).Msg("Service failed to stop")
		}
	}

	logging.Info().Msg("Application stopped gracefully")
}
