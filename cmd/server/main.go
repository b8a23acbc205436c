// Health BG Sync - Durable Health Sample Sync Daemon
// Copyright 2026 The Momentum (the-momentum)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/the-momentum/health-bg-sync

// Package main is the entry point of the sync daemon.
//
// The daemon keeps a device-local DuckDB sample store synchronized with
// a remote ingest endpoint. Components start in this order:
//
//  1. Configuration: Koanf v2 layered sources (defaults, YAML file,
//     environment variables)
//  2. Stores: BadgerDB anchor store, file outbox, DuckDB sample store
//  3. Delivery: upload dispatcher with circuit breaker and rate limit
//  4. Engine: the sync manager tying fetch, batch and enqueue together
//  5. Triggers: change debouncer plus refresh/processing schedules
//  6. Control API: chi HTTP server with JWT auth and a websocket feed
//
// Everything long-running is supervised by a suture tree; SIGINT or
// SIGTERM drains it gracefully.
//
// # Configuration
//
// Environment variables map to config paths, e.g. ENDPOINT_URL,
// STORE_PATH, ANCHORS_PATH, OUTBOX_DIR, SERVER_PORT, JWT_SECRET,
// CONTROL_TOKEN. A config.yaml may provide the same settings; the
// endpoint section may stay empty and arrive later through the
// initialize API call.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/the-momentum/health-bg-sync/internal/anchor"
	"github.com/the-momentum/health-bg-sync/internal/api"
	"github.com/the-momentum/health-bg-sync/internal/auth"
	"github.com/the-momentum/health-bg-sync/internal/bus"
	"github.com/the-momentum/health-bg-sync/internal/config"
	"github.com/the-momentum/health-bg-sync/internal/events"
	"github.com/the-momentum/health-bg-sync/internal/logging"
	"github.com/the-momentum/health-bg-sync/internal/outbox"
	"github.com/the-momentum/health-bg-sync/internal/provider/duckstore"
	"github.com/the-momentum/health-bg-sync/internal/supervisor"
	syncpkg "github.com/the-momentum/health-bg-sync/internal/sync"
	"github.com/the-momentum/health-bg-sync/internal/transport"
	"github.com/the-momentum/health-bg-sync/internal/trigger"
)

// Populated by -ldflags at release build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const changeBusBuffer = 256

func main() {
	cfg, err := config.LoadWithKoanf()
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})

	logging.Info().
		Str("version", version).
		Str("commit", commit).
		Str("build_date", date).
		Msg("Starting health sample sync daemon")
	if cfg.Endpoint.Configured() {
		logging.Info().
			Str("endpoint_key", cfg.Endpoint.Key()).
			Int("tracked_types", len(cfg.Endpoint.TrackedTypes)).
			Msg("Configuration loaded")
	} else {
		logging.Info().Msg("Configuration loaded, endpoint pending initialization")
	}

	// === STORES ===

	anchors, err := anchor.Open(anchor.Config{
		Path:         cfg.Anchors.Path,
		SyncWrites:   cfg.Anchors.SyncWrites,
		GCInterval:   cfg.Anchors.GCInterval,
		GCRatio:      cfg.Anchors.GCRatio,
		CloseTimeout: 30 * time.Second,
	})
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to open anchor store")
	}
	defer func() {
		if err := anchors.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing anchor store")
		}
	}()

	queue, err := outbox.Open(outbox.Config{
		Dir:        cfg.Outbox.Dir,
		MaxPending: cfg.Outbox.MaxPending,
	})
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to open outbox")
	}

	changeBus := bus.New(changeBusBuffer)
	defer func() {
		if err := changeBus.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing change bus")
		}
	}()

	store, err := duckstore.New(duckstore.Config{
		Path:       cfg.Store.Path,
		MaxMemory:  cfg.Store.MaxMemory,
		Threads:    cfg.Store.Threads,
		FetchLimit: cfg.Store.FetchLimit,
	}, changeBus)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to open sample store")
	}
	defer func() {
		if err := store.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing sample store")
		}
	}()

	// === ENGINE AND DELIVERY ===

	// The dispatcher reads the endpoint through the engine, and the
	// engine wakes the dispatcher after staging. The function source
	// breaks the construction cycle; dispatch starts only after both
	// exist.
	var engine *syncpkg.Manager
	dispatcher := transport.New(cfg.Upload, queue, anchors,
		transport.EndpointSourceFunc(func() config.EndpointConfig { return engine.Endpoint() }))
	engine = syncpkg.New(cfg, anchors, queue, store, dispatcher, store)

	hub := events.NewHub()
	feed := events.NewChangeFeed(hub, changeBus)

	engine.SetOnRunStarted(func(source string, fullExport bool) {
		hub.BroadcastJSON(events.MessageTypeSyncStarted, map[string]interface{}{
			"source":      source,
			"full_export": fullExport,
		})
	})
	engine.SetOnRunCompleted(func(report *syncpkg.Report) {
		hub.BroadcastJSON(events.MessageTypeSyncCompleted, report)
	})
	dispatcher.SetOnDelivered(func(item *outbox.Item) {
		hub.BroadcastJSON(events.MessageTypeItemCompleted, map[string]interface{}{
			"item_id": item.ID,
			"type":    item.Type,
			"records": item.RecordCount,
			"seq":     item.Seq,
		})
	})

	// === SUPERVISOR TREE ===

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tree := supervisor.NewTree(logging.NewSlogLogger(), supervisor.DefaultTreeConfig())

	tree.AddStorageService(anchor.NewMaintenance(anchors))
	tree.AddDeliveryService(hub)
	tree.AddDeliveryService(feed)
	tree.AddDeliveryService(dispatcher)

	runner := supervisor.NewRunner(tree,
		trigger.NewDebouncer(cfg.Trigger, engine, changeBus),
		trigger.NewRefreshSchedule(cfg.Trigger, engine),
		trigger.NewProcessingSchedule(cfg.Trigger, engine, dispatcher),
	)
	if err := runner.Start(); err != nil {
		logging.Fatal().Err(err).Msg("Failed to start background triggers")
	}

	// === CONTROL API ===

	jwtManager, err := auth.NewJWTManager(&cfg.Security)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to initialize token manager")
	}

	handler := api.NewHandler(cfg, engine, store, runner, dispatcher, jwtManager, hub)
	router := api.NewRouter(handler, jwtManager, cfg)
	server := api.BuildServer(cfg.Server, router.SetupChi())

	tree.AddAPIService(supervisor.NewHTTPServerService(server, 10*time.Second))
	logging.Info().Str("addr", server.Addr).Msg("Control API service added")

	// === RUN ===

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logging.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	}()

	logging.Info().Msg("Starting supervisor tree")
	errCh := tree.ServeBackground(ctx)

	// An endpoint restored from configuration may still owe its initial
	// export; retry it now instead of waiting for the first schedule.
	go func() {
		kickoffCtx, kickoffCancel := context.WithTimeout(ctx, cfg.Trigger.ProcessingBudget)
		defer kickoffCancel()
		if _, err := engine.KickoffInitialSync(kickoffCtx); err != nil && !errors.Is(err, syncpkg.ErrNotConfigured) {
			logging.Warn().Err(err).Msg("Boot kickoff not run")
		}
	}()

	select {
	case <-ctx.Done():
		logging.Info().Msg("Context canceled, waiting for supervisor to finish")
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor tree error")
		}
	}

	for err := range errCh {
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor shutdown error")
		}
	}

	unstopped, _ := tree.UnstoppedServiceReport()
	for _, svc := range unstopped {
		logging.Warn().Str("service", svc.Name).Msg("Service failed to stop within timeout")
	}

	logging.Info().Msg("Sync daemon stopped gracefully")
}
