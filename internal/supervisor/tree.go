// Health BG Sync - Durable Health Sample Sync Daemon
// Copyright 2026 The Momentum (the-momentum)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/the-momentum/health-bg-sync

// Package supervisor arranges the daemon's long-running services into a
// suture tree. Layers isolate failures: a crashing trigger loop
// restarts without touching the HTTP listener, and a wedged store
// maintenance job never takes down delivery.
package supervisor

import (
	"context"
	"log/slog"
	"time"

	"github.com/thejerf/suture/v4"
	"github.com/thejerf/sutureslog"
)

// TreeConfig holds the restart policy shared by every layer.
type TreeConfig struct {
	// FailureThreshold is the number of failures before entering
	// backoff. Default 5.
	FailureThreshold float64
	// FailureDecay is the rate at which failures decay, in seconds.
	// Default 30.
	FailureDecay float64
	// FailureBackoff is how long a layer pauses once the threshold is
	// exceeded. Default 15s.
	FailureBackoff time.Duration
	// ShutdownTimeout bounds graceful shutdown per service. Default 10s.
	ShutdownTimeout time.Duration
}

// DefaultTreeConfig mirrors suture's built-in defaults.
func DefaultTreeConfig() TreeConfig {
	return TreeConfig{
		FailureThreshold: 5.0,
		FailureDecay:     30.0,
		FailureBackoff:   15 * time.Second,
		ShutdownTimeout:  10 * time.Second,
	}
}

// Tree is the supervision hierarchy:
//
//   - storage: anchor store maintenance
//   - delivery: upload dispatcher, event hub, change feed
//   - triggers: debouncer and schedules, toggled at runtime by the
//     background Runner
//   - api: HTTP server
type Tree struct {
	root     *suture.Supervisor
	storage  *suture.Supervisor
	delivery *suture.Supervisor
	triggers *suture.Supervisor
	api      *suture.Supervisor
	config   TreeConfig
}

// NewTree builds the supervisor hierarchy. The slog logger bridges
// suture's event stream into the global zerolog output.
func NewTree(logger *slog.Logger, config TreeConfig) *Tree {
	if config.FailureThreshold == 0 {
		config.FailureThreshold = 5.0
	}
	if config.FailureDecay == 0 {
		config.FailureDecay = 30.0
	}
	if config.FailureBackoff == 0 {
		config.FailureBackoff = 15 * time.Second
	}
	if config.ShutdownTimeout == 0 {
		config.ShutdownTimeout = 10 * time.Second
	}

	handler := &sutureslog.Handler{Logger: logger}
	rootSpec := suture.Spec{
		EventHook:        handler.MustHook(),
		FailureThreshold: config.FailureThreshold,
		FailureDecay:     config.FailureDecay,
		FailureBackoff:   config.FailureBackoff,
		Timeout:          config.ShutdownTimeout,
	}
	childSpec := suture.Spec{
		FailureThreshold: config.FailureThreshold,
		FailureDecay:     config.FailureDecay,
		FailureBackoff:   config.FailureBackoff,
		Timeout:          config.ShutdownTimeout,
	}

	root := suture.New("health-bg-sync", rootSpec)
	storage := suture.New("storage-layer", childSpec)
	delivery := suture.New("delivery-layer", childSpec)
	triggers := suture.New("trigger-layer", childSpec)
	api := suture.New("api-layer", childSpec)

	root.Add(storage)
	root.Add(delivery)
	root.Add(triggers)
	root.Add(api)

	return &Tree{
		root:     root,
		storage:  storage,
		delivery: delivery,
		triggers: triggers,
		api:      api,
		config:   config,
	}
}

// AddStorageService supervises a storage maintenance service.
func (t *Tree) AddStorageService(svc suture.Service) suture.ServiceToken {
	return t.storage.Add(svc)
}

// AddDeliveryService supervises a delivery-side service: the upload
// dispatcher, the event hub, the change feed.
func (t *Tree) AddDeliveryService(svc suture.Service) suture.ServiceToken {
	return t.delivery.Add(svc)
}

// AddTriggerService supervises a trigger service. Trigger services are
// the only ones removed at runtime; everything else lives for the
// process.
func (t *Tree) AddTriggerService(svc suture.Service) suture.ServiceToken {
	return t.triggers.Add(svc)
}

// RemoveTriggerService stops a trigger service and waits for it to
// finish, bounded by the configured shutdown timeout.
func (t *Tree) RemoveTriggerService(token suture.ServiceToken) error {
	return t.triggers.RemoveAndWait(token, t.config.ShutdownTimeout)
}

// AddAPIService supervises the HTTP server.
func (t *Tree) AddAPIService(svc suture.Service) suture.ServiceToken {
	return t.api.Add(svc)
}

// Serve runs the tree until ctx is canceled.
func (t *Tree) Serve(ctx context.Context) error {
	return t.root.Serve(ctx)
}

// ServeBackground starts the tree in a goroutine. The returned channel
// yields the terminal error when the tree stops.
func (t *Tree) ServeBackground(ctx context.Context) <-chan error {
	return t.root.ServeBackground(ctx)
}

// UnstoppedServiceReport lists services that ignored shutdown, for
// post-mortem logging.
func (t *Tree) UnstoppedServiceReport() ([]suture.UnstoppedService, error) {
	return t.root.UnstoppedServiceReport()
}
