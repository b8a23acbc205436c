// Health BG Sync - Durable Health Sample Sync Daemon
// Copyright 2026 The Momentum (the-momentum)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/the-momentum/health-bg-sync

package trigger

import (
	"context"
	"fmt"
	"time"

	"github.com/the-momentum/health-bg-sync/internal/config"
	"github.com/the-momentum/health-bg-sync/internal/logging"
	"github.com/the-momentum/health-bg-sync/internal/metrics"
	"github.com/the-momentum/health-bg-sync/internal/sync"
)

// Debouncer turns change notifications into sync runs. The first event
// arms a fixed debounce window; every further event inside the window
// is absorbed, so a burst of writes across many types produces exactly
// one combined run covering all tracked types. The window does not
// extend on new events, so a steady write stream cannot starve sync
// indefinitely.
type Debouncer struct {
	cfg    config.TriggerConfig
	engine Engine
	source ChangeSource
}

// NewDebouncer creates a change debouncer over the given event source.
func NewDebouncer(cfg config.TriggerConfig, engine Engine, source ChangeSource) *Debouncer {
	return &Debouncer{cfg: cfg, engine: engine, source: source}
}

// Serve consumes change events until ctx is canceled. It is a suture
// service: a closed subscription returns an error so the supervisor
// restarts it with a fresh subscription.
func (d *Debouncer) Serve(ctx context.Context) error {
	events, err := d.source.SubscribeChanges(ctx)
	if err != nil {
		return fmt.Errorf("failed to subscribe to change events: %w", err)
	}

	logging.Info().
		Dur("debounce", d.cfg.Debounce).
		Msg("Change debouncer started")

	timer := time.NewTimer(d.cfg.Debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()
	armed := false

	for {
		select {
		case <-ctx.Done():
			logging.Info().Msg("Change debouncer stopped")
			return ctx.Err()

		case event, ok := <-events:
			if !ok {
				if ctx.Err() != nil {
					logging.Info().Msg("Change debouncer stopped")
					return ctx.Err()
				}
				return fmt.Errorf("change event subscription closed")
			}
			if armed {
				metrics.TriggerCoalesced.Inc()
				continue
			}
			armed = true
			timer.Reset(d.cfg.Debounce)
			logging.Debug().
				Str("type", event.Type.String()).
				Int("count", event.Count).
				Msg("Change debounce window armed")

		case <-timer.C:
			armed = false
			metrics.TriggerFired.WithLabelValues(sync.SourceNotify).Inc()
			d.run(ctx)
		}
	}
}

// String implements suture's service naming.
func (d *Debouncer) String() string {
	return "change-debouncer"
}

// run issues one combined incremental sync. Failures are logged and
// dropped: the next change event re-arms the window regardless.
func (d *Debouncer) run(ctx context.Context) {
	runCtx, cancel := context.WithTimeout(ctx, d.cfg.ProcessingBudget)
	defer cancel()

	if _, err := d.engine.SyncAll(runCtx, false, sync.SourceNotify); err != nil {
		logging.Warn().Err(err).Msg("Change-triggered sync not run")
	}
}
