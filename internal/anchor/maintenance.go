// Health BG Sync - Durable Health Sample Sync Daemon
// Copyright 2026 The Momentum (the-momentum)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/the-momentum/health-bg-sync

package anchor

import (
	"context"
	"errors"
	"time"

	"github.com/the-momentum/health-bg-sync/internal/logging"
)

// Maintenance periodically runs value log garbage collection on the
// watermark store. It implements suture.Service.
type Maintenance struct {
	store *Store
}

// NewMaintenance creates the GC service for a store.
func NewMaintenance(store *Store) *Maintenance {
	return &Maintenance{store: store}
}

// Serve implements suture.Service. Blocks until the context is canceled.
func (m *Maintenance) Serve(ctx context.Context) error {
	interval := m.store.config.GCInterval
	logging.Info().Dur("interval", interval).Msg("Anchor store maintenance started")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logging.Info().Msg("Anchor store maintenance stopped")
			return ctx.Err()
		case <-ticker.C:
			if err := m.store.RunGC(); err != nil {
				if errors.Is(err, ErrStoreClosed) {
					return nil
				}
				logging.Error().Err(err).Msg("Anchor store GC failed")
			}
		}
	}
}

func (m *Maintenance) String() string {
	return "anchor-maintenance"
}
