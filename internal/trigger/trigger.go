// Health BG Sync - Durable Health Sample Sync Daemon
// Copyright 2026 The Momentum (the-momentum)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/the-momentum/health-bg-sync

// Package trigger decides when sync runs happen. Three supervised
// services funnel into the engine: a change debouncer that coalesces
// store notifications into one combined run, a short-interval refresh
// schedule, and a longer processing window that first retries the
// outbox. Every triggered run is bounded by the processing budget;
// schedules re-arm unconditionally, so a failed or cancelled firing
// never disables future ones.
package trigger

import (
	"context"

	"github.com/the-momentum/health-bg-sync/internal/models"
	"github.com/the-momentum/health-bg-sync/internal/sync"
)

// Engine is the sync engine surface the triggers drive.
type Engine interface {
	SyncAll(ctx context.Context, fullExport bool, source string) (*sync.Report, error)
	KickoffInitialSync(ctx context.Context) (*sync.Report, error)
}

// Notifier wakes the upload dispatcher for an outbox retry pass.
type Notifier interface {
	Notify()
}

// ChangeSource is the bus subscription the debouncer consumes.
type ChangeSource interface {
	SubscribeChanges(ctx context.Context) (<-chan models.ChangeEvent, error)
}
