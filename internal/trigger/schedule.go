// Health BG Sync - Durable Health Sample Sync Daemon
// Copyright 2026 The Momentum (the-momentum)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/the-momentum/health-bg-sync

package trigger

import (
	"context"
	"time"

	"github.com/the-momentum/health-bg-sync/internal/config"
	"github.com/the-momentum/health-bg-sync/internal/logging"
	"github.com/the-momentum/health-bg-sync/internal/metrics"
	"github.com/the-momentum/health-bg-sync/internal/sync"
)

// RefreshSchedule runs a short-interval incremental sync. The ticker
// re-arms on every firing regardless of outcome.
type RefreshSchedule struct {
	cfg    config.TriggerConfig
	engine Engine
}

// NewRefreshSchedule creates the refresh schedule.
func NewRefreshSchedule(cfg config.TriggerConfig, engine Engine) *RefreshSchedule {
	return &RefreshSchedule{cfg: cfg, engine: engine}
}

// Serve fires the schedule until ctx is canceled.
func (s *RefreshSchedule) Serve(ctx context.Context) error {
	logging.Info().
		Dur("interval", s.cfg.RefreshInterval).
		Msg("Refresh schedule started")

	ticker := time.NewTicker(s.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logging.Info().Msg("Refresh schedule stopped")
			return ctx.Err()
		case <-ticker.C:
			metrics.TriggerFired.WithLabelValues(sync.SourceRefresh).Inc()
			runCtx, cancel := context.WithTimeout(ctx, s.cfg.ProcessingBudget)
			if _, err := s.engine.SyncAll(runCtx, false, sync.SourceRefresh); err != nil {
				logging.Warn().Err(err).Msg("Refresh sync not run")
			}
			cancel()
		}
	}
}

// String implements suture's service naming.
func (s *RefreshSchedule) String() string {
	return "refresh-schedule"
}

// ProcessingSchedule is the longer maintenance window. Each firing
// first wakes the upload dispatcher so stranded outbox items get a
// retry pass, then runs the engine under the processing budget: the
// initial full export if it is still owed, an incremental sync
// otherwise. Expired budgets cancel the run cooperatively; staged
// outbox items and committed anchors are unaffected, and the ticker
// re-arms for the next window.
type ProcessingSchedule struct {
	cfg      config.TriggerConfig
	engine   Engine
	notifier Notifier
}

// NewProcessingSchedule creates the processing window schedule.
func NewProcessingSchedule(cfg config.TriggerConfig, engine Engine, notifier Notifier) *ProcessingSchedule {
	return &ProcessingSchedule{cfg: cfg, engine: engine, notifier: notifier}
}

// Serve fires the schedule until ctx is canceled.
func (s *ProcessingSchedule) Serve(ctx context.Context) error {
	logging.Info().
		Dur("interval", s.cfg.ProcessingInterval).
		Dur("budget", s.cfg.ProcessingBudget).
		Msg("Processing schedule started")

	ticker := time.NewTicker(s.cfg.ProcessingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logging.Info().Msg("Processing schedule stopped")
			return ctx.Err()
		case <-ticker.C:
			metrics.TriggerFired.WithLabelValues(sync.SourceProcessing).Inc()
			s.runWindow(ctx)
		}
	}
}

// String implements suture's service naming.
func (s *ProcessingSchedule) String() string {
	return "processing-schedule"
}

func (s *ProcessingSchedule) runWindow(ctx context.Context) {
	s.notifier.Notify()

	runCtx, cancel := context.WithTimeout(ctx, s.cfg.ProcessingBudget)
	defer cancel()

	report, err := s.engine.KickoffInitialSync(runCtx)
	if err != nil {
		logging.Warn().Err(err).Msg("Processing-window kickoff not run")
		return
	}
	if report != nil {
		// The window was spent on the initial export; incremental
		// catch-up belongs to the next firing.
		return
	}

	if _, err := s.engine.SyncAll(runCtx, false, sync.SourceProcessing); err != nil {
		logging.Warn().Err(err).Msg("Processing-window sync not run")
	}
}
