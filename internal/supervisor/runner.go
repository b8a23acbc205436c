// Health BG Sync - Durable Health Sample Sync Daemon
// Copyright 2026 The Momentum (the-momentum)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/the-momentum/health-bg-sync

package supervisor

import (
	"errors"
	"fmt"
	"sync"

	"github.com/thejerf/suture/v4"

	"github.com/the-momentum/health-bg-sync/internal/logging"
)

// Runner toggles the trigger services at runtime. The control API's
// background start/stop operations map onto it; everything else in the
// tree runs for the life of the process.
//
// Start and Stop are idempotent. Stopping the triggers leaves staged
// uploads draining: only the services that *start* new sync runs go
// away.
type Runner struct {
	tree     *Tree
	services []suture.Service

	mu      sync.Mutex
	tokens  []suture.ServiceToken
	running bool
}

// NewRunner prepares a runner over the given trigger services. Nothing
// starts until Start is called.
func NewRunner(tree *Tree, services ...suture.Service) *Runner {
	return &Runner{tree: tree, services: services}
}

// Start adds every trigger service to the tree. Under an already
// serving tree they begin immediately; before that they start with it.
func (r *Runner) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return nil
	}
	r.tokens = r.tokens[:0]
	for _, svc := range r.services {
		r.tokens = append(r.tokens, r.tree.AddTriggerService(svc))
	}
	r.running = true
	logging.Info().Int("services", len(r.services)).Msg("Background triggers started")
	return nil
}

// Stop removes every trigger service and waits for each to finish.
func (r *Runner) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running {
		return nil
	}
	var errs []error
	for i, token := range r.tokens {
		if err := r.tree.RemoveTriggerService(token); err != nil && !errors.Is(err, suture.ErrSupervisorNotRunning) {
			errs = append(errs, fmt.Errorf("stop %s: %w", r.services[i], err))
		}
	}
	r.tokens = r.tokens[:0]
	r.running = false
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	logging.Info().Msg("Background triggers stopped")
	return nil
}

// Running reports whether the trigger services are active.
func (r *Runner) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}
