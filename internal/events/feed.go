// Health BG Sync - Durable Health Sample Sync Daemon
// Copyright 2026 The Momentum (the-momentum)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/the-momentum/health-bg-sync

package events

import (
	"context"
	"fmt"

	"github.com/the-momentum/health-bg-sync/internal/logging"
	"github.com/the-momentum/health-bg-sync/internal/models"
)

// ChangeSource is the bus subscription the feed consumes.
type ChangeSource interface {
	SubscribeChanges(ctx context.Context) (<-chan models.ChangeEvent, error)
}

// ChangeFeed bridges bus change events onto the websocket hub so
// connected clients see ingest activity live.
type ChangeFeed struct {
	hub    *Hub
	source ChangeSource
}

// NewChangeFeed creates the bridge service.
func NewChangeFeed(hub *Hub, source ChangeSource) *ChangeFeed {
	return &ChangeFeed{hub: hub, source: source}
}

// Serve forwards change events until ctx is canceled. A closed
// subscription returns an error so the supervisor resubscribes.
func (f *ChangeFeed) Serve(ctx context.Context) error {
	changes, err := f.source.SubscribeChanges(ctx)
	if err != nil {
		return fmt.Errorf("failed to subscribe to change events: %w", err)
	}

	logging.Info().Msg("Websocket change feed started")

	for {
		select {
		case <-ctx.Done():
			logging.Info().Msg("Websocket change feed stopped")
			return ctx.Err()
		case event, ok := <-changes:
			if !ok {
				if ctx.Err() != nil {
					logging.Info().Msg("Websocket change feed stopped")
					return ctx.Err()
				}
				return fmt.Errorf("change event subscription closed")
			}
			f.hub.BroadcastSamplesChanged(event)
		}
	}
}

// String implements suture's service naming.
func (f *ChangeFeed) String() string {
	return "websocket-change-feed"
}
