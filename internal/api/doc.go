// Health BG Sync - Durable Health Sample Sync Daemon
// Copyright 2026 The Momentum (the-momentum)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/the-momentum/health-bg-sync

// Package api is the local control surface of the sync daemon.
//
// The companion app drives the engine through a small JSON API: it
// provides the remote endpoint, requests provider authorization, forces
// sync runs, toggles the background trigger services, resets anchors,
// and reads status. Local collectors push samples through the ingest
// endpoint, and a websocket feed streams sync lifecycle events back.
//
// Every endpoint except health probes, metrics, and the token mint
// requires a bearer JWT obtained from POST /api/v1/auth/token in
// exchange for the configured control token.
//
// Handler methods are split across files by concern:
//   - handlers.go: Handler struct, dependency interfaces, helpers
//   - handlers_auth.go: control token -> JWT exchange
//   - handlers_control.go: initialize, authorization, sync, background,
//     anchors, status
//   - handlers_samples.go: local sample ingest
//   - handlers_health.go: liveness and readiness probes
//   - handlers_websocket.go: event feed upgrade
//   - router.go: chi route assembly
package api
