// Health BG Sync - Durable Health Sample Sync Daemon
// Copyright 2026 The Momentum (the-momentum)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/the-momentum/health-bg-sync

package api

import (
	"net/http"
	"time"
)

func uptimeSeconds(since time.Time) float64 {
	return time.Since(since).Seconds()
}

// HealthLive handles GET /healthz. It answers 200 whenever the process
// is up, independent of any dependency.
func (h *Handler) HealthLive(w http.ResponseWriter, r *http.Request) {
	respondSuccess(w, http.StatusOK, map[string]interface{}{
		"alive":          true,
		"uptime_seconds": uptimeSeconds(h.startTime),
	})
}

// HealthReady handles GET /readyz. Readiness requires the local sample
// store to answer a ping; a daemon without its store cannot ingest or
// export and should not receive traffic.
func (h *Handler) HealthReady(w http.ResponseWriter, r *http.Request) {
	storeReady := h.store != nil && h.store.Ping(r.Context()) == nil
	if !storeReady {
		respondError(w, http.StatusServiceUnavailable, "NOT_READY", "Sample store is not reachable", nil)
		return
	}
	respondSuccess(w, http.StatusOK, map[string]interface{}{
		"ready":          true,
		"uptime_seconds": uptimeSeconds(h.startTime),
	})
}
