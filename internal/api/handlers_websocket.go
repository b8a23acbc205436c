// Health BG Sync - Durable Health Sample Sync Daemon
// Copyright 2026 The Momentum (the-momentum)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/the-momentum/health-bg-sync

package api

import (
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"github.com/the-momentum/health-bg-sync/internal/events"
	"github.com/the-momentum/health-bg-sync/internal/logging"
)

// checkWebSocketOrigin accepts requests without an Origin header, since
// native device clients do not send one, and browser requests whose
// origin matches either the request host or a configured CORS origin.
func (h *Handler) checkWebSocketOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	parsed, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if parsed.Host == r.Host {
		return true
	}
	for _, allowed := range h.config.Security.CORSOrigins {
		if origin == allowed {
			return true
		}
	}
	logging.Warn().Str("origin", sanitizeLogValue(origin)).Msg("WebSocket origin rejected")
	return false
}

func (h *Handler) upgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:   1024,
		WriteBufferSize:  1024,
		HandshakeTimeout: 10 * time.Second,
		CheckOrigin:      h.checkWebSocketOrigin,
	}
}

// WebSocket handles GET /api/v1/ws: it upgrades the connection and
// attaches it to the event hub for the lifetime of the socket.
func (h *Handler) WebSocket(w http.ResponseWriter, r *http.Request) {
	if h.hub == nil {
		respondError(w, http.StatusServiceUnavailable, "EVENTS_UNAVAILABLE", "Event feed is not available", nil)
		return
	}

	conn, err := h.upgrader().Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error response.
		logging.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	client := events.NewClient(h.hub, conn)
	client.Start()
	logging.Debug().Str("remote", r.RemoteAddr).Msg("WebSocket client connected")
}
