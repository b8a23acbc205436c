// Health BG Sync - Durable Health Sample Sync Daemon
// Copyright 2026 The Momentum (the-momentum)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/the-momentum/health-bg-sync

// Package events fans sync lifecycle notifications out to websocket
// subscribers: sample change events as they are ingested and run
// reports as syncs finish. Delivery is best effort; a subscriber that
// stops draining its queue is dropped rather than allowed to stall the
// feed.
package events

import (
	"context"
	"sort"
	"sync"

	"github.com/the-momentum/health-bg-sync/internal/logging"
	"github.com/the-momentum/health-bg-sync/internal/metrics"
	"github.com/the-momentum/health-bg-sync/internal/models"
)

// Websocket message types.
const (
	MessageTypePing           = "ping"
	MessageTypePong           = "pong"
	MessageTypeSamplesChanged = "samples_changed"
	MessageTypeSyncStarted    = "sync_started"
	MessageTypeSyncCompleted  = "sync_completed"
	MessageTypeItemCompleted  = "item_completed"
	MessageTypeAnchorsReset   = "anchors_reset"
)

// Message is one websocket frame payload.
type Message struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// Hub tracks connected clients and broadcasts messages to them.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan Message
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
}

// NewHub creates an empty hub. Run it under the supervisor before
// accepting clients.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan Message, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
	}
}

// Serve runs the hub loop until ctx is canceled, then closes every
// connected client so the supervisor can restart with a clean slate.
func (h *Hub) Serve(ctx context.Context) error {
	logging.Info().Msg("Event hub started")

	for {
		select {
		case <-ctx.Done():
			closed := h.closeAll()
			logging.Info().
				Int("clients_closed", closed).
				Msg("Event hub stopped")
			return ctx.Err()

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			total := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(total))
			logging.Info().
				Int("total_clients", total).
				Msg("Websocket client connected")

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			total := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(total))
			logging.Info().
				Int("total_clients", total).
				Msg("Websocket client disconnected")

		case message := <-h.broadcast:
			h.broadcastToClients(message)
		}
	}
}

// String implements suture's service naming.
func (h *Hub) String() string {
	return "event-hub"
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// BroadcastSamplesChanged announces an ingest write to all clients.
func (h *Hub) BroadcastSamplesChanged(event models.ChangeEvent) {
	h.BroadcastJSON(MessageTypeSamplesChanged, event)
}

// BroadcastJSON queues a message for all clients. The message is
// dropped with a warning if the broadcast queue is full.
func (h *Hub) BroadcastJSON(messageType string, data interface{}) {
	message := Message{Type: messageType, Data: data}
	select {
	case h.broadcast <- message:
	default:
		logging.Warn().
			Str("message_type", messageType).
			Msg("Broadcast queue full, dropping message")
	}
}

// broadcastToClients delivers one message to every client in id order.
// A client whose send queue is full is dropped: the feed is advisory
// and must not back-pressure the sync pipeline.
func (h *Hub) broadcastToClients(message Message) {
	h.mu.Lock()
	defer h.mu.Unlock()

	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	sort.Slice(clients, func(i, j int) bool {
		return clients[i].id < clients[j].id
	})

	var dropped int
	for _, client := range clients {
		select {
		case client.send <- message:
		default:
			close(client.send)
			delete(h.clients, client)
			dropped++
		}
	}

	if dropped > 0 {
		metrics.WebSocketClients.Set(float64(len(h.clients)))
		logging.Warn().
			Int("dropped_clients", dropped).
			Msg("Dropped slow websocket clients")
	}
}

func (h *Hub) closeAll() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	closed := len(h.clients)
	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
	}
	metrics.WebSocketClients.Set(0)
	return closed
}
