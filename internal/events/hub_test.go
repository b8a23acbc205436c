// Health BG Sync - Durable Health Sample Sync Daemon
// Copyright 2026 The Momentum (the-momentum)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/the-momentum/health-bg-sync

package events

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/the-momentum/health-bg-sync/internal/bus"
	"github.com/the-momentum/health-bg-sync/internal/logging"
	"github.com/the-momentum/health-bg-sync/internal/models"
)

//nolint:gochecknoinits // init keeps test output quiet
func init() {
	logging.Init(logging.Config{
		Level:  "error",
		Format: "console",
		Output: io.Discard,
	})
}

// startHub runs the hub until the test ends.
func startHub(t *testing.T) *Hub {
	t.Helper()
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = hub.Serve(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("hub did not stop")
		}
	})
	return hub
}

// fakeClient registers a pump-less client with a buffered queue.
func fakeClient(t *testing.T, hub *Hub, buffer int) *Client {
	t.Helper()
	client := &Client{
		id:   clientIDCounter.Add(1),
		hub:  hub,
		send: make(chan Message, buffer),
	}
	hub.register <- client
	waitForClients(t, hub, func(n int) bool { return n >= 1 })
	return client
}

func waitForClients(t *testing.T, hub *Hub, cond func(int) bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond(hub.ClientCount()) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("client count condition not met, have %d", hub.ClientCount())
}

func receiveMessage(t *testing.T, client *Client) Message {
	t.Helper()
	select {
	case msg, ok := <-client.send:
		if !ok {
			t.Fatal("client queue closed before a message arrived")
		}
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("no message within 2s")
	}
	return Message{}
}

func TestHub_BroadcastReachesAllClients(t *testing.T) {
	hub := startHub(t)

	first := fakeClient(t, hub, 16)
	second := fakeClient(t, hub, 16)
	waitForClients(t, hub, func(n int) bool { return n == 2 })

	event := models.ChangeEvent{Type: "heart_rate", Count: 3, At: time.Now()}
	hub.BroadcastSamplesChanged(event)

	for _, client := range []*Client{first, second} {
		msg := receiveMessage(t, client)
		if msg.Type != MessageTypeSamplesChanged {
			t.Errorf("message type = %q, want %q", msg.Type, MessageTypeSamplesChanged)
		}
		data, ok := msg.Data.(models.ChangeEvent)
		if !ok {
			t.Fatalf("message data has type %T", msg.Data)
		}
		if data.Type != "heart_rate" || data.Count != 3 {
			t.Errorf("unexpected event payload: %+v", data)
		}
	}
}

func TestHub_DropsSlowClient(t *testing.T) {
	hub := startHub(t)

	// A queue of one fills on the first broadcast; the second finds it
	// full and drops the client.
	slow := fakeClient(t, hub, 1)

	hub.BroadcastJSON(MessageTypeSyncCompleted, "first")
	hub.BroadcastJSON(MessageTypeSyncCompleted, "second")

	waitForClients(t, hub, func(n int) bool { return n == 0 })

	// The queue still holds the first message, then closes.
	msg := receiveMessage(t, slow)
	if msg.Data != "first" {
		t.Errorf("retained message = %v, want %q", msg.Data, "first")
	}
	if _, ok := <-slow.send; ok {
		t.Error("slow client queue was not closed")
	}
}

func TestHub_StopClosesClients(t *testing.T) {
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = hub.Serve(ctx)
	}()

	client := &Client{id: clientIDCounter.Add(1), hub: hub, send: make(chan Message, 4)}
	hub.register <- client
	waitForClients(t, hub, func(n int) bool { return n == 1 })

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("hub did not stop")
	}

	if _, ok := <-client.send; ok {
		t.Error("client queue was not closed on shutdown")
	}
	if got := hub.ClientCount(); got != 0 {
		t.Errorf("client count after shutdown = %d, want 0", got)
	}
}

func TestChangeFeed_ForwardsBusEvents(t *testing.T) {
	hub := startHub(t)
	client := fakeClient(t, hub, 16)

	b := bus.New(16)
	t.Cleanup(func() {
		if err := b.Close(); err != nil {
			t.Errorf("bus close failed: %v", err)
		}
	})

	feed := NewChangeFeed(hub, b)
	ctx, cancel := context.WithCancel(context.Background())
	feedDone := make(chan struct{})
	go func() {
		defer close(feedDone)
		_ = feed.Serve(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-feedDone:
		case <-time.After(2 * time.Second):
			t.Error("change feed did not stop")
		}
	})

	// Let the subscription settle before publishing.
	time.Sleep(100 * time.Millisecond)

	event := models.ChangeEvent{Type: "step_count", Count: 12, At: time.Now()}
	if err := b.PublishChange(event); err != nil {
		t.Fatalf("PublishChange failed: %v", err)
	}

	msg := receiveMessage(t, client)
	if msg.Type != MessageTypeSamplesChanged {
		t.Errorf("message type = %q, want %q", msg.Type, MessageTypeSamplesChanged)
	}
	data, ok := msg.Data.(models.ChangeEvent)
	if !ok {
		t.Fatalf("message data has type %T", msg.Data)
	}
	if data.Type != "step_count" || data.Count != 12 {
		t.Errorf("unexpected event payload: %+v", data)
	}
}
