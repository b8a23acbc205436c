// Health BG Sync - Durable Health Sample Sync Daemon
// Copyright 2026 The Momentum (the-momentum)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/the-momentum/health-bg-sync

package bus

import (
	"context"
	"testing"
	"time"

	"github.com/the-momentum/health-bg-sync/internal/models"
)

// TestBus_PublishSubscribe verifies events reach a subscriber intact.
func TestBus_PublishSubscribe(t *testing.T) {
	b := New(16)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, err := b.SubscribeChanges(ctx)
	if err != nil {
		t.Fatalf("SubscribeChanges failed: %v", err)
	}

	sent := models.ChangeEvent{
		Type:  models.TypeID("heart_rate"),
		Count: 3,
		At:    time.Now().UTC().Truncate(time.Second),
	}
	if err := b.PublishChange(sent); err != nil {
		t.Fatalf("PublishChange failed: %v", err)
	}

	select {
	case got := <-events:
		if got.Type != sent.Type || got.Count != sent.Count {
			t.Errorf("Event mismatch: got %+v, want %+v", got, sent)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for event")
	}
}

// TestBus_FanOut verifies every subscriber sees every event.
func TestBus_FanOut(t *testing.T) {
	b := New(16)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	first, err := b.SubscribeChanges(ctx)
	if err != nil {
		t.Fatalf("SubscribeChanges failed: %v", err)
	}
	second, err := b.SubscribeChanges(ctx)
	if err != nil {
		t.Fatalf("SubscribeChanges failed: %v", err)
	}

	if err := b.PublishChange(models.ChangeEvent{Type: "step_count", Count: 1}); err != nil {
		t.Fatalf("PublishChange failed: %v", err)
	}

	for i, ch := range []<-chan models.ChangeEvent{first, second} {
		select {
		case got := <-ch:
			if got.Type != models.TypeID("step_count") {
				t.Errorf("Subscriber %d: unexpected event %+v", i, got)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("Subscriber %d: timed out", i)
		}
	}
}

// TestBus_SubscriberChannelClosesOnCancel verifies cancellation ends the
// subscription cleanly.
func TestBus_SubscriberChannelClosesOnCancel(t *testing.T) {
	b := New(16)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	events, err := b.SubscribeChanges(ctx)
	if err != nil {
		t.Fatalf("SubscribeChanges failed: %v", err)
	}

	cancel()

	select {
	case _, open := <-events:
		if open {
			// Drain a possible in-flight event; the channel must close after.
			select {
			case _, open = <-events:
				if open {
					t.Error("Expected channel to close after cancel")
				}
			case <-time.After(2 * time.Second):
				t.Fatal("Timed out waiting for channel close")
			}
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for channel close")
	}
}

// TestBus_ClosedOperations verifies publish and subscribe fail after
// Close.
func TestBus_ClosedOperations(t *testing.T) {
	b := New(16)
	if err := b.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if err := b.PublishChange(models.ChangeEvent{Type: "heart_rate"}); err == nil {
		t.Error("Expected error publishing on closed bus")
	}
	if _, err := b.SubscribeChanges(context.Background()); err == nil {
		t.Error("Expected error subscribing on closed bus")
	}
	if err := b.Close(); err != nil {
		t.Errorf("Second Close should be a no-op, got %v", err)
	}
}
