// Health BG Sync - Durable Health Sample Sync Daemon
// Copyright 2026 The Momentum (the-momentum)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/the-momentum/health-bg-sync

// Package bus carries change notifications from the sample store to the
// sync trigger and the websocket feed over an in-process Watermill
// pub/sub. Delivery is fan-out: every subscriber gets every event.
package bus

import (
	"context"
	"fmt"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/goccy/go-json"

	"github.com/the-momentum/health-bg-sync/internal/logging"
	"github.com/the-momentum/health-bg-sync/internal/models"
)

// TopicSamplesChanged carries one event per distinct sample type touched
// by an ingest write.
const TopicSamplesChanged = "samples.changed"

// metadataType duplicates the event's sample type into message metadata
// for observability without unmarshaling.
const metadataType = "sample_type"

// Bus is the in-process event bus.
type Bus struct {
	pubSub *gochannel.GoChannel

	mu     sync.RWMutex
	closed bool
}

// New creates the bus. buffer bounds each subscriber's channel; slow
// subscribers block publishers once it fills, which is acceptable for
// the low event rates here.
func New(buffer int64) *Bus {
	pubSub := gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer: buffer,
	}, NewLoggerAdapter())
	return &Bus{pubSub: pubSub}
}

// PublishChange announces that samples of one type changed.
func (b *Bus) PublishChange(event models.ChangeEvent) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return fmt.Errorf("bus is closed")
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal change event: %w", err)
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set(metadataType, string(event.Type))

	if err := b.pubSub.Publish(TopicSamplesChanged, msg); err != nil {
		return fmt.Errorf("failed to publish change event: %w", err)
	}
	return nil
}

// SubscribeChanges returns a channel of decoded change events. The
// channel closes when ctx is canceled or the bus closes. Undecodable
// messages are acked and dropped with a warning.
func (b *Bus) SubscribeChanges(ctx context.Context) (<-chan models.ChangeEvent, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, fmt.Errorf("bus is closed")
	}

	msgs, err := b.pubSub.Subscribe(ctx, TopicSamplesChanged)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", TopicSamplesChanged, err)
	}

	out := make(chan models.ChangeEvent)
	go func() {
		defer close(out)
		for msg := range msgs {
			var event models.ChangeEvent
			if err := json.Unmarshal(msg.Payload, &event); err != nil {
				logging.Warn().
					Str("message_id", msg.UUID).
					Err(err).
					Msg("Dropping undecodable change event")
				msg.Ack()
				continue
			}
			select {
			case out <- event:
				msg.Ack()
			case <-ctx.Done():
				msg.Nack()
				return
			}
		}
	}()
	return out, nil
}

// Close shuts the bus down and closes all subscriber channels.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	return b.pubSub.Close()
}
