// Package crossbus carries serialized integration event envelopes between
// bounded contexts.
package crossbus

import "context"

// SubscriptionID uniquely identifies a bus subscription.
type SubscriptionID string

// Handler consumes an envelope delivered on a topic. A nil return acknowledges
// the delivery; an error requests redelivery.
type Handler func(ctx context.Context, topic string, data []byte) error

// Bus publishes opaque envelope bytes to topic subscribers.
type Bus interface {
	Publish(ctx context.Context, topic string, data []byte) error
	Subscribe(ctx context.Context, topic string, handler Handler) (SubscriptionID, error)
	Unsubscribe(id SubscriptionID)
	Close()
}

// MemoryConfig configures the in-memory bus buffers.
type MemoryConfig struct {
	BufferSize      int
	MaxRedeliveries int
}

func (c MemoryConfig) normalize() MemoryConfig {
	if c.BufferSize <= 0 {
		c.BufferSize = 64
	}
	if c.MaxRedeliveries <= 0 {
		c.MaxRedeliveries = 3
	}
	return c
}
