// Package correlation carries per-task correlation state through context.Context.
//
// The fabric threads this state explicitly: every worker it spawns derives its
// context from the triggering task, so correlation ids and replay flags survive
// goroutine boundaries without globals.
package correlation

import (
	"context"
	"strings"

	"github.com/google/uuid"
)

// Context captures the correlation state of one logical task.
type Context struct {
	CorrelationID string
	InboxReplay   bool
	OutboxReplay  bool
}

// ID returns the correlation id carried by c.
func (c Context) ID() string {
	return c.CorrelationID
}

// IsInboxReplay reports whether c marks an inbox replay task.
func (c Context) IsInboxReplay() bool {
	return c.InboxReplay
}

// IsOutboxReplay reports whether c marks an outbox redelivery.
func (c Context) IsOutboxReplay() bool {
	return c.OutboxReplay
}

type contextKey struct{}

// From returns the active correlation context. When none is attached a fresh
// one is returned with a new correlation id and both replay flags false.
func From(ctx context.Context) Context {
	if ctx != nil {
		if c, ok := ctx.Value(contextKey{}).(Context); ok {
			return c
		}
	}
	return Context{CorrelationID: NewID(), InboxReplay: false, OutboxReplay: false}
}

// With attaches c to ctx, replacing any prior correlation context. Nested
// attachments compose by override.
func With(ctx context.Context, c Context) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if strings.TrimSpace(c.CorrelationID) == "" {
		c.CorrelationID = NewID()
	}
	return context.WithValue(ctx, contextKey{}, c)
}

// WithCorrelationID returns ctx with the correlation id overridden, keeping
// replay flags intact.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	c := From(ctx)
	c.CorrelationID = strings.TrimSpace(id)
	return With(ctx, c)
}

// WithInboxReplay returns ctx with the inbox-replay flag overridden.
func WithInboxReplay(ctx context.Context, replay bool) context.Context {
	c := From(ctx)
	c.InboxReplay = replay
	return With(ctx, c)
}

// WithOutboxReplay returns ctx with the outbox-replay flag overridden.
func WithOutboxReplay(ctx context.Context, replay bool) context.Context {
	c := From(ctx)
	c.OutboxReplay = replay
	return With(ctx, c)
}

// ID returns the active correlation id, minting one if absent.
func ID(ctx context.Context) string {
	return From(ctx).CorrelationID
}

// IsInboxReplay reports whether the current task is an inbox replay tick.
func IsInboxReplay(ctx context.Context) bool {
	return From(ctx).InboxReplay
}

// IsOutboxReplay reports whether the current task is an outbox replay tick.
func IsOutboxReplay(ctx context.Context) bool {
	return From(ctx).OutboxReplay
}

// NewID mints a fresh correlation id.
func NewID() string {
	return uuid.NewString()
}
