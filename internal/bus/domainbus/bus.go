// Package domainbus delivers domain events to in-process listeners inside the
// producing module.
package domainbus

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/regmesh/regmesh/errs"
	"github.com/regmesh/regmesh/internal/domain/correlation"
	"github.com/regmesh/regmesh/internal/domain/event"
)

// Listener reacts to a domain event. Listener errors propagate to the
// publisher, so in transactional mode a failing listener aborts the producing
// transaction.
type Listener func(ctx context.Context, evt event.Domain) error

// Mode selects when published events reach listeners.
type Mode int

const (
	// ModeTransactional dispatches synchronously inside the producer's call,
	// sharing its transaction.
	ModeTransactional Mode = iota
	// ModeAfterCommit buffers events in the deferral scope opened by
	// WithDeferral and dispatches them when RunAfterCommit runs.
	ModeAfterCommit
)

// Bus routes domain events to listeners registered per event type.
type Bus struct {
	mode   Mode
	logger *log.Logger

	mu        sync.RWMutex
	listeners map[event.Type][]Listener
}

// Option configures a Bus.
type Option func(*Bus)

// WithLogger sets the logger used for after-commit delivery failures.
func WithLogger(logger *log.Logger) Option {
	return func(b *Bus) {
		b.logger = logger
	}
}

// New constructs a domain bus operating in the given mode.
func New(mode Mode, opts ...Option) *Bus {
	b := &Bus{
		mode:      mode,
		listeners: make(map[event.Type][]Listener),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

// Subscribe registers a listener for the event type. Listeners run in
// registration order.
func (b *Bus) Subscribe(typ event.Type, listener Listener) error {
	if typ == "" {
		return errs.New("domainbus/subscribe", errs.KindInvalid, errs.WithMessage("event type required"))
	}
	if listener == nil {
		return errs.New("domainbus/subscribe", errs.KindInvalid, errs.WithMessage("listener required"))
	}
	b.mu.Lock()
	b.listeners[typ] = append(b.listeners[typ], listener)
	b.mu.Unlock()
	return nil
}

type dispatchQueue struct {
	events []event.Domain
}

type queueKey struct{}

type deferredBuffer struct {
	mu      sync.Mutex
	entries []deferredEntry
}

type deferredEntry struct {
	bus *Bus
	evt event.Domain
}

type deferredKey struct{}

// WithDeferral opens an after-commit deferral scope on the context. Producers
// open one scope per transaction and call RunAfterCommit once the transaction
// commits.
func WithDeferral(ctx context.Context) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if _, ok := ctx.Value(deferredKey{}).(*deferredBuffer); ok {
		return ctx
	}
	return context.WithValue(ctx, deferredKey{}, new(deferredBuffer))
}

// Publish routes the events to listeners. In transactional mode delivery is
// synchronous and breadth-first: events emitted by listeners are queued behind
// the current batch instead of dispatched recursively. In after-commit mode
// events are buffered on the context's deferral scope; without a scope the bus
// falls back to synchronous dispatch.
func (b *Bus) Publish(ctx context.Context, evts ...event.Domain) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if len(evts) == 0 {
		return nil
	}
	for i := range evts {
		if evts[i].Type == "" {
			return errs.New("domainbus/publish", errs.KindInvalid, errs.WithMessage("event type required"))
		}
		b.stamp(ctx, &evts[i])
	}

	if b.mode == ModeAfterCommit {
		if buf, ok := ctx.Value(deferredKey{}).(*deferredBuffer); ok {
			buf.mu.Lock()
			for _, evt := range evts {
				buf.entries = append(buf.entries, deferredEntry{bus: b, evt: evt})
			}
			buf.mu.Unlock()
			return nil
		}
	}
	return b.dispatch(ctx, evts)
}

// stamp fills identity fields the producer left empty.
func (b *Bus) stamp(ctx context.Context, evt *event.Domain) {
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	if evt.OccurredAt.IsZero() {
		evt.OccurredAt = time.Now().UTC()
	}
	if evt.CorrelationID == "" {
		evt.CorrelationID = correlation.From(ctx).ID()
	}
}

func (b *Bus) dispatch(ctx context.Context, evts []event.Domain) error {
	// Re-entrant publish from a listener joins the active queue so cascades
	// deliver breadth-first.
	if q, ok := ctx.Value(queueKey{}).(*dispatchQueue); ok {
		q.events = append(q.events, evts...)
		return nil
	}

	q := &dispatchQueue{events: append([]event.Domain(nil), evts...)}
	ctx = context.WithValue(ctx, queueKey{}, q)
	for len(q.events) > 0 {
		evt := q.events[0]
		q.events = q.events[1:]
		if err := b.deliver(ctx, evt); err != nil {
			return err
		}
	}
	return nil
}

func (b *Bus) deliver(ctx context.Context, evt event.Domain) error {
	b.mu.RLock()
	listeners := append([]Listener(nil), b.listeners[evt.Type]...)
	b.mu.RUnlock()

	for _, listener := range listeners {
		if listener == nil {
			continue
		}
		if err := listener(ctx, evt); err != nil {
			return fmt.Errorf("domain listener %s: %w", evt.Type, err)
		}
	}
	return nil
}

// RunAfterCommit dispatches every event buffered in the context's deferral
// scope. Producers call it after their transaction commits; the scope empties
// even when listeners fail so a retried commit cannot double-deliver. Failed
// deliveries get one local retry, then are logged and surfaced as a joined
// error.
func RunAfterCommit(ctx context.Context) error {
	if ctx == nil {
		return nil
	}
	buf, ok := ctx.Value(deferredKey{}).(*deferredBuffer)
	if !ok {
		return nil
	}
	var failed error
	// Loop until the scope drains: listeners running here may buffer more
	// after-commit events.
	for {
		buf.mu.Lock()
		entries := buf.entries
		buf.entries = nil
		buf.mu.Unlock()
		if len(entries) == 0 {
			return failed
		}
		for _, entry := range entries {
			if entry.bus == nil {
				continue
			}
			err := entry.bus.dispatch(ctx, []event.Domain{entry.evt})
			if err == nil {
				continue
			}
			// One local retry before giving up on the event.
			if err = entry.bus.dispatch(ctx, []event.Domain{entry.evt}); err == nil {
				continue
			}
			if entry.bus.logger != nil {
				entry.bus.logger.Printf("domainbus: after-commit delivery failed type=%s event=%s: %v",
					entry.evt.Type, entry.evt.ID, err)
			}
			failed = errors.Join(failed, err)
		}
	}
}
