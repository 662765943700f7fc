// Package inbox implements the receiving half of the fabric: bus deliveries
// land in a durable inbox keyed by event id, listeners run once per event, and
// a replay loop re-drives rows flagged for replay.
package inbox

import (
	"context"
	"log"
	"sort"
	"strings"
	"sync"

	json "github.com/goccy/go-json"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/regmesh/regmesh/errs"
	"github.com/regmesh/regmesh/internal/domain/correlation"
	"github.com/regmesh/regmesh/internal/domain/event"
	"github.com/regmesh/regmesh/internal/domain/inboxstore"
	"github.com/regmesh/regmesh/internal/infra/bus/crossbus"
	"github.com/regmesh/regmesh/internal/infra/telemetry"
)

// Listener consumes an integration event delivered to this module. A listener
// error fails the whole delivery so the bus redelivers it.
type Listener func(ctx context.Context, evt event.Integration) error

// DispatcherConfig tunes the inbound dispatcher.
type DispatcherConfig struct {
	Module string
	// ReplayRequired marks inserted rows for the replay loop.
	ReplayRequired bool
	Logger         *log.Logger
}

// Dispatcher receives envelopes from the cross-module bus, deduplicates them
// through the inbox, and runs the registered listeners.
type Dispatcher struct {
	cfg   DispatcherConfig
	store inboxstore.Store

	mu        sync.RWMutex
	listeners map[event.Type][]Listener

	received metric.Int64Counter
}

// NewDispatcher constructs a dispatcher over the module's inbox store.
func NewDispatcher(store inboxstore.Store, cfg DispatcherConfig) (*Dispatcher, error) {
	if store == nil {
		return nil, errs.New("inbox/dispatcher", errs.KindInvalid, errs.WithMessage("store required"))
	}
	cfg.Module = strings.TrimSpace(cfg.Module)
	if cfg.Module == "" {
		return nil, errs.New("inbox/dispatcher", errs.KindInvalid, errs.WithMessage("module name required"))
	}

	d := &Dispatcher{
		cfg:       cfg,
		store:     store,
		listeners: make(map[event.Type][]Listener),
	}
	meter := otel.Meter("inbox.dispatcher")
	d.received, _ = meter.Int64Counter("fabric_inbox_received_total",
		metric.WithDescription("Envelopes received from the cross-module bus, by result"),
		metric.WithUnit("{envelope}"))
	return d, nil
}

// Subscribe registers a listener for the event type. Listeners run
// sequentially in registration order.
func (d *Dispatcher) Subscribe(typ event.Type, listener Listener) error {
	if typ == "" {
		return errs.New("inbox/dispatcher", errs.KindInvalid, errs.WithMessage("event type required"))
	}
	if listener == nil {
		return errs.New("inbox/dispatcher", errs.KindInvalid, errs.WithMessage("listener required"))
	}
	d.mu.Lock()
	d.listeners[typ] = append(d.listeners[typ], listener)
	d.mu.Unlock()
	return nil
}

// Types returns the event types with at least one registered listener.
func (d *Dispatcher) Types() []event.Type {
	d.mu.RLock()
	defer d.mu.RUnlock()
	types := make([]event.Type, 0, len(d.listeners))
	for typ := range d.listeners {
		types = append(types, typ)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

// Bind subscribes the dispatcher to the given bus topics.
func (d *Dispatcher) Bind(ctx context.Context, bus crossbus.Bus, topics ...string) ([]crossbus.SubscriptionID, error) {
	if bus == nil {
		return nil, errs.New("inbox/dispatcher", errs.KindInvalid, errs.WithMessage("bus required"))
	}
	ids := make([]crossbus.SubscriptionID, 0, len(topics))
	for _, topic := range topics {
		id, err := bus.Subscribe(ctx, topic, d.Handle)
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Handle is the crossbus handler: decode, dedupe, dispatch, mark.
func (d *Dispatcher) Handle(ctx context.Context, _ string, data []byte) error {
	evt, err := event.DecodeEnvelope(data)
	if err != nil {
		// Contract failure: redelivery cannot fix the envelope.
		d.count(ctx, "unknown", "contract")
		return err
	}

	// Each delivery starts a fresh correlation scope carrying the event's id.
	ctx = correlation.With(ctx, correlation.Context{CorrelationID: evt.CorrelationID})

	outcome, err := d.store.InsertIfAbsent(ctx, inboxstore.Message{
		EventID:        evt.ID,
		SourceModule:   evt.SourceModule,
		Type:           string(evt.Type),
		Payload:        json.RawMessage(data),
		ReplayRequired: d.cfg.ReplayRequired,
	})
	if err != nil {
		d.count(ctx, string(evt.Type), "error")
		return errs.New("inbox/dispatcher", errs.KindTransient,
			errs.WithMessage("inbox insert"), errs.WithEventID(evt.ID), errs.WithCause(err))
	}
	if outcome == inboxstore.OutcomeDuplicate {
		status, err := d.store.StatusOf(ctx, evt.ID)
		if err != nil {
			d.count(ctx, string(evt.Type), "error")
			return errs.New("inbox/dispatcher", errs.KindTransient,
				errs.WithMessage("inbox status"), errs.WithEventID(evt.ID), errs.WithCause(err))
		}
		// A finished row absorbs the redelivery; a still-pending one means an
		// earlier attempt failed (or died before marking), so listeners run again.
		if status == inboxstore.StatusProcessed || status == inboxstore.StatusSkipped {
			d.count(ctx, string(evt.Type), telemetry.ResultDuplicate)
			return nil
		}
	}

	if err := d.dispatchTo(ctx, evt); err != nil {
		if markErr := d.store.MarkFailed(ctx, evt.ID, err.Error()); markErr != nil {
			d.logf("inbox: mark failed %s: %v", evt.ID, markErr)
		}
		d.count(ctx, string(evt.Type), "error")
		return err
	}

	if err := d.store.MarkProcessed(ctx, evt.ID); err != nil {
		d.logf("inbox: mark processed %s: %v", evt.ID, err)
		return errs.New("inbox/dispatcher", errs.KindTransient,
			errs.WithMessage("mark processed"), errs.WithEventID(evt.ID), errs.WithCause(err))
	}
	d.count(ctx, string(evt.Type), telemetry.ResultSuccess)
	return nil
}

// dispatchTo runs every listener registered for the event's type.
func (d *Dispatcher) dispatchTo(ctx context.Context, evt event.Integration) error {
	d.mu.RLock()
	listeners := append([]Listener(nil), d.listeners[evt.Type]...)
	d.mu.RUnlock()

	for _, listener := range listeners {
		if listener == nil {
			continue
		}
		if err := listener(ctx, evt); err != nil {
			return err
		}
	}
	return nil
}

func (d *Dispatcher) count(ctx context.Context, eventType, result string) {
	if d.received == nil {
		return
	}
	d.received.Add(ctx, 1, metric.WithAttributes(
		telemetry.ResultAttributes(telemetry.Environment(), d.cfg.Module, eventType, result)...))
}

func (d *Dispatcher) logf(format string, args ...any) {
	if d.cfg.Logger != nil {
		d.cfg.Logger.Printf(format, args...)
	}
}
