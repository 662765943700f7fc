package crossbus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sourcegraph/conc"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/regmesh/regmesh/errs"
	"github.com/regmesh/regmesh/internal/infra/telemetry"
)

// MemoryBus is an in-process implementation of the cross-module bus. It fans
// out published envelopes to per-topic subscribers and redelivers on handler
// error up to MaxRedeliveries attempts.
type MemoryBus struct {
	cfg MemoryConfig

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.RWMutex
	subscribers  map[string]map[SubscriptionID]*memorySubscriber
	shutdownOnce sync.Once
	nextID       uint64
	workers      conc.WaitGroup

	metrics busMetrics
}

type memorySubscriber struct {
	topic   string
	handler Handler
	ch      chan delivery
	ctx     context.Context
	cancel  context.CancelFunc
	once    sync.Once
}

type delivery struct {
	data    []byte
	attempt int
}

type busMetrics struct {
	published   metric.Int64Counter
	delivered   metric.Int64Counter
	redelivered metric.Int64Counter
	dropped     metric.Int64Counter
}

// NewMemoryBus constructs a memory-backed cross-module bus.
func NewMemoryBus(cfg MemoryConfig) *MemoryBus {
	cfg = cfg.normalize()
	ctx, cancel := context.WithCancel(context.Background())
	bus := new(MemoryBus)
	bus.cfg = cfg
	bus.ctx = ctx
	bus.cancel = cancel
	bus.subscribers = make(map[string]map[SubscriptionID]*memorySubscriber)
	bus.metrics = newBusMetrics()
	return bus
}

func newBusMetrics() busMetrics {
	meter := otel.Meter("bus.crossbus")
	var m busMetrics
	m.published, _ = meter.Int64Counter("fabric_bus_published_total",
		metric.WithDescription("Envelopes published to the cross-module bus"),
		metric.WithUnit("{envelope}"))
	m.delivered, _ = meter.Int64Counter("fabric_bus_delivered_total",
		metric.WithDescription("Envelope deliveries acknowledged by subscribers"),
		metric.WithUnit("{delivery}"))
	m.redelivered, _ = meter.Int64Counter("fabric_bus_redeliveries_total",
		metric.WithDescription("Envelope deliveries retried after a handler error"),
		metric.WithUnit("{delivery}"))
	m.dropped, _ = meter.Int64Counter("fabric_bus_dropped_total",
		metric.WithDescription("Envelopes dropped after exhausting redeliveries or overflowing buffers"),
		metric.WithUnit("{envelope}"))
	return m
}

func (m busMetrics) add(ctx context.Context, counter metric.Int64Counter, topic string) {
	if counter == nil {
		return
	}
	counter.Add(ctx, 1, metric.WithAttributes(
		telemetry.AttrEnvironment.String(telemetry.Environment()),
		telemetry.AttrTopic.String(topic),
	))
}

// Publish fans the envelope out to every subscriber of the topic. Delivery is
// asynchronous; Publish returns once the envelope is enqueued everywhere.
func (b *MemoryBus) Publish(ctx context.Context, topic string, data []byte) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if topic == "" {
		return errs.New("crossbus/publish", errs.KindInvalid, errs.WithMessage("topic required"))
	}
	if len(data) == 0 {
		return errs.New("crossbus/publish", errs.KindInvalid, errs.WithMessage("envelope required"))
	}
	if err := b.ctx.Err(); err != nil {
		return errs.New("crossbus/publish", errs.KindUnavailable, errs.WithMessage("bus closed"))
	}

	// Snapshot subscribers to avoid holding the lock during delivery.
	b.mu.RLock()
	subscribers := make([]*memorySubscriber, 0, len(b.subscribers[topic]))
	for _, sub := range b.subscribers[topic] {
		subscribers = append(subscribers, sub)
	}
	b.mu.RUnlock()

	b.metrics.add(ctx, b.metrics.published, topic)

	payload := append([]byte(nil), data...)
	for _, sub := range subscribers {
		if sub == nil {
			continue
		}
		if err := b.enqueue(ctx, sub, delivery{data: payload, attempt: 0}); err != nil {
			return err
		}
	}
	return nil
}

// Subscribe registers a handler for envelopes on the topic. The handler runs
// on a dedicated worker goroutine until Unsubscribe or Close.
func (b *MemoryBus) Subscribe(ctx context.Context, topic string, handler Handler) (SubscriptionID, error) {
	if topic == "" {
		return "", errs.New("crossbus/subscribe", errs.KindInvalid, errs.WithMessage("topic required"))
	}
	if handler == nil {
		return "", errs.New("crossbus/subscribe", errs.KindInvalid, errs.WithMessage("handler required"))
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if err := b.ctx.Err(); err != nil {
		return "", errs.New("crossbus/subscribe", errs.KindUnavailable, errs.WithMessage("bus closed"))
	}
	subCtx, cancel := context.WithCancel(ctx)

	sub := new(memorySubscriber)
	sub.topic = topic
	sub.handler = handler
	sub.ch = make(chan delivery, b.cfg.BufferSize)
	sub.ctx = subCtx
	sub.cancel = cancel

	id := SubscriptionID(fmt.Sprintf("sub-%d", atomic.AddUint64(&b.nextID, 1)))

	b.mu.Lock()
	if _, ok := b.subscribers[topic]; !ok {
		b.subscribers[topic] = make(map[SubscriptionID]*memorySubscriber)
	}
	b.subscribers[topic][id] = sub
	b.mu.Unlock()

	b.workers.Go(func() { b.consume(id, sub) })
	return id, nil
}

// Unsubscribe removes the subscription and stops its worker.
func (b *MemoryBus) Unsubscribe(id SubscriptionID) {
	if id == "" {
		return
	}
	b.mu.Lock()
	for topic, subs := range b.subscribers {
		if sub, ok := subs[id]; ok {
			delete(subs, id)
			if len(subs) == 0 {
				delete(b.subscribers, topic)
			}
			b.mu.Unlock()
			sub.close()
			return
		}
	}
	b.mu.Unlock()
}

// Close shuts the bus down and waits for in-flight handlers to return.
func (b *MemoryBus) Close() {
	b.shutdownOnce.Do(func() {
		b.cancel()
		b.mu.Lock()
		for topic, subs := range b.subscribers {
			for id, sub := range subs {
				if sub != nil {
					sub.close()
				}
				delete(subs, id)
			}
			delete(b.subscribers, topic)
		}
		b.mu.Unlock()
		b.workers.Wait()
	})
}

func (b *MemoryBus) enqueue(ctx context.Context, sub *memorySubscriber, d delivery) error {
	if err := sub.ctx.Err(); err != nil {
		return nil
	}
	select {
	case <-b.ctx.Done():
		return errs.New("crossbus/publish", errs.KindUnavailable, errs.WithMessage("bus closed"))
	case <-ctx.Done():
		return fmt.Errorf("crossbus enqueue: %w", ctx.Err())
	case <-sub.ctx.Done():
		return nil
	case sub.ch <- d:
		return nil
	default:
		b.metrics.add(ctx, b.metrics.dropped, sub.topic)
		return errs.New("crossbus/publish", errs.KindUnavailable, errs.WithMessage("subscriber buffer full"))
	}
}

func (b *MemoryBus) consume(id SubscriptionID, sub *memorySubscriber) {
	defer b.remove(id, sub)
	for {
		select {
		case <-sub.ctx.Done():
			return
		case <-b.ctx.Done():
			return
		case d, ok := <-sub.ch:
			if !ok {
				return
			}
			b.handle(sub, d)
		}
	}
}

func (b *MemoryBus) handle(sub *memorySubscriber, d delivery) {
	err := sub.handler(sub.ctx, sub.topic, d.data)
	if err == nil {
		b.metrics.add(sub.ctx, b.metrics.delivered, sub.topic)
		return
	}
	if !errs.Retryable(err) || d.attempt+1 >= b.cfg.MaxRedeliveries {
		b.metrics.add(sub.ctx, b.metrics.dropped, sub.topic)
		return
	}
	b.metrics.add(sub.ctx, b.metrics.redelivered, sub.topic)
	select {
	case sub.ch <- delivery{data: d.data, attempt: d.attempt + 1}:
	default:
		b.metrics.add(sub.ctx, b.metrics.dropped, sub.topic)
	}
}

func (b *MemoryBus) remove(id SubscriptionID, sub *memorySubscriber) {
	b.mu.Lock()
	subs := b.subscribers[sub.topic]
	if subs != nil {
		if stored, ok := subs[id]; ok && stored == sub {
			delete(subs, id)
			if len(subs) == 0 {
				delete(b.subscribers, sub.topic)
			}
		}
	}
	b.mu.Unlock()
	sub.close()
}

func (s *memorySubscriber) close() {
	s.once.Do(func() {
		s.cancel()
	})
}

var _ Bus = (*MemoryBus)(nil)
