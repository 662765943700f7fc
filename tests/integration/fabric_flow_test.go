package integration

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/regmesh/regmesh/errs"
	"github.com/regmesh/regmesh/internal/adapter"
	"github.com/regmesh/regmesh/internal/bus/domainbus"
	"github.com/regmesh/regmesh/internal/domain/correlation"
	"github.com/regmesh/regmesh/internal/domain/event"
	"github.com/regmesh/regmesh/internal/domain/inboxstore"
	"github.com/regmesh/regmesh/internal/domain/outboxstore"
	ibx "github.com/regmesh/regmesh/internal/inbox"
	"github.com/regmesh/regmesh/internal/infra/bus/crossbus"
	obx "github.com/regmesh/regmesh/internal/outbox"
)

type batchPayload struct {
	BatchID string `json:"batchId"`
}

type recorder struct {
	mu    sync.Mutex
	items []string
}

func (r *recorder) add(v string) {
	r.mu.Lock()
	r.items = append(r.items, v)
	r.mu.Unlock()
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.items...)
}

// consumerModule wires the receiving side: dispatcher, adapter registry, and a
// domain handler that records every batch it creates.
type consumerModule struct {
	store      *memInbox
	dispatcher *ibx.Dispatcher
	registry   *adapter.Registry
	domainBus  *domainbus.Bus
	batches    *recorder
	translated *recorder
}

func newConsumerModule(t *testing.T) *consumerModule {
	t.Helper()
	store := newMemInbox()
	dispatcher, err := ibx.NewDispatcher(store, ibx.DispatcherConfig{Module: event.ModuleBilling})
	require.NoError(t, err)

	registry, err := adapter.NewRegistry(event.ModuleBilling)
	require.NoError(t, err)

	domainBus := domainbus.New(domainbus.ModeTransactional)
	batches := &recorder{}
	translated := &recorder{}

	require.NoError(t, domainBus.Subscribe(event.TypeBatchCompleted, func(_ context.Context, evt event.Domain) error {
		payload, ok := evt.Payload.(batchPayload)
		if !ok {
			return errs.New("tests/integration", errs.KindSchema, errs.WithMessage("unexpected payload type"))
		}
		batches.add(payload.BatchID)
		return nil
	}))

	require.NoError(t, registry.Register(event.TypeBatchCompleted, func(ctx context.Context, evt event.Integration) error {
		var payload batchPayload
		if err := event.DecodePayload(evt, &payload); err != nil {
			return err
		}
		translated.add(evt.ID)
		return domainBus.Publish(ctx, event.Domain{
			Type:          evt.Type,
			CorrelationID: correlation.From(ctx).ID(),
			Payload:       payload,
		})
	}))
	require.NoError(t, registry.Bind(dispatcher))

	return &consumerModule{
		store:      store,
		dispatcher: dispatcher,
		registry:   registry,
		domainBus:  domainBus,
		batches:    batches,
		translated: translated,
	}
}

func (c *consumerModule) bind(t *testing.T, bus crossbus.Bus) {
	t.Helper()
	_, err := c.dispatcher.Bind(context.Background(), bus, string(event.TypeBatchCompleted))
	require.NoError(t, err)
}

func newOutboxProcessor(t *testing.T, store outboxstore.Store, bus crossbus.Bus) *obx.Processor {
	t.Helper()
	proc, err := obx.NewProcessor(store, bus, obx.ProcessorConfig{
		Module:         event.ModuleReporting,
		BatchSize:      10,
		Lease:          time.Second,
		MaxAttempts:    10,
		BaseBackoff:    time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		PublishTimeout: time.Second,
		Concurrency:    2,
	})
	require.NoError(t, err)
	return proc
}

func publishBatchCompleted(t *testing.T, appender outboxstore.Appender, batchID string) {
	t.Helper()
	publisher, err := obx.NewPublisher(event.ModuleReporting)
	require.NoError(t, err)
	require.NoError(t, publisher.Publish(context.Background(), appender, event.Integration{
		Type:         event.TypeBatchCompleted,
		AggregateKey: batchID,
		Payload:      batchPayload{BatchID: batchID},
	}))
}

func TestHappyPathDeliversExactlyOnce(t *testing.T) {
	bus := crossbus.NewMemoryBus(crossbus.MemoryConfig{BufferSize: 16})
	defer bus.Close()

	consumer := newConsumerModule(t)
	consumer.bind(t, bus)

	outStore := newMemOutbox()
	proc := newOutboxProcessor(t, outStore, bus)

	publishBatchCompleted(t, outStore, "B1")

	published, err := proc.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, published)

	require.Eventually(t, func() bool {
		return len(consumer.batches.list()) == 1
	}, time.Second, 5*time.Millisecond, "expected the batch handler to run once")
	require.Equal(t, []string{"B1"}, consumer.batches.list())

	evtIDs := consumer.translated.list()
	require.Len(t, evtIDs, 1)
	row, ok := consumer.store.row(evtIDs[0])
	require.True(t, ok, "expected inbox row for delivered event")
	require.Equal(t, inboxstore.StatusProcessed, row.Status)
}

func TestDuplicateDeliveryRunsListenersOnce(t *testing.T) {
	bus := crossbus.NewMemoryBus(crossbus.MemoryConfig{BufferSize: 16})
	defer bus.Close()

	consumer := newConsumerModule(t)
	consumer.bind(t, bus)

	envelope, err := event.EncodeEnvelope(event.Integration{
		ID:            event.NewID(),
		Type:          event.TypeBatchCompleted,
		SourceModule:  event.ModuleReporting,
		SchemaVersion: 1,
		OccurredAt:    time.Now().UTC(),
		CorrelationID: "corr-s2",
		Payload:       batchPayload{BatchID: "B1"},
	})
	require.NoError(t, err)

	require.NoError(t, bus.Publish(context.Background(), string(event.TypeBatchCompleted), envelope))
	require.NoError(t, bus.Publish(context.Background(), string(event.TypeBatchCompleted), envelope))

	require.Eventually(t, func() bool {
		return len(consumer.batches.list()) >= 1
	}, time.Second, 5*time.Millisecond)

	// Allow the second delivery to drain before asserting it was a no-op.
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, []string{"B1"}, consumer.batches.list())
}

func TestReplaySkipsTranslators(t *testing.T) {
	bus := crossbus.NewMemoryBus(crossbus.MemoryConfig{BufferSize: 16})
	defer bus.Close()

	consumer := newConsumerModule(t)
	consumer.bind(t, bus)

	outStore := newMemOutbox()
	proc := newOutboxProcessor(t, outStore, bus)
	publishBatchCompleted(t, outStore, "B2")

	_, err := proc.RunOnce(context.Background())
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return len(consumer.batches.list()) == 1
	}, time.Second, 5*time.Millisecond)

	evtIDs := consumer.translated.list()
	require.Len(t, evtIDs, 1)
	consumer.store.setReplayRequired(evtIDs[0], true)

	replayProc, err := ibx.NewProcessor(consumer.store, consumer.dispatcher, ibx.ProcessorConfig{
		Module:        event.ModuleBilling,
		ReplayEnabled: true,
	})
	require.NoError(t, err)
	t.Cleanup(replayProc.Stop)

	replayed, err := replayProc.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, replayed)

	// Replay re-runs module listeners, never translators: no new batch row.
	require.Equal(t, []string{"B2"}, consumer.batches.list())
	require.Len(t, consumer.translated.list(), 1)
}

func TestListenerFailureRetriesOnRedelivery(t *testing.T) {
	bus := crossbus.NewMemoryBus(crossbus.MemoryConfig{BufferSize: 16})
	defer bus.Close()

	store := newMemInbox()
	dispatcher, err := ibx.NewDispatcher(store, ibx.DispatcherConfig{Module: event.ModuleBilling})
	require.NoError(t, err)

	batches := &recorder{}
	var attempts atomic.Int64
	require.NoError(t, dispatcher.Subscribe(event.TypeBatchCompleted, func(_ context.Context, evt event.Integration) error {
		if attempts.Add(1) == 1 {
			return errs.New("tests/integration", errs.KindTransient, errs.WithMessage("listener warming up"))
		}
		var payload batchPayload
		if err := event.DecodePayload(evt, &payload); err != nil {
			return err
		}
		batches.add(payload.BatchID)
		return nil
	}))
	_, err = dispatcher.Bind(context.Background(), bus, string(event.TypeBatchCompleted))
	require.NoError(t, err)

	outStore := newMemOutbox()
	proc := newOutboxProcessor(t, outStore, bus)
	publishBatchCompleted(t, outStore, "B6")

	published, err := proc.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, published)

	// The first delivery fails and leaves the row pending; the bus redelivery
	// must re-run the listener instead of being absorbed by the dedupe key.
	require.Eventually(t, func() bool {
		return len(batches.list()) == 1
	}, time.Second, 5*time.Millisecond, "expected the retried listener to land the batch")
	require.Equal(t, []string{"B6"}, batches.list())
	require.EqualValues(t, 2, attempts.Load())

	rows := store.rowsByStatus(inboxstore.StatusProcessed)
	require.Len(t, rows, 1)
	require.Equal(t, 1, rows[0].Attempt, "one failed attempt recorded before the retry")
}

func TestProducerRollbackLeavesNoOutboxRow(t *testing.T) {
	outStore := newMemOutbox()
	stage := &stagedAppend{store: outStore}

	publishBatchCompleted(t, stage, "B3")
	stage.Rollback()

	stats, err := outStore.Stats(context.Background())
	require.NoError(t, err)
	require.Zero(t, stats.Pending, "rolled-back append must leave no rows")

	bus := crossbus.NewMemoryBus(crossbus.MemoryConfig{BufferSize: 16})
	defer bus.Close()
	proc := newOutboxProcessor(t, outStore, bus)
	published, err := proc.RunOnce(context.Background())
	require.NoError(t, err)
	require.Zero(t, published)
}

func TestOutboxRetriesUntilBusRecovers(t *testing.T) {
	memory := crossbus.NewMemoryBus(crossbus.MemoryConfig{BufferSize: 16})
	defer memory.Close()
	flaky := &flakyBus{
		Bus:      memory,
		failures: 3,
		fail: func() error {
			return errs.New("tests/integration", errs.KindUnavailable, errs.WithMessage("bus down"))
		},
	}

	consumer := newConsumerModule(t)
	consumer.bind(t, memory)

	outStore := newMemOutbox()
	proc := newOutboxProcessor(t, outStore, flaky)
	publishBatchCompleted(t, outStore, "B4")

	deadline := time.Now().Add(2 * time.Second)
	for {
		_, err := proc.RunOnce(context.Background())
		require.NoError(t, err)
		if len(consumer.batches.list()) == 1 || time.Now().After(deadline) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	require.Equal(t, []string{"B4"}, consumer.batches.list())
	require.Equal(t, 4, flaky.publishCalls(), "expected success on the fourth attempt")

	evtIDs := consumer.translated.list()
	require.Len(t, evtIDs, 1)
	row, ok := outStore.row(evtIDs[0])
	require.True(t, ok)
	require.Equal(t, outboxstore.StatusProcessed, row.Status)
	require.Equal(t, 3, row.Attempt, "one failure mark per unavailable publish")
}

func TestCrashedClaimIsReclaimedAndDeduplicated(t *testing.T) {
	bus := crossbus.NewMemoryBus(crossbus.MemoryConfig{BufferSize: 16})
	defer bus.Close()

	consumer := newConsumerModule(t)
	consumer.bind(t, bus)

	outStore := newMemOutbox()
	proc := newOutboxProcessor(t, outStore, bus)
	publishBatchCompleted(t, outStore, "B5")

	// Simulate a processor that claimed the row and died before publishing.
	claimed, err := outStore.Claim(context.Background(), 10, 20*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	time.Sleep(40 * time.Millisecond)

	published, err := proc.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, published)

	require.Eventually(t, func() bool {
		return len(consumer.batches.list()) == 1
	}, time.Second, 5*time.Millisecond)

	// The bus may deliver the same envelope again; the inbox absorbs it.
	require.NoError(t, bus.Publish(context.Background(), string(event.TypeBatchCompleted), []byte(claimed[0].Payload)))
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, []string{"B5"}, consumer.batches.list())

	row, ok := outStore.row(claimed[0].ID)
	require.True(t, ok)
	require.Equal(t, outboxstore.StatusProcessed, row.Status)
	require.GreaterOrEqual(t, row.Attempt, 1, "reclaim after lease expiry bumps the attempt")
}
