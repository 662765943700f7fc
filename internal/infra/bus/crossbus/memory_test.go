package crossbus

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/regmesh/regmesh/errs"
)

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestMemoryBusPublishDelivers(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{BufferSize: 4})
	t.Cleanup(bus.Close)

	ctx := context.Background()
	var (
		mu       sync.Mutex
		received [][]byte
	)
	_, err := bus.Subscribe(ctx, "reporting.batch", func(_ context.Context, topic string, data []byte) error {
		if topic != "reporting.batch" {
			t.Errorf("unexpected topic %s", topic)
		}
		mu.Lock()
		received = append(received, data)
		mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := bus.Publish(ctx, "reporting.batch", []byte(`{"eventId":"evt-1"}`)); err != nil {
		t.Fatalf("publish: %v", err)
	}

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1
	})
	mu.Lock()
	if string(received[0]) != `{"eventId":"evt-1"}` {
		t.Fatalf("unexpected payload %s", received[0])
	}
	mu.Unlock()
}

func TestMemoryBusFanOut(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{BufferSize: 4})
	t.Cleanup(bus.Close)

	ctx := context.Background()
	var count atomic.Int64
	for i := 0; i < 3; i++ {
		if _, err := bus.Subscribe(ctx, "iam.roles", func(context.Context, string, []byte) error {
			count.Add(1)
			return nil
		}); err != nil {
			t.Fatalf("subscribe %d: %v", i, err)
		}
	}

	if err := bus.Publish(ctx, "iam.roles", []byte(`{}`)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	waitFor(t, time.Second, func() bool { return count.Load() == 3 })
}

func TestMemoryBusRedeliversOnTransientError(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{BufferSize: 4, MaxRedeliveries: 3})
	t.Cleanup(bus.Close)

	ctx := context.Background()
	var attempts atomic.Int64
	_, err := bus.Subscribe(ctx, "billing.invoice", func(context.Context, string, []byte) error {
		if attempts.Add(1) < 2 {
			return errs.New("test/handler", errs.KindTransient, errs.WithMessage("flaky"))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := bus.Publish(ctx, "billing.invoice", []byte(`{}`)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	waitFor(t, time.Second, func() bool { return attempts.Load() == 2 })
}

func TestMemoryBusDoesNotRedeliverContractErrors(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{BufferSize: 4, MaxRedeliveries: 5})
	t.Cleanup(bus.Close)

	ctx := context.Background()
	var attempts atomic.Int64
	_, err := bus.Subscribe(ctx, "validation.results", func(context.Context, string, []byte) error {
		attempts.Add(1)
		return errs.New("test/handler", errs.KindContract, errs.WithMessage("malformed envelope"))
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := bus.Publish(ctx, "validation.results", []byte(`{}`)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	waitFor(t, time.Second, func() bool { return attempts.Load() == 1 })
	time.Sleep(50 * time.Millisecond)
	if got := attempts.Load(); got != 1 {
		t.Fatalf("expected one attempt for contract error, got %d", got)
	}
}

func TestMemoryBusUnsubscribeStopsDelivery(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{BufferSize: 4})
	t.Cleanup(bus.Close)

	ctx := context.Background()
	var count atomic.Int64
	id, err := bus.Subscribe(ctx, "submission.ack", func(context.Context, string, []byte) error {
		count.Add(1)
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := bus.Publish(ctx, "submission.ack", []byte(`{}`)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	waitFor(t, time.Second, func() bool { return count.Load() == 1 })

	bus.Unsubscribe(id)
	if err := bus.Publish(ctx, "submission.ack", []byte(`{}`)); err != nil {
		t.Fatalf("publish after unsubscribe: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if got := count.Load(); got != 1 {
		t.Fatalf("expected no delivery after unsubscribe, got %d", got)
	}
}

func TestMemoryBusValidation(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{})
	t.Cleanup(bus.Close)

	ctx := context.Background()
	if err := bus.Publish(ctx, "", []byte(`{}`)); errs.KindOf(err) != errs.KindInvalid {
		t.Fatalf("expected invalid kind for empty topic, got %v", err)
	}
	if err := bus.Publish(ctx, "topic", nil); errs.KindOf(err) != errs.KindInvalid {
		t.Fatalf("expected invalid kind for empty envelope, got %v", err)
	}
	if _, err := bus.Subscribe(ctx, "", func(context.Context, string, []byte) error { return nil }); errs.KindOf(err) != errs.KindInvalid {
		t.Fatalf("expected invalid kind for empty topic subscribe, got %v", err)
	}
	if _, err := bus.Subscribe(ctx, "topic", nil); errs.KindOf(err) != errs.KindInvalid {
		t.Fatalf("expected invalid kind for nil handler, got %v", err)
	}
}

func TestMemoryBusPublishAfterClose(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{})
	bus.Close()
	err := bus.Publish(context.Background(), "topic", []byte(`{}`))
	if errs.KindOf(err) != errs.KindUnavailable {
		t.Fatalf("expected unavailable after close, got %v", err)
	}
}
