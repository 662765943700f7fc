package domainbus

import (
	"context"
	"errors"
	"testing"

	"github.com/regmesh/regmesh/internal/domain/correlation"
	"github.com/regmesh/regmesh/internal/domain/event"
)

func TestTransactionalPublishDeliversInOrder(t *testing.T) {
	bus := New(ModeTransactional)
	var order []string
	if err := bus.Subscribe("SubmissionFiled", func(_ context.Context, evt event.Domain) error {
		order = append(order, "first:"+evt.ID)
		return nil
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := bus.Subscribe("SubmissionFiled", func(_ context.Context, evt event.Domain) error {
		order = append(order, "second:"+evt.ID)
		return nil
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	err := bus.Publish(context.Background(), event.Domain{ID: "evt-1", Type: "SubmissionFiled"})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	want := []string{"first:evt-1", "second:evt-1"}
	if len(order) != len(want) {
		t.Fatalf("expected %d deliveries, got %d", len(want), len(order))
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("delivery %d: expected %s, got %s", i, want[i], order[i])
		}
	}
}

func TestTransactionalPublishBreadthFirst(t *testing.T) {
	bus := New(ModeTransactional)
	var order []event.Type

	if err := bus.Subscribe("BatchCompleted", func(ctx context.Context, _ event.Domain) error {
		order = append(order, "BatchCompleted")
		// Cascade: this event must queue behind the current batch.
		return bus.Publish(ctx, event.Domain{Type: "ValidationStarted"})
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := bus.Subscribe("ValidationStarted", func(context.Context, event.Domain) error {
		order = append(order, "ValidationStarted")
		return nil
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	err := bus.Publish(context.Background(),
		event.Domain{Type: "BatchCompleted"},
		event.Domain{Type: "BatchCompleted"},
	)
	if err != nil {
		t.Fatalf("publish: %v", err)
	}

	want := []event.Type{"BatchCompleted", "BatchCompleted", "ValidationStarted", "ValidationStarted"}
	if len(order) != len(want) {
		t.Fatalf("expected %d deliveries, got %d: %v", len(want), len(order), order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("delivery %d: expected %s, got %s", i, want[i], order[i])
		}
	}
}

func TestListenerErrorStopsDispatch(t *testing.T) {
	bus := New(ModeTransactional)
	boom := errors.New("invariant violated")
	var delivered int
	if err := bus.Subscribe("ScoreCalculated", func(context.Context, event.Domain) error {
		return boom
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := bus.Subscribe("ScoreCalculated", func(context.Context, event.Domain) error {
		delivered++
		return nil
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	err := bus.Publish(context.Background(), event.Domain{Type: "ScoreCalculated"})
	if !errors.Is(err, boom) {
		t.Fatalf("expected listener error, got %v", err)
	}
	if delivered != 0 {
		t.Fatalf("expected dispatch to stop at first failing listener")
	}
}

func TestAfterCommitBuffersUntilRun(t *testing.T) {
	bus := New(ModeAfterCommit)
	var delivered []string
	if err := bus.Subscribe("ReportGenerated", func(_ context.Context, evt event.Domain) error {
		delivered = append(delivered, evt.ID)
		return nil
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	ctx := WithDeferral(context.Background())
	if err := bus.Publish(ctx, event.Domain{ID: "evt-9", Type: "ReportGenerated"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(delivered) != 0 {
		t.Fatalf("expected no delivery before RunAfterCommit")
	}

	if err := RunAfterCommit(ctx); err != nil {
		t.Fatalf("run after commit: %v", err)
	}
	if len(delivered) != 1 || delivered[0] != "evt-9" {
		t.Fatalf("expected evt-9 delivered, got %v", delivered)
	}

	// The scope drained; a second run is a no-op.
	if err := RunAfterCommit(ctx); err != nil {
		t.Fatalf("second run after commit: %v", err)
	}
	if len(delivered) != 1 {
		t.Fatalf("expected no double delivery, got %v", delivered)
	}
}

func TestAfterCommitWithoutScopeDispatchesImmediately(t *testing.T) {
	bus := New(ModeAfterCommit)
	var delivered int
	if err := bus.Subscribe("ReportGenerated", func(context.Context, event.Domain) error {
		delivered++
		return nil
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := bus.Publish(context.Background(), event.Domain{Type: "ReportGenerated"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if delivered != 1 {
		t.Fatalf("expected immediate dispatch without deferral scope")
	}
}

func TestAfterCommitCascade(t *testing.T) {
	bus := New(ModeAfterCommit)
	var order []event.Type
	if err := bus.Subscribe("BatchCompleted", func(ctx context.Context, _ event.Domain) error {
		order = append(order, "BatchCompleted")
		return bus.Publish(ctx, event.Domain{Type: "ReportQueued"})
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := bus.Subscribe("ReportQueued", func(context.Context, event.Domain) error {
		order = append(order, "ReportQueued")
		return nil
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	ctx := WithDeferral(context.Background())
	if err := bus.Publish(ctx, event.Domain{Type: "BatchCompleted"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := RunAfterCommit(ctx); err != nil {
		t.Fatalf("run after commit: %v", err)
	}
	if len(order) != 2 || order[0] != "BatchCompleted" || order[1] != "ReportQueued" {
		t.Fatalf("expected cascade delivery, got %v", order)
	}
}

func TestAfterCommitRetriesFailedDelivery(t *testing.T) {
	bus := New(ModeAfterCommit)
	attempts := 0
	if err := bus.Subscribe("PaymentVerified", func(context.Context, event.Domain) error {
		attempts++
		if attempts == 1 {
			return errors.New("transient listener failure")
		}
		return nil
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	ctx := WithDeferral(context.Background())
	if err := bus.Publish(ctx, event.Domain{Type: "PaymentVerified"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := RunAfterCommit(ctx); err != nil {
		t.Fatalf("expected retry to clear the failure, got %v", err)
	}
	if attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", attempts)
	}
}

func TestAfterCommitSurfacesPersistentFailure(t *testing.T) {
	bus := New(ModeAfterCommit)
	boom := errors.New("listener keeps failing")
	if err := bus.Subscribe("PaymentVerified", func(context.Context, event.Domain) error {
		return boom
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	ctx := WithDeferral(context.Background())
	if err := bus.Publish(ctx, event.Domain{Type: "PaymentVerified"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := RunAfterCommit(ctx); !errors.Is(err, boom) {
		t.Fatalf("expected persistent failure surfaced, got %v", err)
	}
}

func TestPublishStampsIdentity(t *testing.T) {
	bus := New(ModeTransactional)
	var got event.Domain
	if err := bus.Subscribe("BatchCompleted", func(_ context.Context, evt event.Domain) error {
		got = evt
		return nil
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	ctx := correlation.With(context.Background(), correlation.Context{CorrelationID: "corr-42"})
	if err := bus.Publish(ctx, event.Domain{Type: "BatchCompleted"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if got.ID == "" {
		t.Fatal("expected generated event id")
	}
	if got.OccurredAt.IsZero() {
		t.Fatal("expected occurredAt stamp")
	}
	if got.CorrelationID != "corr-42" {
		t.Fatalf("expected correlation id from context, got %q", got.CorrelationID)
	}
}

func TestSubscribeValidation(t *testing.T) {
	bus := New(ModeTransactional)
	if err := bus.Subscribe("", func(context.Context, event.Domain) error { return nil }); err == nil {
		t.Fatal("expected error for empty type")
	}
	if err := bus.Subscribe("BatchCompleted", nil); err == nil {
		t.Fatal("expected error for nil listener")
	}
	if err := bus.Publish(context.Background(), event.Domain{}); err == nil {
		t.Fatal("expected error for event without type")
	}
}
