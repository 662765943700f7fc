package outbox

import (
	"context"
	"testing"

	"github.com/regmesh/regmesh/internal/domain/correlation"
	"github.com/regmesh/regmesh/internal/domain/event"
	"github.com/regmesh/regmesh/internal/domain/outboxstore"
)

func TestPublisherAppendsEnvelopes(t *testing.T) {
	store := &fakeStore{}
	pub, err := NewPublisher("quality")
	if err != nil {
		t.Fatalf("new publisher: %v", err)
	}

	ctx := correlation.With(context.Background(), correlation.Context{CorrelationID: "corr-7"})
	evt := event.Integration{
		Type:         event.TypeBatchCompleted,
		AggregateKey: "batch-42",
		Payload:      map[string]any{"batchId": "batch-42"},
	}
	if err := pub.Publish(ctx, store, evt); err != nil {
		t.Fatalf("publish: %v", err)
	}

	if len(store.claimable) != 1 {
		t.Fatalf("expected 1 appended message, got %d", len(store.claimable))
	}
	msg := store.claimable[0]
	if msg.ID == "" {
		t.Fatal("expected generated message id")
	}
	if msg.AggregateKey != "batch-42" {
		t.Fatalf("expected aggregate key carried, got %q", msg.AggregateKey)
	}
	if msg.Status != outboxstore.StatusPending {
		t.Fatalf("expected PENDING status, got %s", msg.Status)
	}

	decoded, err := event.DecodeEnvelope(msg.Payload)
	if err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if decoded.SourceModule != "quality" {
		t.Fatalf("expected source module stamp, got %q", decoded.SourceModule)
	}
	if decoded.SchemaVersion != 1 {
		t.Fatalf("expected default schema version, got %d", decoded.SchemaVersion)
	}
	if decoded.CorrelationID != "corr-7" {
		t.Fatalf("expected correlation id from context, got %q", decoded.CorrelationID)
	}
}

func TestPublisherPreservesCallOrder(t *testing.T) {
	store := &fakeStore{}
	pub, err := NewPublisher("quality")
	if err != nil {
		t.Fatalf("new publisher: %v", err)
	}

	evts := []event.Integration{
		{Type: event.TypeQualityValidationStarted},
		{Type: event.TypeQualityValidationCompleted},
	}
	if err := pub.Publish(context.Background(), store, evts...); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(store.claimable) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(store.claimable))
	}
	if !store.claimable[0].OccurredAt.Before(store.claimable[1].OccurredAt) {
		t.Fatal("expected strictly increasing occurredAt within one publish call")
	}
}

func TestPublisherValidation(t *testing.T) {
	if _, err := NewPublisher("  "); err == nil {
		t.Fatal("expected error for blank source module")
	}
	pub, err := NewPublisher("quality")
	if err != nil {
		t.Fatalf("new publisher: %v", err)
	}
	if err := pub.Publish(context.Background(), nil, event.Integration{Type: "BatchCompleted"}); err == nil {
		t.Fatal("expected error for nil appender")
	}
	if err := pub.Publish(context.Background(), &fakeStore{}); err != nil {
		t.Fatalf("publishing zero events should be a no-op, got %v", err)
	}
	if err := pub.Publish(context.Background(), &fakeStore{}, event.Integration{}); err == nil {
		t.Fatal("expected error for event without type")
	}
}
