package postgres

import (
	"context"
	"testing"
	"time"

	json "github.com/goccy/go-json"

	"github.com/regmesh/regmesh/internal/domain/outboxstore"
)

func TestOutboxStoreNilPool(t *testing.T) {
	store := NewOutboxStore(nil)
	ctx := context.Background()
	msg := outboxstore.Message{
		ID:      "0b7e2c60-0000-0000-0000-000000000001",
		Type:    "BatchCompleted",
		Payload: json.RawMessage(`{"eventId":"evt-1"}`),
	}
	if err := store.Append(ctx, msg); err == nil {
		t.Fatalf("expected error when pool nil")
	}
	if _, err := store.Claim(ctx, 1, time.Second); err == nil {
		t.Fatalf("expected error when pool nil")
	}
	if err := store.MarkProcessed(ctx, msg.ID); err == nil {
		t.Fatalf("expected error when pool nil")
	}
	if err := store.MarkFailed(ctx, msg.ID, "boom", time.Now(), false); err == nil {
		t.Fatalf("expected error when pool nil")
	}
	if _, err := store.ResetFailed(ctx); err == nil {
		t.Fatalf("expected error when pool nil")
	}
	if _, err := store.DeleteProcessedBefore(ctx, time.Now()); err == nil {
		t.Fatalf("expected error when pool nil")
	}
	if _, err := store.Stats(ctx); err == nil {
		t.Fatalf("expected error when pool nil")
	}
}

func TestOutboxStoreWithTxNilKeepsBinding(t *testing.T) {
	store := NewOutboxStore(nil)
	if bound := store.WithTx(nil); bound != store {
		t.Fatalf("expected nil tx to keep original binding")
	}
}

func TestOutboxAppendValidation(t *testing.T) {
	store := &OutboxStore{db: nil}
	ctx := context.Background()
	cases := []struct {
		name string
		msg  outboxstore.Message
	}{
		{"missing id", outboxstore.Message{Type: "BatchCompleted", Payload: json.RawMessage(`{}`)}},
		{"missing type", outboxstore.Message{ID: "id-1", Payload: json.RawMessage(`{}`)}},
		{"missing payload", outboxstore.Message{ID: "id-1", Type: "BatchCompleted"}},
	}
	for _, tc := range cases {
		if err := store.Append(ctx, tc.msg); err == nil {
			t.Fatalf("%s: expected validation error", tc.name)
		}
	}
}
