// Package outboxstore defines persistence contracts for the transactional outbox.
package outboxstore

import (
	"context"
	"time"

	json "github.com/goccy/go-json"
)

// Status tracks the delivery lifecycle of an outbox row. Transitions only move
// forward along PENDING -> PROCESSING -> {PROCESSED, FAILED}; an expired
// PROCESSING lease falls back to claimable, and FAILED returns to PENDING only
// through an explicit operator reset.
type Status string

const (
	// StatusPending marks a row awaiting publication.
	StatusPending Status = "PENDING"
	// StatusProcessing marks a row claimed by a processor under a lease.
	StatusProcessing Status = "PROCESSING"
	// StatusProcessed marks a row published at least once. Terminal, subject
	// to retention truncation.
	StatusProcessed Status = "PROCESSED"
	// StatusFailed marks a row that exhausted its attempts or hit a
	// non-retryable failure. Terminal until an operator reset.
	StatusFailed Status = "FAILED"
)

// Message captures one outbox row: exactly one row per produced integration
// event. Payload holds the serialized wire envelope.
type Message struct {
	ID             string
	AggregateKey   string
	Type           string
	Payload        json.RawMessage
	OccurredAt     time.Time
	Status         Status
	Attempt        int
	LastError      string
	LastAttemptAt  *time.Time
	NextAttemptAt  time.Time
	LeaseExpiresAt *time.Time
	CreatedAt      time.Time
}

// Stats summarises outbox health for metrics and the fabric health signal.
type Stats struct {
	Pending          int64
	Processing       int64
	Failed           int64
	OldestPendingAge time.Duration
	OldestFailedAge  time.Duration
}

// Appender inserts pending rows inside the caller's business transaction.
// When that transaction rolls back no row becomes visible.
type Appender interface {
	Append(ctx context.Context, msgs ...Message) error
}

// Store abstracts persistence operations for the outbox.
type Store interface {
	Appender

	// Claim atomically selects up to limit claimable rows (PENDING rows due
	// for delivery plus PROCESSING rows whose lease expired), marks them
	// PROCESSING under a fresh lease, and returns them. Within one aggregate
	// key rows come back in occurredAt order. Concurrent claimers never
	// receive the same row.
	Claim(ctx context.Context, limit int, lease time.Duration) ([]Message, error)

	// MarkProcessed transitions a claimed row to PROCESSED.
	MarkProcessed(ctx context.Context, id string) error

	// MarkFailed records a failed attempt. When terminal is false the row
	// returns to PENDING with the supplied next attempt time; when true the
	// row goes to FAILED and waits for an operator reset.
	MarkFailed(ctx context.Context, id string, cause string, nextAttemptAt time.Time, terminal bool) error

	// ResetFailed moves every FAILED row back to PENDING with attempt zero
	// and returns the number of rows reset.
	ResetFailed(ctx context.Context) (int64, error)

	// DeleteProcessedBefore truncates PROCESSED rows older than cutoff and
	// returns the number of rows removed.
	DeleteProcessedBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// Stats reports current queue depths and backlog ages.
	Stats(ctx context.Context) (Stats, error)
}
