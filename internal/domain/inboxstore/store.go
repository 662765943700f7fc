// Package inboxstore defines persistence contracts for the per-subscriber inbox.
package inboxstore

import (
	"context"
	"time"

	json "github.com/goccy/go-json"
)

// Status tracks the consumption lifecycle of an inbox row.
type Status string

const (
	// StatusPending marks a received row whose listeners have not all succeeded.
	StatusPending Status = "PENDING"
	// StatusProcessed marks a row whose listeners all succeeded. Terminal,
	// subject to retention truncation; replay may still re-run listeners when
	// ReplayRequired is set.
	StatusProcessed Status = "PROCESSED"
	// StatusFailed marks a row whose last delivery attempt failed.
	StatusFailed Status = "FAILED"
	// StatusSkipped marks a quarantined row excluded from further delivery.
	StatusSkipped Status = "SKIPPED"
)

// InsertOutcome reports whether an insert created a row or hit the dedupe key.
type InsertOutcome int

const (
	// OutcomeInserted means the event id was unseen and a row was created.
	OutcomeInserted InsertOutcome = iota
	// OutcomeDuplicate means the event id already exists. Not an error:
	// redeliveries are expected and the inbox absorbs them.
	OutcomeDuplicate
)

// Message captures one inbox row, keyed by the platform-unique event id.
type Message struct {
	EventID        string
	SourceModule   string
	Type           string
	Payload        json.RawMessage
	ReceivedAt     time.Time
	Status         Status
	ReplayRequired bool
	Attempt        int
	LastError      string
}

// Stats summarises inbox health for metrics and the fabric health signal.
type Stats struct {
	Pending          int64
	Failed           int64
	Skipped          int64
	OldestPendingAge time.Duration
}

// Store abstracts persistence operations for the inbox.
type Store interface {
	// InsertIfAbsent persists msg unless a row with the same event id exists.
	// A duplicate is a no-op success.
	InsertIfAbsent(ctx context.Context, msg Message) (InsertOutcome, error)

	// StatusOf returns the current status of the row with the event id. A
	// redelivery consults it to decide between acking a finished row and
	// re-running listeners for one still pending.
	StatusOf(ctx context.Context, eventID string) (Status, error)

	// MarkProcessed transitions a row to PROCESSED after all listeners
	// succeeded.
	MarkProcessed(ctx context.Context, eventID string) error

	// MarkFailed records a failed delivery attempt; the row stays available
	// for redelivery.
	MarkFailed(ctx context.Context, eventID string, cause string) error

	// MarkSkipped quarantines a row, excluding it from delivery and replay.
	MarkSkipped(ctx context.Context, eventID string) error

	// PendingForReplay returns rows flagged for replay that are still
	// pending, oldest first.
	PendingForReplay(ctx context.Context, limit int) ([]Message, error)

	// DeleteProcessedBefore truncates PROCESSED rows received before cutoff
	// and returns the number of rows removed. The retention window must
	// exceed every upstream module's outbox retry horizon.
	DeleteProcessedBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// Stats reports current queue depths and backlog age.
	Stats(ctx context.Context) (Stats, error)
}
