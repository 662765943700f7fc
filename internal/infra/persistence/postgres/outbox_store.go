package postgres

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/regmesh/regmesh/internal/domain/outboxstore"
)

// OutboxStore persists integration events awaiting cross-module publication.
type OutboxStore struct {
	db Querier
}

// NewOutboxStore constructs an OutboxStore backed by the provided pool.
func NewOutboxStore(pool *pgxpool.Pool) *OutboxStore {
	if pool == nil {
		return &OutboxStore{db: nil}
	}
	return &OutboxStore{db: pool}
}

// WithTx returns a store bound to the caller's transaction. Appends through
// the returned store commit or roll back with the business change.
func (s *OutboxStore) WithTx(tx pgx.Tx) *OutboxStore {
	if tx == nil {
		return s
	}
	return &OutboxStore{db: tx}
}

const (
	outboxInsertSQL = `
INSERT INTO fabric_outbox (
    id,
    aggregate_key,
    type,
    payload,
    occurred_at,
    status,
    attempt,
    next_attempt_at,
    created_at
)
VALUES ($1, NULLIF($2, ''), $3, $4::jsonb, $5, 'PENDING', 0, $6, NOW());
`

	outboxClaimSQL = `
WITH claimable AS (
    SELECT id
    FROM fabric_outbox
    WHERE (status = 'PENDING' AND next_attempt_at <= NOW())
       OR (status = 'PROCESSING' AND lease_expires_at IS NOT NULL AND lease_expires_at <= NOW())
    ORDER BY occurred_at ASC
    LIMIT $1
    FOR UPDATE SKIP LOCKED
)
UPDATE fabric_outbox AS o
SET status = 'PROCESSING',
    attempt = o.attempt + CASE WHEN o.status = 'PROCESSING' THEN 1 ELSE 0 END,
    last_attempt_at = NOW(),
    lease_expires_at = NOW() + ($2::bigint * INTERVAL '1 microsecond')
FROM claimable AS c
WHERE o.id = c.id
RETURNING
    o.id,
    o.aggregate_key,
    o.type,
    o.payload,
    o.occurred_at,
    o.status,
    o.attempt,
    o.last_error,
    o.last_attempt_at,
    o.next_attempt_at,
    o.lease_expires_at,
    o.created_at;
`

	outboxMarkProcessedSQL = `
UPDATE fabric_outbox
SET status = 'PROCESSED',
    lease_expires_at = NULL
WHERE id = $1
  AND status = 'PROCESSING';
`

	outboxMarkFailedSQL = `
UPDATE fabric_outbox
SET status = $4,
    attempt = attempt + 1,
    last_error = $2,
    next_attempt_at = $3,
    lease_expires_at = NULL
WHERE id = $1;
`

	outboxResetFailedSQL = `
UPDATE fabric_outbox
SET status = 'PENDING',
    attempt = 0,
    last_error = NULL,
    next_attempt_at = NOW()
WHERE status = 'FAILED';
`

	outboxDeleteProcessedSQL = `
DELETE FROM fabric_outbox
WHERE status = 'PROCESSED'
  AND created_at < $1;
`

	outboxStatsSQL = `
SELECT
    COUNT(*) FILTER (WHERE status = 'PENDING'),
    COUNT(*) FILTER (WHERE status = 'PROCESSING'),
    COUNT(*) FILTER (WHERE status = 'FAILED'),
    COALESCE(EXTRACT(EPOCH FROM (NOW() - MIN(created_at) FILTER (WHERE status = 'PENDING'))), 0),
    COALESCE(EXTRACT(EPOCH FROM (NOW() - MIN(created_at) FILTER (WHERE status = 'FAILED'))), 0)
FROM fabric_outbox;
`
)

const (
	defaultClaimLimit = 100
	maxClaimLimit     = 1024
)

// Append inserts PENDING rows through the store's binding. Bind the store to
// the producer's transaction with WithTx so the rows share its atomicity.
func (s *OutboxStore) Append(ctx context.Context, msgs ...outboxstore.Message) error {
	for _, msg := range msgs {
		id := strings.TrimSpace(msg.ID)
		if id == "" {
			return fmt.Errorf("outbox store: message id required")
		}
		eventType := strings.TrimSpace(msg.Type)
		if eventType == "" {
			return fmt.Errorf("outbox store: event type required")
		}
		if len(msg.Payload) == 0 {
			return fmt.Errorf("outbox store: payload required")
		}
		if s.db == nil {
			return fmt.Errorf("outbox store: nil connection")
		}
		occurredAt := msg.OccurredAt
		if occurredAt.IsZero() {
			occurredAt = time.Now().UTC()
		}
		nextAttemptAt := msg.NextAttemptAt
		if nextAttemptAt.IsZero() {
			nextAttemptAt = occurredAt
		}
		if _, err := s.db.Exec(ctx, outboxInsertSQL,
			id, strings.TrimSpace(msg.AggregateKey), eventType, []byte(msg.Payload), occurredAt, nextAttemptAt); err != nil {
			return fmt.Errorf("outbox store: append %s: %w", id, err)
		}
	}
	return nil
}

// Claim atomically marks up to limit claimable rows PROCESSING under a fresh
// lease and returns them. SKIP LOCKED keeps concurrent processors disjoint.
func (s *OutboxStore) Claim(ctx context.Context, limit int, lease time.Duration) ([]outboxstore.Message, error) {
	if s.db == nil {
		return nil, fmt.Errorf("outbox store: nil connection")
	}
	if limit <= 0 {
		limit = defaultClaimLimit
	} else if limit > maxClaimLimit {
		limit = maxClaimLimit
	}
	if lease <= 0 {
		lease = 30 * time.Second
	}
	rows, err := s.db.Query(ctx, outboxClaimSQL, limit, lease.Microseconds())
	if err != nil {
		return nil, fmt.Errorf("outbox store: claim: %w", err)
	}
	defer rows.Close()

	var msgs []outboxstore.Message
	for rows.Next() {
		msg, err := scanOutboxMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("outbox store: iterate claim: %w", err)
	}
	// UPDATE ... RETURNING has no row-order guarantee; restore occurredAt order
	// so per-aggregate-key ordering holds.
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].OccurredAt.Before(msgs[j].OccurredAt)
	})
	return msgs, nil
}

// MarkProcessed transitions a claimed row to PROCESSED.
func (s *OutboxStore) MarkProcessed(ctx context.Context, id string) error {
	if s.db == nil {
		return fmt.Errorf("outbox store: nil connection")
	}
	tag, err := s.db.Exec(ctx, outboxMarkProcessedSQL, id)
	if err != nil {
		return fmt.Errorf("outbox store: mark processed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("outbox store: mark processed %s: no rows updated", id)
	}
	return nil
}

// MarkFailed records a failed attempt, rescheduling the row or parking it in
// FAILED when terminal.
func (s *OutboxStore) MarkFailed(ctx context.Context, id string, cause string, nextAttemptAt time.Time, terminal bool) error {
	if s.db == nil {
		return fmt.Errorf("outbox store: nil connection")
	}
	status := string(outboxstore.StatusPending)
	if terminal {
		status = string(outboxstore.StatusFailed)
	}
	if nextAttemptAt.IsZero() {
		nextAttemptAt = time.Now().UTC()
	}
	tag, err := s.db.Exec(ctx, outboxMarkFailedSQL, id, strings.TrimSpace(cause), nextAttemptAt, status)
	if err != nil {
		return fmt.Errorf("outbox store: mark failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("outbox store: mark failed %s: no rows updated", id)
	}
	return nil
}

// ResetFailed returns every FAILED row to PENDING with attempt zero.
func (s *OutboxStore) ResetFailed(ctx context.Context) (int64, error) {
	if s.db == nil {
		return 0, fmt.Errorf("outbox store: nil connection")
	}
	tag, err := s.db.Exec(ctx, outboxResetFailedSQL)
	if err != nil {
		return 0, fmt.Errorf("outbox store: reset failed: %w", err)
	}
	return tag.RowsAffected(), nil
}

// DeleteProcessedBefore truncates PROCESSED rows older than cutoff.
func (s *OutboxStore) DeleteProcessedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	if s.db == nil {
		return 0, fmt.Errorf("outbox store: nil connection")
	}
	tag, err := s.db.Exec(ctx, outboxDeleteProcessedSQL, cutoff)
	if err != nil {
		return 0, fmt.Errorf("outbox store: delete processed: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Stats reports queue depths and backlog ages.
func (s *OutboxStore) Stats(ctx context.Context) (outboxstore.Stats, error) {
	if s.db == nil {
		return outboxstore.Stats{}, fmt.Errorf("outbox store: nil connection")
	}
	var (
		stats          outboxstore.Stats
		pendingSeconds float64
		failedSeconds  float64
	)
	if err := s.db.QueryRow(ctx, outboxStatsSQL).Scan(
		&stats.Pending,
		&stats.Processing,
		&stats.Failed,
		&pendingSeconds,
		&failedSeconds,
	); err != nil {
		return outboxstore.Stats{}, fmt.Errorf("outbox store: stats: %w", err)
	}
	stats.OldestPendingAge = time.Duration(pendingSeconds * float64(time.Second))
	stats.OldestFailedAge = time.Duration(failedSeconds * float64(time.Second))
	return stats, nil
}

func scanOutboxMessage(row rowScanner) (outboxstore.Message, error) {
	var (
		msg            outboxstore.Message
		aggregateKey   pgtype.Text
		payload        []byte
		status         string
		lastError      pgtype.Text
		lastAttemptAt  pgtype.Timestamptz
		leaseExpiresAt pgtype.Timestamptz
	)
	if err := row.Scan(
		&msg.ID,
		&aggregateKey,
		&msg.Type,
		&payload,
		&msg.OccurredAt,
		&status,
		&msg.Attempt,
		&lastError,
		&lastAttemptAt,
		&msg.NextAttemptAt,
		&leaseExpiresAt,
		&msg.CreatedAt,
	); err != nil {
		return outboxstore.Message{}, fmt.Errorf("outbox store: scan message: %w", err)
	}
	msg.Payload = append([]byte(nil), payload...)
	msg.Status = outboxstore.Status(status)
	if aggregateKey.Valid {
		msg.AggregateKey = aggregateKey.String
	}
	if lastError.Valid {
		msg.LastError = lastError.String
	}
	if lastAttemptAt.Valid {
		t := lastAttemptAt.Time
		msg.LastAttemptAt = &t
	}
	if leaseExpiresAt.Valid {
		t := leaseExpiresAt.Time
		msg.LeaseExpiresAt = &t
	}
	return msg, nil
}

var _ outboxstore.Store = (*OutboxStore)(nil)
