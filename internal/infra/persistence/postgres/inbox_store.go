package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/regmesh/regmesh/internal/domain/inboxstore"
)

// InboxStore persists received integration events keyed by event id.
type InboxStore struct {
	db Querier
}

// NewInboxStore constructs an InboxStore backed by the provided pool.
func NewInboxStore(pool *pgxpool.Pool) *InboxStore {
	if pool == nil {
		return &InboxStore{db: nil}
	}
	return &InboxStore{db: pool}
}

const (
	inboxInsertSQL = `
INSERT INTO fabric_inbox (
    event_id,
    source_module,
    type,
    payload,
    received_at,
    status,
    replay_required,
    attempt
)
VALUES ($1, $2, $3, $4::jsonb, NOW(), 'PENDING', $5, 0)
ON CONFLICT (event_id) DO NOTHING;
`

	inboxStatusSQL = `
SELECT status
FROM fabric_inbox
WHERE event_id = $1;
`

	inboxMarkProcessedSQL = `
UPDATE fabric_inbox
SET status = 'PROCESSED',
    last_error = NULL
WHERE event_id = $1;
`

	inboxMarkFailedSQL = `
UPDATE fabric_inbox
SET status = 'PENDING',
    attempt = attempt + 1,
    last_error = $2
WHERE event_id = $1;
`

	inboxMarkSkippedSQL = `
UPDATE fabric_inbox
SET status = 'SKIPPED'
WHERE event_id = $1;
`

	inboxPendingForReplaySQL = `
SELECT
    event_id,
    source_module,
    type,
    payload,
    received_at,
    status,
    replay_required,
    attempt,
    last_error
FROM fabric_inbox
WHERE replay_required = TRUE
  AND status = 'PENDING'
ORDER BY received_at ASC
LIMIT $1;
`

	inboxDeleteProcessedSQL = `
DELETE FROM fabric_inbox
WHERE status = 'PROCESSED'
  AND received_at < $1;
`

	inboxStatsSQL = `
SELECT
    COUNT(*) FILTER (WHERE status = 'PENDING'),
    COUNT(*) FILTER (WHERE status = 'FAILED'),
    COUNT(*) FILTER (WHERE status = 'SKIPPED'),
    COALESCE(EXTRACT(EPOCH FROM (NOW() - MIN(received_at) FILTER (WHERE status = 'PENDING'))), 0)
FROM fabric_inbox;
`
)

const (
	defaultReplayLimit = 100
	maxReplayLimit     = 1024
)

// InsertIfAbsent persists msg unless its event id was already seen. The
// unique key makes redelivery a no-op success.
func (s *InboxStore) InsertIfAbsent(ctx context.Context, msg inboxstore.Message) (inboxstore.InsertOutcome, error) {
	eventID := strings.TrimSpace(msg.EventID)
	if eventID == "" {
		return inboxstore.OutcomeDuplicate, fmt.Errorf("inbox store: event id required")
	}
	eventType := strings.TrimSpace(msg.Type)
	if eventType == "" {
		return inboxstore.OutcomeDuplicate, fmt.Errorf("inbox store: event type required")
	}
	if len(msg.Payload) == 0 {
		return inboxstore.OutcomeDuplicate, fmt.Errorf("inbox store: payload required")
	}
	if s.db == nil {
		return inboxstore.OutcomeDuplicate, fmt.Errorf("inbox store: nil connection")
	}
	tag, err := s.db.Exec(ctx, inboxInsertSQL,
		eventID, strings.TrimSpace(msg.SourceModule), eventType, []byte(msg.Payload), msg.ReplayRequired)
	if err != nil {
		return inboxstore.OutcomeDuplicate, fmt.Errorf("inbox store: insert %s: %w", eventID, err)
	}
	if tag.RowsAffected() == 0 {
		return inboxstore.OutcomeDuplicate, nil
	}
	return inboxstore.OutcomeInserted, nil
}

// StatusOf returns the stored status of the row with the event id.
func (s *InboxStore) StatusOf(ctx context.Context, eventID string) (inboxstore.Status, error) {
	if s.db == nil {
		return "", fmt.Errorf("inbox store: nil connection")
	}
	var status string
	if err := s.db.QueryRow(ctx, inboxStatusSQL, eventID).Scan(&status); err != nil {
		return "", fmt.Errorf("inbox store: status of %s: %w", eventID, err)
	}
	return inboxstore.Status(status), nil
}

// MarkProcessed transitions a row to PROCESSED.
func (s *InboxStore) MarkProcessed(ctx context.Context, eventID string) error {
	if s.db == nil {
		return fmt.Errorf("inbox store: nil connection")
	}
	tag, err := s.db.Exec(ctx, inboxMarkProcessedSQL, eventID)
	if err != nil {
		return fmt.Errorf("inbox store: mark processed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("inbox store: mark processed %s: no rows updated", eventID)
	}
	return nil
}

// MarkFailed records a failed delivery attempt; the row stays PENDING so the
// bus can redeliver.
func (s *InboxStore) MarkFailed(ctx context.Context, eventID string, cause string) error {
	if s.db == nil {
		return fmt.Errorf("inbox store: nil connection")
	}
	tag, err := s.db.Exec(ctx, inboxMarkFailedSQL, eventID, strings.TrimSpace(cause))
	if err != nil {
		return fmt.Errorf("inbox store: mark failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("inbox store: mark failed %s: no rows updated", eventID)
	}
	return nil
}

// MarkSkipped quarantines a row.
func (s *InboxStore) MarkSkipped(ctx context.Context, eventID string) error {
	if s.db == nil {
		return fmt.Errorf("inbox store: nil connection")
	}
	tag, err := s.db.Exec(ctx, inboxMarkSkippedSQL, eventID)
	if err != nil {
		return fmt.Errorf("inbox store: mark skipped: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("inbox store: mark skipped %s: no rows updated", eventID)
	}
	return nil
}

// PendingForReplay returns replay-flagged pending rows, oldest first.
func (s *InboxStore) PendingForReplay(ctx context.Context, limit int) ([]inboxstore.Message, error) {
	if s.db == nil {
		return nil, fmt.Errorf("inbox store: nil connection")
	}
	if limit <= 0 {
		limit = defaultReplayLimit
	} else if limit > maxReplayLimit {
		limit = maxReplayLimit
	}
	rows, err := s.db.Query(ctx, inboxPendingForReplaySQL, limit)
	if err != nil {
		return nil, fmt.Errorf("inbox store: pending for replay: %w", err)
	}
	defer rows.Close()

	var msgs []inboxstore.Message
	for rows.Next() {
		msg, err := scanInboxMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("inbox store: iterate replay: %w", err)
	}
	return msgs, nil
}

// DeleteProcessedBefore truncates PROCESSED rows received before cutoff.
func (s *InboxStore) DeleteProcessedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	if s.db == nil {
		return 0, fmt.Errorf("inbox store: nil connection")
	}
	tag, err := s.db.Exec(ctx, inboxDeleteProcessedSQL, cutoff)
	if err != nil {
		return 0, fmt.Errorf("inbox store: delete processed: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Stats reports queue depths and backlog age.
func (s *InboxStore) Stats(ctx context.Context) (inboxstore.Stats, error) {
	if s.db == nil {
		return inboxstore.Stats{}, fmt.Errorf("inbox store: nil connection")
	}
	var (
		stats          inboxstore.Stats
		pendingSeconds float64
	)
	if err := s.db.QueryRow(ctx, inboxStatsSQL).Scan(
		&stats.Pending,
		&stats.Failed,
		&stats.Skipped,
		&pendingSeconds,
	); err != nil {
		return inboxstore.Stats{}, fmt.Errorf("inbox store: stats: %w", err)
	}
	stats.OldestPendingAge = time.Duration(pendingSeconds * float64(time.Second))
	return stats, nil
}

func scanInboxMessage(row rowScanner) (inboxstore.Message, error) {
	var (
		msg       inboxstore.Message
		payload   []byte
		status    string
		lastError pgtype.Text
	)
	if err := row.Scan(
		&msg.EventID,
		&msg.SourceModule,
		&msg.Type,
		&payload,
		&msg.ReceivedAt,
		&status,
		&msg.ReplayRequired,
		&msg.Attempt,
		&lastError,
	); err != nil {
		return inboxstore.Message{}, fmt.Errorf("inbox store: scan message: %w", err)
	}
	msg.Payload = append([]byte(nil), payload...)
	msg.Status = inboxstore.Status(status)
	if lastError.Valid {
		msg.LastError = lastError.String
	}
	return msg, nil
}

var _ inboxstore.Store = (*InboxStore)(nil)
