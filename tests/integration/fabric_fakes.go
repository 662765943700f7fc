package integration

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/regmesh/regmesh/errs"
	"github.com/regmesh/regmesh/internal/domain/inboxstore"
	"github.com/regmesh/regmesh/internal/domain/outboxstore"
	"github.com/regmesh/regmesh/internal/infra/bus/crossbus"
)

// memOutbox is an in-memory outbox store honouring the claim, lease, and
// retry semantics of the Postgres implementation.
type memOutbox struct {
	mu   sync.Mutex
	rows map[string]*outboxstore.Message
}

func newMemOutbox() *memOutbox {
	return &memOutbox{rows: make(map[string]*outboxstore.Message)}
}

func (s *memOutbox) Append(_ context.Context, msgs ...outboxstore.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, msg := range msgs {
		m := msg
		if m.OccurredAt.IsZero() {
			m.OccurredAt = time.Now().UTC()
		}
		if m.NextAttemptAt.IsZero() {
			m.NextAttemptAt = m.OccurredAt
		}
		m.Status = outboxstore.StatusPending
		m.CreatedAt = time.Now().UTC()
		s.rows[m.ID] = &m
	}
	return nil
}

func (s *memOutbox) Claim(_ context.Context, limit int, lease time.Duration) ([]outboxstore.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	var claimable []*outboxstore.Message
	for _, row := range s.rows {
		pendingDue := row.Status == outboxstore.StatusPending && !row.NextAttemptAt.After(now)
		leaseLapsed := row.Status == outboxstore.StatusProcessing &&
			row.LeaseExpiresAt != nil && !row.LeaseExpiresAt.After(now)
		if pendingDue || leaseLapsed {
			claimable = append(claimable, row)
		}
	}
	sort.SliceStable(claimable, func(i, j int) bool {
		return claimable[i].OccurredAt.Before(claimable[j].OccurredAt)
	})
	if limit > 0 && len(claimable) > limit {
		claimable = claimable[:limit]
	}
	expiry := now.Add(lease)
	out := make([]outboxstore.Message, 0, len(claimable))
	for _, row := range claimable {
		if row.Status == outboxstore.StatusProcessing {
			row.Attempt++
		}
		row.Status = outboxstore.StatusProcessing
		row.LeaseExpiresAt = &expiry
		at := now
		row.LastAttemptAt = &at
		out = append(out, *row)
	}
	return out, nil
}

func (s *memOutbox) MarkProcessed(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if row, ok := s.rows[id]; ok {
		row.Status = outboxstore.StatusProcessed
		row.LeaseExpiresAt = nil
	}
	return nil
}

func (s *memOutbox) MarkFailed(_ context.Context, id string, cause string, nextAttemptAt time.Time, terminal bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if row, ok := s.rows[id]; ok {
		row.Attempt++
		row.LastError = cause
		row.NextAttemptAt = nextAttemptAt
		row.LeaseExpiresAt = nil
		if terminal {
			row.Status = outboxstore.StatusFailed
		} else {
			row.Status = outboxstore.StatusPending
		}
	}
	return nil
}

func (s *memOutbox) ResetFailed(context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, row := range s.rows {
		if row.Status == outboxstore.StatusFailed {
			row.Status = outboxstore.StatusPending
			row.Attempt = 0
			row.LastError = ""
			row.NextAttemptAt = time.Now().UTC()
			n++
		}
	}
	return n, nil
}

func (s *memOutbox) DeleteProcessedBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, row := range s.rows {
		if row.Status == outboxstore.StatusProcessed && row.CreatedAt.Before(cutoff) {
			delete(s.rows, id)
			n++
		}
	}
	return n, nil
}

func (s *memOutbox) Stats(context.Context) (outboxstore.Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var stats outboxstore.Stats
	for _, row := range s.rows {
		switch row.Status {
		case outboxstore.StatusPending:
			stats.Pending++
		case outboxstore.StatusProcessing:
			stats.Processing++
		case outboxstore.StatusFailed:
			stats.Failed++
		}
	}
	return stats, nil
}

func (s *memOutbox) row(id string) (outboxstore.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[id]
	if !ok {
		return outboxstore.Message{}, false
	}
	return *row, true
}

var _ outboxstore.Store = (*memOutbox)(nil)

// stagedAppend buffers appends the way a transaction-bound store does:
// nothing reaches the outbox until Commit, and Rollback discards everything.
type stagedAppend struct {
	store  *memOutbox
	staged []outboxstore.Message
}

func (s *stagedAppend) Append(_ context.Context, msgs ...outboxstore.Message) error {
	s.staged = append(s.staged, msgs...)
	return nil
}

func (s *stagedAppend) Commit(ctx context.Context) error {
	if len(s.staged) == 0 {
		return nil
	}
	return s.store.Append(ctx, s.staged...)
}

func (s *stagedAppend) Rollback() { s.staged = nil }

var _ outboxstore.Appender = (*stagedAppend)(nil)

// memInbox is an in-memory inbox store with event-id dedupe.
type memInbox struct {
	mu   sync.Mutex
	rows map[string]*inboxstore.Message
}

func newMemInbox() *memInbox {
	return &memInbox{rows: make(map[string]*inboxstore.Message)}
}

func (s *memInbox) InsertIfAbsent(_ context.Context, msg inboxstore.Message) (inboxstore.InsertOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rows[msg.EventID]; ok {
		return inboxstore.OutcomeDuplicate, nil
	}
	m := msg
	m.Status = inboxstore.StatusPending
	m.ReceivedAt = time.Now().UTC()
	s.rows[m.EventID] = &m
	return inboxstore.OutcomeInserted, nil
}

func (s *memInbox) StatusOf(_ context.Context, eventID string) (inboxstore.Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[eventID]
	if !ok {
		return "", errs.New("tests/integration", errs.KindInvalid, errs.WithMessage("no inbox row "+eventID))
	}
	return row.Status, nil
}

func (s *memInbox) MarkProcessed(_ context.Context, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if row, ok := s.rows[eventID]; ok {
		row.Status = inboxstore.StatusProcessed
		row.LastError = ""
	}
	return nil
}

func (s *memInbox) MarkFailed(_ context.Context, eventID string, cause string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if row, ok := s.rows[eventID]; ok {
		row.Status = inboxstore.StatusPending
		row.Attempt++
		row.LastError = cause
	}
	return nil
}

func (s *memInbox) MarkSkipped(_ context.Context, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if row, ok := s.rows[eventID]; ok {
		row.Status = inboxstore.StatusSkipped
	}
	return nil
}

func (s *memInbox) PendingForReplay(_ context.Context, limit int) ([]inboxstore.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []inboxstore.Message
	for _, row := range s.rows {
		if row.ReplayRequired && row.Status == inboxstore.StatusPending {
			out = append(out, *row)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].ReceivedAt.Before(out[j].ReceivedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memInbox) DeleteProcessedBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, row := range s.rows {
		if row.Status == inboxstore.StatusProcessed && row.ReceivedAt.Before(cutoff) {
			delete(s.rows, id)
			n++
		}
	}
	return n, nil
}

func (s *memInbox) Stats(context.Context) (inboxstore.Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var stats inboxstore.Stats
	for _, row := range s.rows {
		switch row.Status {
		case inboxstore.StatusPending:
			stats.Pending++
		case inboxstore.StatusFailed:
			stats.Failed++
		case inboxstore.StatusSkipped:
			stats.Skipped++
		}
	}
	return stats, nil
}

func (s *memInbox) row(eventID string) (inboxstore.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[eventID]
	if !ok {
		return inboxstore.Message{}, false
	}
	return *row, true
}

func (s *memInbox) rowsByStatus(status inboxstore.Status) []inboxstore.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []inboxstore.Message
	for _, row := range s.rows {
		if row.Status == status {
			out = append(out, *row)
		}
	}
	return out
}

func (s *memInbox) setReplayRequired(eventID string, required bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if row, ok := s.rows[eventID]; ok {
		row.ReplayRequired = required
		row.Status = inboxstore.StatusPending
	}
}

var _ inboxstore.Store = (*memInbox)(nil)

// flakyBus fails the first failures publishes, then delegates.
type flakyBus struct {
	crossbus.Bus

	mu       sync.Mutex
	failures int
	calls    int
	fail     func() error
}

func (b *flakyBus) Publish(ctx context.Context, topic string, data []byte) error {
	b.mu.Lock()
	b.calls++
	shouldFail := b.calls <= b.failures
	b.mu.Unlock()
	if shouldFail {
		return b.fail()
	}
	return b.Bus.Publish(ctx, topic, data)
}

func (b *flakyBus) publishCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}
