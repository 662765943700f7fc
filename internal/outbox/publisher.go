// Package outbox implements the transactional outbox: producers append
// integration events inside their own transaction, and a scheduled processor
// publishes the durable rows to the cross-module bus.
package outbox

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/regmesh/regmesh/errs"
	"github.com/regmesh/regmesh/internal/domain/correlation"
	"github.com/regmesh/regmesh/internal/domain/event"
	"github.com/regmesh/regmesh/internal/domain/outboxstore"
)

const defaultSchemaVersion = 1

// Publisher serializes integration events into wire envelopes and appends them
// to an outbox bound to the producer's transaction. A returned error must
// abort the producing transaction.
type Publisher struct {
	sourceModule string
}

// NewPublisher constructs a publisher stamping events with the producing
// module's name.
func NewPublisher(sourceModule string) (*Publisher, error) {
	name := strings.TrimSpace(sourceModule)
	if name == "" {
		return nil, errs.New("outbox/publisher", errs.KindInvalid, errs.WithMessage("source module required"))
	}
	return &Publisher{sourceModule: name}, nil
}

// Publish appends the events to the appender in call order. Identity fields
// left empty are stamped here: id, occurredAt, correlation id from ctx, source
// module, and schema version.
func (p *Publisher) Publish(ctx context.Context, appender outboxstore.Appender, evts ...event.Integration) error {
	if appender == nil {
		return errs.New("outbox/publisher", errs.KindInvalid, errs.WithMessage("appender required"))
	}
	if len(evts) == 0 {
		return nil
	}

	corr := correlation.From(ctx)
	base := time.Now().UTC()
	msgs := make([]outboxstore.Message, 0, len(evts))
	for i := range evts {
		evt := evts[i]
		if evt.ID == "" {
			evt.ID = event.NewID()
		}
		if evt.SourceModule == "" {
			evt.SourceModule = p.sourceModule
		}
		if evt.SchemaVersion <= 0 {
			evt.SchemaVersion = defaultSchemaVersion
		}
		if evt.OccurredAt.IsZero() {
			// Microsecond spacing keeps call order observable when several
			// events land in one clock tick.
			evt.OccurredAt = base.Add(time.Duration(i) * time.Microsecond)
		}
		if evt.CorrelationID == "" {
			evt.CorrelationID = corr.ID()
		}

		data, err := event.EncodeEnvelope(evt)
		if err != nil {
			return err
		}
		msgs = append(msgs, outboxstore.Message{
			ID:           evt.ID,
			AggregateKey: evt.AggregateKey,
			Type:         string(evt.Type),
			Payload:      data,
			OccurredAt:   evt.OccurredAt,
			Status:       outboxstore.StatusPending,
		})
	}

	if err := appender.Append(ctx, msgs...); err != nil {
		return fmt.Errorf("outbox publish: %w", err)
	}
	return nil
}
