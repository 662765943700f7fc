// Package event defines the fabric's event model: domain events routed inside
// one module and integration events crossing module boundaries with a stable
// wire schema. The two families are disjoint structs; a translator, never the
// fabric, turns one into the other.
package event

import (
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/regmesh/regmesh/errs"
)

// Type names a stable event classification, e.g. "BatchCompleted".
type Type string

// Domain is an immutable happening internal to one bounded context. Domain
// events are never persisted by the fabric and never cross module boundaries.
type Domain struct {
	ID            string
	Type          Type
	OccurredAt    time.Time
	CorrelationID string
	Payload       any
}

// Integration is an immutable happening exposed across module boundaries.
// The serialized envelope is the stable wire contract; payload evolution is
// additive-only with a SchemaVersion bump.
type Integration struct {
	ID            string
	Type          Type
	SourceModule  string
	SchemaVersion int
	OccurredAt    time.Time
	CorrelationID string
	// AggregateKey optionally partitions the outbox for per-entity ordering.
	AggregateKey string
	Payload      any
}

// NewID mints a platform-unique event id.
func NewID() string {
	return uuid.NewString()
}

// NewDomain constructs a domain event stamped with a fresh id and UTC instant.
func NewDomain(typ Type, correlationID string, payload any) Domain {
	return Domain{
		ID:            NewID(),
		Type:          typ,
		OccurredAt:    time.Now().UTC(),
		CorrelationID: correlationID,
		Payload:       payload,
	}
}

// NewIntegration constructs an integration event stamped with a fresh id and
// UTC instant.
func NewIntegration(typ Type, sourceModule, correlationID string, schemaVersion int, payload any) Integration {
	return Integration{
		ID:            NewID(),
		Type:          typ,
		SourceModule:  sourceModule,
		SchemaVersion: schemaVersion,
		OccurredAt:    time.Now().UTC(),
		CorrelationID: correlationID,
		AggregateKey:  "",
		Payload:       payload,
	}
}

// Envelope is the stable JSON wire format for integration events.
type Envelope struct {
	EventID       string          `json:"eventId"`
	Type          string          `json:"type"`
	SourceModule  string          `json:"sourceModule"`
	SchemaVersion int             `json:"schemaVersion"`
	OccurredAt    time.Time       `json:"occurredAt"`
	CorrelationID string          `json:"correlationId"`
	Payload       json.RawMessage `json:"payload"`
}

// EncodeEnvelope serializes an integration event to its wire envelope.
func EncodeEnvelope(evt Integration) ([]byte, error) {
	if strings.TrimSpace(evt.ID) == "" {
		return nil, errs.New("event/envelope", errs.KindInvalid, errs.WithMessage("event id required"))
	}
	if strings.TrimSpace(string(evt.Type)) == "" {
		return nil, errs.New("event/envelope", errs.KindInvalid,
			errs.WithMessage("event type required"), errs.WithEventID(evt.ID))
	}
	payload, err := json.Marshal(evt.Payload)
	if err != nil {
		return nil, errs.New("event/envelope", errs.KindSchema,
			errs.WithMessage("encode payload"), errs.WithEventID(evt.ID), errs.WithCause(err))
	}
	env := Envelope{
		EventID:       evt.ID,
		Type:          string(evt.Type),
		SourceModule:  evt.SourceModule,
		SchemaVersion: evt.SchemaVersion,
		OccurredAt:    evt.OccurredAt.UTC(),
		CorrelationID: evt.CorrelationID,
		Payload:       payload,
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, errs.New("event/envelope", errs.KindSchema,
			errs.WithMessage("encode envelope"), errs.WithEventID(evt.ID), errs.WithCause(err))
	}
	return data, nil
}

// DecodeEnvelope parses a wire envelope back into an integration event. The
// payload stays raw; consumers decode it against their own schema.
func DecodeEnvelope(data []byte) (Integration, error) {
	if len(data) == 0 {
		return Integration{}, errs.New("event/envelope", errs.KindContract, errs.WithMessage("empty envelope"))
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Integration{}, errs.New("event/envelope", errs.KindContract,
			errs.WithMessage("malformed envelope"), errs.WithCause(err))
	}
	if strings.TrimSpace(env.EventID) == "" {
		return Integration{}, errs.New("event/envelope", errs.KindContract, errs.WithMessage("envelope missing eventId"))
	}
	if strings.TrimSpace(env.Type) == "" {
		return Integration{}, errs.New("event/envelope", errs.KindContract,
			errs.WithMessage("envelope missing type"), errs.WithEventID(env.EventID))
	}
	return Integration{
		ID:            env.EventID,
		Type:          Type(env.Type),
		SourceModule:  env.SourceModule,
		SchemaVersion: env.SchemaVersion,
		OccurredAt:    env.OccurredAt.UTC(),
		CorrelationID: env.CorrelationID,
		AggregateKey:  "",
		Payload:       env.Payload,
	}, nil
}

// DecodePayload unmarshals an integration event payload into dst. It accepts
// both raw wire payloads and already-typed payloads re-marshalled through JSON.
func DecodePayload(evt Integration, dst any) error {
	var raw []byte
	switch p := evt.Payload.(type) {
	case json.RawMessage:
		raw = p
	case []byte:
		raw = p
	default:
		data, err := json.Marshal(p)
		if err != nil {
			return errs.New("event/payload", errs.KindSchema,
				errs.WithMessage("re-encode payload"), errs.WithEventID(evt.ID), errs.WithCause(err))
		}
		raw = data
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return errs.New("event/payload", errs.KindSchema,
			errs.WithMessage("decode payload"), errs.WithEventID(evt.ID), errs.WithCause(err))
	}
	return nil
}
