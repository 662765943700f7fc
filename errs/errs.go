// Package errs provides structured error types and helpers for the regmesh fabric.
package errs

import (
	"errors"
	"strconv"
	"strings"
)

// Kind identifies a fabric error category and drives retry decisions.
type Kind string

const (
	// KindTransient indicates a failure that is expected to clear on retry
	// (network timeout, broker unavailable, database deadlock).
	KindTransient Kind = "transient"
	// KindSchema indicates an unparseable payload, unknown event type, or a
	// schema version newer than the consumer understands.
	KindSchema Kind = "schema"
	// KindContract indicates a malformed envelope or an authorization denial
	// from the cross-module bus.
	KindContract Kind = "contract"
	// KindIdempotent indicates a duplicate effect that callers must treat as
	// success (duplicate key, already processed).
	KindIdempotent Kind = "idempotent"
	// KindFatal indicates a business invariant violation inside a listener.
	KindFatal Kind = "fatal"
	// KindInvalid indicates invalid input provided by the caller.
	KindInvalid Kind = "invalid"
	// KindUnavailable indicates the fabric component is shut down or unusable.
	KindUnavailable Kind = "unavailable"
)

// E captures structured error information produced across the fabric.
type E struct {
	Component     string
	Kind          Kind
	Message       string
	EventID       string
	CorrelationID string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the component and error kind.
func New(component string, kind Kind, opts ...Option) *E {
	e := &E{
		Component:     strings.TrimSpace(component),
		Kind:          kind,
		Message:       "",
		EventID:       "",
		CorrelationID: "",
		cause:         nil,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithEventID records the event the failure relates to.
func WithEventID(id string) Option {
	trimmed := strings.TrimSpace(id)
	return func(e *E) {
		e.EventID = trimmed
	}
}

// WithCorrelationID records the correlation id active when the failure occurred.
func WithCorrelationID(id string) Option {
	trimmed := strings.TrimSpace(id)
	return func(e *E) {
		e.CorrelationID = trimmed
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	component := strings.TrimSpace(e.Component)
	if component == "" {
		component = "unknown"
	}
	parts = append(parts, "component="+component)

	kind := strings.TrimSpace(string(e.Kind))
	if kind == "" {
		kind = "unknown"
	}
	parts = append(parts, "kind="+kind)

	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.EventID != "" {
		parts = append(parts, "event_id="+e.EventID)
	}
	if e.CorrelationID != "" {
		parts = append(parts, "correlation_id="+e.CorrelationID)
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// KindOf extracts the fabric error kind from err. Unknown errors default to
// KindTransient so unclassified failures stay retryable until the taxonomy is
// tightened.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var fe *E
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindTransient
}

// Retryable reports whether err should be retried with backoff.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	switch KindOf(err) {
	case KindSchema, KindContract, KindFatal, KindInvalid:
		return false
	default:
		return true
	}
}

// Idempotent reports whether err represents a duplicate effect that callers
// must map to success.
func Idempotent(err error) bool {
	return err != nil && KindOf(err) == KindIdempotent
}
