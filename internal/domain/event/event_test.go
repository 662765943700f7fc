package event

import (
	"errors"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/regmesh/regmesh/errs"
)

func TestEncodeDecodeEnvelopeRoundTrip(t *testing.T) {
	occurred := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	evt := Integration{
		ID:            "evt-1",
		Type:          TypeBatchCompleted,
		SourceModule:  ModuleIngestion,
		SchemaVersion: 1,
		OccurredAt:    occurred,
		CorrelationID: "corr-1",
		Payload: BatchCompletedPayload{
			BatchID:     "B1",
			FileName:    "exposures.xlsx",
			RecordCount: 1200,
			CompletedAt: occurred,
		},
	}
	data, err := EncodeEnvelope(evt)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}

	decoded, err := DecodeEnvelope(data)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if decoded.ID != evt.ID || decoded.Type != evt.Type || decoded.SourceModule != evt.SourceModule {
		t.Fatalf("header mismatch: %+v", decoded)
	}
	if decoded.SchemaVersion != 1 {
		t.Fatalf("schema version mismatch: %d", decoded.SchemaVersion)
	}
	if !decoded.OccurredAt.Equal(occurred) {
		t.Fatalf("occurredAt mismatch: %v", decoded.OccurredAt)
	}
	if decoded.CorrelationID != "corr-1" {
		t.Fatalf("correlation id mismatch: %s", decoded.CorrelationID)
	}

	var payload BatchCompletedPayload
	if err := DecodePayload(decoded, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.BatchID != "B1" || payload.RecordCount != 1200 {
		t.Fatalf("payload mismatch: %+v", payload)
	}
}

func TestEncodeEnvelopeRejectsMissingFields(t *testing.T) {
	if _, err := EncodeEnvelope(Integration{Type: TypeBatchCompleted}); err == nil {
		t.Fatalf("expected error for missing event id")
	}
	if _, err := EncodeEnvelope(Integration{ID: "evt-2"}); err == nil {
		t.Fatalf("expected error for missing event type")
	}
}

func TestDecodeEnvelopeClassifiesContractErrors(t *testing.T) {
	cases := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"malformed", []byte("{not json")},
		{"missing event id", []byte(`{"type":"BatchCompleted"}`)},
		{"missing type", []byte(`{"eventId":"evt-3"}`)},
	}
	for _, tc := range cases {
		_, err := DecodeEnvelope(tc.data)
		if err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
		if errs.KindOf(err) != errs.KindContract {
			t.Fatalf("%s: expected contract kind, got %s", tc.name, errs.KindOf(err))
		}
		if errs.Retryable(err) {
			t.Fatalf("%s: contract errors must not be retryable", tc.name)
		}
	}
}

func TestDecodePayloadAcceptsRawAndTyped(t *testing.T) {
	raw := Integration{ID: "evt-4", Type: TypePaymentVerified,
		Payload: json.RawMessage(`{"paymentId":"P1","userId":"U1","amount":"19.99","currency":"EUR"}`)}
	var fromRaw PaymentVerifiedPayload
	if err := DecodePayload(raw, &fromRaw); err != nil {
		t.Fatalf("decode raw payload: %v", err)
	}
	if !fromRaw.Amount.Equal(decimal.RequireFromString("19.99")) {
		t.Fatalf("amount mismatch: %s", fromRaw.Amount)
	}

	typed := Integration{ID: "evt-5", Type: TypePaymentVerified,
		Payload: PaymentVerifiedPayload{PaymentID: "P2", Amount: decimal.NewFromInt(5)}}
	var fromTyped PaymentVerifiedPayload
	if err := DecodePayload(typed, &fromTyped); err != nil {
		t.Fatalf("decode typed payload: %v", err)
	}
	if fromTyped.PaymentID != "P2" {
		t.Fatalf("payload mismatch: %+v", fromTyped)
	}
}

func TestDecodePayloadSchemaErrorNotRetryable(t *testing.T) {
	evt := Integration{ID: "evt-6", Type: TypeBatchCompleted, Payload: json.RawMessage(`{"recordCount":"NaN"}`)}
	var payload BatchCompletedPayload
	err := DecodePayload(evt, &payload)
	if err == nil {
		t.Fatalf("expected schema error")
	}
	if errs.KindOf(err) != errs.KindSchema {
		t.Fatalf("expected schema kind, got %s", errs.KindOf(err))
	}
	var fe *errs.E
	if !errors.As(err, &fe) || fe.EventID != "evt-6" {
		t.Fatalf("expected event id on error, got %v", err)
	}
}

func TestNewIntegrationStampsDefaults(t *testing.T) {
	evt := NewIntegration(TypeUserRegistered, ModuleIAM, "corr-7", 1, UserRegisteredPayload{UserID: "U1"})
	if evt.ID == "" {
		t.Fatalf("expected minted id")
	}
	if evt.OccurredAt.Location() != time.UTC {
		t.Fatalf("expected UTC instant")
	}
	if evt.CorrelationID != "corr-7" {
		t.Fatalf("correlation id mismatch")
	}
}
