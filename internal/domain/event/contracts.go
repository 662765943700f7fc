package event

import (
	"time"

	"github.com/shopspring/decimal"
)

// Integration event types exchanged between the platform's modules. Each
// payload schema is owned by its producing module; evolution is additive-only
// with a schema version bump.
const (
	TypeBatchCompleted             Type = "BatchCompleted"
	TypeQualityResultsRecorded     Type = "QualityResultsRecorded"
	TypeQualityScoresCalculated    Type = "QualityScoresCalculated"
	TypeQualityValidationStarted   Type = "QualityValidationStarted"
	TypeQualityValidationCompleted Type = "QualityValidationCompleted"
	TypeQualityValidationFailed    Type = "QualityValidationFailed"
	TypeUserRegistered             Type = "UserRegistered"
	TypePaymentVerified            Type = "PaymentVerified"
	TypeBillingAccountCreated      Type = "BillingAccountCreated"
	TypeUserRoleChanged            Type = "UserRoleChanged"
)

// Source module names used in envelopes.
const (
	ModuleIngestion   = "ingestion"
	ModuleDataQuality = "dataquality"
	ModuleRisk        = "risk"
	ModuleReporting   = "reporting"
	ModuleBilling     = "billing"
	ModuleIAM         = "iam"
)

// BatchCompletedPayload announces that an ingested batch finished processing.
type BatchCompletedPayload struct {
	BatchID     string    `json:"batchId"`
	FileName    string    `json:"fileName"`
	RecordCount int       `json:"recordCount"`
	CompletedAt time.Time `json:"completedAt"`
}

// QualityResultsRecordedPayload carries per-rule validation outcomes for a batch.
type QualityResultsRecordedPayload struct {
	BatchID      string `json:"batchId"`
	ReportID     string `json:"reportId"`
	RulesChecked int    `json:"rulesChecked"`
	Failures     int    `json:"failures"`
}

// QualityScoresCalculatedPayload carries the aggregate quality score for a batch.
type QualityScoresCalculatedPayload struct {
	BatchID  string          `json:"batchId"`
	ReportID string          `json:"reportId"`
	Score    decimal.Decimal `json:"score"`
}

// QualityValidationStartedPayload marks the start of a validation run.
type QualityValidationStartedPayload struct {
	BatchID   string    `json:"batchId"`
	StartedAt time.Time `json:"startedAt"`
}

// QualityValidationCompletedPayload marks a validation run that finished.
type QualityValidationCompletedPayload struct {
	BatchID     string    `json:"batchId"`
	CompletedAt time.Time `json:"completedAt"`
	Passed      bool      `json:"passed"`
}

// QualityValidationFailedPayload marks a validation run that could not finish.
type QualityValidationFailedPayload struct {
	BatchID  string    `json:"batchId"`
	FailedAt time.Time `json:"failedAt"`
	Reason   string    `json:"reason"`
}

// UserRegisteredPayload announces a new platform user.
type UserRegisteredPayload struct {
	UserID string `json:"userId"`
	Email  string `json:"email"`
}

// PaymentVerifiedPayload confirms a verified payment for billing consumers.
type PaymentVerifiedPayload struct {
	PaymentID string          `json:"paymentId"`
	UserID    string          `json:"userId"`
	Amount    decimal.Decimal `json:"amount"`
	Currency  string          `json:"currency"`
}

// BillingAccountCreatedPayload announces a provisioned billing account.
type BillingAccountCreatedPayload struct {
	AccountID     string          `json:"accountId"`
	UserID        string          `json:"userId"`
	CreditBalance decimal.Decimal `json:"creditBalance"`
}

// UserRoleChangedPayload announces an IAM role transition.
type UserRoleChangedPayload struct {
	UserID   string    `json:"userId"`
	OldRole  string    `json:"oldRole"`
	NewRole  string    `json:"newRole"`
	ActorID  string    `json:"actorId"`
	Effected time.Time `json:"effected"`
}
