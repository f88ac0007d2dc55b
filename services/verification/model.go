package verification

import (
	"context"

	"carbon-ledger/pkg/errutil"
	"carbon-ledger/services/ledger"

	"github.com/shopspring/decimal"
)

// CreditRequest is an activity reported for crediting.
type CreditRequest struct {
	UserID       string          `json:"user_id" binding:"required"`
	ActivityRef  string          `json:"activity_ref" binding:"required"`
	ActivityType string          `json:"activity_type" binding:"required"`
	CO2Amount    decimal.Decimal `json:"co2_amount"`
	HasEvidence  bool            `json:"has_evidence"`
	Evidence     map[string]any  `json:"evidence,omitempty"`
}

// Dispatcher hands entries to asynchronous verifiers.
type Dispatcher interface {
	DispatchAI(ctx context.Context, entry *ledger.LedgerEntry) error
	DispatchManualReview(ctx context.Context, entry *ledger.LedgerEntry) error
}

// AIResult is the answer of the AI verifier for one entry.
type AIResult struct {
	Confidence float64 `json:"confidence"`
	Summary    string  `json:"summary"`
}

// AIVerifier scores an entry's evidence.
type AIVerifier interface {
	Verify(ctx context.Context, entry *ledger.LedgerEntry) (*AIResult, error)
}

// VelocityCounter counts credits per user within a fixed window.
type VelocityCounter interface {
	Incr(ctx context.Context, userID string) (int64, error)
}

// EntryPayload is the payload of the verification tasks.
type EntryPayload struct {
	EntryID string `json:"entry_id"`
	UserID  string `json:"user_id"`
}

const (
	FraudAmountBound = "AMOUNT_ABOVE_PLAUSIBLE_BOUND"
	FraudVelocity    = "VELOCITY_LIMIT_EXCEEDED"
)

var (
	ErrInvalidConfidence = errutil.Sentinel(errutil.StatusBadRequest, "INVALID_CONFIDENCE", "confidence must be between 0 and 1")
	ErrReviewerRequired  = errutil.Sentinel(errutil.StatusBadRequest, "REVIEWER_REQUIRED", "reviewer id is required")
)
