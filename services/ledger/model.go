package ledger

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

type Kind string

const (
	KindEarned      Kind = "EARNED"
	KindRedeemed    Kind = "REDEEMED"
	KindTransferred Kind = "TRANSFERRED"
	KindExpired     Kind = "EXPIRED"
	KindReversed    Kind = "REVERSED"
)

type Status string

const (
	StatusPending  Status = "PENDING"
	StatusVerified Status = "VERIFIED"
	StatusRejected Status = "REJECTED"
)

func (s Status) Terminal() bool {
	return s == StatusVerified || s == StatusRejected
}

type Method string

const (
	MethodAutomatic    Method = "AUTOMATIC"
	MethodAIAssisted   Method = "AI_ASSISTED"
	MethodManualReview Method = "MANUAL_REVIEW"
)

func (m Method) Valid() bool {
	return m == MethodAutomatic || m == MethodAIAssisted || m == MethodManualReview
}

const (
	// GenesisHash is the prior hash of the first entry of every user chain.
	GenesisHash = "GENESIS"
	// AmountScale is the number of fractional digits kept for credit amounts.
	AmountScale = 8
)

// VerificationMetadata is the typed verification payload. Which fields are set
// depends on the method and the transition:
//   - AI_ASSISTED: Confidence, EvidenceSummary, AIAttempts
//   - MANUAL_REVIEW: ReviewerID, ReviewNote
//   - rejection of any kind: RejectionReason, and FraudFlag when a fraud rule fired
//   - escalation from AI to manual review: Escalated, EscalatedAt
//
// Evidence is passthrough data from the activity source and is never
// interpreted here.
type VerificationMetadata struct {
	ClassificationReason string         `json:"classification_reason,omitempty"`
	Confidence           *float64       `json:"confidence,omitempty"`
	EvidenceSummary      string         `json:"evidence_summary,omitempty"`
	AIAttempts           int            `json:"ai_attempts,omitempty"`
	ReviewerID           string         `json:"reviewer_id,omitempty"`
	ReviewNote           string         `json:"review_note,omitempty"`
	RejectionReason      string         `json:"rejection_reason,omitempty"`
	FraudFlag            string         `json:"fraud_flag,omitempty"`
	Escalated            bool           `json:"escalated,omitempty"`
	EscalatedAt          *time.Time     `json:"escalated_at,omitempty"`
	Evidence             map[string]any `json:"evidence,omitempty"`
}

// LedgerEntry is one balance-affecting event. Everything except the
// verification block (Status, Method, VerifiedAt, Metadata) is covered by Hash
// and never updated after insert. The verification block is sealed separately
// by VerificationHash, which changes only through UpdateVerification.
type LedgerEntry struct {
	ID       string `gorm:"column:id;primaryKey" json:"id"`
	UserID   string `gorm:"column:user_id;size:64;uniqueIndex:idx_ledger_user_sequence,priority:1;index:idx_ledger_user_activity,priority:1" json:"user_id"`
	Sequence int64  `gorm:"column:sequence;uniqueIndex:idx_ledger_user_sequence,priority:2" json:"sequence"`
	Kind     Kind   `gorm:"column:kind;size:16" json:"kind"`

	Amount          decimal.Decimal     `gorm:"column:amount;type:decimal(24,8)" json:"amount"`
	CO2Basis        decimal.NullDecimal `gorm:"column:co2_basis;type:decimal(24,8)" json:"co2_basis"`
	CO2RateUsed     decimal.NullDecimal `gorm:"column:co2_rate_used;type:decimal(24,8)" json:"co2_rate_used"`
	ActivityType    string              `gorm:"column:activity_type;size:64" json:"activity_type,omitempty"`
	ActivityRef     string              `gorm:"column:activity_ref;size:128;index:idx_ledger_user_activity,priority:2" json:"activity_ref,omitempty"`
	ReversesEntryID string              `gorm:"column:reverses_entry_id;index" json:"reverses_entry_id,omitempty"`
	CounterpartyID  string              `gorm:"column:counterparty_id" json:"counterparty_id,omitempty"`
	Note            string              `gorm:"column:note" json:"note,omitempty"`

	Status     Status                                   `gorm:"column:status;size:16;index" json:"status"`
	Method     Method                                   `gorm:"column:method;size:16" json:"method"`
	VerifiedAt *time.Time                               `gorm:"column:verified_at" json:"verified_at,omitempty"`
	Metadata   datatypes.JSONType[VerificationMetadata] `gorm:"column:metadata" json:"metadata"`

	RateID          string          `gorm:"column:rate_id" json:"rate_id"`
	RateUsed        decimal.Decimal `gorm:"column:rate_used;type:decimal(24,8)" json:"rate_used"`
	RateEffectiveAt time.Time       `gorm:"column:rate_effective_at" json:"rate_effective_at"`
	ExternalValue   decimal.Decimal `gorm:"column:external_value;type:decimal(24,8)" json:"external_value"`

	PriorHash        string    `gorm:"column:prior_hash;size:64" json:"prior_hash"`
	Hash             string    `gorm:"column:hash;size:64" json:"hash"`
	VerificationHash string    `gorm:"column:verification_hash;size:64" json:"verification_hash"`
	CreatedAt        time.Time `gorm:"column:created_at;autoCreateTime:false" json:"created_at"`
}

func (LedgerEntry) TableName() string {
	return "ledger_entries"
}

// Head is the tip of one user's chain. Appends lock this row, so it is also
// the per-user write lock, and Halted is the kill switch raised when the
// chain fails an integrity check.
type Head struct {
	UserID     string     `gorm:"column:user_id;primaryKey;size:64" json:"user_id"`
	Sequence   int64      `gorm:"column:sequence" json:"sequence"`
	Hash       string     `gorm:"column:hash;size:64" json:"hash"`
	Halted     bool       `gorm:"column:halted" json:"halted"`
	HaltReason string     `gorm:"column:halt_reason" json:"halt_reason,omitempty"`
	HaltedAt   *time.Time `gorm:"column:halted_at" json:"halted_at,omitempty"`
	UpdatedAt  time.Time  `gorm:"column:updated_at" json:"updated_at"`
}

func (Head) TableName() string {
	return "ledger_heads"
}

// Valuation is the credit to currency rate captured for an entry at append time.
type Valuation struct {
	RateID      string
	Rate        decimal.Decimal
	EffectiveAt time.Time
}

// Draft is the caller supplied part of a new entry. Sequence, hashes,
// valuation amounts and timestamps are filled in by Append.
type Draft struct {
	UserID          string
	Kind            Kind
	Amount          decimal.Decimal
	CO2Basis        decimal.NullDecimal
	CO2RateUsed     decimal.NullDecimal
	ActivityType    string
	ActivityRef     string
	ReversesEntryID string
	CounterpartyID  string
	Note            string

	// Status defaults to PENDING. System originated entries (redemptions,
	// reversals, transfers, expiries) are appended already VERIFIED.
	Status   Status
	Method   Method
	Metadata VerificationMetadata

	Valuation *Valuation
}

// HistoryRange filters History. Zero values are ignored.
type HistoryRange struct {
	FromSequence int64
	ToSequence   int64
	Since        time.Time
	Until        time.Time
	Limit        int
}

// VerificationUpdate is the new verification block written by UpdateVerification.
type VerificationUpdate struct {
	Status     Status
	Method     Method
	Metadata   VerificationMetadata
	VerifiedAt *time.Time
}
