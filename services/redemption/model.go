package redemption

import (
	"time"

	"carbon-ledger/pkg/errutil"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

type Type string

const (
	TypeCashOut     Type = "CASH_OUT"
	TypeOffset      Type = "OFFSET"
	TypeDonation    Type = "DONATION"
	TypeMarketplace Type = "MARKETPLACE"
)

func (t Type) Valid() bool {
	switch t {
	case TypeCashOut, TypeOffset, TypeDonation, TypeMarketplace:
		return true
	}
	return false
}

type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
)

// Redemption is a request to convert credits into external value. The debit
// is the Redeemed ledger entry; a failed settlement is compensated by the
// Reversed entry in ReversalEntryID.
type Redemption struct {
	ID                string            `gorm:"column:id;primaryKey" json:"id"`
	UserID            string            `gorm:"column:user_id;size:64;index" json:"user_id"`
	LedgerEntryID     string            `gorm:"column:ledger_entry_id;uniqueIndex" json:"ledger_entry_id"`
	ReversalEntryID   string            `gorm:"column:reversal_entry_id" json:"reversal_entry_id,omitempty"`
	Type              Type              `gorm:"column:type;size:16" json:"type"`
	AmountCredits     decimal.Decimal   `gorm:"column:amount_credits;type:decimal(24,8)" json:"amount_credits"`
	AmountCurrency    decimal.Decimal   `gorm:"column:amount_currency;type:decimal(24,8)" json:"amount_currency"`
	Status            Status            `gorm:"column:status;size:16;index" json:"status"`
	ExternalReference string            `gorm:"column:external_reference" json:"external_reference,omitempty"`
	Recipient         datatypes.JSONMap `gorm:"column:recipient" json:"recipient,omitempty"`
	FailureReason     string            `gorm:"column:failure_reason" json:"failure_reason,omitempty"`
	CompletedAt       *time.Time        `gorm:"column:completed_at" json:"completed_at,omitempty"`
	CreatedAt         time.Time         `gorm:"column:created_at" json:"created_at"`
	UpdatedAt         time.Time         `gorm:"column:updated_at" json:"updated_at"`
}

func (Redemption) TableName() string { return "redemptions" }

// RedeemRequest asks to redeem Amount credits.
type RedeemRequest struct {
	UserID    string          `json:"user_id" binding:"required"`
	Type      Type            `json:"type" binding:"required"`
	Amount    decimal.Decimal `json:"amount"`
	Recipient map[string]any  `json:"recipient,omitempty"`
}

// SettlePayload is the payload of the redemption:settle task.
type SettlePayload struct {
	RedemptionID string `json:"redemption_id"`
}

var (
	ErrRedemptionNotFound = errutil.Sentinel(errutil.StatusNotFound, "REDEMPTION_NOT_FOUND", "redemption not found")
	ErrInvalidRedemption  = errutil.Sentinel(errutil.StatusBadRequest, "INVALID_REDEMPTION", "invalid redemption request")
	ErrInvalidState       = errutil.Sentinel(errutil.StatusConflict, "INVALID_REDEMPTION_STATE", "redemption is not in the required state")
	ErrSettlementFailure  = errutil.Sentinel(errutil.StatusBadGateway, "SETTLEMENT_FAILURE", "settlement failed")

	// ErrSettlementRejected is a definitive refusal by the rail. It is the only
	// dispatch outcome that fails a redemption from the settle task.
	ErrSettlementRejected = errutil.Sentinel(errutil.StatusUnprocessableEntity, "SETTLEMENT_REJECTED", "settlement rejected by the rail")
)
