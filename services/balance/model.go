package balance

import (
	"time"

	"carbon-ledger/pkg/errutil"

	"github.com/shopspring/decimal"
)

// Balance is the materialized fold of a user's verified entries.
// CurrentBalance == TotalEarned - TotalRedeemed + TotalAdjusted holds after
// every fold.
type Balance struct {
	UserID              string          `gorm:"column:user_id;primaryKey;size:64" json:"user_id"`
	CurrentBalance      decimal.Decimal `gorm:"column:current_balance;type:decimal(24,8)" json:"current_balance"`
	TotalEarned         decimal.Decimal `gorm:"column:total_earned;type:decimal(24,8)" json:"total_earned"`
	TotalRedeemed       decimal.Decimal `gorm:"column:total_redeemed;type:decimal(24,8)" json:"total_redeemed"`
	TotalAdjusted       decimal.Decimal `gorm:"column:total_adjusted;type:decimal(24,8)" json:"total_adjusted"`
	LastAppliedSequence int64           `gorm:"column:last_applied_sequence" json:"last_applied_sequence"`
	CreatedAt           time.Time       `gorm:"column:created_at" json:"created_at"`
	UpdatedAt           time.Time       `gorm:"column:updated_at" json:"updated_at"`
}

func (Balance) TableName() string { return "balances" }

// Fold records that one entry was applied to the balance. The primary key
// makes each fold happen at most once.
type Fold struct {
	UserID   string          `gorm:"column:user_id;primaryKey;size:64"`
	Sequence int64           `gorm:"column:sequence;primaryKey"`
	EntryID  string          `gorm:"column:entry_id;uniqueIndex"`
	Amount   decimal.Decimal `gorm:"column:amount;type:decimal(24,8)"`
	FoldedAt time.Time       `gorm:"column:folded_at;autoCreateTime"`
}

func (Fold) TableName() string { return "balance_folds" }

// Report is the outcome of a reconciliation for one user.
type Report struct {
	UserID       string          `json:"user_id"`
	Stored       Balance         `json:"stored"`
	Recomputed   Balance         `json:"recomputed"`
	EntriesFound int             `json:"entries_found"`
	Matched      bool            `json:"matched"`
	Difference   decimal.Decimal `json:"difference"`
}

var (
	ErrInsufficientBalance    = errutil.Sentinel(errutil.StatusUnprocessableEntity, "INSUFFICIENT_BALANCE", "insufficient balance")
	ErrReconciliationMismatch = errutil.Sentinel(errutil.StatusConflict, "RECONCILIATION_MISMATCH", "stored balance does not match the ledger")
	ErrNotVerified            = errutil.Sentinel(errutil.StatusConflict, "NOT_VERIFIED", "only verified entries can be folded")
)
