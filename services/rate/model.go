package rate

import (
	"time"

	"carbon-ledger/pkg/errutil"

	"github.com/shopspring/decimal"
)

type RateType string

const (
	CO2ToCredit      RateType = "CO2_TO_CREDIT"
	CreditToCurrency RateType = "CREDIT_TO_CURRENCY"
)

func (t RateType) Valid() bool {
	return t == CO2ToCredit || t == CreditToCurrency
}

// Snapshot is one published conversion rate. Snapshots are write-once; a new
// rate is a new row with a later EffectiveFrom.
type Snapshot struct {
	ID            string          `gorm:"column:id;primaryKey" json:"id"`
	RateType      RateType        `gorm:"column:rate_type;size:32;uniqueIndex:idx_rate_type_effective_from,priority:1" json:"rate_type"`
	Value         decimal.Decimal `gorm:"column:value;type:decimal(24,8)" json:"value"`
	EffectiveFrom time.Time       `gorm:"column:effective_from;uniqueIndex:idx_rate_type_effective_from,priority:2" json:"effective_from"`
	Source        string          `gorm:"column:source" json:"source"`
	CreatedAt     time.Time       `gorm:"column:created_at" json:"created_at"`
}

func (Snapshot) TableName() string {
	return "rate_snapshots"
}

var (
	ErrRateNotFound     = errutil.Sentinel(errutil.StatusNotFound, "RATE_NOT_FOUND", "no rate in effect")
	ErrInvalidRate      = errutil.Sentinel(errutil.StatusValidationFailed, "INVALID_RATE", "invalid rate")
	ErrRateNotMonotonic = errutil.Sentinel(errutil.StatusConflict, "RATE_NOT_MONOTONIC", "rate must take effect after the latest published rate")
)
