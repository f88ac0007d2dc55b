package rule

import (
	"time"

	"carbon-ledger/pkg/errutil"
	"carbon-ledger/services/ledger"

	"github.com/shopspring/decimal"
)

// Rule is the verification policy for one activity type.
type Rule struct {
	ActivityType     string              `gorm:"column:activity_type;primaryKey;size:64" json:"activity_type"`
	MinAmount        decimal.Decimal     `gorm:"column:min_amount;type:decimal(24,8)" json:"min_amount"`
	MaxAmount        decimal.NullDecimal `gorm:"column:max_amount;type:decimal(24,8)" json:"max_amount"`
	RequiredMethod   ledger.Method       `gorm:"column:required_method;size:16" json:"required_method,omitempty"`
	CreditMultiplier decimal.Decimal     `gorm:"column:credit_multiplier;type:decimal(24,8)" json:"credit_multiplier"`
	RequiresEvidence bool                `gorm:"column:requires_evidence" json:"requires_evidence"`
	Active           bool                `gorm:"column:active" json:"active"`

	// CorroborationAbove is the lower bound of the band that needs AI
	// corroboration. Amounts above MaxAmount still go to manual review.
	CorroborationAbove decimal.NullDecimal `gorm:"column:corroboration_above;type:decimal(24,8)" json:"corroboration_above"`
	// Criteria is an optional CEL expression; true routes to AI-assisted.
	Criteria string `gorm:"column:criteria" json:"criteria,omitempty"`

	CreatedAt time.Time `gorm:"column:created_at" json:"created_at"`
	UpdatedAt time.Time `gorm:"column:updated_at" json:"updated_at"`
}

func (Rule) TableName() string { return "verification_rules" }

// Classification is the routing decision for one activity.
type Classification struct {
	Method ledger.Method
	Rule   Rule
	Reason string
}

var (
	ErrVerificationPolicy = errutil.Sentinel(errutil.StatusUnprocessableEntity, "VERIFICATION_POLICY", "activity does not satisfy the verification policy")
	ErrInvalidRule        = errutil.Sentinel(errutil.StatusValidationFailed, "INVALID_RULE", "invalid verification rule")
)
