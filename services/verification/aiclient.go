package verification

import (
	"context"

	"carbon-ledger/pkg/client"
	"carbon-ledger/services/ledger"

	"github.com/shopspring/decimal"
)

type aiRequest struct {
	EntryID      string          `json:"entry_id"`
	UserID       string          `json:"user_id"`
	ActivityType string          `json:"activity_type"`
	ActivityRef  string          `json:"activity_ref"`
	CO2Amount    decimal.Decimal `json:"co2_amount"`
	Evidence     map[string]any  `json:"evidence,omitempty"`
}

type webhookVerifier struct {
	hook *client.Webhook
}

// NewWebhookVerifier posts the entry and its evidence to an external scorer
// that answers {"confidence": 0.93, "summary": "..."}.
func NewWebhookVerifier(hook *client.Webhook) AIVerifier {
	return &webhookVerifier{hook: hook}
}

func (v *webhookVerifier) Verify(ctx context.Context, entry *ledger.LedgerEntry) (*AIResult, error) {
	req := aiRequest{
		EntryID:      entry.ID,
		UserID:       entry.UserID,
		ActivityType: entry.ActivityType,
		ActivityRef:  entry.ActivityRef,
		CO2Amount:    entry.CO2Basis.Decimal,
		Evidence:     entry.Metadata.Data().Evidence,
	}

	var out AIResult
	if err := v.hook.PostJSON(ctx, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
