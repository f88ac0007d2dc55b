package redemption

import (
	"context"
	"errors"

	"carbon-ledger/pkg/client"

	"github.com/shopspring/decimal"
)

//go:generate mockgen -source=settler.go -destination=mock_settler_test.go -package=redemption

// Settler pays out a redemption on an external rail and returns its reference.
type Settler interface {
	Dispatch(ctx context.Context, redemptionID string, amountCurrency decimal.Decimal, recipient map[string]any) (string, error)
}

type settleRequest struct {
	RedemptionID   string          `json:"redemption_id"`
	AmountCurrency decimal.Decimal `json:"amount_currency"`
	Recipient      map[string]any  `json:"recipient,omitempty"`
}

type settleResponse struct {
	Reference string `json:"reference"`
	Rejected  bool   `json:"rejected,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

type webhookSettler struct {
	hook *client.Webhook
}

// NewWebhookSettler posts settlement requests to SETTLEMENT.URL.
func NewWebhookSettler(hook *client.Webhook) Settler {
	return &webhookSettler{hook: hook}
}

func (s *webhookSettler) Dispatch(ctx context.Context, redemptionID string, amountCurrency decimal.Decimal, recipient map[string]any) (string, error) {
	var out settleResponse
	err := s.hook.PostJSON(ctx, settleRequest{
		RedemptionID:   redemptionID,
		AmountCurrency: amountCurrency,
		Recipient:      recipient,
	}, &out)
	if errors.Is(err, client.ErrRejected) {
		return "", ErrSettlementRejected.Wrap(err)
	}
	if err != nil {
		return "", ErrSettlementFailure.Wrap(err)
	}
	if out.Rejected {
		return "", ErrSettlementRejected.Withf("settlement rail refused %s: %s", redemptionID, out.Reason)
	}
	if out.Reference == "" {
		return "", ErrSettlementFailure.Withf("settlement rail returned no reference for %s", redemptionID)
	}
	return out.Reference, nil
}
