package redemption

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"carbon-ledger/pkg/client"

	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func settlerFor(t *testing.T, status int, body any) Settler {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}))
	t.Cleanup(srv.Close)
	return NewWebhookSettler(client.NewWebhook("settlement", srv.URL, time.Second, rate.Inf, 1))
}

func TestWebhookSettlerOutcomes(t *testing.T) {
	ctx := context.Background()
	amount := d("0.6")

	ref, err := settlerFor(t, http.StatusOK, map[string]any{"reference": "rail-1"}).Dispatch(ctx, "r1", amount, nil)
	require.NoError(t, err)
	require.Equal(t, "rail-1", ref)

	_, err = settlerFor(t, http.StatusUnprocessableEntity, map[string]any{"error": "account closed"}).Dispatch(ctx, "r1", amount, nil)
	require.ErrorIs(t, err, ErrSettlementRejected)

	_, err = settlerFor(t, http.StatusOK, map[string]any{"rejected": true, "reason": "sanctioned recipient"}).Dispatch(ctx, "r1", amount, nil)
	require.ErrorIs(t, err, ErrSettlementRejected)
	require.Contains(t, err.Error(), "sanctioned recipient")

	_, err = settlerFor(t, http.StatusServiceUnavailable, map[string]any{}).Dispatch(ctx, "r1", amount, nil)
	require.ErrorIs(t, err, ErrSettlementFailure)
	require.NotErrorIs(t, err, ErrSettlementRejected)

	_, err = settlerFor(t, http.StatusOK, map[string]any{}).Dispatch(ctx, "r1", amount, nil)
	require.ErrorIs(t, err, ErrSettlementFailure, "no reference is not a rejection")

	unconfigured := NewWebhookSettler(client.NewWebhook("settlement", "", time.Second, rate.Inf, 1))
	_, err = unconfigured.Dispatch(ctx, "r1", amount, nil)
	require.ErrorIs(t, err, ErrSettlementFailure)
	require.NotErrorIs(t, err, ErrSettlementRejected)
}
