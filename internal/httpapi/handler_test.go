package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"carbon-ledger/pkg/config"
	"carbon-ledger/pkg/health"
	"carbon-ledger/pkg/task"
	"carbon-ledger/pkg/testutil"
	"carbon-ledger/services/adjustment"
	"carbon-ledger/services/balance"
	"carbon-ledger/services/ledger"
	"carbon-ledger/services/rate"
	"carbon-ledger/services/redemption"
	"carbon-ledger/services/rule"
	"carbon-ledger/services/verification"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func init() {
	gin.SetMode(gin.TestMode)
	zap.ReplaceGlobals(zap.NewNop())
}

type noopDispatcher struct{}

func (noopDispatcher) DispatchAI(context.Context, *ledger.LedgerEntry) error           { return nil }
func (noopDispatcher) DispatchManualReview(context.Context, *ledger.LedgerEntry) error { return nil }

func newEngine(t *testing.T) *gin.Engine {
	t.Helper()
	r, _ := newEngineWithRedemptions(t)
	return r
}

func newEngineWithRedemptions(t *testing.T) (*gin.Engine, *redemption.Service) {
	t.Helper()
	ctx := context.Background()
	db := testutil.NewTestDB(t,
		&ledger.LedgerEntry{}, &ledger.Head{}, &rate.Snapshot{},
		&balance.Balance{}, &balance.Fold{}, &rule.Rule{}, &redemption.Redemption{},
	)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	rates := rate.NewService(rate.ServiceParams{DB: db, Node: node, Repo: rate.NewRepository(db)})
	require.NoError(t, rates.Seed(ctx, []config.Rate{
		{RateType: string(rate.CO2ToCredit), Value: "0.5", EffectiveFrom: "2024-01-01T00:00:00Z", Source: "test"},
		{RateType: string(rate.CreditToCurrency), Value: "0.10", EffectiveFrom: "2024-01-01T00:00:00Z", Source: "test"},
	}))
	rules := rule.NewService(rule.ServiceParams{Repo: rule.NewRepository(db)})
	require.NoError(t, rules.Seed(ctx, []config.Rule{
		{ActivityType: "cycling", MinAmount: "0.1", MaxAmount: "20", CreditMultiplier: "1", Active: true},
	}))

	led := ledger.NewService(ledger.ServiceParams{DB: db, Node: node, Repo: ledger.NewRepository(db), Rates: rates})
	bal := balance.NewService(balance.ServiceParams{DB: db, Repo: balance.NewRepository(db), Ledger: led})

	redemptions := redemption.NewService(redemption.ServiceParams{
		DB:       db,
		Node:     node,
		Repo:     redemption.NewRepository(db),
		Ledger:   led,
		Balance:  bal,
		Enqueuer: &task.Recorder{},
	})

	h := NewHandler(HandlerParams{
		Ledger:  led,
		Balance: bal,
		Rates:   rates,
		Rules:   rules,
		Verification: verification.NewService(verification.ServiceParams{
			DB:         db,
			Ledger:     led,
			Balance:    bal,
			Rules:      rules,
			Rates:      rates,
			Dispatcher: noopDispatcher{},
			Velocity:   verification.NewMemoryVelocity(time.Hour),
			Policy: verification.Policy{
				AIConfidenceThreshold: 0.8,
				EscalationFloor:       0.5,
				MaxBoundFactor:        decimal.NewFromInt(10),
				VelocityLimit:         50,
			},
		}),
		Redemption: redemptions,
		Adjustment: adjustment.NewService(adjustment.ServiceParams{DB: db, Ledger: led, Balance: bal}),
		Health:     health.ProvideHealth(health.HealthParams{DB: db}),
	})

	r := gin.New()
	Register(r, h)
	return r, redemptions
}

func do(t *testing.T, r *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

type errorBody struct {
	Error struct {
		Code   string `json:"code"`
		Reason string `json:"reason"`
	} `json:"error"`
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var body errorBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func credit(t *testing.T, r *gin.Engine, user, ref, co2 string) *httptest.ResponseRecorder {
	t.Helper()
	return do(t, r, http.MethodPost, "/v1/activities/credit", map[string]any{
		"user_id":       user,
		"activity_ref":  ref,
		"activity_type": "cycling",
		"co2_amount":    co2,
	})
}

func TestCreditRedeemAndBalance(t *testing.T) {
	r, redemptions := newEngineWithRedemptions(t)

	w := credit(t, r, "u1", "ride-1", "8")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var entry ledger.LedgerEntry
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &entry))
	require.Equal(t, ledger.StatusVerified, entry.Status)
	require.True(t, entry.Amount.Equal(decimal.NewFromInt(4)))
	require.NotEmpty(t, w.Header().Get("X-Request-ID"))

	w = credit(t, r, "u1", "ride-1", "8")
	require.Equal(t, http.StatusConflict, w.Code)
	require.Equal(t, "DUPLICATE_ACTIVITY", decodeError(t, w).Error.Reason)

	w = do(t, r, http.MethodPost, "/v1/redemptions", map[string]any{"user_id": "u1", "type": "DONATION", "amount": "3"})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	var red redemption.Redemption
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &red))
	require.Equal(t, redemption.StatusPending, red.Status)

	w = do(t, r, http.MethodPost, "/v1/redemptions", map[string]any{"user_id": "u1", "type": "DONATION", "amount": "3"})
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	require.Equal(t, "INSUFFICIENT_BALANCE", decodeError(t, w).Error.Reason)

	w = do(t, r, http.MethodGet, "/v1/users/u1/balance", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var b balance.Balance
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &b))
	require.True(t, b.CurrentBalance.Equal(decimal.NewFromInt(1)), b.CurrentBalance.String())

	w = do(t, r, http.MethodGet, "/v1/redemptions/"+red.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = do(t, r, http.MethodPost, "/v1/redemptions/"+red.ID+"/settlement/failed", map[string]any{"reason": "declined"})
	require.Equal(t, http.StatusConflict, w.Code, "a pending redemption was never dispatched")
	require.Equal(t, "INVALID_REDEMPTION_STATE", decodeError(t, w).Error.Reason)

	_, err := redemptions.MarkProcessing(context.Background(), red.ID)
	require.NoError(t, err)

	w = do(t, r, http.MethodPost, "/v1/redemptions/"+red.ID+"/settlement/failed", map[string]any{"reason": "declined"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = do(t, r, http.MethodGet, "/v1/users/u1/redemptions?limit=1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Redemptions []redemption.Redemption `json:"redemptions"`
		PageInfo    struct {
			HasMore bool `json:"has_more"`
		} `json:"page_info"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list.Redemptions, 1)
	require.Equal(t, redemption.StatusFailed, list.Redemptions[0].Status)
	require.False(t, list.PageInfo.HasMore)

	w = do(t, r, http.MethodGet, "/v1/users/u1/history?from_seq=1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var history struct {
		Entries []ledger.LedgerEntry `json:"entries"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &history))
	require.Len(t, history.Entries, 3)

	w = do(t, r, http.MethodPost, "/v1/users/u1/reconcile", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = do(t, r, http.MethodGet, "/v1/users/u1/chain/verify", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, `{"user_id":"u1","valid":true}`, w.Body.String())
}

func TestRequestValidation(t *testing.T) {
	r := newEngine(t)

	w := do(t, r, http.MethodPost, "/v1/activities/credit", map[string]any{"activity_type": "cycling"})
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Equal(t, "VALIDATION_FAILED", decodeError(t, w).Error.Code)

	req := httptest.NewRequest(http.MethodPost, "/v1/transfers", bytes.NewBufferString("{not json"))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	w = do(t, r, http.MethodGet, "/v1/users/u1/history?from_seq=abc", nil)
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, r, http.MethodGet, "/v1/rates/CREDIT_TO_CURRENCY?as_of=yesterday", nil)
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, r, http.MethodGet, "/v1/entries/missing", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestRatesAndRules(t *testing.T) {
	r := newEngine(t)

	w := do(t, r, http.MethodGet, "/v1/rates/CREDIT_TO_CURRENCY", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var snap rate.Snapshot
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snap))
	require.True(t, snap.Value.Equal(decimal.RequireFromString("0.10")))

	w = do(t, r, http.MethodPost, "/v1/rates/CREDIT_TO_CURRENCY", map[string]any{
		"value":          "0.12",
		"effective_from": "2025-01-01T00:00:00Z",
		"source":         "ops",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = do(t, r, http.MethodGet, "/v1/rates/CREDIT_TO_CURRENCY?as_of=2024-06-01T00:00:00Z", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snap))
	require.True(t, snap.Value.Equal(decimal.RequireFromString("0.10")))

	w = do(t, r, http.MethodPut, "/v1/rules/running", map[string]any{
		"min_amount":        "0.5",
		"credit_multiplier": "1.1",
		"active":            true,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = do(t, r, http.MethodGet, "/v1/rules", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var rules struct {
		Rules []rule.Rule `json:"rules"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rules))
	require.Len(t, rules.Rules, 2)
}

func TestTransferExpireAndReverse(t *testing.T) {
	r := newEngine(t)

	w := credit(t, r, "u1", "ride-1", "10")
	require.Equal(t, http.StatusOK, w.Code)
	var earned ledger.LedgerEntry
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &earned))

	w = do(t, r, http.MethodPost, "/v1/transfers", map[string]any{"from_user_id": "u1", "to_user_id": "u2", "amount": "2"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = do(t, r, http.MethodPost, "/v1/users/u2/expire", map[string]any{"amount": "5", "reason": "inactive"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = do(t, r, http.MethodPost, "/v1/users/u2/expire", map[string]any{"amount": "5", "reason": "inactive"})
	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, `{"expired":"0"}`, w.Body.String())

	// 5 earned, 2 transferred out: reversing the full 5 would overdraw.
	w = do(t, r, http.MethodPost, "/v1/entries/"+earned.ID+"/reverse", map[string]any{"reason": "fraud"})
	require.Equal(t, http.StatusUnprocessableEntity, w.Code, w.Body.String())
}

func TestHealthAndMetrics(t *testing.T) {
	r := newEngine(t)

	w := do(t, r, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = do(t, r, http.MethodGet, "/readyz", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = do(t, r, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
}
