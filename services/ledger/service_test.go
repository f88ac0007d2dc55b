package ledger

import (
	"context"
	"strconv"
	"testing"
	"time"

	"carbon-ledger/pkg/testutil"
	"carbon-ledger/services/rate"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type fixedRate struct {
	value decimal.Decimal
}

func (f fixedRate) CurrentRate(_ context.Context, rt rate.RateType) (*rate.Snapshot, error) {
	return &rate.Snapshot{
		ID:            "rate-1",
		RateType:      rt,
		Value:         f.value,
		EffectiveFrom: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}, nil
}

func newTestService(t *testing.T) (*Service, *gorm.DB) {
	t.Helper()
	db := testutil.NewTestDB(t, &LedgerEntry{}, &Head{})
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	svc := NewService(ServiceParams{
		DB:    db,
		Node:  node,
		Repo:  NewRepository(db),
		Rates: fixedRate{value: decimal.RequireFromString("0.10")},
	})
	return svc, db
}

func earned(user, ref string, amount string) Draft {
	return Draft{
		UserID:       user,
		Kind:         KindEarned,
		Amount:       decimal.RequireFromString(amount),
		CO2Basis:     decimal.NewNullDecimal(decimal.RequireFromString(amount)),
		ActivityType: "cycling",
		ActivityRef:  ref,
	}
}

func TestAppendBuildsChain(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	first, err := svc.Append(ctx, earned("u1", "a1", "6"))
	require.NoError(t, err)
	require.Equal(t, int64(1), first.Sequence)
	require.Equal(t, GenesisHash, first.PriorHash)
	require.Equal(t, StatusPending, first.Status)
	require.Equal(t, MethodAutomatic, first.Method)
	require.True(t, first.ExternalValue.Equal(decimal.RequireFromString("0.6")))
	require.True(t, first.Intact())

	second, err := svc.Append(ctx, earned("u1", "a2", "1.5"))
	require.NoError(t, err)
	require.Equal(t, int64(2), second.Sequence)
	require.Equal(t, first.Hash, second.PriorHash)

	other, err := svc.Append(ctx, earned("u2", "a1", "2"))
	require.NoError(t, err)
	require.Equal(t, int64(1), other.Sequence)
	require.Equal(t, GenesisHash, other.PriorHash)

	stored, err := svc.Get(ctx, second.ID)
	require.NoError(t, err)
	require.True(t, stored.Intact(), "hash must survive a database round trip")

	ok, err := svc.VerifyChain(ctx, "u1")
	require.NoError(t, err)
	require.True(t, ok)

	head, err := svc.Head(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, int64(2), head.Sequence)
	require.Equal(t, second.Hash, head.Hash)
}

func TestAppendValidation(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	_, err := svc.Append(ctx, earned("u1", "a1", "0"))
	require.ErrorIs(t, err, ErrInvalidAmount)

	_, err = svc.Append(ctx, earned("u1", "a1", "-1"))
	require.ErrorIs(t, err, ErrInvalidAmount)

	d := earned("u1", "", "1")
	_, err = svc.Append(ctx, d)
	require.ErrorIs(t, err, ErrInvalidDraft)

	_, err = svc.Append(ctx, Draft{UserID: "u1", Kind: KindRedeemed, Amount: decimal.NewFromInt(1)})
	require.ErrorIs(t, err, ErrInvalidAmount)

	_, err = svc.Append(ctx, Draft{UserID: "u1", Kind: KindTransferred, Amount: decimal.NewFromInt(1), CounterpartyID: "u1"})
	require.ErrorIs(t, err, ErrInvalidDraft)

	_, err = svc.Append(ctx, Draft{UserID: "u1", Kind: "MINTED", Amount: decimal.NewFromInt(1)})
	require.ErrorIs(t, err, ErrInvalidDraft)

	entries, err := svc.History(ctx, "u1", HistoryRange{})
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestDuplicateActivityGuard(t *testing.T) {
	ctx := context.Background()
	svc, db := newTestService(t)

	e, err := svc.Append(ctx, earned("u1", "ride-7", "3"))
	require.NoError(t, err)

	_, err = svc.Append(ctx, earned("u1", "ride-7", "3"))
	require.ErrorIs(t, err, ErrDuplicateActivity)

	// a rejected credit frees the activity reference
	_, err = svc.UpdateVerification(ctx, db, e.ID, StatusPending, VerificationUpdate{
		Status:   StatusRejected,
		Method:   MethodAutomatic,
		Metadata: VerificationMetadata{RejectionReason: "test"},
	})
	require.NoError(t, err)

	again, err := svc.Append(ctx, earned("u1", "ride-7", "3"))
	require.NoError(t, err)
	require.Equal(t, int64(2), again.Sequence)
}

func TestUpdateVerificationCompareAndSet(t *testing.T) {
	ctx := context.Background()
	svc, db := newTestService(t)

	e, err := svc.Append(ctx, earned("u1", "a1", "2"))
	require.NoError(t, err)

	conf := 0.93
	updated, err := svc.UpdateVerification(ctx, db, e.ID, StatusPending, VerificationUpdate{
		Status:   StatusVerified,
		Method:   MethodAIAssisted,
		Metadata: VerificationMetadata{Confidence: &conf, EvidenceSummary: "gps trace"},
	})
	require.NoError(t, err)
	require.Equal(t, StatusVerified, updated.Status)
	require.Equal(t, MethodAIAssisted, updated.Method)
	require.NotNil(t, updated.VerifiedAt)
	require.InDelta(t, 0.93, *updated.Metadata.Data().Confidence, 1e-9)
	require.True(t, updated.Intact(), "verification block is outside the hash")

	_, err = svc.UpdateVerification(ctx, db, e.ID, StatusPending, VerificationUpdate{Status: StatusRejected, Method: MethodAutomatic})
	require.ErrorIs(t, err, ErrInvalidTransition)

	_, err = svc.UpdateVerification(ctx, db, e.ID, StatusVerified, VerificationUpdate{Status: StatusRejected, Method: MethodAutomatic})
	require.ErrorIs(t, err, ErrInvalidTransition)

	_, err = svc.UpdateVerification(ctx, db, "missing", StatusPending, VerificationUpdate{Status: StatusVerified, Method: MethodAutomatic})
	require.ErrorIs(t, err, ErrEntryNotFound)

	ok, err := svc.VerifyChain(ctx, "u1")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestTamperHaltsChain(t *testing.T) {
	ctx := context.Background()
	svc, db := newTestService(t)

	_, err := svc.Append(ctx, earned("u1", "a1", "5"))
	require.NoError(t, err)
	last, err := svc.Append(ctx, earned("u1", "a2", "1"))
	require.NoError(t, err)

	require.NoError(t, db.Exec("UPDATE ledger_entries SET amount = ? WHERE id = ?", "100", last.ID).Error)

	ok, err := svc.VerifyChain(ctx, "u1")
	require.NoError(t, err)
	require.False(t, ok)

	_, err = svc.Append(ctx, earned("u1", "a3", "1"))
	require.ErrorIs(t, err, ErrChainIntegrity)

	head, err := svc.Head(ctx, "u1")
	require.NoError(t, err)
	require.True(t, head.Halted)
	require.Equal(t, int64(2), head.Sequence)

	// other users are unaffected
	_, err = svc.Append(ctx, earned("u2", "a1", "1"))
	require.NoError(t, err)

	require.ErrorIs(t, svc.ResumeChain(ctx, "u1"), ErrChainIntegrity)

	require.NoError(t, db.Exec("UPDATE ledger_entries SET amount = ? WHERE id = ?", "1", last.ID).Error)
	require.NoError(t, svc.ResumeChain(ctx, "u1"))

	next, err := svc.Append(ctx, earned("u1", "a3", "1"))
	require.NoError(t, err)
	require.Equal(t, int64(3), next.Sequence)
}

func TestBrokenLinkDetected(t *testing.T) {
	ctx := context.Background()
	svc, db := newTestService(t)

	first, err := svc.Append(ctx, earned("u1", "a1", "5"))
	require.NoError(t, err)
	_, err = svc.Append(ctx, earned("u1", "a2", "1"))
	require.NoError(t, err)

	require.NoError(t, db.Exec("DELETE FROM ledger_entries WHERE id = ?", first.ID).Error)

	ok, err := svc.VerifyChain(ctx, "u1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestVerificationTamperDetected(t *testing.T) {
	cases := []struct {
		name   string
		column string
		value  any
	}{
		{name: "status", column: "status", value: string(StatusRejected)},
		{name: "method", column: "method", value: string(MethodManualReview)},
		{name: "verified_at", column: "verified_at", value: time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)},
		{name: "metadata", column: "metadata", value: `{"confidence":0.99,"evidence_summary":"forged"}`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			svc, db := newTestService(t)

			e, err := svc.Append(ctx, earned("u1", "a1", "2"))
			require.NoError(t, err)
			require.True(t, e.VerificationIntact())

			conf := 0.81
			verified, err := svc.UpdateVerification(ctx, db, e.ID, StatusPending, VerificationUpdate{
				Status:   StatusVerified,
				Method:   MethodAIAssisted,
				Metadata: VerificationMetadata{Confidence: &conf},
			})
			require.NoError(t, err)
			require.True(t, verified.VerificationIntact())
			require.NotEqual(t, e.VerificationHash, verified.VerificationHash)

			ok, err := svc.VerifyChain(ctx, "u1")
			require.NoError(t, err)
			require.True(t, ok)

			require.NoError(t, db.Exec("UPDATE ledger_entries SET "+tc.column+" = ? WHERE id = ?", tc.value, e.ID).Error)

			ok, err = svc.VerifyChain(ctx, "u1")
			require.NoError(t, err)
			require.False(t, ok)

			_, err = svc.Append(ctx, earned("u1", "a2", "1"))
			require.ErrorIs(t, err, ErrChainIntegrity)

			head, err := svc.Head(ctx, "u1")
			require.NoError(t, err)
			require.True(t, head.Halted)
		})
	}
}

func TestUpdateVerificationRefusesAlteredBlock(t *testing.T) {
	ctx := context.Background()
	svc, db := newTestService(t)

	e, err := svc.Append(ctx, earned("u1", "a1", "2"))
	require.NoError(t, err)

	require.NoError(t, db.Exec("UPDATE ledger_entries SET metadata = ? WHERE id = ?", `{"reviewer_id":"nobody"}`, e.ID).Error)

	_, err = svc.UpdateVerification(ctx, db, e.ID, StatusPending, VerificationUpdate{
		Status: StatusVerified,
		Method: MethodManualReview,
	})
	require.ErrorIs(t, err, ErrChainIntegrity)

	got, err := svc.Get(ctx, e.ID)
	require.NoError(t, err)
	require.Equal(t, StatusPending, got.Status, "altered entry is left as found")
	require.Equal(t, e.VerificationHash, got.VerificationHash)
}

func TestMissingHeadDetected(t *testing.T) {
	ctx := context.Background()
	svc, db := newTestService(t)

	ok, err := svc.VerifyChain(ctx, "nobody")
	require.NoError(t, err)
	require.True(t, ok, "a user without entries or head is trivially valid")

	_, err = svc.Append(ctx, earned("u1", "a1", "5"))
	require.NoError(t, err)

	require.NoError(t, db.Exec("DELETE FROM ledger_heads WHERE user_id = ?", "u1").Error)

	ok, err = svc.VerifyChain(ctx, "u1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestHistoryLimitIsBounded(t *testing.T) {
	ctx := context.Background()
	svc, db := newTestService(t)

	rows := make([]LedgerEntry, 0, 1005)
	for i := 1; i <= 1005; i++ {
		rows = append(rows, LedgerEntry{
			ID:       "e" + strconv.Itoa(i),
			UserID:   "u1",
			Sequence: int64(i),
			Kind:     KindEarned,
			Status:   StatusPending,
		})
	}
	require.NoError(t, db.CreateInBatches(rows, 200).Error)

	for _, limit := range []int{0, -1, 5000} {
		got, err := svc.History(ctx, "u1", HistoryRange{Limit: limit})
		require.NoError(t, err)
		require.Len(t, got, 1000, "limit %d", limit)
	}

	got, err := svc.History(ctx, "u1", HistoryRange{Limit: 10})
	require.NoError(t, err)
	require.Len(t, got, 10)
}

func TestHistoryRange(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	tick := 0
	svc.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Hour)
	}

	for _, ref := range []string{"a1", "a2", "a3", "a4"} {
		_, err := svc.Append(ctx, earned("u1", ref, "1"))
		require.NoError(t, err)
	}

	all, err := svc.History(ctx, "u1", HistoryRange{})
	require.NoError(t, err)
	require.Len(t, all, 4)

	mid, err := svc.History(ctx, "u1", HistoryRange{FromSequence: 2, ToSequence: 3})
	require.NoError(t, err)
	require.Len(t, mid, 2)
	require.Equal(t, int64(2), mid[0].Sequence)

	since, err := svc.EntriesSince(ctx, "u1", 3)
	require.NoError(t, err)
	require.Len(t, since, 1)
	require.Equal(t, "a4", since[0].ActivityRef)

	window, err := svc.History(ctx, "u1", HistoryRange{Since: all[1].CreatedAt, Until: all[3].CreatedAt})
	require.NoError(t, err)
	require.Len(t, window, 2)

	limited, err := svc.History(ctx, "u1", HistoryRange{Limit: 1})
	require.NoError(t, err)
	require.Len(t, limited, 1)
	require.Equal(t, int64(1), limited[0].Sequence)
}

func TestLockHeadsRefusesHalted(t *testing.T) {
	ctx := context.Background()
	svc, db := newTestService(t)

	require.NoError(t, svc.Halt(ctx, "u2", "manual"))

	err := db.Transaction(func(tx *gorm.DB) error {
		return svc.LockHeads(ctx, tx, "u3", "u1", "u2")
	})
	require.ErrorIs(t, err, ErrChainIntegrity)

	err = db.Transaction(func(tx *gorm.DB) error {
		return svc.LockHeads(ctx, tx, "u3", "u1")
	})
	require.NoError(t, err)

	ids, err := svc.UserIDs(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"u1", "u2", "u3"}, ids)
}
