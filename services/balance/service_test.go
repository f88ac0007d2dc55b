package balance

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"carbon-ledger/pkg/task"
	"carbon-ledger/pkg/taskname"
	"carbon-ledger/pkg/testutil"
	"carbon-ledger/services/ledger"
	"carbon-ledger/services/rate"

	"github.com/bwmarrin/snowflake"
	"github.com/hibiken/asynq"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type fixture struct {
	db     *gorm.DB
	ledger *ledger.Service
	svc    *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := testutil.NewTestDB(t, &ledger.LedgerEntry{}, &ledger.Head{}, &rate.Snapshot{}, &Balance{}, &Fold{})
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	rates := rate.NewService(rate.ServiceParams{DB: db, Node: node, Repo: rate.NewRepository(db)})
	_, err = rates.Publish(context.Background(), rate.Snapshot{
		RateType:      rate.CreditToCurrency,
		Value:         decimal.RequireFromString("0.10"),
		EffectiveFrom: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		Source:        "test",
	})
	require.NoError(t, err)

	led := ledger.NewService(ledger.ServiceParams{DB: db, Node: node, Repo: ledger.NewRepository(db), Rates: rates})
	svc := NewService(ServiceParams{DB: db, Repo: NewRepository(db), Ledger: led})
	return &fixture{db: db, ledger: led, svc: svc}
}

func (f *fixture) earn(t *testing.T, user, ref, amount string, status ledger.Status) *ledger.LedgerEntry {
	t.Helper()
	amt := decimal.RequireFromString(amount)
	e, err := f.ledger.Append(context.Background(), ledger.Draft{
		UserID:       user,
		Kind:         ledger.KindEarned,
		Amount:       amt,
		CO2Basis:     decimal.NewNullDecimal(amt),
		ActivityType: "cycling",
		ActivityRef:  ref,
		Status:       status,
	})
	require.NoError(t, err)
	return e
}

func (f *fixture) system(t *testing.T, user string, kind ledger.Kind, amount string) *ledger.LedgerEntry {
	t.Helper()
	e, err := f.ledger.Append(context.Background(), ledger.Draft{
		UserID:          user,
		Kind:            kind,
		Amount:          decimal.RequireFromString(amount),
		ReversesEntryID: "x",
		CounterpartyID:  "other",
		Status:          ledger.StatusVerified,
	})
	require.NoError(t, err)
	return e
}

func requireInvariant(t *testing.T, b *Balance) {
	t.Helper()
	want := b.TotalEarned.Sub(b.TotalRedeemed).Add(b.TotalAdjusted)
	require.True(t, b.CurrentBalance.Equal(want), "current %s != earned %s - redeemed %s + adjusted %s",
		b.CurrentBalance, b.TotalEarned, b.TotalRedeemed, b.TotalAdjusted)
}

func TestApplyVerified(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	b, err := f.svc.Get(ctx, "u1")
	require.NoError(t, err)
	require.True(t, b.CurrentBalance.IsZero())

	earned := f.earn(t, "u1", "a1", "6", ledger.StatusVerified)
	b, err = f.svc.ApplyVerified(ctx, earned)
	require.NoError(t, err)
	require.True(t, b.CurrentBalance.Equal(decimal.NewFromInt(6)))
	require.Equal(t, int64(1), b.LastAppliedSequence)

	// folding twice is a no-op
	b, err = f.svc.ApplyVerified(ctx, earned)
	require.NoError(t, err)
	require.True(t, b.CurrentBalance.Equal(decimal.NewFromInt(6)))

	redeemed := f.system(t, "u1", ledger.KindRedeemed, "-2.5")
	_, err = f.svc.ApplyVerified(ctx, redeemed)
	require.NoError(t, err)

	reversed := f.system(t, "u1", ledger.KindReversed, "1")
	b, err = f.svc.ApplyVerified(ctx, reversed)
	require.NoError(t, err)

	require.True(t, b.CurrentBalance.Equal(decimal.RequireFromString("4.5")))
	require.True(t, b.TotalEarned.Equal(decimal.NewFromInt(6)))
	require.True(t, b.TotalRedeemed.Equal(decimal.RequireFromString("2.5")))
	require.True(t, b.TotalAdjusted.Equal(decimal.NewFromInt(1)))
	require.Equal(t, int64(3), b.LastAppliedSequence)
	requireInvariant(t, b)

	stored, err := f.svc.Get(ctx, "u1")
	require.NoError(t, err)
	require.True(t, stored.CurrentBalance.Equal(decimal.RequireFromString("4.5")))
}

func TestApplyVerifiedRejectsPending(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	pending := f.earn(t, "u1", "a1", "2", ledger.StatusPending)
	_, err := f.svc.ApplyVerified(ctx, pending)
	require.ErrorIs(t, err, ErrNotVerified)
}

func TestOutOfOrderVerification(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	first := f.earn(t, "u1", "a1", "3", ledger.StatusPending)
	second := f.earn(t, "u1", "a2", "2", ledger.StatusVerified)

	_, err := f.svc.ApplyVerified(ctx, second)
	require.NoError(t, err)

	err = f.db.Transaction(func(tx *gorm.DB) error {
		verified, err := f.ledger.UpdateVerification(ctx, tx, first.ID, ledger.StatusPending, ledger.VerificationUpdate{
			Status: ledger.StatusVerified,
			Method: ledger.MethodAutomatic,
		})
		if err != nil {
			return err
		}
		_, err = f.svc.ApplyVerifiedTx(ctx, tx, verified)
		return err
	})
	require.NoError(t, err)

	b, err := f.svc.Get(ctx, "u1")
	require.NoError(t, err)
	require.True(t, b.CurrentBalance.Equal(decimal.NewFromInt(5)))
	require.Equal(t, int64(2), b.LastAppliedSequence)

	report, err := f.svc.Reconcile(ctx, "u1")
	require.NoError(t, err)
	require.True(t, report.Matched)
	require.Equal(t, 2, report.EntriesFound)
}

func TestReconcileDetectsMismatch(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	for _, u := range []string{"u1", "u2", "u3"} {
		e := f.earn(t, u, "a1", "4", ledger.StatusVerified)
		_, err := f.svc.ApplyVerified(ctx, e)
		require.NoError(t, err)
	}

	require.NoError(t, f.db.Exec("UPDATE balances SET current_balance = ? WHERE user_id = ?", "40", "u2").Error)

	report, err := f.svc.Reconcile(ctx, "u2")
	require.ErrorIs(t, err, ErrReconciliationMismatch)
	require.NotNil(t, report)
	require.False(t, report.Matched)
	require.True(t, report.Difference.Equal(decimal.NewFromInt(36)))

	// the mismatch is never corrected
	b, err := f.svc.Get(ctx, "u2")
	require.NoError(t, err)
	require.True(t, b.CurrentBalance.Equal(decimal.NewFromInt(40)))

	mismatches, err := f.svc.ReconcileAll(ctx)
	require.NoError(t, err)
	require.Len(t, mismatches, 1)
	require.Equal(t, "u2", mismatches[0].UserID)

	t1, err := task.NewJSONTask(taskname.BalanceReconcile, ReconcilePayload{UserID: "u2"})
	require.NoError(t, err)
	require.NoError(t, f.svc.HandleReconcileTask(ctx, t1))
	require.NoError(t, f.svc.HandleReconcileTask(ctx, asynq.NewTask(taskname.BalanceReconcile, nil)))
	require.Error(t, f.svc.HandleReconcileTask(ctx, asynq.NewTask(taskname.BalanceReconcile, []byte("{"))))
}

var kinds = []ledger.Kind{
	ledger.KindEarned,
	ledger.KindRedeemed,
	ledger.KindTransferred,
	ledger.KindExpired,
	ledger.KindReversed,
}

func TestFoldInvariantProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	build := func(cents []int64, kindIdx []uint8) []ledger.LedgerEntry {
		entries := make([]ledger.LedgerEntry, 0, len(cents))
		for i, c := range cents {
			if c == 0 {
				c = 1
			}
			k := kinds[int(kindIdx[i%len(kindIdx)])%len(kinds)]
			amt := decimal.New(c, -2).Abs()
			if k == ledger.KindRedeemed || k == ledger.KindExpired || (k != ledger.KindEarned && c < 0) {
				amt = amt.Neg()
			}
			entries = append(entries, ledger.LedgerEntry{
				Sequence: int64(i + 1),
				Kind:     k,
				Amount:   amt,
				Status:   ledger.StatusVerified,
			})
		}
		return entries
	}

	properties.Property("current balance equals earned minus redeemed plus adjusted", prop.ForAll(
		func(cents []int64, kindIdx []uint8) bool {
			if len(kindIdx) == 0 {
				kindIdx = []uint8{0}
			}
			b := Recompute("u", build(cents, kindIdx))
			return b.CurrentBalance.Equal(b.TotalEarned.Sub(b.TotalRedeemed).Add(b.TotalAdjusted))
		},
		gen.SliceOf(gen.Int64Range(-1_000_000, 1_000_000)),
		gen.SliceOf(gen.UInt8Range(0, 4)),
	))

	properties.Property("fold order does not change the result", prop.ForAll(
		func(cents []int64, kindIdx []uint8, seed int64) bool {
			if len(kindIdx) == 0 {
				kindIdx = []uint8{0}
			}
			entries := build(cents, kindIdx)
			inOrder := Recompute("u", entries)

			shuffled := append([]ledger.LedgerEntry(nil), entries...)
			rand.New(rand.NewSource(seed)).Shuffle(len(shuffled), func(i, j int) {
				shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
			})
			return sameTotals(inOrder, Recompute("u", shuffled))
		},
		gen.SliceOf(gen.Int64Range(-1_000_000, 1_000_000)),
		gen.SliceOf(gen.UInt8Range(0, 4)),
		gen.Int64(),
	))

	properties.TestingRun(t)
}
