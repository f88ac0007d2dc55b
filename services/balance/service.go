package balance

import (
	"context"
	"sync"

	"carbon-ledger/pkg/config"
	"carbon-ledger/pkg/logger"
	"carbon-ledger/services/ledger"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

var reconcileMismatches = prometheus.NewCounter(prometheus.CounterOpts{
	Name: "balance_reconciliation_mismatches_total",
	Help: "Balances found out of sync with the verified ledger.",
})

func init() {
	prometheus.MustRegister(reconcileMismatches)
}

type Service struct {
	db          *gorm.DB
	repo        Repository
	ledger      *ledger.Service
	concurrency int
}

type ServiceParams struct {
	fx.In
	DB     *gorm.DB
	Repo   Repository
	Ledger *ledger.Service
	Config *config.Config `optional:"true"`
}

func NewService(p ServiceParams) *Service {
	concurrency := 8
	if p.Config != nil && p.Config.Reconcile.Concurrency > 0 {
		concurrency = p.Config.Reconcile.Concurrency
	}
	return &Service{
		db:          p.DB,
		repo:        p.Repo,
		ledger:      p.Ledger,
		concurrency: concurrency,
	}
}

// apply adds one verified entry to b.
func apply(b *Balance, e *ledger.LedgerEntry) {
	switch e.Kind {
	case ledger.KindEarned:
		b.TotalEarned = b.TotalEarned.Add(e.Amount)
	case ledger.KindRedeemed:
		b.TotalRedeemed = b.TotalRedeemed.Sub(e.Amount)
	default:
		b.TotalAdjusted = b.TotalAdjusted.Add(e.Amount)
	}
	b.CurrentBalance = b.CurrentBalance.Add(e.Amount)
	if e.Sequence > b.LastAppliedSequence {
		b.LastAppliedSequence = e.Sequence
	}
}

// ApplyVerified folds a verified entry into the user's balance.
func (s *Service) ApplyVerified(ctx context.Context, entry *ledger.LedgerEntry) (*Balance, error) {
	var out *Balance
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		out, err = s.ApplyVerifiedTx(ctx, tx, entry)
		return err
	})
	return out, err
}

// ApplyVerifiedTx folds entry inside the caller's transaction. Folding the
// same entry twice is a no-op.
func (s *Service) ApplyVerifiedTx(ctx context.Context, tx *gorm.DB, entry *ledger.LedgerEntry) (*Balance, error) {
	if entry.Status != ledger.StatusVerified {
		return nil, ErrNotVerified.Withf("entry %s is %s", entry.ID, entry.Status)
	}

	repo := s.repo.WithTrx(tx)
	b, err := repo.Lock(ctx, entry.UserID)
	if err != nil {
		logger.FromContext(ctx).Error("failed to lock balance", zap.String("user_id", entry.UserID), zap.Error(err))
		return nil, err
	}

	fresh, err := repo.InsertFold(ctx, &Fold{
		UserID:   entry.UserID,
		Sequence: entry.Sequence,
		EntryID:  entry.ID,
		Amount:   entry.Amount,
	})
	if err != nil {
		return nil, err
	}
	if !fresh {
		return b, nil
	}

	apply(b, entry)
	if err := repo.Save(ctx, b); err != nil {
		logger.FromContext(ctx).Error("failed to save balance", zap.String("user_id", entry.UserID), zap.Error(err))
		return nil, err
	}

	logger.FromContext(ctx).Debug("entry folded",
		zap.String("user_id", entry.UserID),
		zap.String("entry_id", entry.ID),
		zap.Int64("sequence", entry.Sequence),
		zap.String("balance", b.CurrentBalance.String()),
	)
	return b, nil
}

// LockTx locks the user's balance row and returns it. Callers must already
// hold the user's chain head lock.
func (s *Service) LockTx(ctx context.Context, tx *gorm.DB, userID string) (*Balance, error) {
	return s.repo.WithTrx(tx).Lock(ctx, userID)
}

// Get returns the user's balance, zero if nothing was ever folded.
func (s *Service) Get(ctx context.Context, userID string) (*Balance, error) {
	b, err := s.repo.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	if b == nil {
		return &Balance{UserID: userID}, nil
	}
	return b, nil
}

// Recompute folds entries from a zero balance.
func Recompute(userID string, entries []ledger.LedgerEntry) Balance {
	b := Balance{UserID: userID}
	for i := range entries {
		if entries[i].Status == ledger.StatusVerified {
			apply(&b, &entries[i])
		}
	}
	return b
}

func sameTotals(a, b Balance) bool {
	return a.CurrentBalance.Equal(b.CurrentBalance) &&
		a.TotalEarned.Equal(b.TotalEarned) &&
		a.TotalRedeemed.Equal(b.TotalRedeemed) &&
		a.TotalAdjusted.Equal(b.TotalAdjusted) &&
		a.LastAppliedSequence == b.LastAppliedSequence
}

// Reconcile recomputes the balance from the verified ledger and compares it
// with the stored row. A mismatch is reported, never corrected.
func (s *Service) Reconcile(ctx context.Context, userID string) (*Report, error) {
	var report *Report
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		stored, err := s.repo.WithTrx(tx).Lock(ctx, userID)
		if err != nil {
			return err
		}

		entries, err := s.ledger.VerifiedEntriesTx(ctx, tx, userID)
		if err != nil {
			return err
		}

		recomputed := Recompute(userID, entries)
		recomputed.CreatedAt, recomputed.UpdatedAt = stored.CreatedAt, stored.UpdatedAt

		report = &Report{
			UserID:       userID,
			Stored:       *stored,
			Recomputed:   recomputed,
			EntriesFound: len(entries),
			Matched:      sameTotals(*stored, recomputed),
			Difference:   stored.CurrentBalance.Sub(recomputed.CurrentBalance),
		}
		return nil
	})
	if err != nil {
		logger.FromContext(ctx).Error("reconciliation failed", zap.String("user_id", userID), zap.Error(err))
		return nil, err
	}

	if !report.Matched {
		reconcileMismatches.Inc()
		logger.FromContext(ctx).Error("balance does not match ledger",
			zap.String("user_id", userID),
			zap.String("stored", report.Stored.CurrentBalance.String()),
			zap.String("recomputed", report.Recomputed.CurrentBalance.String()),
			zap.String("difference", report.Difference.String()),
			zap.Bool("alert", true),
		)
		return report, ErrReconciliationMismatch.Withf("user %s: stored %s, ledger %s",
			userID, report.Stored.CurrentBalance, report.Recomputed.CurrentBalance)
	}

	return report, nil
}

// ReconcileAll reconciles every user with a chain and returns the mismatches.
func (s *Service) ReconcileAll(ctx context.Context) ([]Report, error) {
	ids, err := s.ledger.UserIDs(ctx)
	if err != nil {
		return nil, err
	}

	var (
		mu       sync.Mutex
		mismatch []Report
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, id := range ids {
		g.Go(func() error {
			report, err := s.Reconcile(gctx, id)
			if err != nil && report == nil {
				return err
			}
			if report != nil && !report.Matched {
				mu.Lock()
				mismatch = append(mismatch, *report)
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return mismatch, err
	}

	zap.L().Info("reconciliation finished", zap.Int("users", len(ids)), zap.Int("mismatches", len(mismatch)))
	return mismatch, nil
}
