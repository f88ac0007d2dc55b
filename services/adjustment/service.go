package adjustment

import (
	"context"
	"fmt"
	"sort"

	"carbon-ledger/pkg/errutil"
	"carbon-ledger/pkg/logger"
	"carbon-ledger/services/balance"
	"carbon-ledger/services/ledger"

	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	ErrInvalidAdjustment = errutil.Sentinel(errutil.StatusBadRequest, "INVALID_ADJUSTMENT", "invalid adjustment")
	ErrNotReversible     = errutil.Sentinel(errutil.StatusConflict, "NOT_REVERSIBLE", "entry cannot be reversed")
)

// TransferRequest moves Amount credits from one user to another.
type TransferRequest struct {
	FromUserID string          `json:"from_user_id" binding:"required"`
	ToUserID   string          `json:"to_user_id" binding:"required"`
	Amount     decimal.Decimal `json:"amount"`
	Note       string          `json:"note,omitempty"`
}

// Transfer is the pair of entries written by a transfer.
type Transfer struct {
	Debit  *ledger.LedgerEntry `json:"debit"`
	Credit *ledger.LedgerEntry `json:"credit"`
}

// Service writes the system originated entries that are neither credits
// nor redemptions. Every entry is appended verified and folded in the same
// transaction.
type Service struct {
	db      *gorm.DB
	ledger  *ledger.Service
	balance *balance.Service
}

type ServiceParams struct {
	fx.In
	DB      *gorm.DB
	Ledger  *ledger.Service
	Balance *balance.Service
}

func NewService(p ServiceParams) *Service {
	return &Service{db: p.DB, ledger: p.Ledger, balance: p.Balance}
}

// appendFolded appends a verified entry and folds it.
func (s *Service) appendFolded(ctx context.Context, tx *gorm.DB, d ledger.Draft) (*ledger.LedgerEntry, error) {
	d.Status = ledger.StatusVerified
	d.Method = ledger.MethodAutomatic

	entry, err := s.ledger.AppendTx(ctx, tx, d)
	if err != nil {
		return nil, err
	}
	if _, err := s.balance.ApplyVerifiedTx(ctx, tx, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

// Transfer debits the sender and credits the receiver atomically. Both chain
// heads and both balances are locked in user id order.
func (s *Service) Transfer(ctx context.Context, req TransferRequest) (*Transfer, error) {
	amount := req.Amount.Round(ledger.AmountScale)
	if req.FromUserID == "" || req.ToUserID == "" || req.FromUserID == req.ToUserID {
		return nil, ErrInvalidAdjustment.Withf("transfer needs two distinct users")
	}
	if !amount.IsPositive() {
		return nil, ledger.ErrInvalidAmount.Withf("transfer amount must be positive, got %s", req.Amount)
	}

	valuation, err := s.ledger.Valuate(ctx)
	if err != nil {
		return nil, err
	}

	var (
		out    Transfer
		failed string
	)
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		users := []string{req.FromUserID, req.ToUserID}
		sort.Strings(users)

		if err := s.ledger.LockHeads(ctx, tx, users...); err != nil {
			return err
		}

		var sender *balance.Balance
		for _, u := range users {
			b, err := s.balance.LockTx(ctx, tx, u)
			if err != nil {
				return err
			}
			if u == req.FromUserID {
				sender = b
			}
		}
		if amount.GreaterThan(sender.CurrentBalance) {
			return balance.ErrInsufficientBalance.Withf("balance %s is below transfer amount %s", sender.CurrentBalance, amount)
		}

		out.Debit, err = s.appendFolded(ctx, tx, ledger.Draft{
			UserID:         req.FromUserID,
			Kind:           ledger.KindTransferred,
			Amount:         amount.Neg(),
			CounterpartyID: req.ToUserID,
			Note:           req.Note,
			Valuation:      valuation,
		})
		if err != nil {
			failed = req.FromUserID
			return err
		}

		out.Credit, err = s.appendFolded(ctx, tx, ledger.Draft{
			UserID:         req.ToUserID,
			Kind:           ledger.KindTransferred,
			Amount:         amount,
			CounterpartyID: req.FromUserID,
			Note:           req.Note,
			Valuation:      valuation,
		})
		if err != nil {
			failed = req.ToUserID
		}
		return err
	})
	if err != nil {
		if failed != "" {
			s.ledger.HaltOnIntegrity(ctx, failed, err)
		}
		logger.FromContext(ctx).Info("transfer refused",
			zap.String("from", req.FromUserID), zap.String("to", req.ToUserID), zap.Error(err))
		return nil, err
	}

	logger.FromContext(ctx).Info("transfer recorded",
		zap.String("from", req.FromUserID),
		zap.String("to", req.ToUserID),
		zap.String("amount", amount.String()),
	)
	return &out, nil
}

// Expire removes up to amount credits from the user's balance. It never
// drives the balance negative and returns nil when nothing is left to expire.
func (s *Service) Expire(ctx context.Context, userID string, amount decimal.Decimal, reason string) (*ledger.LedgerEntry, error) {
	amount = amount.Round(ledger.AmountScale)
	if userID == "" {
		return nil, ErrInvalidAdjustment.Withf("user id is required")
	}
	if !amount.IsPositive() {
		return nil, ledger.ErrInvalidAmount.Withf("expiry amount must be positive, got %s", amount)
	}

	valuation, err := s.ledger.Valuate(ctx)
	if err != nil {
		return nil, err
	}

	var entry *ledger.LedgerEntry
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.ledger.LockHeads(ctx, tx, userID); err != nil {
			return err
		}

		b, err := s.balance.LockTx(ctx, tx, userID)
		if err != nil {
			return err
		}

		expire := decimal.Min(amount, b.CurrentBalance)
		if !expire.IsPositive() {
			return nil
		}

		entry, err = s.appendFolded(ctx, tx, ledger.Draft{
			UserID:    userID,
			Kind:      ledger.KindExpired,
			Amount:    expire.Neg(),
			Note:      reason,
			Valuation: valuation,
		})
		return err
	})
	if err != nil {
		s.ledger.HaltOnIntegrity(ctx, userID, err)
		return nil, err
	}

	if entry != nil {
		logger.FromContext(ctx).Info("credits expired",
			zap.String("user_id", userID),
			zap.String("amount", entry.Amount.String()),
			zap.String("reason", reason),
		)
	}
	return entry, nil
}

// Reverse cancels a verified Earned entry with a Reversed entry of the
// opposite amount. Each entry can be reversed once, and the reversal is
// refused when it would overdraw the balance.
func (s *Service) Reverse(ctx context.Context, entryID, reason string) (*ledger.LedgerEntry, error) {
	original, err := s.ledger.Get(ctx, entryID)
	if err != nil {
		return nil, err
	}
	if original.Kind != ledger.KindEarned {
		return nil, ErrNotReversible.Withf("entry %s is %s, only earned entries can be reversed", entryID, original.Kind)
	}
	if original.Status != ledger.StatusVerified {
		return nil, ErrNotReversible.Withf("entry %s is %s", entryID, original.Status)
	}

	valuation, err := s.ledger.Valuate(ctx)
	if err != nil {
		return nil, err
	}

	var entry *ledger.LedgerEntry
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.ledger.LockHeads(ctx, tx, original.UserID); err != nil {
			return err
		}

		existing, err := s.ledger.FindReversalTx(ctx, tx, entryID)
		if err != nil {
			return err
		}
		if existing != nil {
			return ErrNotReversible.Withf("entry %s was already reversed by %s", entryID, existing.ID)
		}

		b, err := s.balance.LockTx(ctx, tx, original.UserID)
		if err != nil {
			return err
		}
		if original.Amount.GreaterThan(b.CurrentBalance) {
			return balance.ErrInsufficientBalance.Withf("reversing %s would overdraw balance %s", original.Amount, b.CurrentBalance)
		}

		entry, err = s.appendFolded(ctx, tx, ledger.Draft{
			UserID:          original.UserID,
			Kind:            ledger.KindReversed,
			Amount:          original.Amount.Neg(),
			ReversesEntryID: original.ID,
			Note:            fmt.Sprintf("reversal of %s: %s", original.ID, reason),
			Valuation:       valuation,
		})
		return err
	})
	if err != nil {
		s.ledger.HaltOnIntegrity(ctx, original.UserID, err)
		return nil, err
	}

	logger.FromContext(ctx).Warn("entry reversed",
		zap.String("entry_id", entryID),
		zap.String("reversal_id", entry.ID),
		zap.String("reason", reason),
	)
	return entry, nil
}
