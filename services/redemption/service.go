package redemption

import (
	"context"
	"fmt"
	"time"

	"carbon-ledger/pkg/db/pagination"
	"carbon-ledger/pkg/logger"
	"carbon-ledger/pkg/task"
	"carbon-ledger/pkg/taskname"
	"carbon-ledger/services/balance"
	"carbon-ledger/services/ledger"

	"github.com/bwmarrin/snowflake"
	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Service struct {
	db       *gorm.DB
	node     *snowflake.Node
	repo     Repository
	ledger   *ledger.Service
	balance  *balance.Service
	enqueuer task.Enqueuer
	now      func() time.Time
}

type ServiceParams struct {
	fx.In
	DB       *gorm.DB
	Node     *snowflake.Node
	Repo     Repository
	Ledger   *ledger.Service
	Balance  *balance.Service
	Enqueuer task.Enqueuer
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:       p.DB,
		node:     p.Node,
		repo:     p.Repo,
		ledger:   p.Ledger,
		balance:  p.Balance,
		enqueuer: p.Enqueuer,
		now:      func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) },
	}
}

// Request debits the user's balance and records the redemption in one
// transaction, then queues the settlement. The debit stands regardless of
// the settlement outcome; a failure is compensated by Fail.
func (s *Service) Request(ctx context.Context, req RedeemRequest) (*Redemption, error) {
	amount := req.Amount.Round(ledger.AmountScale)
	if req.UserID == "" {
		return nil, ErrInvalidRedemption.Withf("user id is required")
	}
	if !req.Type.Valid() {
		return nil, ErrInvalidRedemption.Withf("unknown redemption type %q", req.Type)
	}
	if !amount.IsPositive() {
		return nil, ledger.ErrInvalidAmount.Withf("redemption amount must be positive, got %s", req.Amount)
	}

	valuation, err := s.ledger.Valuate(ctx)
	if err != nil {
		return nil, err
	}

	log := logger.FromContext(ctx).With(zap.String("user_id", req.UserID), zap.String("amount", amount.String()))

	red := &Redemption{
		ID:            s.node.Generate().String(),
		UserID:        req.UserID,
		Type:          req.Type,
		AmountCredits: amount,
		Status:        StatusPending,
		Recipient:     req.Recipient,
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.ledger.LockHeads(ctx, tx, req.UserID); err != nil {
			return err
		}

		bal, err := s.balance.LockTx(ctx, tx, req.UserID)
		if err != nil {
			return err
		}
		if amount.GreaterThan(bal.CurrentBalance) {
			return balance.ErrInsufficientBalance.Withf("balance %s is below requested %s", bal.CurrentBalance, amount)
		}

		entry, err := s.ledger.AppendTx(ctx, tx, ledger.Draft{
			UserID:    req.UserID,
			Kind:      ledger.KindRedeemed,
			Amount:    amount.Neg(),
			Note:      fmt.Sprintf("redemption %s (%s)", red.ID, red.Type),
			Status:    ledger.StatusVerified,
			Method:    ledger.MethodAutomatic,
			Valuation: valuation,
		})
		if err != nil {
			return err
		}

		if _, err := s.balance.ApplyVerifiedTx(ctx, tx, entry); err != nil {
			return err
		}

		red.LedgerEntryID = entry.ID
		red.AmountCurrency = entry.ExternalValue.Abs()
		return s.repo.WithTrx(tx).Create(ctx, red)
	})
	if err != nil {
		s.ledger.HaltOnIntegrity(ctx, req.UserID, err)
		log.Info("redemption refused", zap.Error(err))
		return nil, err
	}

	log.Info("redemption accepted",
		zap.String("redemption_id", red.ID),
		zap.String("amount_currency", red.AmountCurrency.String()),
	)

	s.enqueueSettlement(ctx, red)
	return red, nil
}

func (s *Service) enqueueSettlement(ctx context.Context, red *Redemption) {
	t, err := task.NewJSONTask(taskname.RedemptionSettle, SettlePayload{RedemptionID: red.ID})
	if err == nil {
		_, err = s.enqueuer.Enqueue(ctx, t,
			asynq.Queue(taskname.QueueCritical),
			asynq.TaskID(taskname.RedemptionSettle+":"+red.ID),
			asynq.MaxRetry(10),
		)
	}
	if err != nil {
		logger.FromContext(ctx).Error("failed to enqueue settlement, redemption stays pending",
			zap.String("redemption_id", red.ID), zap.Error(err))
	}
}

func (s *Service) Get(ctx context.Context, id string) (*Redemption, error) {
	red, err := s.repo.FindByID(ctx, id, false)
	if err != nil {
		return nil, err
	}
	if red == nil {
		return nil, ErrRedemptionNotFound.Withf("redemption %s not found", id)
	}
	return red, nil
}

// ListByUser pages through a user's redemptions, newest first.
func (s *Service) ListByUser(ctx context.Context, userID string, page pagination.Page) ([]Redemption, pagination.PageInfo, error) {
	rows, err := s.repo.ListByUser(ctx, userID, page)
	if err != nil {
		return nil, pagination.PageInfo{}, err
	}

	items, info := pagination.Build(page, rows, func(r Redemption) pagination.Cursor {
		return pagination.Cursor{CreatedAt: r.CreatedAt, ID: r.ID}
	})
	return items, info, nil
}

func (s *Service) transition(ctx context.Context, id string, from []Status, updates map[string]any) (*Redemption, error) {
	n, err := s.repo.Transition(ctx, id, from, updates)
	if err != nil {
		return nil, err
	}

	red, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, ErrInvalidState.Withf("redemption %s is %s, expected one of %v", id, red.Status, from)
	}
	return red, nil
}

// MarkProcessing records that the settlement rail has been engaged.
func (s *Service) MarkProcessing(ctx context.Context, id string) (*Redemption, error) {
	return s.transition(ctx, id, []Status{StatusPending}, map[string]any{"status": StatusProcessing})
}

// SetReference stores the settlement rail's reference while processing.
func (s *Service) SetReference(ctx context.Context, id, ref string) (*Redemption, error) {
	return s.transition(ctx, id, []Status{StatusProcessing}, map[string]any{"external_reference": ref})
}

// Complete closes a processing redemption. An empty ref keeps the stored one.
func (s *Service) Complete(ctx context.Context, id, ref string) (*Redemption, error) {
	updates := map[string]any{"status": StatusCompleted, "completed_at": s.now()}
	if ref != "" {
		updates["external_reference"] = ref
	}

	red, err := s.transition(ctx, id, []Status{StatusProcessing}, updates)
	if err != nil {
		return nil, err
	}

	logger.FromContext(ctx).Info("redemption completed", zap.String("redemption_id", id), zap.String("reference", red.ExternalReference))
	return red, nil
}

// Fail marks the redemption failed and credits the debit back with a
// Reversed entry, all in one transaction. The Redeemed entry stays in the
// chain untouched.
func (s *Service) Fail(ctx context.Context, id, reason string) (*Redemption, error) {
	current, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	valuation, err := s.ledger.Valuate(ctx)
	if err != nil {
		return nil, err
	}

	var out *Redemption
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.ledger.LockHeads(ctx, tx, current.UserID); err != nil {
			return err
		}

		repo := s.repo.WithTrx(tx)
		red, err := repo.FindByID(ctx, id, true)
		if err != nil {
			return err
		}
		if red.Status != StatusProcessing {
			return ErrInvalidState.Withf("redemption %s is %s, only a processing redemption can fail", id, red.Status)
		}

		entry, err := s.ledger.AppendTx(ctx, tx, ledger.Draft{
			UserID:          red.UserID,
			Kind:            ledger.KindReversed,
			Amount:          red.AmountCredits,
			ReversesEntryID: red.LedgerEntryID,
			Note:            fmt.Sprintf("settlement of redemption %s failed", red.ID),
			Status:          ledger.StatusVerified,
			Method:          ledger.MethodAutomatic,
			Valuation:       valuation,
		})
		if err != nil {
			return err
		}

		if _, err := s.balance.ApplyVerifiedTx(ctx, tx, entry); err != nil {
			return err
		}

		n, err := repo.Transition(ctx, id, []Status{StatusProcessing}, map[string]any{
			"status":            StatusFailed,
			"reversal_entry_id": entry.ID,
			"failure_reason":    reason,
			"completed_at":      s.now(),
		})
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrInvalidState.Withf("redemption %s left processing while failing", id)
		}

		out, err = repo.FindByID(ctx, id, false)
		return err
	})
	if err != nil {
		s.ledger.HaltOnIntegrity(ctx, current.UserID, err)
		logger.FromContext(ctx).Error("failed to compensate redemption", zap.String("redemption_id", id), zap.Error(err))
		return nil, err
	}

	logger.FromContext(ctx).Warn("redemption failed and reversed",
		zap.String("redemption_id", id),
		zap.String("reversal_entry_id", out.ReversalEntryID),
		zap.String("reason", reason),
	)
	return out, nil
}
