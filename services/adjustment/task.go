package adjustment

import (
	"context"
	"errors"
	"fmt"

	"carbon-ledger/pkg/task"
	"carbon-ledger/pkg/taskname"
	"carbon-ledger/services/ledger"

	"github.com/hibiken/asynq"
	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var TaskModule = fx.Module("task.adjustment",
	fx.Invoke(registerTaskHandlers),
)

// ExpirePayload is the payload of the ledger:expire task.
type ExpirePayload struct {
	UserID string          `json:"user_id"`
	Amount decimal.Decimal `json:"amount"`
	Reason string          `json:"reason"`
}

func registerTaskHandlers(mux *asynq.ServeMux, svc *Service) {
	mux.HandleFunc(taskname.LedgerExpire, svc.HandleExpireTask)
}

// NewExpireTask builds a ledger:expire task.
func NewExpireTask(userID string, amount decimal.Decimal, reason string) (*asynq.Task, error) {
	return task.NewJSONTask(taskname.LedgerExpire, ExpirePayload{UserID: userID, Amount: amount, Reason: reason})
}

func (s *Service) HandleExpireTask(ctx context.Context, t *asynq.Task) error {
	var payload ExpirePayload
	if err := task.DecodePayload(t, &payload); err != nil {
		return err
	}

	entry, err := s.Expire(ctx, payload.UserID, payload.Amount, payload.Reason)
	if errors.Is(err, ledger.ErrInvalidAmount) || errors.Is(err, ErrInvalidAdjustment) {
		return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
	}
	if err != nil {
		zap.L().Error("expiry failed", zap.String("user_id", payload.UserID), zap.Error(err))
		return fmt.Errorf("expire credits for %s: %w", payload.UserID, err)
	}

	if entry == nil {
		zap.L().Info("nothing to expire", zap.String("user_id", payload.UserID))
	}
	return nil
}
