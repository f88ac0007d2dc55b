package redemption

import (
	"context"
	"errors"
	"fmt"

	"carbon-ledger/pkg/task"
	"carbon-ledger/pkg/taskname"

	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var TaskModule = fx.Module("task.redemption",
	fx.Provide(NewTask),
	fx.Invoke(registerTaskHandlers),
)

type Task struct {
	svc     *Service
	settler Settler
}

type TaskParams struct {
	fx.In
	Service *Service
	Settler Settler
}

func NewTask(p TaskParams) *Task {
	return &Task{svc: p.Service, settler: p.Settler}
}

func registerTaskHandlers(mux *asynq.ServeMux, t *Task) {
	mux.HandleFunc(taskname.RedemptionSettle, t.HandleSettleTask)
}

// HandleSettleTask engages the settlement rail for a pending redemption.
// Only a definitive rejection fails the redemption and reverses the debit.
// Any other dispatch error is returned for retry and the redemption stays
// PROCESSING until the rail reports back through Complete or Fail.
func (t *Task) HandleSettleTask(ctx context.Context, at *asynq.Task) error {
	var payload SettlePayload
	if err := task.DecodePayload(at, &payload); err != nil {
		return err
	}

	zapLog := zap.L().With(zap.String("task_type", at.Type()), zap.String("redemption_id", payload.RedemptionID))

	red, err := t.svc.MarkProcessing(ctx, payload.RedemptionID)
	switch {
	case errors.Is(err, ErrRedemptionNotFound):
		return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
	case errors.Is(err, ErrInvalidState):
		// a redelivery after a crash between MarkProcessing and dispatch
		red, err = t.svc.Get(ctx, payload.RedemptionID)
		if err != nil {
			return err
		}
		if red.Status != StatusProcessing || red.ExternalReference != "" {
			zapLog.Info("redemption already settled or dispatched", zap.String("status", string(red.Status)))
			return nil
		}
	case err != nil:
		return err
	}

	ref, err := t.settler.Dispatch(ctx, red.ID, red.AmountCurrency, red.Recipient)
	switch {
	case errors.Is(err, ErrSettlementRejected):
		zapLog.Warn("settlement rejected, reversing", zap.Error(err))
		if _, ferr := t.svc.Fail(ctx, red.ID, err.Error()); ferr != nil {
			return ferr
		}
		return nil
	case err != nil:
		zapLog.Warn("settlement outcome unknown, leaving redemption processing", zap.Error(err))
		return err
	}

	if _, err := t.svc.SetReference(ctx, red.ID, ref); err != nil {
		return err
	}

	zapLog.Info("settlement dispatched", zap.String("reference", ref))
	return nil
}
