package balance

import (
	"context"

	"carbon-ledger/pkg/task"
	"carbon-ledger/pkg/taskname"

	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var TaskModule = fx.Module("task.balance",
	fx.Invoke(registerTaskHandlers),
)

// ReconcilePayload narrows a reconcile run to one user. An empty UserID
// reconciles everyone.
type ReconcilePayload struct {
	UserID string `json:"user_id,omitempty"`
}

func registerTaskHandlers(mux *asynq.ServeMux, svc *Service) {
	mux.HandleFunc(taskname.BalanceReconcile, svc.HandleReconcileTask)
}

// HandleReconcileTask runs a reconciliation. Mismatches are alerted by
// Reconcile and do not fail the task, so they are not retried.
func (s *Service) HandleReconcileTask(ctx context.Context, t *asynq.Task) error {
	var payload ReconcilePayload
	if len(t.Payload()) > 0 {
		if err := task.DecodePayload(t, &payload); err != nil {
			return err
		}
	}

	zapLog := zap.L().With(zap.String("task_type", t.Type()), zap.String("user_id", payload.UserID))
	zapLog.Info("start reconciliation task")

	if payload.UserID != "" {
		report, err := s.Reconcile(ctx, payload.UserID)
		if err != nil && report == nil {
			return err
		}
		return nil
	}

	mismatches, err := s.ReconcileAll(ctx)
	if err != nil {
		zapLog.Error("reconciliation run failed", zap.Error(err))
		return err
	}

	zapLog.Info("reconciliation task finished", zap.Int("mismatches", len(mismatches)))
	return nil
}
