package verification

import (
	"context"
	"errors"
	"time"

	"carbon-ledger/pkg/logger"
	"carbon-ledger/pkg/task"
	"carbon-ledger/pkg/taskname"
	"carbon-ledger/services/ledger"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

type asynqDispatcher struct {
	enqueuer task.Enqueuer
}

// NewDispatcher enqueues verification tasks through asynq. Task ids are
// derived from the entry so a repeated dispatch is deduplicated by the queue.
func NewDispatcher(enqueuer task.Enqueuer) Dispatcher {
	return &asynqDispatcher{enqueuer: enqueuer}
}

func (d *asynqDispatcher) DispatchAI(ctx context.Context, entry *ledger.LedgerEntry) error {
	return d.dispatch(ctx, taskname.VerificationAI, entry,
		asynq.Queue(taskname.QueueDefault),
		asynq.MaxRetry(5),
		asynq.Timeout(time.Minute),
	)
}

func (d *asynqDispatcher) DispatchManualReview(ctx context.Context, entry *ledger.LedgerEntry) error {
	return d.dispatch(ctx, taskname.VerificationManualReview, entry,
		asynq.Queue(taskname.QueueLow),
		asynq.Retention(7*24*time.Hour),
	)
}

func (d *asynqDispatcher) dispatch(ctx context.Context, typename string, entry *ledger.LedgerEntry, opts ...asynq.Option) error {
	t, err := task.NewJSONTask(typename, EntryPayload{EntryID: entry.ID, UserID: entry.UserID})
	if err != nil {
		return err
	}

	opts = append(opts, asynq.TaskID(typename+":"+entry.ID))
	info, err := d.enqueuer.Enqueue(ctx, t, opts...)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		logger.FromContext(ctx).Info("verification task already queued", zap.String("task_type", typename), zap.String("entry_id", entry.ID))
		return nil
	}
	if err != nil {
		logger.FromContext(ctx).Error("failed to enqueue verification task", zap.String("task_type", typename), zap.String("entry_id", entry.ID), zap.Error(err))
		return err
	}

	logger.FromContext(ctx).Info("verification task enqueued",
		zap.String("task_type", typename),
		zap.String("task_id", info.ID),
		zap.String("entry_id", entry.ID),
	)
	return nil
}
