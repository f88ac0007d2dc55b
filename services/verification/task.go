package verification

import (
	"context"
	"errors"
	"fmt"

	"carbon-ledger/pkg/task"
	"carbon-ledger/pkg/taskname"
	"carbon-ledger/services/ledger"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var reviewsQueued = prometheus.NewCounter(prometheus.CounterOpts{
	Name: "verification_manual_reviews_requested_total",
	Help: "Entries handed to the manual review queue.",
})

func init() {
	prometheus.MustRegister(reviewsQueued)
}

var TaskModule = fx.Module("task.verification",
	fx.Provide(NewTask),
	fx.Invoke(registerTaskHandlers),
)

type Task struct {
	svc    *Service
	ledger *ledger.Service
	ai     AIVerifier
}

type TaskParams struct {
	fx.In
	Service  *Service
	Ledger   *ledger.Service
	Verifier AIVerifier
}

func NewTask(p TaskParams) *Task {
	return &Task{svc: p.Service, ledger: p.Ledger, ai: p.Verifier}
}

func registerTaskHandlers(mux *asynq.ServeMux, t *Task) {
	mux.HandleFunc(taskname.VerificationAI, t.HandleAIVerificationTask)
	mux.HandleFunc(taskname.VerificationManualReview, t.HandleManualReviewTask)
}

// HandleAIVerificationTask scores a pending entry and applies the result.
// Errors from the verifier are retried by asynq.
func (t *Task) HandleAIVerificationTask(ctx context.Context, at *asynq.Task) error {
	var payload EntryPayload
	if err := task.DecodePayload(at, &payload); err != nil {
		return err
	}

	zapLog := zap.L().With(zap.String("task_type", at.Type()), zap.String("entry_id", payload.EntryID))

	entry, err := t.ledger.Get(ctx, payload.EntryID)
	if errors.Is(err, ledger.ErrEntryNotFound) {
		return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
	}
	if err != nil {
		return err
	}
	if entry.Status != ledger.StatusPending || entry.Method != ledger.MethodAIAssisted {
		zapLog.Info("entry no longer awaits AI verification", zap.String("status", string(entry.Status)), zap.String("method", string(entry.Method)))
		return nil
	}

	res, err := t.ai.Verify(ctx, entry)
	if err != nil {
		zapLog.Warn("AI verifier call failed", zap.Error(err))
		return err
	}

	updated, err := t.svc.AIVerificationResult(ctx, entry.ID, res.Confidence, res.Summary)
	if errors.Is(err, ledger.ErrInvalidTransition) {
		zapLog.Info("entry resolved concurrently", zap.Error(err))
		return nil
	}
	if errors.Is(err, ErrInvalidConfidence) {
		return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
	}
	if err != nil {
		return err
	}

	zapLog.Info("AI verification applied",
		zap.Float64("confidence", res.Confidence),
		zap.String("status", string(updated.Status)),
		zap.String("method", string(updated.Method)),
	)
	return nil
}

// HandleManualReviewTask announces an entry to the review queue. The verdict
// arrives later through ReviewDecision.
func (t *Task) HandleManualReviewTask(ctx context.Context, at *asynq.Task) error {
	var payload EntryPayload
	if err := task.DecodePayload(at, &payload); err != nil {
		return err
	}

	entry, err := t.ledger.Get(ctx, payload.EntryID)
	if errors.Is(err, ledger.ErrEntryNotFound) {
		return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
	}
	if err != nil {
		return err
	}
	if entry.Status != ledger.StatusPending {
		return nil
	}

	reviewsQueued.Inc()
	meta := entry.Metadata.Data()
	zap.L().Info("manual review requested",
		zap.String("entry_id", entry.ID),
		zap.String("user_id", entry.UserID),
		zap.String("activity_type", entry.ActivityType),
		zap.String("co2_amount", entry.CO2Basis.Decimal.String()),
		zap.Bool("escalated", meta.Escalated),
		zap.String("reason", meta.ClassificationReason),
	)
	return nil
}
