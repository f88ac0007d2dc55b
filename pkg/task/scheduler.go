package task

import (
	"context"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Daily enqueues a task once a day at the given hour (server local time).
type Daily struct {
	enqueuer Enqueuer
	typename string
	hour     int
	opts     []asynq.Option
}

func NewDaily(enqueuer Enqueuer, typename string, hour int, opts ...asynq.Option) *Daily {
	return &Daily{enqueuer: enqueuer, typename: typename, hour: hour, opts: opts}
}

// Start runs the schedule loop between the fx start and stop hooks.
func (d *Daily) Start(lc fx.Lifecycle) {
	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go d.run(ctx)
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			return nil
		},
	})
}

func (d *Daily) run(ctx context.Context) {
	zap.L().Info("[Scheduler] started", zap.String("task_type", d.typename), zap.Int("hour", d.hour))

	for {
		now := time.Now()
		next := nextRunTime(now, d.hour, 0)

		zap.L().Info("[Scheduler] next run scheduled",
			zap.String("task_type", d.typename),
			zap.Time("next_run", next),
			zap.Duration("sleep_for", next.Sub(now)),
		)

		timer := time.NewTimer(next.Sub(now))
		select {
		case <-timer.C:
			d.Fire(ctx)
		case <-ctx.Done():
			timer.Stop()
			zap.L().Warn("[Scheduler] stopped", zap.String("task_type", d.typename))
			return
		}
	}
}

// Fire enqueues one occurrence of the task.
func (d *Daily) Fire(ctx context.Context) {
	info, err := d.enqueuer.Enqueue(ctx, asynq.NewTask(d.typename, nil), d.opts...)
	if err != nil {
		zap.L().Error("[Scheduler] failed to enqueue", zap.String("task_type", d.typename), zap.Error(err))
		return
	}
	zap.L().Info("[Scheduler] enqueued", zap.String("task_type", d.typename), zap.String("task_id", info.ID))
}

func nextRunTime(now time.Time, hour, minute int) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	if !next.After(now) {
		next = next.Add(24 * time.Hour)
	}
	return next
}
