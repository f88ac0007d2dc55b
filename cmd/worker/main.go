package main

import (
	"log"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"carbon-ledger/pkg/config"
	"carbon-ledger/pkg/db"
	"carbon-ledger/pkg/gen"
	"carbon-ledger/pkg/hashistack/secretmanager"
	"carbon-ledger/pkg/logger"
	"carbon-ledger/pkg/otelcol"
	"carbon-ledger/pkg/redis"
	"carbon-ledger/pkg/task"
	"carbon-ledger/pkg/taskname"
	"carbon-ledger/services/adjustment"
	"carbon-ledger/services/balance"
	"carbon-ledger/services/ledger"
	"carbon-ledger/services/rate"
	"carbon-ledger/services/redemption"
	"carbon-ledger/services/rule"
	"carbon-ledger/services/verification"

	"github.com/hibiken/asynq"
)

func main() {
	opts := []fx.Option{
		secretmanager.Module,
		config.Module,
		logger.Module,
		otelcol.Module,
		db.Module,
		redis.Module,
		gen.Module,
		task.Client,
		task.Server,

		rate.Module,
		rule.Module,
		ledger.Module,
		balance.Module,
		verification.Module,
		verification.Verifier,
		redemption.Module,
		redemption.SettlerModule,
		adjustment.Module,

		verification.TaskModule,
		redemption.TaskModule,
		balance.TaskModule,
		adjustment.TaskModule,

		fx.Invoke(scheduleReconcile),
		fxLogger,
	}

	if err := fx.ValidateApp(opts...); err != nil {
		log.Fatalf("fx validation failed: %v", err)
	}

	fx.New(opts...).Run()
}

var fxLogger = fx.WithLogger(func(cfg *config.Config, logger *zap.Logger) fxevent.Logger {
	return fxevent.NopLogger
})

// scheduleReconcile enqueues the nightly reconciliation of every balance.
func scheduleReconcile(lc fx.Lifecycle, cfg *config.Config, enqueuer task.Enqueuer) {
	task.NewDaily(enqueuer, taskname.BalanceReconcile, cfg.Reconcile.Hour,
		asynq.Queue(taskname.QueueLow),
		asynq.MaxRetry(3),
	).Start(lc)
}
