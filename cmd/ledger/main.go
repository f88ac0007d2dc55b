package main

import (
	"log"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"carbon-ledger/internal/httpapi"
	"carbon-ledger/pkg/config"
	"carbon-ledger/pkg/db"
	"carbon-ledger/pkg/gen"
	"carbon-ledger/pkg/hashistack/secretmanager"
	"carbon-ledger/pkg/health"
	"carbon-ledger/pkg/logger"
	"carbon-ledger/pkg/otelcol"
	"carbon-ledger/pkg/redis"
	"carbon-ledger/pkg/server"
	"carbon-ledger/pkg/task"
	"carbon-ledger/services/adjustment"
	"carbon-ledger/services/balance"
	"carbon-ledger/services/ledger"
	"carbon-ledger/services/rate"
	"carbon-ledger/services/redemption"
	"carbon-ledger/services/rule"
	"carbon-ledger/services/verification"
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
		health.Module,
		fx.Provide(provideMeterProvider),

		rate.Module,
		rule.Module,
		ledger.Module,
		balance.Module,
		verification.Module,
		redemption.Module,
		adjustment.Module,

		server.ProvideHTTPServer,
		server.ProvideGRPCServer,
		httpapi.Module,
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

func provideMeterProvider() metric.MeterProvider {
	return otel.GetMeterProvider()
}
