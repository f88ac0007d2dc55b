package redemption

import (
	"carbon-ledger/pkg/client"
	"carbon-ledger/pkg/config"
	"carbon-ledger/pkg/db"

	"go.uber.org/fx"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

var Module = fx.Module("redemption.service",
	fx.Provide(
		NewRepository,
		NewService,
	),
	fx.Invoke(registerMigration),
)

func registerMigration(lc fx.Lifecycle, gdb *gorm.DB) {
	db.Migrate(lc, gdb, &Redemption{})
}

// SettlerModule provides the webhook Settler used by the worker.
var SettlerModule = fx.Module("redemption.settler",
	fx.Provide(func(cfg *config.Config) Settler {
		hook := client.NewWebhook("settlement", cfg.Settlement.URL, cfg.Settlement.Timeout, rate.Limit(10), 5)
		return NewWebhookSettler(hook)
	}),
)
