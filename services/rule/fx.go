package rule

import (
	"context"

	"carbon-ledger/pkg/config"
	"carbon-ledger/pkg/db"

	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("rule.service",
	fx.Provide(
		NewRepository,
		NewService,
	),
	fx.Invoke(
		registerMigration,
		registerSeed,
	),
)

func registerMigration(lc fx.Lifecycle, gdb *gorm.DB) {
	db.Migrate(lc, gdb, &Rule{})
}

func registerSeed(lc fx.Lifecycle, cfg *config.Config, svc *Service) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return svc.Seed(ctx, cfg.Verification.Rules)
		},
	})
}
