package balance

import (
	"carbon-ledger/pkg/db"

	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("balance.service",
	fx.Provide(
		NewRepository,
		NewService,
	),
	fx.Invoke(registerMigration),
)

func registerMigration(lc fx.Lifecycle, gdb *gorm.DB) {
	db.Migrate(lc, gdb, &Balance{}, &Fold{})
}
