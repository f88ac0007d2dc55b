package ledger

import (
	"carbon-ledger/pkg/db"
	"carbon-ledger/services/rate"

	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("ledger.service",
	fx.Provide(
		NewRepository,
		NewService,
		func(s *rate.Service) RateSource { return s },
	),
	fx.Invoke(registerMigration),
)

func registerMigration(lc fx.Lifecycle, gdb *gorm.DB) {
	db.Migrate(lc, gdb, &LedgerEntry{}, &Head{})
}
