package main

import (
	"context"
	"encoding/json"
	"os"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"carbon-ledger/pkg/config"
	"carbon-ledger/pkg/db"
	"carbon-ledger/pkg/gen"
	"carbon-ledger/pkg/hashistack/secretmanager"
	"carbon-ledger/pkg/logger"
	"carbon-ledger/services/balance"
	"carbon-ledger/services/ledger"
	"carbon-ledger/services/rate"
)

type services struct {
	Ledger  *ledger.Service
	Balance *balance.Service
	Rates   *rate.Service
}

// withServices starts the storage side of the application, runs fn and
// stops it again.
func withServices(ctx context.Context, fn func(ctx context.Context, s services) error) error {
	var s services
	app := fx.New(
		secretmanager.Module,
		config.Module,
		logger.Module,
		db.Module,
		gen.Module,
		rate.Module,
		ledger.Module,
		balance.Module,
		fx.Populate(&s.Ledger, &s.Balance, &s.Rates),
		fx.WithLogger(func() fxevent.Logger { return fxevent.NopLogger }),
	)
	if err := app.Start(ctx); err != nil {
		return err
	}
	defer app.Stop(context.Background())

	return fn(ctx, s)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
