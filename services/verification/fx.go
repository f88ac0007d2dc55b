package verification

import (
	"carbon-ledger/pkg/client"
	"carbon-ledger/pkg/config"

	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"golang.org/x/time/rate"
)

var Module = fx.Module("verification.service",
	fx.Provide(
		PolicyFromConfig,
		NewDispatcher,
		provideVelocity,
		NewService,
	),
)

func provideVelocity(cfg *config.Config, rdb *redis.Client) VelocityCounter {
	return NewRedisVelocity(rdb, cfg.Fraud.VelocityWindow)
}

// Verifier provides the webhook AIVerifier used by the worker.
var Verifier = fx.Module("verification.ai",
	fx.Provide(func(cfg *config.Config) AIVerifier {
		hook := client.NewWebhook("ai_verifier", cfg.AIVerifier.URL, cfg.AIVerifier.Timeout, rate.Limit(20), 5)
		return NewWebhookVerifier(hook)
	}),
)
