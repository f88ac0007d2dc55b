package adjustment

import "go.uber.org/fx"

var Module = fx.Module("adjustment.service",
	fx.Provide(NewService),
)
