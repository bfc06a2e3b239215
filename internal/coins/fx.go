package coins

import "go.uber.org/fx"

var Module = fx.Module("coins.store",
	fx.Provide(NewHub),
	fx.Provide(NewStore),
)
