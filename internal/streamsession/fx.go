package streamsession

import "go.uber.org/fx"

var Module = fx.Module("streamsession.service",
	fx.Provide(ProvideConfig),
	fx.Provide(NewService),
)
