package usagestream

import "go.uber.org/fx"

var Module = fx.Module("usage.stream",
	fx.Provide(NewHub),
	fx.Invoke(Attach),
)
