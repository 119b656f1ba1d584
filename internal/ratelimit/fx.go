package ratelimit

import "go.uber.org/fx"

// Module provides the preflight limiter and the sweeper lease locker. Both
// degrade to no-ops when redis is not configured.
var Module = fx.Module("ratelimit",
	fx.Provide(NewPreflightLimiter, NewLocker),
)
