package usageperiod

import (
	"github.com/sparlo/metering/internal/usageperiod/repository"
	"github.com/sparlo/metering/internal/usageperiod/service"
	"go.uber.org/fx"
)

var Module = fx.Module("usageperiod.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
