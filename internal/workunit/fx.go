package workunit

import (
	"github.com/sparlo/metering/internal/workunit/repository"
	"github.com/sparlo/metering/internal/workunit/service"
	"go.uber.org/fx"
)

var Module = fx.Module("workunit.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
