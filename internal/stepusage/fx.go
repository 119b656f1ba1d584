package stepusage

import (
	"github.com/sparlo/metering/internal/stepusage/repository"
	"github.com/sparlo/metering/internal/stepusage/service"
	"go.uber.org/fx"
)

var Module = fx.Module("stepusage.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
