package tier

import (
	tierdomain "github.com/sparlo/metering/internal/tier/domain"
	"github.com/sparlo/metering/internal/tier/repository"
	"github.com/sparlo/metering/internal/tier/service"
	"go.uber.org/fx"
)

var Module = fx.Module("tier.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
	fx.Provide(func(s tierdomain.Service) tierdomain.Resolver { return s }),
)
