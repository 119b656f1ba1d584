package adjustment

import (
	"github.com/sparlo/metering/internal/adjustment/repository"
	"github.com/sparlo/metering/internal/adjustment/service"
	"go.uber.org/fx"
)

var Module = fx.Module("adjustment.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
