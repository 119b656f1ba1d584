package completion

import (
	"github.com/sparlo/metering/internal/completion/repository"
	"github.com/sparlo/metering/internal/completion/service"
	"go.uber.org/fx"
)

var Module = fx.Module("completion.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
