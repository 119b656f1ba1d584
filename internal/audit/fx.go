package audit

import (
	"github.com/sparlo/metering/internal/audit/repository"
	"github.com/sparlo/metering/internal/audit/service"
	"go.uber.org/fx"
)

// Module provides the audit trail writer used by adjustments and
// authorization decisions.
var Module = fx.Module("audit",
	fx.Provide(
		repository.Provide,
		service.NewService,
	),
)
