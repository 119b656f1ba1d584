package accountingmetrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sparlo/metering/internal/config"
	"github.com/sparlo/metering/internal/events"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Registry is kept apart from the default registerer so only accounting
// series leave the process.
type Registry struct {
	*prometheus.Registry
}

var Module = fx.Module("accounting.metrics",
	fx.Provide(func() Registry {
		return Registry{prometheus.NewRegistry()}
	}),
	fx.Provide(func(r Registry) *Metrics {
		return NewMetrics(r.Registry)
	}),
	fx.Provide(NewExporter),
	fx.Invoke(Register),
)

// NewExporter returns nil when export is disabled or misconfigured; the
// counters are still kept so they can be scraped.
func NewExporter(cfg config.Config, r Registry, logger *zap.Logger) *Exporter {
	if !cfg.Export.Enabled {
		return nil
	}
	exporterCfg, err := parseExporterConfig(cfg)
	if err != nil {
		logger.Warn("accounting metrics export disabled", zap.Error(err))
		return nil
	}
	return newExporter(r.Registry, exporterCfg, logger)
}

func Register(lc fx.Lifecycle, bus *events.Bus, m *Metrics, exporter *Exporter) {
	m.Subscribe(bus)
	if exporter == nil {
		return
	}
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			exporter.Start()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return exporter.Stop(ctx)
		},
	})
}
