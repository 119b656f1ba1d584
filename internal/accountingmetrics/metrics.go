// Package accountingmetrics keeps business counters (tokens billed, outcomes,
// rejections) in a dedicated prometheus registry and pushes them to an
// external collector. It listens to the event bus and never sits on the
// commit path.
package accountingmetrics

import (
	"context"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sparlo/metering/internal/events"
)

const namespace = "metering_accounting"

type Metrics struct {
	tokensCommitted *prometheus.CounterVec
	completions     *prometheus.CounterVec
	rejections      prometheus.Counter
	rejectedTokens  prometheus.Counter
	adjustments     prometheus.Counter
	stepsDropped    prometheus.Counter
	periodsRolled   prometheus.Counter
}

func NewMetrics(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		tokensCommitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_committed_total",
			Help:      "Tokens added to usage periods by committed completions.",
		}, []string{"kind"}),
		completions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "completions_total",
			Help:      "Committed completions by outcome.",
		}, []string{"outcome"}),
		rejections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rejections_total",
			Help:      "Completions refused by the hard cap.",
		}),
		rejectedTokens: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rejected_tokens_total",
			Help:      "Tokens that were not billed because of a hard cap rejection.",
		}),
		adjustments: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "adjustments_total",
			Help:      "Manual usage adjustments.",
		}),
		stepsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "step_usage_dropped_total",
			Help:      "Step usage observations that could not be stored.",
		}),
		periodsRolled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "periods_rolled_over_total",
			Help:      "Usage periods closed at the end of their cycle.",
		}),
	}
	registry.MustRegister(
		m.tokensCommitted,
		m.completions,
		m.rejections,
		m.rejectedTokens,
		m.adjustments,
		m.stepsDropped,
		m.periodsRolled,
	)
	return m
}

// Subscribe feeds the counters from the event bus.
func (m *Metrics) Subscribe(bus *events.Bus) {
	if m == nil || bus == nil {
		return
	}
	bus.Subscribe(events.EventUsageCommitted, m.onCommitted)
	bus.Subscribe(events.EventUsageRejected, m.onRejected)
	bus.Subscribe(events.EventUsageAdjusted, func(context.Context, events.Event) error {
		m.adjustments.Inc()
		return nil
	})
	bus.Subscribe(events.EventStepUsageDropped, func(context.Context, events.Event) error {
		m.stepsDropped.Inc()
		return nil
	})
	bus.Subscribe(events.EventPeriodRolledOver, func(context.Context, events.Event) error {
		m.periodsRolled.Inc()
		return nil
	})
}

func (m *Metrics) onCommitted(_ context.Context, event events.Event) error {
	m.completions.WithLabelValues(label(event.Payload["outcome"])).Inc()
	if tokens := int64Value(event.Payload["tokens"]); tokens > 0 {
		m.tokensCommitted.WithLabelValues(label(event.Payload["kind"])).Add(float64(tokens))
	}
	return nil
}

func (m *Metrics) onRejected(_ context.Context, event events.Event) error {
	m.rejections.Inc()
	if tokens := int64Value(event.Payload["requested"]); tokens > 0 {
		m.rejectedTokens.Add(float64(tokens))
	}
	return nil
}

func label(value any) string {
	s, _ := value.(string)
	s = strings.TrimSpace(s)
	if s == "" {
		return "unknown"
	}
	return s
}

func int64Value(value any) int64 {
	switch v := value.(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	default:
		return 0
	}
}
