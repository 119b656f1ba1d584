package metrics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Config configures the metrics provider.
type Config struct {
	Enabled          bool
	ExporterEndpoint string
	ExporterProtocol string
	ServiceName      string
	Environment      string
}

// Metrics exposes application-level instruments.
type Metrics struct {
	stepUsageRecorded metric.Int64Counter
	stepUsageDropped  metric.Int64Counter
	completions       metric.Int64Counter
	tokensCommitted   metric.Int64Counter
	quotaChecks       metric.Int64Counter
	adjustments       metric.Int64Counter
	rateLimitAllowed  metric.Int64Counter
	rateLimitDenied   metric.Int64Counter
}

// NewProvider configures and registers the meter provider.
func NewProvider(lc fx.Lifecycle, cfg Config, log *zap.Logger) (metric.MeterProvider, error) {
	if !cfg.Enabled {
		provider := noop.NewMeterProvider()
		otel.SetMeterProvider(provider)
		return provider, nil
	}

	exporter, err := newExporter(cfg.ExporterProtocol, cfg.ExporterEndpoint)
	if err != nil {
		return nil, err
	}

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(10*time.Second))
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(provider)

	if lc != nil {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				if log != nil {
					log.Info("shutting down meter provider")
				}
				return provider.Shutdown(ctx)
			},
		})
	}

	if log != nil {
		log.Info("metrics initialized",
			zap.String("endpoint", cfg.ExporterEndpoint),
			zap.String("protocol", cfg.ExporterProtocol),
		)
	}

	return provider, nil
}

// New registers the domain instruments on the given provider.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "metering"
	}
	meter := provider.Meter(name)

	m := &Metrics{}
	for _, inst := range []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.stepUsageRecorded, "metering_step_usage_recorded_total", "Step usage observations written to the ledger."},
		{&m.stepUsageDropped, "metering_step_usage_dropped_total", "Step usage observations lost to a storage failure."},
		{&m.completions, "metering_completions_total", "Completion attempts by result."},
		{&m.tokensCommitted, "metering_tokens_committed_total", "Tokens added to usage periods by completions."},
		{&m.quotaChecks, "metering_quota_checks_total", "Preflight quota decisions."},
		{&m.adjustments, "metering_adjustments_total", "Operator adjustments by field."},
		{&m.rateLimitAllowed, "metering_rate_limit_allowed_total", "Requests admitted by the preflight limiter."},
		{&m.rateLimitDenied, "metering_rate_limit_denied_total", "Requests refused by the preflight limiter."},
	} {
		counter, err := meter.Int64Counter(inst.name, metric.WithDescription(inst.desc))
		if err != nil {
			return nil, fmt.Errorf("counter %s: %w", inst.name, err)
		}
		*inst.dst = counter
	}
	return m, nil
}

// NewNoop returns instruments backed by the noop provider.
func NewNoop() *Metrics {
	m, _ := New(Config{}, noop.NewMeterProvider())
	return m
}

func add(ctx context.Context, counter metric.Int64Counter, n int64, attrs ...attribute.KeyValue) {
	counter.Add(ctx, n, metric.WithAttributes(FilterAttributes(attrs...)...))
}

func label(key, value string) attribute.KeyValue {
	return attribute.String(key, strings.TrimSpace(value))
}

func (m *Metrics) RecordStepUsage(ctx context.Context, step string) {
	if m != nil {
		add(ctx, m.stepUsageRecorded, 1, label("step", step))
	}
}

// RecordStepUsageDropped counts observations the ledger could not store.
func (m *Metrics) RecordStepUsageDropped(ctx context.Context, reason string) {
	if m != nil {
		add(ctx, m.stepUsageDropped, 1, label("reason", reason))
	}
}

// RecordCompletion counts a completion by result. Only committed
// completions add to the token counter.
func (m *Metrics) RecordCompletion(ctx context.Context, kind, result string, tokens int64) {
	if m == nil {
		return
	}
	attrs := []attribute.KeyValue{label("kind", kind), label("result", result)}
	add(ctx, m.completions, 1, attrs...)
	if result == "committed" && tokens > 0 {
		add(ctx, m.tokensCommitted, tokens, attrs...)
	}
}

func (m *Metrics) RecordQuotaCheck(ctx context.Context, tier string, allowed bool) {
	if m == nil {
		return
	}
	result := "denied"
	if allowed {
		result = "allowed"
	}
	add(ctx, m.quotaChecks, 1, label("tier", tier), label("result", result))
}

func (m *Metrics) RecordAdjustment(ctx context.Context, field string) {
	if m != nil {
		add(ctx, m.adjustments, 1, label("field", field))
	}
}

func (m *Metrics) RecordRateLimitAllowed(ctx context.Context, endpoint string) {
	if m != nil {
		add(ctx, m.rateLimitAllowed, 1, label("endpoint", endpoint))
	}
}

func (m *Metrics) RecordRateLimitDenied(ctx context.Context, endpoint, reason string) {
	if m != nil {
		add(ctx, m.rateLimitDenied, 1, label("endpoint", endpoint), label("reason", reason))
	}
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	protocol = strings.ToLower(strings.TrimSpace(protocol))
	switch protocol {
	case "http", "http/protobuf":
		opts := []otlpmetrichttp.Option{}
		if endpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(endpoint))
		}
		return otlpmetrichttp.New(context.Background(), opts...)
	case "grpc", "grpc/protobuf", "":
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithInsecure()}
		if endpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(endpoint))
		}
		return otlpmetricgrpc.New(context.Background(), opts...)
	default:
		return nil, fmt.Errorf("unsupported OTLP protocol %q", protocol)
	}
}

// Account and work ids are unbounded and never become labels.
var allowedLabelKeys = map[attribute.Key]struct{}{
	"tier":        {},
	"kind":        {},
	"step":        {},
	"result":      {},
	"field":       {},
	"endpoint":    {},
	"method":      {},
	"status_code": {},
	"reason":      {},
}

// FilterAttributes strips disallowed labels to keep metrics low-cardinality.
func FilterAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	filtered := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if _, ok := allowedLabelKeys[attr.Key]; !ok {
			continue
		}
		filtered = append(filtered, attr)
	}
	return filtered
}
