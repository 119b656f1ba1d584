package accountingmetrics

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/golang/snappy"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/prometheus/prompb"
	"github.com/sparlo/metering/internal/config"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/protoadapt"
)

const (
	ExporterRemoteWrite = "prometheus_remote_write"
	ExporterPushgateway = "prometheus_pushgateway"
	ExporterOTLP        = "otlp"

	defaultExportInterval = 5 * time.Minute
	exportTimeout         = 5 * time.Second
)

type exporterConfig struct {
	kind           string
	endpoint       string
	authToken      string
	interval       time.Duration
	otlpAddress    string
	otlpSecure     bool
	serviceName    string
	serviceVersion string
	environment    string
}

func parseExporterConfig(cfg config.Config) (exporterConfig, error) {
	kind := strings.ToLower(strings.TrimSpace(cfg.Export.Exporter))
	if kind == "" {
		return exporterConfig{}, errors.New("accounting export exporter is required")
	}
	endpoint := strings.TrimSpace(cfg.Export.Endpoint)
	if endpoint == "" {
		return exporterConfig{}, errors.New("accounting export endpoint is required")
	}

	out := exporterConfig{
		kind:           kind,
		endpoint:       endpoint,
		authToken:      strings.TrimSpace(cfg.Export.AuthToken),
		interval:       cfg.Export.Interval,
		serviceName:    cfg.AppName,
		serviceVersion: cfg.AppVersion,
		environment:    cfg.Environment,
	}
	if out.interval <= 0 {
		out.interval = defaultExportInterval
	}

	switch kind {
	case ExporterRemoteWrite, ExporterPushgateway:
		if _, err := url.ParseRequestURI(endpoint); err != nil {
			return exporterConfig{}, fmt.Errorf("invalid accounting export endpoint: %w", err)
		}
	case ExporterOTLP:
		addr, secure, err := parseOTLPEndpoint(endpoint)
		if err != nil {
			return exporterConfig{}, err
		}
		out.otlpAddress = addr
		out.otlpSecure = secure
	default:
		return exporterConfig{}, fmt.Errorf("unsupported accounting exporter: %s", kind)
	}
	return out, nil
}

func parseOTLPEndpoint(endpoint string) (string, bool, error) {
	if strings.Contains(endpoint, "://") {
		parsed, err := url.Parse(endpoint)
		if err != nil {
			return "", false, fmt.Errorf("invalid accounting export endpoint: %w", err)
		}
		if parsed.Host == "" {
			return "", false, errors.New("accounting export endpoint host is required")
		}
		secure := parsed.Scheme == "https" || parsed.Scheme == "grpcs"
		return parsed.Host, secure, nil
	}
	return endpoint, false, nil
}

// Exporter pushes the accounting registry on a fixed interval. Export
// failures are logged once per failure streak and never surface to callers.
type Exporter struct {
	cfg        exporterConfig
	registry   *prometheus.Registry
	logger     *zap.Logger
	httpClient *http.Client
	grpcConn   *grpc.ClientConn

	stopCh    chan struct{}
	doneCh    chan struct{}
	failing   atomic.Bool
	timestamp func() time.Time
}

func newExporter(registry *prometheus.Registry, cfg exporterConfig, logger *zap.Logger) *Exporter {
	return &Exporter{
		cfg:        cfg,
		registry:   registry,
		logger:     logger.Named("accounting.exporter"),
		httpClient: &http.Client{Timeout: exportTimeout},
		timestamp:  time.Now,
	}
}

func (e *Exporter) Start() {
	if e == nil || e.stopCh != nil {
		return
	}
	e.stopCh = make(chan struct{})
	e.doneCh = make(chan struct{})

	go func() {
		defer close(e.doneCh)
		ticker := time.NewTicker(e.cfg.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				e.exportOnce()
			case <-e.stopCh:
				// flush what accumulated since the last tick
				e.exportOnce()
				return
			}
		}
	}()
}

func (e *Exporter) Stop(ctx context.Context) error {
	if e == nil || e.stopCh == nil {
		return nil
	}
	close(e.stopCh)
	defer func() {
		if e.grpcConn != nil {
			_ = e.grpcConn.Close()
		}
	}()
	select {
	case <-e.doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Exporter) exportOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), exportTimeout)
	defer cancel()
	if err := e.Export(ctx); err != nil {
		if e.failing.CompareAndSwap(false, true) {
			e.logger.Warn("accounting metrics export failed", zap.String("exporter", e.cfg.kind), zap.Error(err))
		}
		return
	}
	e.failing.Store(false)
}

// Export sends the current registry contents once.
func (e *Exporter) Export(ctx context.Context) error {
	families, err := e.registry.Gather()
	if err != nil {
		return err
	}
	if len(families) == 0 {
		return nil
	}

	switch e.cfg.kind {
	case ExporterRemoteWrite:
		return e.exportRemoteWrite(ctx, families)
	case ExporterPushgateway:
		return e.exportPushgateway(ctx)
	case ExporterOTLP:
		return e.exportOTLP(ctx, families)
	default:
		return fmt.Errorf("unsupported accounting exporter: %s", e.cfg.kind)
	}
}

func (e *Exporter) exportRemoteWrite(ctx context.Context, families []*dto.MetricFamily) error {
	series := buildRemoteWriteSeries(families, e.timestamp().UnixMilli())
	if len(series) == 0 {
		return nil
	}

	req := &prompb.WriteRequest{Timeseries: series}
	payload, err := proto.Marshal(protoadapt.MessageV2Of(req))
	if err != nil {
		return err
	}

	compressed := snappy.Encode(nil, payload)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.cfg.endpoint, bytes.NewReader(compressed))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/x-protobuf")
	httpReq.Header.Set("Content-Encoding", "snappy")
	httpReq.Header.Set("X-Prometheus-Remote-Write-Version", "0.1.0")
	if e.cfg.authToken != "" {
		httpReq.Header.Set("Authorization", "Bearer "+e.cfg.authToken)
	}

	resp, err := e.httpClient.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("remote write returned %s", resp.Status)
	}
	return nil
}

func (e *Exporter) exportPushgateway(ctx context.Context) error {
	job := strings.TrimSpace(e.cfg.serviceName)
	if job == "" {
		job = "metering"
	}
	pusher := push.New(e.cfg.endpoint, job).
		Gatherer(e.registry).
		Client(e.httpClient)
	if env := strings.TrimSpace(e.cfg.environment); env != "" {
		pusher = pusher.Grouping("environment", env)
	}
	if e.cfg.authToken != "" {
		pusher = pusher.Header(http.Header{"Authorization": []string{"Bearer " + e.cfg.authToken}})
	}
	return pusher.PushContext(ctx)
}

func buildRemoteWriteSeries(families []*dto.MetricFamily, timestampMs int64) []prompb.TimeSeries {
	series := make([]prompb.TimeSeries, 0, len(families))
	for _, family := range families {
		for _, metric := range family.GetMetric() {
			value := extractMetricValue(family.GetType(), metric)
			if value == nil {
				continue
			}
			labels := make([]prompb.Label, 0, len(metric.GetLabel())+1)
			labels = append(labels, prompb.Label{Name: "__name__", Value: family.GetName()})
			for _, label := range metric.GetLabel() {
				labels = append(labels, prompb.Label{Name: label.GetName(), Value: label.GetValue()})
			}
			sort.Slice(labels, func(i, j int) bool {
				return labels[i].Name < labels[j].Name
			})

			series = append(series, prompb.TimeSeries{
				Labels: labels,
				Samples: []prompb.Sample{{
					Value:     *value,
					Timestamp: timestampMs,
				}},
			})
		}
	}
	return series
}

// extractMetricValue returns nil for types other than counters and gauges.
func extractMetricValue(metricType dto.MetricType, metric *dto.Metric) *float64 {
	if metric == nil {
		return nil
	}
	switch metricType {
	case dto.MetricType_COUNTER:
		if metric.GetCounter() == nil {
			return nil
		}
		value := metric.GetCounter().GetValue()
		return &value
	case dto.MetricType_GAUGE:
		if metric.GetGauge() == nil {
			return nil
		}
		value := metric.GetGauge().GetValue()
		return &value
	default:
		return nil
	}
}
