package metrics

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/gorm"
)

const (
	SweeperReasonDeadlineExceeded     = "deadline_exceeded"
	SweeperReasonDBLockTimeout        = "db_lock_timeout"
	SweeperReasonSerializationFailure = "serialization_failure"
	SweeperReasonUniqueViolation      = "unique_violation"
	SweeperReasonUnknown              = "unknown"

	SweeperSkipLockHeld = "lock_held"
	SweeperSkipEmpty    = "empty"
)

// SweeperMetrics captures period rollover sweeper health.
type SweeperMetrics struct {
	runs             *prometheus.CounterVec
	runDuration      *prometheus.HistogramVec
	periodsCompleted prometheus.Counter
	runErrors        *prometheus.CounterVec
	runsSkipped      *prometheus.CounterVec
}

var (
	sweeperMetricsOnce sync.Once
	sweeperMetrics     *SweeperMetrics
)

// Sweeper returns the singleton sweeper metrics registry.
func Sweeper() *SweeperMetrics {
	return SweeperWithConfig(Config{})
}

// SweeperWithConfig returns the singleton sweeper metrics registry using config labels.
func SweeperWithConfig(cfg Config) *SweeperMetrics {
	sweeperMetricsOnce.Do(func() {
		sweeperMetrics = NewSweeperMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return sweeperMetrics
}

// NewSweeperMetrics registers a fresh set of sweeper collectors on registerer.
func NewSweeperMetrics(registerer prometheus.Registerer, cfg Config) *SweeperMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "metering"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}
	constLabels := prometheus.Labels{
		"service": serviceName,
		"env":     environment,
	}

	runs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "metering_sweeper_runs_total",
		Help:        "Rollover sweeper runs by outcome.",
		ConstLabels: constLabels,
	}, []string{"outcome"})
	runDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "metering_sweeper_run_duration_seconds",
		Help:        "Rollover sweeper run latency.",
		Buckets:     []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		ConstLabels: constLabels,
	}, []string{"outcome"})
	periodsCompleted := prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "metering_sweeper_periods_completed_total",
		Help:        "Expired usage periods marked completed by the sweeper.",
		ConstLabels: constLabels,
	})
	runErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "metering_sweeper_errors_total",
		Help:        "Rollover sweeper errors by reason.",
		ConstLabels: constLabels,
	}, []string{"reason"})
	runsSkipped := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "metering_sweeper_runs_skipped_total",
		Help:        "Rollover sweeper runs that did no work.",
		ConstLabels: constLabels,
	}, []string{"reason"})

	registerer.MustRegister(runs, runDuration, periodsCompleted, runErrors, runsSkipped)

	return &SweeperMetrics{
		runs:             runs,
		runDuration:      runDuration,
		periodsCompleted: periodsCompleted,
		runErrors:        runErrors,
		runsSkipped:      runsSkipped,
	}
}

// ObserveRun records one sweeper pass.
func (m *SweeperMetrics) ObserveRun(duration time.Duration, err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
		m.runErrors.WithLabelValues(ClassifySweeperReason(err)).Inc()
	}
	m.runs.WithLabelValues(outcome).Inc()
	m.runDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// AddPeriodsCompleted adds to the completed period counter.
func (m *SweeperMetrics) AddPeriodsCompleted(count int) {
	if m == nil || count <= 0 {
		return
	}
	m.periodsCompleted.Add(float64(count))
}

// IncSkipped counts a run that did not touch any period.
func (m *SweeperMetrics) IncSkipped(reason string) {
	if m == nil {
		return
	}
	m.runsSkipped.WithLabelValues(reason).Inc()
}

// ClassifySweeperReason maps sweeper errors to low-cardinality reasons.
func ClassifySweeperReason(err error) string {
	if err == nil {
		return SweeperReasonUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return SweeperReasonDeadlineExceeded
	}
	if hasPGCode(err, "55P03") {
		return SweeperReasonDBLockTimeout
	}
	if hasPGCode(err, "40001") {
		return SweeperReasonSerializationFailure
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) || hasPGCode(err, "23505") {
		return SweeperReasonUniqueViolation
	}
	return SweeperReasonUnknown
}

func hasPGCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == code
	}
	return false
}
