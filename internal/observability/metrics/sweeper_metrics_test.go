package metrics

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"gorm.io/gorm"
)

func TestClassifySweeperReason(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{name: "deadline", err: context.DeadlineExceeded, want: SweeperReasonDeadlineExceeded},
		{name: "db_lock_timeout", err: &pgconn.PgError{Code: "55P03"}, want: SweeperReasonDBLockTimeout},
		{name: "serialization_failure", err: fmt.Errorf("wrap: %w", &pgconn.PgError{Code: "40001"}), want: SweeperReasonSerializationFailure},
		{name: "unique_violation", err: gorm.ErrDuplicatedKey, want: SweeperReasonUniqueViolation},
		{name: "unknown", err: errors.New("boom"), want: SweeperReasonUnknown},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ClassifySweeperReason(tc.err); got != tc.want {
				t.Fatalf("expected reason %q, got %q", tc.want, got)
			}
		})
	}
}

func TestSweeperMetricsObserveRun(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewSweeperMetrics(registry, Config{ServiceName: "metering", Environment: "test"})

	m.ObserveRun(10*time.Millisecond, nil)
	m.ObserveRun(5*time.Millisecond, context.DeadlineExceeded)
	m.AddPeriodsCompleted(4)
	m.AddPeriodsCompleted(0)

	if got := testutil.ToFloat64(m.runs.WithLabelValues("success")); got != 1 {
		t.Fatalf("expected 1 successful run, got %v", got)
	}
	if got := testutil.ToFloat64(m.runErrors.WithLabelValues(SweeperReasonDeadlineExceeded)); got != 1 {
		t.Fatalf("expected 1 deadline error, got %v", got)
	}
	if got := testutil.ToFloat64(m.periodsCompleted); got != 4 {
		t.Fatalf("expected 4 completed periods, got %v", got)
	}
}
