package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	redis "github.com/redis/go-redis/v9"
	"github.com/sparlo/metering/internal/events"
	"github.com/sparlo/metering/internal/meteringtest"
	obsmetrics "github.com/sparlo/metering/internal/observability/metrics"
	"github.com/sparlo/metering/internal/ratelimit"
	usageperioddomain "github.com/sparlo/metering/internal/usageperiod/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestScheduler(t *testing.T, h *meteringtest.Harness, cfg Config, locker *ratelimit.Locker) (*Scheduler, *prometheus.Registry) {
	t.Helper()
	registry := prometheus.NewRegistry()
	s, err := New(Params{
		Log:     h.Log,
		GenID:   h.GenID,
		Clock:   h.Clock,
		Periods: h.Periods,
		Config:  cfg,
		Locker:  locker,
		Metrics: obsmetrics.NewSweeperMetrics(registry, obsmetrics.Config{ServiceName: "metering", Environment: "test"}),
	})
	require.NoError(t, err)
	return s, registry
}

func counter(t *testing.T, registry *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := registry.Gather()
	require.NoError(t, err)
	total := 0.0
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.Metric {
			total += m.GetCounter().GetValue()
		}
	}
	return total
}

func TestRunOnceCompletesExpiredPeriods(t *testing.T) {
	h := meteringtest.New(t)
	for _, acct := range []string{"a", "b", "c"} {
		h.SeedUsage(t, acct, 10)
	}
	s, registry := newTestScheduler(t, h, Config{BatchSize: 2}, nil)

	// nothing has expired yet
	require.NoError(t, s.RunOnce(context.Background()))
	assert.Equal(t, 1.0, counter(t, registry, "metering_sweeper_runs_skipped_total"))

	h.Clock.Set(meteringtest.Start.AddDate(0, 1, 0))
	require.NoError(t, s.RunOnce(context.Background()))

	for _, acct := range []string{"a", "b", "c"} {
		periods, err := h.Periods.ListPeriods(context.Background(), acct, 10)
		require.NoError(t, err)
		require.Len(t, periods, 1)
		assert.Equal(t, usageperioddomain.StatusCompleted, periods[0].Status)
	}
	assert.Len(t, h.Events.OfType(events.EventPeriodRolledOver), 3)
	assert.Equal(t, 3.0, counter(t, registry, "metering_sweeper_periods_completed_total"))
	assert.Equal(t, 2.0, counter(t, registry, "metering_sweeper_runs_total"))

	// sweeping never opens the next period
	snapshot, err := h.Periods.GetUsageSnapshot(context.Background(), "a")
	require.NoError(t, err)
	assert.False(t, snapshot.HasPeriod)
}

func TestRunOnceSkipsWhenLockHeld(t *testing.T) {
	h := meteringtest.New(t)
	h.SeedUsage(t, "a", 10)
	h.Clock.Set(meteringtest.Start.AddDate(0, 1, 0))

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	require.NoError(t, mr.Set(lockKeyPrefix+JobRolloverPeriods, "other-instance"))

	s, registry := newTestScheduler(t, h, Config{}, ratelimit.NewLocker(client))
	require.NoError(t, s.RunOnce(context.Background()))

	assert.Equal(t, usageperioddomain.StatusActive, h.ActivePeriod(t, "a").Status)
	assert.Equal(t, 1.0, counter(t, registry, "metering_sweeper_runs_skipped_total"))
	assert.Zero(t, counter(t, registry, "metering_sweeper_runs_total"))

	// once the other holder lets go the next tick does the work
	mr.Del(lockKeyPrefix + JobRolloverPeriods)
	require.NoError(t, s.RunOnce(context.Background()))
	assert.Len(t, h.Events.OfType(events.EventPeriodRolledOver), 1)
	assert.False(t, mr.Exists(lockKeyPrefix+JobRolloverPeriods), "lock is released after the run")
}

func TestRunJobTimeoutIsSoft(t *testing.T) {
	h := meteringtest.New(t)
	s, registry := newTestScheduler(t, h, Config{}, nil)

	err := s.runJob(context.Background(), "timeout_job", 0, 5*time.Millisecond, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	require.NoError(t, err)
	assert.Equal(t, 1.0, counter(t, registry, "metering_sweeper_errors_total"))
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{JobTimeout: 5 * time.Minute}.withDefaults()
	assert.Equal(t, time.Minute, cfg.RunInterval)
	assert.Equal(t, 100, cfg.BatchSize)
	assert.Equal(t, 5*time.Minute, cfg.LockTTL, "lease covers the whole job")
}

func TestRunOnceKeepsLeaseAcrossBatches(t *testing.T) {
	h := meteringtest.New(t)
	for _, acct := range []string{"a", "b", "c"} {
		h.SeedUsage(t, acct, 10)
	}
	h.Clock.Set(meteringtest.Start.AddDate(0, 1, 0))

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	s, registry := newTestScheduler(t, h, Config{BatchSize: 1}, ratelimit.NewLocker(client))
	require.NoError(t, s.RunOnce(context.Background()))

	assert.Equal(t, 3.0, counter(t, registry, "metering_sweeper_periods_completed_total"))
	assert.False(t, mr.Exists(lockKeyPrefix+JobRolloverPeriods))
}
