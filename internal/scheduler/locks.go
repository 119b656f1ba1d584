package scheduler

import (
	"context"
	"time"

	obsmetrics "github.com/sparlo/metering/internal/observability/metrics"
	"github.com/sparlo/metering/internal/ratelimit"
	"go.uber.org/zap"
)

const lockKeyPrefix = "metering:scheduler:"

type leaseKey struct{}

// withLock runs fn only when this instance holds the job lease. Without a
// locker every instance runs the job; the period updates are conditional so
// overlapping sweeps complete each period once.
func (s *Scheduler) withLock(ctx context.Context, job string, ttl time.Duration, fn func(context.Context) error) (bool, error) {
	if s.locker == nil {
		return true, fn(ctx)
	}

	lease, err := s.locker.Acquire(ctx, lockKeyPrefix+job, ttl)
	if err != nil {
		return false, err
	}
	if lease == nil {
		s.metrics.IncSkipped(obsmetrics.SweeperSkipLockHeld)
		s.logger(ctx).Debug("sweeper run skipped", zap.String("job", job), zap.String("reason", obsmetrics.SweeperSkipLockHeld))
		return false, nil
	}
	defer func() {
		// the job context may already be done
		releaseCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := lease.Release(releaseCtx); err != nil {
			s.log.Warn("sweeper lease release failed", zap.String("job", job), zap.Error(err))
		}
	}()
	return true, fn(context.WithValue(ctx, leaseKey{}, lease))
}

// keepLease extends the job lease between batches. Losing it stops the
// sweep; another instance now owns the job.
func keepLease(ctx context.Context) error {
	lease, _ := ctx.Value(leaseKey{}).(*ratelimit.Lease)
	return lease.Extend(ctx)
}
