package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/sparlo/metering/internal/clock"
	obsmetrics "github.com/sparlo/metering/internal/observability/metrics"
	"github.com/sparlo/metering/internal/ratelimit"
	usageperioddomain "github.com/sparlo/metering/internal/usageperiod/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const JobRolloverPeriods = "rollover_periods"

var ErrInvalidConfig = errors.New("invalid_scheduler_config")

type Params struct {
	fx.In

	Log     *zap.Logger
	GenID   *snowflake.Node
	Clock   clock.Clock
	Periods usageperioddomain.Service
	Config  Config                     `optional:"true"`
	Locker  *ratelimit.Locker          `optional:"true"`
	Metrics *obsmetrics.SweeperMetrics `optional:"true"`
}

// Scheduler closes expired usage periods in the background. It never opens
// new ones; the next completion or adjustment does that lazily.
type Scheduler struct {
	log     *zap.Logger
	cfg     Config
	genID   *snowflake.Node
	clock   clock.Clock
	periods usageperioddomain.Service
	locker  *ratelimit.Locker
	metrics *obsmetrics.SweeperMetrics
}

func New(p Params) (*Scheduler, error) {
	if p.Log == nil || p.GenID == nil || p.Clock == nil || p.Periods == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		log:     p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:     p.Config.withDefaults(),
		genID:   p.GenID,
		clock:   p.Clock,
		periods: p.Periods,
		locker:  p.Locker,
		metrics: p.Metrics,
	}, nil
}

func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	batchSize int,
	timeout time.Duration,
	fn func(ctx context.Context) error,
) error {
	start := time.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	ctx, run := s.startRun(ctx, name)
	ran, err := s.withLock(ctx, name, s.cfg.LockTTL, fn)
	if !ran {
		return err
	}
	s.metrics.ObserveRun(time.Since(start), err)
	if err != nil {
		run.fail()
	}
	s.logRunFinished(ctx, run)
	if err == nil {
		return nil
	}

	// a timed out sweep resumes on the next tick
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		s.logger(ctx).Warn("sweeper run timed out",
			zap.String("job", name),
			zap.Int("batch_size", batchSize),
			zap.Duration("timeout", timeout),
		)
		return nil
	}
	return fmt.Errorf("%s: %w", name, err)
}

func (s *Scheduler) RunOnce(parent context.Context) error {
	return s.runJob(parent, JobRolloverPeriods, s.cfg.BatchSize, s.cfg.JobTimeout, s.RolloverPeriodsJob)
}

// RunForever sweeps once immediately, then on every tick until ctx ends.
func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()

	for {
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("sweeper run errored", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RolloverPeriodsJob completes expired periods batch by batch until a short
// batch shows nothing is left.
func (s *Scheduler) RolloverPeriodsJob(ctx context.Context) error {
	run := runFromContext(ctx)
	total := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		completed, err := s.periods.CompleteExpired(ctx, s.cfg.BatchSize)
		total += len(completed)
		run.addBatch(len(completed))
		s.metrics.AddPeriodsCompleted(len(completed))
		for _, period := range completed {
			s.logger(ctx).Debug("usage period completed",
				zap.String("account_id", period.AccountID),
				zap.String("period_id", period.ID.String()),
				zap.Time("period_end", period.PeriodEnd),
			)
		}
		if err != nil {
			s.logger(ctx).Error("usage period rollover failed",
				zap.String("reason", obsmetrics.ClassifySweeperReason(err)),
				zap.Error(err),
			)
			return err
		}
		if len(completed) < s.cfg.BatchSize {
			break
		}
		if err := keepLease(ctx); err != nil {
			return err
		}
	}

	if total == 0 {
		s.metrics.IncSkipped(obsmetrics.SweeperSkipEmpty)
	}
	return nil
}
