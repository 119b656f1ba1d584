package scheduler

import (
	"context"
	"time"

	obscontext "github.com/sparlo/metering/internal/observability/context"
	obslogger "github.com/sparlo/metering/internal/observability/logger"
	"go.uber.org/zap"
)

// sweepRun tallies one job execution for its closing log line.
type sweepRun struct {
	job       string
	runID     string
	startedAt time.Time
	batches   int
	completed int
	failed    bool
}

type sweepRunKey struct{}

func (r *sweepRun) addBatch(completed int) {
	if r == nil {
		return
	}
	r.batches++
	r.completed += completed
}

func (r *sweepRun) fail() {
	if r != nil {
		r.failed = true
	}
}

// startRun tags ctx so every log line of the run carries the same request id
// and the system actor.
func (s *Scheduler) startRun(ctx context.Context, job string) (context.Context, *sweepRun) {
	run := &sweepRun{
		job:       job,
		runID:     s.genID.Generate().String(),
		startedAt: s.clock.Now(),
	}
	ctx = context.WithValue(ctx, sweepRunKey{}, run)
	ctx = obscontext.WithActor(ctx, "system")
	ctx = obscontext.WithRequestID(ctx, run.runID)
	return ctx, run
}

func runFromContext(ctx context.Context) *sweepRun {
	run, _ := ctx.Value(sweepRunKey{}).(*sweepRun)
	return run
}

func (s *Scheduler) logger(ctx context.Context) *zap.Logger {
	return obslogger.WithContext(ctx, s.log)
}

func (s *Scheduler) logRunFinished(ctx context.Context, run *sweepRun) {
	fields := []zap.Field{
		zap.String("job", run.job),
		zap.String("run_id", run.runID),
		zap.Duration("elapsed", s.clock.Now().Sub(run.startedAt)),
		zap.Int("batches", run.batches),
		zap.Int("periods_completed", run.completed),
	}
	if run.failed {
		s.logger(ctx).Warn("sweeper run failed", fields...)
		return
	}
	if run.completed == 0 {
		s.logger(ctx).Debug("sweeper run idle", fields...)
		return
	}
	s.logger(ctx).Info("sweeper run finished", fields...)
}
