package jobs

import (
	"context"
	"time"

	"go.uber.org/zap"

	"semaphore/messaging/internal/logging"
	"semaphore/messaging/internal/metrics"
)

type Job func(ctx context.Context) error

// Runner schedules periodic maintenance for this node, e.g. refreshing the presence keys of
// the users connected here.
type Runner struct {
	ctx    context.Context
	logger *zap.Logger
	now    func() time.Time
}

func New(ctx context.Context, logger *zap.Logger) *Runner {
	return &Runner{ctx: ctx, logger: logging.OrNop(logger).Named("jobs"), now: time.Now}
}

// Every runs fn on each tick until the runner context is cancelled. A run still in progress
// delays the next tick rather than overlapping it.
func (r *Runner) Every(interval time.Duration, name string, fn Job) {
	if interval <= 0 {
		r.logger.Warn("job disabled", zap.String("job", name), zap.Duration("interval", interval))
		return
	}
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-r.ctx.Done():
				return
			case <-t.C:
				r.run(name, fn)
			}
		}
	}()
}

func (r *Runner) run(name string, fn Job) {
	start := r.now()
	err := fn(r.ctx)
	metrics.JobRuns.WithLabelValues(name).Inc()
	metrics.JobDuration.WithLabelValues(name).Observe(r.now().Sub(start).Seconds())
	if err != nil {
		metrics.JobErrors.WithLabelValues(name).Inc()
		r.logger.Warn("job failed", zap.String("job", name), zap.Error(err))
		return
	}
	metrics.JobLastSuccess.WithLabelValues(name).Set(float64(r.now().Unix()))
}
