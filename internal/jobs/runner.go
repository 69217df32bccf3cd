package jobs

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/quistapp/keygate/internal/metrics"
)

type Job struct {
	Name     string
	Interval time.Duration
	Run      func(context.Context) error
	// SkipInitial delays the first run by one interval.
	SkipInitial bool
}

type Runner struct {
	jobs []Job
	log  zerolog.Logger
	wg   sync.WaitGroup
}

func NewRunner(logger zerolog.Logger, jobs ...Job) *Runner {
	return &Runner{
		jobs: jobs,
		log:  logger.With().Str("component", "jobs").Logger(),
	}
}

func (r *Runner) Start(ctx context.Context) {
	for _, job := range r.jobs {
		r.wg.Add(1)
		go func(job Job) {
			defer r.wg.Done()
			r.runEvery(ctx, job)
		}(job)
	}
}

// Wait blocks until every job loop has observed ctx cancellation.
func (r *Runner) Wait() {
	r.wg.Wait()
}

func (r *Runner) runEvery(ctx context.Context, job Job) {
	if !job.SkipInitial {
		r.runOnce(ctx, job)
	}
	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.runOnce(ctx, job)
		}
	}
}

func (r *Runner) runOnce(ctx context.Context, job Job) {
	start := time.Now()
	err := job.Run(ctx)
	durMs := float64(time.Since(start).Milliseconds())
	metrics.Default().ObserveJobDuration(job.Name, durMs)
	if err != nil {
		metrics.Default().IncJobRun(job.Name, "error")
		r.log.Error().Err(err).Str("job", job.Name).Float64("duration_ms", durMs).Msg("job run failed")
		return
	}
	metrics.Default().IncJobRun(job.Name, "ok")
	r.log.Debug().Str("job", job.Name).Float64("duration_ms", durMs).Msg("job run")
}
