package worker

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"generation-executor/internal/config"
	"generation-executor/internal/executor"
	"generation-executor/internal/queue"
	"generation-executor/internal/telemetry"
)

// Runner performs one bounded invocation of a job.
type Runner interface {
	ProcessGenerationJob(ctx context.Context, jobID string, opts executor.Options) (executor.Result, error)
}

// Queue is the slice of the trigger queue the worker loop drives.
type Queue interface {
	PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error)
	RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error)
	ReadyDepth(ctx context.Context) (int64, error)
	DequeueWithLease(ctx context.Context) (string, error)
	ExtendLease(ctx context.Context, jobID string, extension time.Duration) error
	Ack(ctx context.Context, jobID string) error
	Release(ctx context.Context, jobID string) error
	Schedule(ctx context.Context, jobID string, lane queue.Lane, runAt time.Time) error
	Failures(ctx context.Context, jobID string) (int, error)
	ResetFailures(ctx context.Context, jobID string) error
}

// Processor drives the worker loop: it leases job ids from the queue, runs one
// invocation per lease and re-triggers jobs that are still running.
type Processor struct {
	cfg      config.Config
	queue    Queue
	runner   Runner
	logger   zerolog.Logger
	workerID string
	now      func() time.Time
}

func NewProcessor(cfg config.Config, q Queue, runner Runner, logger zerolog.Logger, workerID string) *Processor {
	return &Processor{
		cfg:      cfg,
		queue:    q,
		runner:   runner,
		logger:   logger.With().Str("worker_id", workerID).Logger(),
		workerID: workerID,
		now:      time.Now,
	}
}

// Run starts the main worker loop until context cancellation.
func (p *Processor) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		handled, err := p.Tick(ctx)
		if err != nil && ctx.Err() == nil {
			p.logger.Warn().Err(err).Msg("worker tick failed")
		}
		if handled {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.cfg.WorkerPollInterval):
		}
	}
}

// Tick performs queue housekeeping and handles at most one job id. It reports
// whether a job was handled.
func (p *Processor) Tick(ctx context.Context) (bool, error) {
	now := p.now()
	if _, err := p.queue.PromoteScheduled(ctx, now, int64(p.cfg.ScheduledBatchSize)); err != nil {
		p.logger.Warn().Err(err).Msg("promote scheduled failed")
	}
	if reclaimed, err := p.queue.RequeueExpired(ctx, now, 100); err == nil && len(reclaimed) > 0 {
		p.logger.Info().Strs("job_ids", reclaimed).Msg("reclaimed expired leases")
	}
	if depth, err := p.queue.ReadyDepth(ctx); err == nil {
		telemetry.QueueDepthGauge.Set(float64(depth))
	}

	jobID, err := p.queue.DequeueWithLease(ctx)
	if err != nil {
		return false, err
	}
	if jobID == "" {
		return false, nil
	}
	p.handle(ctx, jobID)
	return true, nil
}

func (p *Processor) handle(ctx context.Context, jobID string) {
	logger := p.logger.With().Str("job_id", jobID).Logger()

	stop := p.keepLease(ctx, jobID)
	res, err := p.runner.ProcessGenerationJob(ctx, jobID, executor.Options{})
	stop()

	switch {
	case errors.Is(err, executor.ErrJobNotFound):
		logger.Warn().Msg("job vanished; dropping trigger")
		_ = p.queue.Ack(ctx, jobID)
	case err != nil:
		failures, ferr := p.queue.Failures(ctx, jobID)
		if ferr != nil {
			failures = 1
		}
		backoff := backoffWithJitter(p.cfg.BackoffInitial, p.cfg.BackoffMax, failures)
		logger.Error().Err(err).Int("failures", failures).Dur("backoff", backoff).Msg("invocation failed; retry scheduled")
		p.reschedule(ctx, jobID, p.now().Add(backoff))
	case res.Status.Terminal():
		logger.Info().Str("status", string(res.Status)).Int("completed", res.Completed).Int("failed", res.Failed).Msg("job finished")
		_ = p.queue.Ack(ctx, jobID)
	default:
		_ = p.queue.ResetFailures(ctx, jobID)
		logger.Debug().Int("processed", res.Processed).Msg("job yielded; re-triggering")
		p.reschedule(ctx, jobID, p.now().Add(p.cfg.ResumeDelay))
	}
}

// reschedule parks the next trigger before dropping the lease so a crash in
// between leaves the job reclaimable.
func (p *Processor) reschedule(ctx context.Context, jobID string, at time.Time) {
	if err := p.queue.Schedule(ctx, jobID, queue.LaneResume, at); err != nil {
		p.logger.Error().Err(err).Str("job_id", jobID).Msg("reschedule failed; lease left to expire")
		return
	}
	telemetry.TriggerCounter.Inc()
	_ = p.queue.Release(ctx, jobID)
}

// keepLease extends the lease at half the visibility timeout until stopped.
func (p *Processor) keepLease(ctx context.Context, jobID string) func() {
	interval := p.cfg.VisibilityTimeout / 2
	if interval <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := p.queue.ExtendLease(ctx, jobID, p.cfg.VisibilityTimeout); err != nil {
					p.logger.Warn().Err(err).Str("job_id", jobID).Msg("lease extension failed")
				}
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max || exp > float64(math.MaxInt64) {
		wait = max
	}
	if wait < 2 {
		return wait
	}
	jitter := time.Duration(rand.Int63n(int64(wait / 2)))
	return wait/2 + jitter
}
