package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"generation-executor/internal/models"
	"generation-executor/internal/telemetry"
)

const (
	DefaultBatchSize   = 15
	DefaultParallelism = 3
)

// Options tunes one invocation. Zero values fall back to the executor defaults.
type Options struct {
	BatchSize   int
	Parallelism int
	TimeBudget  time.Duration
	// Credential overrides the generation providers' configured API key.
	Credential string
}

func (o Options) withDefaults(d Options) Options {
	if o.BatchSize <= 0 {
		o.BatchSize = d.BatchSize
	}
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultBatchSize
	}
	if o.Parallelism <= 0 {
		o.Parallelism = d.Parallelism
	}
	if o.Parallelism <= 0 {
		o.Parallelism = DefaultParallelism
	}
	if o.TimeBudget <= 0 {
		o.TimeBudget = d.TimeBudget
	}
	if o.TimeBudget <= 0 {
		o.TimeBudget = DefaultTimeBudget
	}
	if o.Credential == "" {
		o.Credential = d.Credential
	}
	return o
}

// Config wires the executor's collaborators.
type Config struct {
	Jobs       JobStore
	Units      UnitStore
	Scenes     SceneStore
	Assets     ReferenceAssetReader
	Images     ImageGenerator
	Videos     VideoGenerator
	Transcoder MediaTranscoder
	Objects    ObjectStore
	Logger     zerolog.Logger

	Defaults           Options
	Retry              RetryPolicy
	UnitTimeout        time.Duration
	VideoTimeout       time.Duration
	CancelPollInterval time.Duration

	// Now is used for budgets, polling throttles and timestamps.
	Now func() time.Time
}

// Executor drives generation jobs to completion across invocations.
type Executor struct {
	jobs     JobStore
	assets   ReferenceAssetReader
	images   *ImagePipeline
	videos   *VideoPipeline
	recorder *ProgressRecorder
	retry    RetryPolicy
	defaults Options
	poll     time.Duration
	now      func() time.Time
	logger   zerolog.Logger
}

func New(cfg Config) *Executor {
	now := cfg.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	retry := cfg.Retry
	if retry.BaseDelay <= 0 {
		if retry.MaxRetries == 0 {
			retry.MaxRetries = DefaultMaxRetries
		}
		retry.BaseDelay = DefaultRetryBaseDelay
		retry.MaxJitter = DefaultRetryJitter
	}
	return &Executor{
		jobs:   cfg.Jobs,
		assets: cfg.Assets,
		images: &ImagePipeline{
			Generator:   cfg.Images,
			Transcoder:  cfg.Transcoder,
			Objects:     cfg.Objects,
			Units:       cfg.Units,
			UnitTimeout: cfg.UnitTimeout,
			now:         now,
		},
		videos: &VideoPipeline{
			Scenes:     cfg.Scenes,
			Assets:     cfg.Assets,
			Generator:  cfg.Videos,
			Objects:    cfg.Objects,
			Units:      cfg.Units,
			Timeout:    cfg.VideoTimeout,
			Credential: cfg.Defaults.Credential,
			now:        now,
		},
		recorder: NewProgressRecorder(cfg.Jobs, now, cfg.Logger),
		retry:    retry,
		defaults: cfg.Defaults,
		poll:     cfg.CancelPollInterval,
		now:      now,
		logger:   cfg.Logger,
	}
}

// ProcessGenerationJob runs one bounded invocation of a job. It is safe to
// call repeatedly: a terminal job is a no-op and an unfinished one resumes
// from its persisted counters. A returned error means the invocation could
// not complete its bookkeeping; the job row is left resumable.
func (e *Executor) ProcessGenerationJob(ctx context.Context, jobID string, opts Options) (Result, error) {
	start := e.now()
	opts = opts.withDefaults(e.defaults)
	logger := e.logger.With().Str("job_id", jobID).Logger()

	job, err := e.jobs.GetJob(ctx, jobID)
	if errors.Is(err, models.ErrNotFound) {
		return Result{JobID: jobID}, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	if err != nil {
		return Result{JobID: jobID}, fmt.Errorf("load job %s: %w", jobID, err)
	}
	logger = logger.With().Str("job_type", string(job.JobType)).Logger()

	if job.Status.Terminal() {
		logger.Debug().Str("status", string(job.Status)).Msg("job already finished")
		return resultFor(job, 0), nil
	}

	if job.Status == models.StatusPending {
		job, err = e.markRunning(ctx, job, start)
		if err != nil {
			return resultFor(job, 0), err
		}
		if job.Status.Terminal() {
			return resultFor(job, 0), nil
		}
	}

	logger.Info().
		Int("variation_count", job.VariationCount).
		Int("completed", job.CompletedCount).
		Int("failed", job.FailedCount).
		Msg("processing generation job")

	var res Result
	spec, specErr := job.Spec()
	switch s := spec.(type) {
	case models.ImageSpec:
		res, err = e.processImages(ctx, job, s, opts, start, logger)
	case models.VideoSpec:
		res, err = e.processVideo(ctx, job, s, opts, logger)
	default:
		res, err = e.failSetup(ctx, job, specErr, logger)
	}

	if err == nil {
		telemetry.Invocations.WithLabelValues(string(job.JobType), string(res.Status)).Inc()
		logger.Info().
			Int("processed", res.Processed).
			Int("completed", res.Completed).
			Int("failed", res.Failed).
			Str("status", string(res.Status)).
			Dur("elapsed", e.now().Sub(start)).
			Msg("generation invocation finished")
	}
	return res, err
}

// markRunning moves a pending job to running. Losing that race means someone
// else changed the row; the fresh row is returned instead.
func (e *Executor) markRunning(ctx context.Context, job models.GenerationJob, start time.Time) (models.GenerationJob, error) {
	running := models.StatusRunning
	upd := models.JobUpdate{Status: &running, StartedAt: &start}
	ok, err := e.jobs.ConditionalUpdate(ctx, job.ID, upd, models.Condition{
		Statuses: []models.JobStatus{models.StatusPending},
	})
	if err != nil {
		return job, fmt.Errorf("mark job %s running: %w", job.ID, err)
	}
	if ok {
		upd.Apply(&job)
		return job, nil
	}
	fresh, err := e.jobs.GetJob(ctx, job.ID)
	if err != nil {
		return job, fmt.Errorf("reload job %s: %w", job.ID, err)
	}
	return fresh, nil
}

// failSetup finalizes a job whose configuration can never produce a unit.
func (e *Executor) failSetup(ctx context.Context, job models.GenerationJob, cause error, logger zerolog.Logger) (Result, error) {
	if cause == nil {
		cause = models.ErrUnknownJobType
	}
	logger.Error().Err(cause).Msg("job configuration invalid")
	out := Outcome{Fatal: cause}
	if errors.Is(cause, models.ErrMissingScene) {
		out.Processed, out.Failed, out.LastError = 1, 1, cause
	}
	return e.recorder.Record(context.WithoutCancel(ctx), job, out)
}

func (e *Executor) processImages(ctx context.Context, job models.GenerationJob, spec models.ImageSpec, opts Options, start time.Time, logger zerolog.Logger) (Result, error) {
	plan := PlanBatch(job.VariationCount, job.Progress(), opts.BatchSize)
	if len(plan) == 0 {
		return e.recorder.Record(context.WithoutCancel(ctx), job, Outcome{})
	}

	refs, err := e.assets.ReferenceSet(ctx, spec.ReferenceSetID)
	if errors.Is(err, models.ErrNotFound) {
		return e.failSetup(ctx, job, configErr("Reference set %s not found", spec.ReferenceSetID), logger)
	}
	if err != nil {
		return resultFor(job, 0), fmt.Errorf("resolve reference set %s: %w", spec.ReferenceSetID, err)
	}

	stop := &StopCondition{
		Budget:  NewTimeBudget(start, opts.TimeBudget, e.now),
		Watcher: NewCancellationWatcher(job.ID, e.jobs, e.poll, e.now, logger),
	}
	unit := ImageUnit{Job: job, References: refs, Credential: opts.Credential}

	logger.Debug().Ints("variations", plan).Int("parallelism", opts.Parallelism).Msg("batch planned")
	pool := RunPool(ctx, plan, opts.Parallelism, stop, func(ctx context.Context, variation int) error {
		return e.runImageUnit(ctx, unit, variation, logger)
	})

	if stop.BudgetExceeded() {
		logger.Info().Int("processed", pool.Processed).Msg("time budget exhausted, yielding")
	}
	return e.recorder.Record(context.WithoutCancel(ctx), job, Outcome{
		Processed: pool.Processed,
		Succeeded: pool.Succeeded,
		Failed:    pool.Failed,
		LastError: pool.LastError,
		Cancelled: stop.Cancelled(),
	})
}

func (e *Executor) runImageUnit(ctx context.Context, unit ImageUnit, variation int, logger zerolog.Logger) error {
	logger = logger.With().Int("variation", variation).Logger()
	started := time.Now()
	telemetry.InFlightUnits.Inc()
	defer telemetry.InFlightUnits.Dec()

	policy := e.retry
	policy.OnRetry = func(attempt int, delay time.Duration, err error) {
		telemetry.Retries.Inc()
		logger.Warn().Err(err).Int("attempt", attempt).Dur("delay", delay).Msg("retrying variation")
	}
	attempts, err := policy.Do(ctx, func(ctx context.Context, _ int) error {
		return e.images.Run(ctx, unit, variation)
	})
	telemetry.UnitDuration.WithLabelValues(string(models.MediaImage)).Observe(time.Since(started).Seconds())
	if err != nil {
		telemetry.Units.WithLabelValues(string(models.MediaImage), "failed").Inc()
		logger.Error().Err(err).Int("attempts", attempts).Msg("variation failed")
		return err
	}
	telemetry.Units.WithLabelValues(string(models.MediaImage), "succeeded").Inc()
	logger.Debug().Int("attempts", attempts).Msg("variation stored")
	return nil
}

func (e *Executor) processVideo(ctx context.Context, job models.GenerationJob, spec models.VideoSpec, opts Options, logger zerolog.Logger) (Result, error) {
	pipeline := *e.videos
	if opts.Credential != "" {
		pipeline.Credential = opts.Credential
	}
	started := time.Now()
	telemetry.InFlightUnits.Inc()
	err := pipeline.Run(ctx, job, spec)
	telemetry.InFlightUnits.Dec()
	telemetry.UnitDuration.WithLabelValues(string(models.MediaVideo)).Observe(time.Since(started).Seconds())

	out := Outcome{Processed: 1, Final: true}
	var cfgErr *ConfigurationError
	switch {
	case err == nil:
		out.Succeeded = 1
		telemetry.Units.WithLabelValues(string(models.MediaVideo), "succeeded").Inc()
	case errors.As(err, &cfgErr):
		out.Failed, out.LastError, out.Fatal = 1, err, err
		telemetry.Units.WithLabelValues(string(models.MediaVideo), "failed").Inc()
		logger.Error().Err(err).Msg("video job configuration invalid")
	default:
		out.Failed, out.LastError = 1, err
		telemetry.Units.WithLabelValues(string(models.MediaVideo), "failed").Inc()
		logger.Error().Err(err).Msg("video generation failed")
	}
	return e.recorder.Record(context.WithoutCancel(ctx), job, out)
}
