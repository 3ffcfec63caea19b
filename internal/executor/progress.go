package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"generation-executor/internal/models"
)

// maxRecordAttempts bounds how often a progress write is recomputed after
// losing a race with another writer.
const maxRecordAttempts = 3

// ErrProgressConflict is returned when concurrent writers kept moving the row.
var ErrProgressConflict = errors.New("job progress changed concurrently")

// Outcome is what one invocation observed.
type Outcome struct {
	Processed int
	Succeeded int
	Failed    int
	LastError error
	Cancelled bool
	// Final finalizes the job even if counters stay below variationCount.
	Final bool
	// Fatal fails the job outright with this error as its message.
	Fatal error
}

// Result is returned to whoever triggered the invocation.
type Result struct {
	JobID     string           `json:"job_id"`
	Processed int              `json:"processed"`
	Completed int              `json:"completed"`
	Failed    int              `json:"failed"`
	Status    models.JobStatus `json:"status"`
}

func resultFor(job models.GenerationJob, processed int) Result {
	return Result{
		JobID:     job.ID,
		Processed: processed,
		Completed: job.CompletedCount,
		Failed:    job.FailedCount,
		Status:    job.Status,
	}
}

// ProgressRecorder persists an invocation's outcome and decides the job's
// next status.
type ProgressRecorder struct {
	jobs   JobStore
	now    func() time.Time
	logger zerolog.Logger
}

func NewProgressRecorder(jobs JobStore, now func() time.Time, logger zerolog.Logger) *ProgressRecorder {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &ProgressRecorder{jobs: jobs, now: now, logger: logger}
}

// Record writes counters and status in one conditional update guarded by the
// job still being active and its counters still matching the snapshot the
// deltas are applied to. On a lost race the row is reloaded: a terminal row
// is reported as is, an active one gets the deltas reapplied.
func (r *ProgressRecorder) Record(ctx context.Context, job models.GenerationJob, out Outcome) (Result, error) {
	for attempt := 0; attempt < maxRecordAttempts; attempt++ {
		snapshot := job.Progress()
		upd := r.plan(job, out)

		ok, err := r.jobs.ConditionalUpdate(ctx, job.ID, upd, models.Condition{
			Statuses: models.ActiveStatuses,
			Progress: &snapshot,
		})
		if err != nil {
			return resultFor(job, out.Processed), fmt.Errorf("record progress for job %s: %w", job.ID, err)
		}
		if ok {
			upd.Apply(&job)
			return resultFor(job, out.Processed), nil
		}

		fresh, err := r.jobs.GetJob(ctx, job.ID)
		if err != nil {
			return resultFor(job, out.Processed), fmt.Errorf("reload job %s: %w", job.ID, err)
		}
		if fresh.Status.Terminal() {
			r.logger.Info().Str("status", string(fresh.Status)).Msg("job finalized elsewhere, progress not written")
			return resultFor(fresh, out.Processed), nil
		}
		r.logger.Warn().
			Int("expected_completed", snapshot.Completed).
			Int("expected_failed", snapshot.Failed).
			Int("completed", fresh.CompletedCount).
			Int("failed", fresh.FailedCount).
			Msg("job progress moved concurrently, reapplying")
		job = fresh
	}
	return resultFor(job, out.Processed), fmt.Errorf("record progress for job %s: %w", job.ID, ErrProgressConflict)
}

func (r *ProgressRecorder) plan(job models.GenerationJob, out Outcome) models.JobUpdate {
	completed := job.CompletedCount + out.Succeeded
	failed := job.FailedCount + out.Failed
	if completed > job.VariationCount {
		completed = job.VariationCount
	}
	if completed+failed > job.VariationCount {
		failed = job.VariationCount - completed
	}

	upd := models.JobUpdate{CompletedCount: &completed, FailedCount: &failed}
	if out.LastError != nil {
		msg := out.LastError.Error()
		upd.ErrorMessage = &msg
	}

	var status models.JobStatus
	switch {
	case out.Fatal != nil:
		status = models.StatusFailed
		msg := out.Fatal.Error()
		upd.ErrorMessage = &msg
	case out.Cancelled:
		status = models.StatusCancelled
	case out.Final || completed+failed >= job.VariationCount:
		status = models.StatusCompleted
		if completed == 0 && failed > 0 {
			status = models.StatusFailed
			msg := ErrAllVariationsFailed.Error()
			if out.LastError != nil {
				msg = out.LastError.Error()
			} else if job.ErrorMessage != nil && *job.ErrorMessage != "" {
				msg = *job.ErrorMessage
			}
			upd.ErrorMessage = &msg
		}
	default:
		status = models.StatusRunning
	}
	upd.Status = &status
	if status.Terminal() {
		now := r.now()
		upd.CompletedAt = &now
	}
	return upd
}
