package executor

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"generation-executor/internal/models"
)

const (
	DefaultTimeBudget         = 760 * time.Second
	DefaultCancelPollInterval = 3 * time.Second
)

// TimeBudget is an absolute deadline for claiming new units.
type TimeBudget struct {
	deadline time.Time
	now      func() time.Time
}

// NewTimeBudget starts a budget of d measured from start.
func NewTimeBudget(start time.Time, d time.Duration, now func() time.Time) TimeBudget {
	if now == nil {
		now = time.Now
	}
	return TimeBudget{deadline: start.Add(d), now: now}
}

// Exceeded reports whether the deadline has passed.
func (b TimeBudget) Exceeded() bool {
	return !b.now().Before(b.deadline)
}

// Deadline returns the absolute cutoff.
func (b TimeBudget) Deadline() time.Time { return b.deadline }

// StatusReader is the slice of the job store the watcher needs.
type StatusReader interface {
	GetJob(ctx context.Context, id string) (models.GenerationJob, error)
}

// CancellationWatcher polls the job's persisted status at most once per
// interval and otherwise answers from the last poll.
type CancellationWatcher struct {
	jobID    string
	reader   StatusReader
	interval time.Duration
	now      func() time.Time
	logger   zerolog.Logger

	mu        sync.Mutex
	lastPoll  time.Time
	cancelled bool
}

func NewCancellationWatcher(jobID string, reader StatusReader, interval time.Duration, now func() time.Time, logger zerolog.Logger) *CancellationWatcher {
	if interval <= 0 {
		interval = DefaultCancelPollInterval
	}
	if now == nil {
		now = time.Now
	}
	return &CancellationWatcher{
		jobID:    jobID,
		reader:   reader,
		interval: interval,
		now:      now,
		logger:   logger,
	}
}

// Cancelled reports whether the job has been observed as cancelled. A poll
// failure keeps the previous answer.
func (w *CancellationWatcher) Cancelled(ctx context.Context) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.cancelled {
		return true
	}
	now := w.now()
	if !w.lastPoll.IsZero() && now.Sub(w.lastPoll) < w.interval {
		return false
	}
	w.lastPoll = now

	job, err := w.reader.GetJob(ctx, w.jobID)
	if err != nil {
		w.logger.Warn().Err(err).Msg("cancellation poll failed")
		return false
	}
	if job.Status == models.StatusCancelled {
		w.cancelled = true
		w.logger.Info().Msg("job cancelled externally, stopping")
	}
	return w.cancelled
}

// Seen reports the last observed answer without polling.
func (w *CancellationWatcher) Seen() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cancelled
}

// StopCondition combines the time budget and the cancellation watcher. The
// budget is checked first and never touches the datastore.
type StopCondition struct {
	Budget  TimeBudget
	Watcher *CancellationWatcher

	mu             sync.Mutex
	budgetExceeded bool
}

// ShouldStop is consulted by pool workers before claiming each unit.
func (s *StopCondition) ShouldStop(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}
	if s.Budget.Exceeded() {
		s.mu.Lock()
		s.budgetExceeded = true
		s.mu.Unlock()
		return true
	}
	return s.Watcher != nil && s.Watcher.Cancelled(ctx)
}

// BudgetExceeded reports whether any worker stopped because of the budget.
func (s *StopCondition) BudgetExceeded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.budgetExceeded
}

// Cancelled reports whether the watcher observed cancellation.
func (s *StopCondition) Cancelled() bool {
	return s.Watcher != nil && s.Watcher.Seen()
}
