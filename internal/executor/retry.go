package executor

import (
	"context"
	"math/rand"
	"time"
)

const (
	DefaultMaxRetries     = 2
	DefaultRetryBaseDelay = 1500 * time.Millisecond
	DefaultRetryJitter    = 250 * time.Millisecond
)

// RetryPolicy decides whether a failed attempt is retried and how long to
// wait first. Attempt 0 is the first try; retries are attempts 1..MaxRetries.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxJitter  time.Duration

	// OnRetry, if set, observes each scheduled retry.
	OnRetry func(attempt int, delay time.Duration, err error)

	jitter func(max time.Duration) time.Duration
	sleep  func(ctx context.Context, d time.Duration) error
}

// NewRetryPolicy returns a policy with the given bounds; non-positive values
// fall back to the defaults.
func NewRetryPolicy(maxRetries int, base time.Duration) RetryPolicy {
	if maxRetries < 0 {
		maxRetries = DefaultMaxRetries
	}
	if base <= 0 {
		base = DefaultRetryBaseDelay
	}
	return RetryPolicy{MaxRetries: maxRetries, BaseDelay: base, MaxJitter: DefaultRetryJitter}
}

// ShouldRetry reports whether the attempt that just failed with err may be
// followed by another one.
func (p RetryPolicy) ShouldRetry(err error, attempt int) bool {
	return attempt < p.MaxRetries && IsRetriable(err)
}

// Backoff is base*2^attempt plus uniform jitter in [0, MaxJitter).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := p.BaseDelay << uint(attempt)
	return delay + p.randomJitter()
}

func (p RetryPolicy) randomJitter() time.Duration {
	if p.MaxJitter <= 0 {
		return 0
	}
	if p.jitter != nil {
		return p.jitter(p.MaxJitter)
	}
	return time.Duration(rand.Int63n(int64(p.MaxJitter)))
}

// Do runs fn until it succeeds, fails fatally, or exhausts retries. The last
// error is returned unchanged. attempts is the number of calls made.
func (p RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context, attempt int) error) (attempts int, err error) {
	for attempt := 0; ; attempt++ {
		err = fn(ctx, attempt)
		attempts = attempt + 1
		if err == nil {
			return attempts, nil
		}
		if !p.ShouldRetry(err, attempt) {
			return attempts, err
		}
		delay := p.Backoff(attempt)
		if p.OnRetry != nil {
			p.OnRetry(attempt+1, delay, err)
		}
		if serr := p.wait(ctx, delay); serr != nil {
			return attempts, err
		}
	}
}

func (p RetryPolicy) wait(ctx context.Context, d time.Duration) error {
	if p.sleep != nil {
		return p.sleep(ctx, d)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
