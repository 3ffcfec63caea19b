package generation

import (
	"context"
	"fmt"

	"generation-executor/internal/telemetry"
)

// Limiter hands out tokens per key.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, float64, error)
}

// Throttled guards an ImageService with a shared token bucket keyed by model,
// so every worker process draws from one provider quota. A denied token
// surfaces as a rate limit error, which the executor retries with backoff.
// Limiter errors fail open.
type Throttled struct {
	next    ImageService
	limiter Limiter
	prefix  string
}

func NewThrottled(next ImageService, limiter Limiter, prefix string) *Throttled {
	if prefix == "" {
		prefix = "rl:generation"
	}
	return &Throttled{next: next, limiter: limiter, prefix: prefix}
}

func (t *Throttled) Generate(ctx context.Context, req ImageRequest) (Output, error) {
	if t.limiter != nil {
		allowed, _, err := t.limiter.Allow(ctx, t.prefix+":"+req.Model)
		if err == nil && !allowed {
			telemetry.RateLimitRejects.WithLabelValues("generation").Inc()
			return Output{}, fmt.Errorf("rate limit exceeded for model %q", req.Model)
		}
	}
	return t.next.Generate(ctx, req)
}

var _ ImageService = (*Throttled)(nil)
