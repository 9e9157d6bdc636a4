package ai

import (
	"context"

	"golang.org/x/time/rate"

	"agentfleet/pkg/errors"
)

// RateLimiter is the fleet-wide budget for decision engine calls
type RateLimiter interface {
	// Wait blocks until a call may proceed or ctx is done
	Wait(ctx context.Context) error
	// Limit returns requests per minute
	Limit() float64
}

// LocalLimiter is a token bucket shared by every cycle in this process
type LocalLimiter struct {
	limiter *rate.Limiter
	rpm     float64
}

var _ RateLimiter = (*LocalLimiter)(nil)

// NewLocalLimiter allows rpm calls per minute with the given burst
func NewLocalLimiter(rpm float64, burst int) *LocalLimiter {
	if burst <= 0 {
		burst = max(1, int(rpm/10))
	}
	return &LocalLimiter{limiter: rate.NewLimiter(rate.Limit(rpm/60.0), burst), rpm: rpm}
}

func (l *LocalLimiter) Wait(ctx context.Context) error {
	if err := l.limiter.Wait(ctx); err != nil {
		return errors.Wrap(errors.ErrTimeout, "engine rate budget wait: "+err.Error())
	}
	return nil
}

func (l *LocalLimiter) Limit() float64 { return l.rpm }

// Unlimited never blocks
type Unlimited struct{}

func (Unlimited) Wait(ctx context.Context) error { return ctx.Err() }
func (Unlimited) Limit() float64                 { return 0 }
