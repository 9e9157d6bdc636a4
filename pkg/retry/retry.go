// Package retry runs a bounded operation a fixed number of times with backoff between attempts.
package retry

import (
	"context"
	"time"

	"github.com/jpillora/backoff"

	"agentfleet/pkg/errors"
)

// Config describes the attempt budget
type Config struct {
	MaxAttempts int           // total attempts, including the first
	Timeout     time.Duration // per attempt; zero means no extra deadline
	MinDelay    time.Duration
	MaxDelay    time.Duration
	Factor      float64
	Jitter      bool
	// Retryable decides whether an attempt error is worth another try. Nil retries everything.
	Retryable func(error) bool
}

// DefaultConfig returns two attempts with a short exponential backoff
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 2,
		Timeout:     30 * time.Second,
		MinDelay:    200 * time.Millisecond,
		MaxDelay:    5 * time.Second,
		Factor:      2,
		Jitter:      true,
	}
}

// Result reports how the loop ended
type Result struct {
	Attempts int
	Errors   []error
}

// Do calls fn until it succeeds, the budget is spent, a non-retryable error is returned or ctx ends.
// Each call gets its own context bounded by cfg.Timeout.
func Do(ctx context.Context, cfg Config, fn func(ctx context.Context, attempt int) error) (Result, error) {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.Factor <= 0 {
		cfg.Factor = 2
	}
	b := &backoff.Backoff{Min: cfg.MinDelay, Max: cfg.MaxDelay, Factor: cfg.Factor, Jitter: cfg.Jitter}

	var res Result
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		res.Attempts = attempt

		err := call(ctx, cfg.Timeout, attempt, fn)
		if err == nil {
			return res, nil
		}
		res.Errors = append(res.Errors, err)

		if ctx.Err() != nil {
			return res, errors.Wrap(ctx.Err(), "retry cancelled")
		}
		if cfg.Retryable != nil && !cfg.Retryable(err) {
			return res, err
		}
		if attempt == cfg.MaxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return res, errors.Wrap(ctx.Err(), "retry cancelled")
		case <-time.After(b.Duration()):
		}
	}

	return res, res.Errors[len(res.Errors)-1]
}

func call(ctx context.Context, timeout time.Duration, attempt int, fn func(context.Context, int) error) error {
	if timeout <= 0 {
		return fn(ctx, attempt)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := fn(attemptCtx, attempt)
	if err != nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return errors.Wrapf(errors.ErrTimeout, "attempt %d exceeded %s: %v", attempt, timeout, err)
	}
	return err
}
