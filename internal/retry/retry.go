package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"slack-indexer/internal/source"
)

// Policy bounds how often and how long a call is retried.
type Policy struct {
	MaxAttempts   int           // total attempts including the first one
	InitialDelay  time.Duration // delay before the second attempt
	MaxDelay      time.Duration // cap for any single delay
	BackoffFactor float64       // multiplier between attempts

	// sleep is swapped out in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// DefaultPolicy returns sensible defaults for the Slack Web API.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:   5,
		InitialDelay:  time.Second,
		MaxDelay:      2 * time.Minute,
		BackoffFactor: 2.0,
	}
}

// WithSleep returns a copy of p that waits using fn.
func (p Policy) WithSleep(fn func(ctx context.Context, d time.Duration) error) Policy {
	p.sleep = fn
	return p
}

// ExhaustedError is returned once every attempt failed.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("giving up after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Err
}

// Retryable reports whether err should be retried.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return errors.Is(err, source.ErrTransient)
}

// Delay computes the wait before attempt n (n >= 1 is the first retry).
// A positive retryAfter hint takes precedence, still capped at MaxDelay.
func (p Policy) Delay(attempt int, retryAfter time.Duration) time.Duration {
	maxDelay := p.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Minute
	}
	if retryAfter > 0 {
		if retryAfter > maxDelay {
			return maxDelay
		}
		return retryAfter
	}
	delay := float64(p.InitialDelay)
	if delay <= 0 {
		delay = float64(time.Second)
	}
	factor := p.BackoffFactor
	if factor < 1 {
		factor = 1
	}
	for i := 1; i < attempt; i++ {
		delay *= factor
		if delay >= float64(maxDelay) {
			return maxDelay
		}
	}
	return time.Duration(delay)
}

// Do runs fn until it succeeds, returns a non-retryable error, or the policy
// runs out of attempts.
func (p Policy) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	sleep := p.sleep
	if sleep == nil {
		sleep = Wait
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = fn(ctx)
		if err == nil {
			return nil
		}
		if !Retryable(err) {
			return err
		}
		if attempt == attempts {
			break
		}

		var retryAfter time.Duration
		var rl *source.RateLimitedError
		if errors.As(err, &rl) {
			retryAfter = rl.RetryAfter
		}
		delay := p.Delay(attempt, retryAfter)

		log.Warn().
			Err(err).
			Str("op", op).
			Int("attempt", attempt).
			Dur("backoff", delay).
			Msg("Retrying upstream call")

		if waitErr := sleep(ctx, delay); waitErr != nil {
			return waitErr
		}
	}
	return &ExhaustedError{Attempts: attempts, Err: err}
}

// Wait blocks for d or until ctx is done.
func Wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
