// Package retry provides bounded retry with exponential backoff for both
// blocking and context-aware operations. Both shapes share one interval
// calculator so their policies cannot drift apart.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/jonboulle/clockwork"
)

// ErrExhausted is wrapped into the error returned once every attempt failed.
var ErrExhausted = errors.New("retries exhausted")

// Policy describes how an operation is retried.
type Policy struct {
	Tries   int           // total attempts, 0 defaults to 3
	Delay   time.Duration // wait before the first retry
	Backoff float64       // multiplier applied per attempt, 0 defaults to 1

	// Retryable classifies failures. Nil treats every error as retryable.
	// Context cancellation is never retried.
	Retryable func(error) bool

	Logger *slog.Logger
	Clock  clockwork.Clock
}

// DefaultPolicy returns 3 tries, 3s apart, with no growth.
func DefaultPolicy() Policy {
	return Policy{
		Tries:   3,
		Delay:   3 * time.Second,
		Backoff: 1,
	}
}

// Interval returns the wait after the given zero-based failed attempt:
// delay * backoff^attempt.
func (p Policy) Interval(attempt int) time.Duration {
	backoff := p.Backoff
	if backoff <= 0 {
		backoff = 1
	}
	return time.Duration(float64(p.Delay) * math.Pow(backoff, float64(attempt)))
}

func (p Policy) tries() int {
	if p.Tries <= 0 {
		return 3
	}
	return p.Tries
}

func (p Policy) clock() clockwork.Clock {
	if p.Clock == nil {
		return clockwork.NewRealClock()
	}
	return p.Clock
}

func (p Policy) logger() *slog.Logger {
	if p.Logger == nil {
		return slog.Default()
	}
	return p.Logger
}

func (p Policy) retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if p.Retryable == nil {
		return true
	}
	return p.Retryable(err)
}

// run is the loop shared by every wrapper. wait blocks for the interval and
// returns an error only when waiting was interrupted.
func run(p Policy, op string, fn func() error, wait func(time.Duration) error) error {
	tries := p.tries()
	log := p.logger()

	var lastErr error
	for attempt := 0; attempt < tries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if !p.retryable(err) {
			return err
		}
		if attempt == tries-1 {
			break
		}

		delay := p.Interval(attempt)
		log.Debug("operation failed, retrying", "op", op, "attempt", attempt+1, "delay", delay, "error", err)
		if werr := wait(delay); werr != nil {
			return werr
		}
	}

	log.Warn("operation failed after max retries", "op", op, "tries", tries, "error", lastErr)
	return fmt.Errorf("%s: %w after %d tries: %w", op, ErrExhausted, tries, lastErr)
}

// Do retries a blocking fn, sleeping between attempts.
func Do(p Policy, op string, fn func() error) error {
	clock := p.clock()
	return run(p, op, fn, func(d time.Duration) error {
		clock.Sleep(d)
		return nil
	})
}

// DoContext retries fn while ctx is live. Waiting is interrupted by
// cancellation, which is returned as-is.
func DoContext(ctx context.Context, p Policy, op string, fn func(ctx context.Context) error) error {
	clock := p.clock()
	return run(p, op, func() error {
		if err := ctx.Err(); err != nil {
			return err
		}
		return fn(ctx)
	}, func(d time.Duration) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-clock.After(d):
			return nil
		}
	})
}

// Value retries fn and returns its result. On failure it returns def
// together with the error so callers can choose to degrade or propagate.
func Value[T any](ctx context.Context, p Policy, op string, def T, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := DoContext(ctx, p, op, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	if err != nil {
		return def, err
	}
	return out, nil
}
