// Package retry runs operations with bounded exponential backoff. Feed
// downloads use it for transient network failures and read-only filter
// queries use it to ride out a concurrent writer.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	"grimm.is/geoblock/internal/clock"
)

// Config configures retry behavior.
type Config struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	Jitter        bool
	// RetryOn limits retries to errors matching one of these via errors.Is.
	// Empty means every error is retried.
	RetryOn []error
	// Clock is used for sleeping between attempts; nil means the process clock.
	Clock clock.Clock
}

// DefaultConfig returns defaults for network fetches.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:   3,
		InitialDelay:  1 * time.Second,
		MaxDelay:      30 * time.Second,
		BackoffFactor: 2.0,
		Jitter:        true,
	}
}

// Attempts is the number of tries a failing call gets.
func (c Config) Attempts() int {
	if c.MaxAttempts < 1 {
		return 1
	}
	return c.MaxAttempts
}

// Do runs fn until it succeeds, returns a non-retryable error, exhausts the
// attempt budget, or ctx is done.
func Do(ctx context.Context, cfg Config, fn func(ctx context.Context) error) error {
	_, err := DoWithResult(ctx, cfg, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// DoWithResult is Do for functions that produce a value.
func DoWithResult[T any](ctx context.Context, cfg Config, fn func(ctx context.Context) (T, error)) (T, error) {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Default()
	}

	var (
		result  T
		lastErr error
	)
	for attempt := 0; attempt < cfg.Attempts(); attempt++ {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		var err error
		result, err = fn(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if !retryable(err, cfg.RetryOn) || attempt == cfg.Attempts()-1 {
			break
		}
		if err := clk.Sleep(ctx, Delay(attempt, cfg)); err != nil {
			return result, err
		}
	}
	return result, lastErr
}

// Delay returns the backoff before retry number attempt+1.
func Delay(attempt int, cfg Config) time.Duration {
	delay := float64(cfg.InitialDelay) * math.Pow(cfg.BackoffFactor, float64(attempt))
	if cfg.Jitter {
		// up to 25%
		delay += delay * 0.25 * rand.Float64()
	}
	if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}
	return time.Duration(delay)
}

func retryable(err error, retryOn []error) bool {
	var perm *permanentError
	if errors.As(err, &perm) {
		return false
	}
	if len(retryOn) == 0 {
		return true
	}
	for _, target := range retryOn {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// Permanent marks err as not worth retrying regardless of Config.RetryOn.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }
