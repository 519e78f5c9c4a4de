package retry

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"
)

// Policy holds retry strategy configuration
type Policy struct {
	MaxAttempts       int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
}

// DefaultPolicy returns the defaults used for gateway calls: the webhook-driven
// flow tolerates a few seconds of token-endpoint flakiness but not more.
func DefaultPolicy() *Policy {
	return &Policy{
		MaxAttempts:       3,
		InitialBackoff:    200 * time.Millisecond,
		MaxBackoff:        5 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// Retryable is a function that can be retried
type Retryable[T any] func(ctx context.Context) (T, error)

// Do executes a retryable function with exponential backoff. Context
// cancellation is honored between attempts and during backoff sleeps.
func Do[T any](ctx context.Context, p *Policy, log *slog.Logger, op string, fn Retryable[T]) (T, error) {
	var zero T
	var lastErr error

	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		default:
		}

		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}

		lastErr = err
		if attempt < p.MaxAttempts {
			backoff := backoffFor(attempt-1, p)
			log.Warn("operation failed, retrying",
				slog.String("operation", op),
				slog.Int("attempt", attempt),
				slog.Int("max_attempts", p.MaxAttempts),
				slog.Duration("backoff", backoff),
				slog.String("error", err.Error()),
			)
			select {
			case <-ctx.Done():
				return zero, ctx.Err()
			case <-time.After(backoff):
			}
		}
	}

	return zero, fmt.Errorf("operation '%s' failed after %d attempts: %w", op, p.MaxAttempts, lastErr)
}

func backoffFor(attemptNum int, p *Policy) time.Duration {
	backoff := time.Duration(float64(p.InitialBackoff) * math.Pow(p.BackoffMultiplier, float64(attemptNum)))
	if backoff > p.MaxBackoff {
		backoff = p.MaxBackoff
	}
	return backoff
}
