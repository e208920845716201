// Package retry provides the retry policy injected into outbound model and
// knowledge-base calls.
package retry

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math"
	"math/big"
	"net"
	"time"
)

// Backoff returns how long to wait before the given retry (1-based).
type Backoff interface {
	Delay(retry int) time.Duration
}

// Constant waits the same duration before every retry.
type Constant time.Duration

// Delay implements Backoff.
func (c Constant) Delay(int) time.Duration { return time.Duration(c) }

// Exponential doubles from Base up to Max and applies half-window jitter.
type Exponential struct {
	Base time.Duration
	Max  time.Duration
}

// Delay implements Backoff.
func (e Exponential) Delay(retry int) time.Duration {
	if retry < 1 {
		retry = 1
	}
	delay := float64(e.Base) * math.Pow(2, float64(retry-1))
	if e.Max > 0 && delay > float64(e.Max) {
		delay = float64(e.Max)
	}
	half := time.Duration(delay / 2)
	return half + jitter(half)
}

func jitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}

// Policy bounds attempts and decides which failures are worth repeating.
type Policy struct {
	// MaxAttempts counts the first call. Values below 1 mean a single attempt.
	MaxAttempts int
	Backoff     Backoff
	// Retryable classifies errors. Nil uses DefaultRetryable.
	Retryable func(error) bool
	// OnRetry observes each failure that will be retried.
	OnRetry func(attempt int, err error)
}

// None performs exactly one attempt.
var None = Policy{MaxAttempts: 1}

// DefaultRetryable retries everything except cancellation and non-timeout network errors.
func DefaultRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return true
}

// Do runs fn until it succeeds, the error is terminal, or attempts run out.
func (p Policy) Do(ctx context.Context, fn func(context.Context) error) error {
	_, err := Value(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Value is Do for calls that return a result.
func Value[T any](ctx context.Context, p Policy, fn func(context.Context) (T, error)) (T, error) {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	retryable := p.Retryable
	if retryable == nil {
		retryable = DefaultRetryable
	}
	var zero T
	for attempt := 1; ; attempt++ {
		out, err := fn(ctx)
		if err == nil {
			return out, nil
		}
		if attempt >= attempts || !retryable(err) {
			if attempt > 1 {
				return zero, fmt.Errorf("after %d attempts: %w", attempt, err)
			}
			return zero, err
		}
		if p.OnRetry != nil {
			p.OnRetry(attempt, err)
		}
		if err := sleep(ctx, p.delay(attempt)); err != nil {
			return zero, err
		}
	}
}

func (p Policy) delay(retry int) time.Duration {
	if p.Backoff == nil {
		return 0
	}
	return p.Backoff.Delay(retry)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("retry wait: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}
