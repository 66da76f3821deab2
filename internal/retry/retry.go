// Package retry wraps an external send in bounded exponential-backoff retries.
//
// The retrier never touches the state store. Callers commit state only after
// Do returns nil.
package retry

import (
	"context"
	"log/slog"
	"time"

	"github.com/roach88/agos/internal/ir"
	"github.com/roach88/agos/internal/metrics"
)

// Defaults used when a Retrier field is left zero.
const (
	DefaultBackoffBase = 2 * time.Second
	DefaultMaxBackoff  = time.Minute
)

// Classifier decides whether a send error is worth retrying.
type Classifier func(error) ir.DeliveryClass

// AlwaysRetry treats every error as retryable.
func AlwaysRetry(error) ir.DeliveryClass { return ir.DeliveryRetryable }

// Op is one send attempt.
type Op func(ctx context.Context) error

// Retrier runs an Op up to MaxRetries+1 times.
type Retrier struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries  int
	BackoffBase time.Duration
	MaxBackoff  time.Duration

	// Classify defaults to AlwaysRetry.
	Classify Classifier

	// Sleep waits between attempts. Defaults to a context-aware timer;
	// tests replace it to avoid real waits.
	Sleep func(ctx context.Context, d time.Duration) error

	Logger  *slog.Logger
	Metrics *metrics.Recorder
}

// Result describes a finished Do call.
type Result struct {
	Attempts int
	Delays   []time.Duration
}

// Delay returns the wait after failed attempt n (n starts at 1):
// BackoffBase * 2^(n-1), capped at MaxBackoff.
func (r Retrier) Delay(n int) time.Duration {
	base, limit := r.BackoffBase, r.MaxBackoff
	if base <= 0 {
		base = DefaultBackoffBase
	}
	if limit <= 0 {
		limit = DefaultMaxBackoff
	}
	d := base
	for i := 1; i < n && d < limit; i++ {
		d *= 2
	}
	return min(d, limit)
}

// Do runs op until it succeeds, fails fatally or runs out of retries.
//
// A fatal error returns *ir.DeliveryError{Class: DeliveryFatal} at once.
// Exhaustion returns *ir.DeliveryError with Reason delivery_failed, the
// attempt count and the last error.
func (r Retrier) Do(ctx context.Context, op Op) (Result, error) {
	classify := r.Classify
	if classify == nil {
		classify = AlwaysRetry
	}
	sleep := r.Sleep
	if sleep == nil {
		sleep = sleepContext
	}
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxRetries := max(r.MaxRetries, 0)

	var res Result
	var last error
	for attempt := 1; attempt <= maxRetries+1; attempt++ {
		res.Attempts = attempt
		err := op(ctx)
		if err == nil {
			r.Metrics.DeliveryAttempt(metrics.OutcomeSuccess)
			return res, nil
		}
		last = err

		if classify(err) == ir.DeliveryFatal {
			r.Metrics.DeliveryAttempt(metrics.OutcomeFatal)
			return res, &ir.DeliveryError{
				Class:    ir.DeliveryFatal,
				Reason:   ir.ReasonDeliveryFatal,
				Attempts: attempt,
				Last:     err,
			}
		}
		r.Metrics.DeliveryAttempt(metrics.OutcomeRetryable)

		if attempt > maxRetries {
			break
		}
		d := r.Delay(attempt)
		logger.Warn("send failed, retrying", "attempt", attempt, "sleep", d.String(), "error", err)
		res.Delays = append(res.Delays, d)
		if err := sleep(ctx, d); err != nil {
			last = err
			break
		}
	}

	return res, &ir.DeliveryError{
		Class:    ir.DeliveryRetryable,
		Reason:   ir.ReasonDeliveryFailed,
		Attempts: res.Attempts,
		Last:     last,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
