package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/agos/internal/ir"
)

var errTimeout = errors.New("timeout")
var errAuth = errors.New("401 unauthorized")

func classify(err error) ir.DeliveryClass {
	if errors.Is(err, errAuth) {
		return ir.DeliveryFatal
	}
	return ir.DeliveryRetryable
}

// recordSleep replaces real waits and remembers the requested delays.
func recordSleep(delays *[]time.Duration) func(context.Context, time.Duration) error {
	return func(_ context.Context, d time.Duration) error {
		*delays = append(*delays, d)
		return nil
	}
}

// failing returns an Op that fails n times with err, then succeeds.
func failing(n int, err error, calls *int) Op {
	return func(context.Context) error {
		*calls++
		if *calls <= n {
			return err
		}
		return nil
	}
}

func TestDelay(t *testing.T) {
	r := Retrier{BackoffBase: time.Second, MaxBackoff: 10 * time.Second}

	assert.Equal(t, time.Second, r.Delay(1))
	assert.Equal(t, 2*time.Second, r.Delay(2))
	assert.Equal(t, 4*time.Second, r.Delay(3))
	assert.Equal(t, 8*time.Second, r.Delay(4))
	assert.Equal(t, 10*time.Second, r.Delay(5))
	assert.Equal(t, 10*time.Second, r.Delay(60), "large attempts must not overflow")
}

func TestDelay_Defaults(t *testing.T) {
	var r Retrier
	assert.Equal(t, DefaultBackoffBase, r.Delay(1))
	assert.Equal(t, DefaultMaxBackoff, r.Delay(30))
}

func TestDo_SucceedsFirstTry(t *testing.T) {
	var slept []time.Duration
	calls := 0
	r := Retrier{MaxRetries: 3, Sleep: recordSleep(&slept)}

	res, err := r.Do(context.Background(), failing(0, errTimeout, &calls))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Attempts)
	assert.Empty(t, slept)
}

func TestDo_RetriesThenSucceeds(t *testing.T) {
	var slept []time.Duration
	calls := 0
	r := Retrier{MaxRetries: 3, BackoffBase: time.Second, MaxBackoff: time.Minute, Sleep: recordSleep(&slept)}

	res, err := r.Do(context.Background(), failing(2, errTimeout, &calls))
	require.NoError(t, err)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, slept)
	assert.Equal(t, slept, res.Delays)
}

func TestDo_Exhausted(t *testing.T) {
	var slept []time.Duration
	calls := 0
	r := Retrier{MaxRetries: 2, BackoffBase: time.Second, MaxBackoff: time.Minute, Classify: classify, Sleep: recordSleep(&slept)}

	res, err := r.Do(context.Background(), failing(100, errTimeout, &calls))
	var de *ir.DeliveryError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, ir.DeliveryRetryable, de.Class)
	assert.Equal(t, ir.ReasonDeliveryFailed, de.Reason)
	assert.Equal(t, 3, de.Attempts)
	assert.ErrorIs(t, err, errTimeout)
	assert.Equal(t, 3, calls, "MaxRetries=2 allows three attempts in total")
	assert.Equal(t, 3, res.Attempts)
	assert.Len(t, slept, 2)
}

func TestDo_FatalStopsImmediately(t *testing.T) {
	var slept []time.Duration
	calls := 0
	r := Retrier{MaxRetries: 5, Classify: classify, Sleep: recordSleep(&slept)}

	_, err := r.Do(context.Background(), failing(100, errAuth, &calls))
	var de *ir.DeliveryError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, ir.DeliveryFatal, de.Class)
	assert.Equal(t, ir.ReasonDeliveryFatal, de.Reason)
	assert.Equal(t, 1, calls)
	assert.Empty(t, slept)
}

func TestDo_ZeroRetries(t *testing.T) {
	calls := 0
	r := Retrier{Sleep: recordSleep(new([]time.Duration))}

	_, err := r.Do(context.Background(), failing(1, errTimeout, &calls))
	assert.True(t, ir.IsDelivery(err))
	assert.Equal(t, 1, calls)
}

func TestDo_ContextCancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	r := Retrier{
		MaxRetries: 5,
		Sleep: func(ctx context.Context, _ time.Duration) error {
			cancel()
			return ctx.Err()
		},
	}

	res, err := r.Do(ctx, failing(100, errTimeout, &calls))
	require.True(t, ir.IsDelivery(err))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, res.Attempts)
}

func TestSleepContext(t *testing.T) {
	require.NoError(t, sleepContext(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, sleepContext(ctx, time.Hour), context.Canceled)
}
