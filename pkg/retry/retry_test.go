package retry_test

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/illmade-knight/go-queryflow/pkg/qerror"
	"github.com/illmade-knight/go-queryflow/pkg/retry"
)

// instantSleep records requested delays without waiting.
func instantSleep(delays *[]time.Duration) func(ctx context.Context, d time.Duration) error {
	return func(_ context.Context, d time.Duration) error {
		*delays = append(*delays, d)
		return nil
	}
}

func TestDo_RetryCountBound(t *testing.T) {
	ctx := context.Background()

	// Arrange: an operation that always fails with a retryable error.
	attempts := 0
	op := func(context.Context) (string, error) {
		attempts++
		return "", qerror.Network("unavailable", 503, nil)
	}

	var delays []time.Duration
	ctrl := retry.NewController(retry.Config{MaxAttempts: 4, BaseDelay: 100 * time.Millisecond}, nil, zerolog.Nop())
	ctrl.SetSleepAndRandForTest(instantSleep(&delays), func() float64 { return 0 })

	// Act
	_, err := retry.Do(ctx, ctrl, op)

	// Assert: exactly MaxAttempts attempts, and the final failure is what
	// propagates, not a generic retries-exhausted error.
	require.Error(t, err)
	assert.Equal(t, 4, attempts)
	var qe *qerror.Error
	require.ErrorAs(t, err, &qe)
	assert.Equal(t, 503, qe.StatusCode)

	// One wait between each pair of attempts, growing geometrically.
	require.Len(t, delays, 3)
	assert.Equal(t, 100*time.Millisecond, delays[0])
	assert.Equal(t, 200*time.Millisecond, delays[1])
	assert.Equal(t, 400*time.Millisecond, delays[2])
}

func TestDo_JitterStaysWithinBound(t *testing.T) {
	ctx := context.Background()
	op := func(context.Context) (int, error) {
		return 0, qerror.Network("unavailable", 500, nil)
	}

	var delays []time.Duration
	ctrl := retry.NewController(retry.Config{MaxAttempts: 2, BaseDelay: time.Second}, nil, zerolog.Nop())
	ctrl.SetSleepAndRandForTest(instantSleep(&delays), func() float64 { return 1.0 })

	_, _ = retry.Do(ctx, ctrl, op)

	require.Len(t, delays, 1)
	assert.Equal(t, 1200*time.Millisecond, delays[0], "jitter adds at most 20% of the delay")
}

func TestDo_NonRetryableErrorPropagatesImmediately(t *testing.T) {
	ctx := context.Background()

	cases := []struct {
		name string
		err  error
	}{
		{"HTTP 400", qerror.Network("bad request", 400, nil)},
		{"HTTP 401", qerror.Network("unauthorized", 401, nil)},
		{"validation", qerror.New(qerror.KindValidation, "malformed query")},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			attempts := 0
			op := func(context.Context) (string, error) {
				attempts++
				return "", tc.err
			}
			ctrl := retry.NewController(retry.Config{MaxAttempts: 5}, nil, zerolog.Nop())
			var delays []time.Duration
			ctrl.SetSleepAndRandForTest(instantSleep(&delays), func() float64 { return 0 })

			_, err := retry.Do(ctx, ctrl, op)

			require.Error(t, err)
			assert.Equal(t, 1, attempts, "ineligible failures must not be retried")
			assert.Empty(t, delays)
		})
	}
}

func TestDo_SuccessAfterRetry(t *testing.T) {
	ctx := context.Background()

	attempts := 0
	op := func(context.Context) (string, error) {
		attempts++
		if attempts < 3 {
			return "", qerror.Network("flaky", 502, nil)
		}
		return "recovered", nil
	}

	ctrl := retry.NewController(retry.Config{MaxAttempts: 5}, nil, zerolog.Nop())
	var delays []time.Duration
	ctrl.SetSleepAndRandForTest(instantSleep(&delays), func() float64 { return 0 })

	value, err := retry.Do(ctx, ctrl, op)

	require.NoError(t, err)
	assert.Equal(t, "recovered", value)
	assert.Equal(t, 3, attempts)
}

func TestDo_ObserverSeesEachRetry(t *testing.T) {
	ctx := context.Background()

	type observation struct {
		attempt int
		err     error
	}
	var observed []observation
	observer := func(attempt int, err error) {
		observed = append(observed, observation{attempt, err})
	}

	op := func(context.Context) (string, error) {
		return "", qerror.Network("unavailable", 503, nil)
	}
	ctrl := retry.NewController(retry.Config{MaxAttempts: 3}, observer, zerolog.Nop())
	var delays []time.Duration
	ctrl.SetSleepAndRandForTest(instantSleep(&delays), func() float64 { return 0 })

	_, _ = retry.Do(ctx, ctrl, op)

	// The observer runs before each wait, not after the final failure.
	require.Len(t, observed, 2)
	assert.Equal(t, 0, observed[0].attempt)
	assert.Equal(t, 1, observed[1].attempt)
	assert.Error(t, observed[0].err)
}

func TestDo_DegenerateMaxAttempts(t *testing.T) {
	ctx := context.Background()

	invoked := false
	op := func(context.Context) (*string, error) {
		invoked = true
		return nil, nil
	}
	ctrl := retry.NewController(retry.Config{MaxAttempts: -1}, nil, zerolog.Nop())

	value, err := retry.Do(ctx, ctrl, op)

	// The loop exits without returning or throwing; the caller-level
	// wrapper is responsible for fabricating a synthetic error.
	assert.False(t, invoked)
	assert.Nil(t, value)
	assert.NoError(t, err)
}

func TestDo_ContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	op := func(context.Context) (string, error) {
		return "", qerror.Network("unavailable", 503, nil)
	}
	ctrl := retry.NewController(retry.Config{MaxAttempts: 3}, nil, zerolog.Nop())

	_, err := retry.Do(ctx, ctrl, op)

	require.Error(t, err)
	var qe *qerror.Error
	require.ErrorAs(t, err, &qe)
	assert.Equal(t, qerror.KindNetwork, qe.Kind)
	assert.ErrorIs(t, err, context.Canceled)
}
