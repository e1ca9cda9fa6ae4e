package retry_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Haskz13/canpublicsectorbidscraper/internal/crawlerr"
	"github.com/Haskz13/canpublicsectorbidscraper/internal/retry"
)

func noSleep(delays *[]time.Duration) func(context.Context, time.Duration) error {
	return func(_ context.Context, d time.Duration) error {
		*delays = append(*delays, d)
		return nil
	}
}

func TestDo_SucceedsAfterTransientFailures(t *testing.T) {
	var delays []time.Duration
	cfg := retry.Config{MaxAttempts: 3, InitialDelay: time.Second, Sleep: noSleep(&delays)}

	calls := 0
	err := retry.Do(context.Background(), cfg, func(context.Context) error {
		calls++
		if calls < 3 {
			return crawlerr.New(crawlerr.KindTransientNetwork, "fetch", errors.New("reset"))
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Len(t, delays, 2)
}

func TestDo_ExhaustsAttemptsAndKeepsKind(t *testing.T) {
	var delays []time.Duration
	cfg := retry.Config{MaxAttempts: 4, Sleep: noSleep(&delays)}

	calls := 0
	err := retry.Do(context.Background(), cfg, func(context.Context) error {
		calls++
		return crawlerr.New(crawlerr.KindTransientNetwork, "fetch", errors.New("timeout"))
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, retry.ErrMaxAttemptsExceeded)
	assert.Equal(t, crawlerr.KindTransientNetwork, crawlerr.KindOf(err))
	assert.Equal(t, 4, calls)
	assert.Len(t, delays, 3, "no sleep after the last attempt")
}

func TestDo_NonRetryableStopsImmediately(t *testing.T) {
	var delays []time.Duration
	cfg := retry.Config{MaxAttempts: 5, Sleep: noSleep(&delays)}

	calls := 0
	err := retry.Do(context.Background(), cfg, func(context.Context) error {
		calls++
		return crawlerr.New(crawlerr.KindAuthentication, "login", errors.New("bad password"))
	})

	assert.Equal(t, 1, calls)
	assert.Empty(t, delays)
	assert.Equal(t, crawlerr.KindAuthentication, crawlerr.KindOf(err))
	assert.NotErrorIs(t, err, retry.ErrMaxAttemptsExceeded)
}

func TestDo_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := retry.Do(ctx, retry.Config{}, func(context.Context) error {
		t.Fatal("fn must not run on a cancelled context")
		return nil
	})
	assert.Equal(t, crawlerr.KindCancelled, crawlerr.KindOf(err))
}

func TestBackoff_GrowsAndCaps(t *testing.T) {
	cfg := retry.Config{InitialDelay: 100 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2}

	assert.Equal(t, 100*time.Millisecond, cfg.Backoff(1))
	assert.Equal(t, 200*time.Millisecond, cfg.Backoff(2))
	assert.Equal(t, 400*time.Millisecond, cfg.Backoff(3))
	assert.Equal(t, time.Second, cfg.Backoff(10))
}

func TestDo_JitterStaysWithinSpread(t *testing.T) {
	var delays []time.Duration
	cfg := retry.Config{
		MaxAttempts:  2,
		InitialDelay: time.Second,
		Jitter:       0.5,
		Sleep:        noSleep(&delays),
	}

	_ = retry.Do(context.Background(), cfg, func(context.Context) error {
		return crawlerr.New(crawlerr.KindTransientNetwork, "x", nil)
	})

	require.Len(t, delays, 1)
	assert.GreaterOrEqual(t, delays[0], 500*time.Millisecond)
	assert.LessOrEqual(t, delays[0], time.Second)
}

func TestValue_ReturnsResult(t *testing.T) {
	v, err := retry.Value(context.Background(), retry.Config{}, func(context.Context) (string, error) {
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
}
