package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testLimiter() *Limiter {
	return New(Config{
		GitHubPerMinute:   600,
		WebPerSecond:      100,
		WebBurst:          5,
		BackoffBase:       time.Millisecond,
		BackoffMax:        8 * time.Millisecond,
		BackoffMultiplier: 2,
	})
}

func TestBackoffGrowsAndCaps(t *testing.T) {
	b := NewBackoff(time.Millisecond, 8*time.Millisecond, 2)

	require.Equal(t, time.Millisecond, b.RecordFailure())
	require.Equal(t, 2*time.Millisecond, b.RecordFailure())
	require.Equal(t, 4*time.Millisecond, b.RecordFailure())
	require.Equal(t, 8*time.Millisecond, b.RecordFailure())
	// Capped from here on.
	require.Equal(t, 8*time.Millisecond, b.RecordFailure())
	require.Equal(t, 5, b.ConsecutiveFailures())
}

func TestBackoffResetsOnSuccess(t *testing.T) {
	b := NewBackoff(time.Millisecond, 8*time.Millisecond, 2)
	b.RecordFailure()
	b.RecordFailure()
	require.Equal(t, 2, b.ConsecutiveFailures())

	b.RecordSuccess()
	require.Equal(t, 0, b.ConsecutiveFailures())
	require.Equal(t, time.Millisecond, b.Delay())
	require.Equal(t, time.Millisecond, b.RecordFailure())
}

func TestBackoffSleepHonorsContext(t *testing.T) {
	b := NewBackoff(10*time.Second, time.Minute, 2)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := b.Sleep(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

func TestHandleResponseRetryStatuses(t *testing.T) {
	l := testLimiter()
	ctx := context.Background()

	for _, status := range []int{429, 503} {
		retry, err := l.HandleResponse(ctx, ClassWeb, status)
		require.NoError(t, err)
		require.True(t, retry, "status %d must retry", status)
	}
}

func TestHandleResponseForbiddenGivesUpAfterThree(t *testing.T) {
	l := testLimiter()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		retry, err := l.HandleResponse(ctx, ClassGitHub, 403)
		require.NoError(t, err)
		require.True(t, retry, "attempt %d should retry", i+1)
	}
	retry, err := l.HandleResponse(ctx, ClassGitHub, 403)
	require.NoError(t, err)
	require.False(t, retry, "fourth consecutive 403 must give up")
}

func TestHandleResponseSuccessResetsBackoff(t *testing.T) {
	l := testLimiter()
	ctx := context.Background()

	l.HandleResponse(ctx, ClassGitHub, 403)
	l.HandleResponse(ctx, ClassGitHub, 403)
	retry, err := l.HandleResponse(ctx, ClassGitHub, 200)
	require.NoError(t, err)
	require.False(t, retry)

	// A fresh failure streak starts from zero again.
	for i := 0; i < 3; i++ {
		retry, err = l.HandleResponse(ctx, ClassGitHub, 403)
		require.NoError(t, err)
		require.True(t, retry)
	}
}

func TestHandleResponseOtherStatusesDoNotRetry(t *testing.T) {
	l := testLimiter()
	ctx := context.Background()

	for _, status := range []int{301, 400, 404, 500} {
		retry, err := l.HandleResponse(ctx, ClassWeb, status)
		require.NoError(t, err)
		require.False(t, retry, "status %d must not retry", status)
	}
}

func TestAcquireWaitsForRefill(t *testing.T) {
	l := New(Config{
		GitHubPerMinute:   600,
		WebPerSecond:      50,
		WebBurst:          1,
		BackoffBase:       time.Millisecond,
		BackoffMax:        8 * time.Millisecond,
		BackoffMultiplier: 2,
	})
	ctx := context.Background()

	// Burst of one: the first acquire is free, the second waits one period.
	require.NoError(t, l.Acquire(ctx, ClassWeb))
	start := time.Now()
	require.NoError(t, l.Acquire(ctx, ClassWeb))
	require.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)
}

func TestAcquireHonorsContext(t *testing.T) {
	l := New(Config{
		WebPerSecond: 0.001,
		WebBurst:     1,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	require.NoError(t, l.Acquire(ctx, ClassWeb))
	err := l.Acquire(ctx, ClassWeb)
	require.Error(t, err)
}

func TestUnknownSourceGetsWebDefaults(t *testing.T) {
	l := testLimiter()
	ctx := context.Background()

	// Unknown names never fail closed.
	require.NoError(t, l.Acquire(ctx, "mirror.example.com"))
	retry, err := l.HandleResponse(ctx, "mirror.example.com", 429)
	require.NoError(t, err)
	require.True(t, retry)
}

func TestRecordFailureReturnsDelay(t *testing.T) {
	l := testLimiter()

	first := l.RecordFailure(ClassWeb)
	second := l.RecordFailure(ClassWeb)
	require.Equal(t, time.Millisecond, first)
	require.Equal(t, 2*time.Millisecond, second)

	l.RecordSuccess(ClassWeb)
	require.Equal(t, time.Millisecond, l.RecordFailure(ClassWeb))
}
