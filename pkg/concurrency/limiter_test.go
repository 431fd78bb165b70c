package concurrency

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wehubfusion/Atlas/pkg/errors"
)

func TestLimiterAcquireReleaseTracksMetrics(t *testing.T) {
	limiter := NewLimiter(2)
	ctx := context.Background()

	require.NoError(t, limiter.Acquire(ctx))
	assert.Equal(t, int64(1), limiter.CurrentActive())
	limiter.Release()
	assert.Equal(t, int64(0), limiter.CurrentActive())

	metrics := limiter.GetMetrics()
	assert.Equal(t, int64(1), metrics.TotalAcquired)
	assert.Equal(t, int64(1), metrics.TotalReleased)
}

func TestLimiterBoundsConcurrency(t *testing.T) {
	limiter := NewLimiter(3)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !assert.NoError(t, limiter.Acquire(ctx)) {
				return
			}
			defer limiter.Release()
			time.Sleep(time.Millisecond)
			assert.LessOrEqual(t, limiter.CurrentActive(), int64(3))
		}()
	}
	wg.Wait()

	metrics := limiter.GetMetrics()
	assert.Equal(t, int64(20), metrics.TotalAcquired)
	assert.Equal(t, int64(20), metrics.TotalReleased)
	assert.LessOrEqual(t, metrics.PeakConcurrent, int64(3))
	assert.GreaterOrEqual(t, metrics.PeakConcurrent, int64(1))
}

func TestLimiterAcquireHonorsContextCancellation(t *testing.T) {
	limiter := NewLimiter(1)
	require.NoError(t, limiter.Acquire(context.Background()))
	defer limiter.Release()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := limiter.Acquire(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

func TestLimiterReleaseWithoutAcquireIsHarmless(t *testing.T) {
	limiter := NewLimiter(1)
	limiter.Release()
	assert.Equal(t, int64(0), limiter.CurrentActive())
	assert.Equal(t, int64(0), limiter.GetMetrics().TotalReleased)
}

func TestLimiterCircuitBreakerOpensAfterFailures(t *testing.T) {
	cb := NewCircuitBreaker(2, time.Hour)
	limiter := NewLimiterWithCircuitBreaker(1, cb)

	limiter.RecordOutcome(errors.Newf(errors.CodeServiceUnavailable, "down"))
	limiter.RecordOutcome(errors.Newf(errors.CodeServiceUnavailable, "down"))
	assert.Equal(t, StateOpen, cb.GetState())
	assert.Equal(t, "open", limiter.GetCircuitBreakerState())

	err := limiter.Acquire(context.Background())
	require.Error(t, err)
	assert.Equal(t, errors.CodeServiceUnavailable, errors.CodeOf(err))
	assert.Contains(t, err.Error(), "circuit breaker is open")
}

func TestLimiterSuccessResetsFailureStreak(t *testing.T) {
	cb := NewCircuitBreaker(3, time.Hour)
	limiter := NewLimiterWithCircuitBreaker(1, cb)

	limiter.RecordOutcome(errors.Newf(errors.CodeServiceUnavailable, "down"))
	limiter.RecordOutcome(errors.Newf(errors.CodeServiceUnavailable, "down"))
	limiter.RecordOutcome(nil)
	limiter.RecordOutcome(errors.Newf(errors.CodeServiceUnavailable, "down"))
	limiter.RecordOutcome(errors.Newf(errors.CodeServiceUnavailable, "down"))

	assert.Equal(t, StateClosed, cb.GetState())
	require.NoError(t, limiter.Acquire(context.Background()))
	limiter.Release()
}

func TestGetAverageWaitTime(t *testing.T) {
	limiter := NewLimiter(1)
	assert.Equal(t, time.Duration(0), limiter.GetAverageWaitTime())

	require.NoError(t, limiter.Acquire(context.Background()))
	limiter.Release()
	assert.GreaterOrEqual(t, limiter.GetAverageWaitTime(), time.Duration(0))
}
