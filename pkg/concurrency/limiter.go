// Package concurrency bounds the number of geocoding calls in flight.
// The pipeline dispatcher acquires a slot per batch before invoking the
// worker, so remote latency backpressures all the way to the reader.
package concurrency

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wehubfusion/Atlas/pkg/errors"
)

// Metrics tracks limiter performance counters
type Metrics struct {
	TotalAcquired   int64
	TotalReleased   int64
	PeakConcurrent  int64
	TotalWaitTimeNs int64
	mu              sync.RWMutex
}

// Limiter provides semaphore-based concurrency control with observability.
// A circuit breaker sits in front of the semaphore: a long run of geocoding
// failures opens it, and further acquisitions fail fast instead of queueing
// more doomed requests behind a struggling service.
type Limiter struct {
	sem            chan struct{}
	active         int64
	metrics        *Metrics
	circuitBreaker *CircuitBreaker
}

// NewLimiter creates a limiter that allows at most maxConcurrent slots
func NewLimiter(maxConcurrent int) *Limiter {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}

	return &Limiter{
		sem:            make(chan struct{}, maxConcurrent),
		active:         0,
		metrics:        &Metrics{},
		circuitBreaker: NewCircuitBreaker(100, 30*time.Second),
	}
}

// NewLimiterWithCircuitBreaker creates a limiter with custom breaker settings
func NewLimiterWithCircuitBreaker(maxConcurrent int, cb *CircuitBreaker) *Limiter {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}

	return &Limiter{
		sem:            make(chan struct{}, maxConcurrent),
		active:         0,
		metrics:        &Metrics{},
		circuitBreaker: cb,
	}
}

// Acquire blocks until a slot is free or the context is cancelled.
// Returns an error immediately when the circuit breaker is open.
func (l *Limiter) Acquire(ctx context.Context) error {
	if l.circuitBreaker.IsOpen() {
		return errors.Newf(errors.CodeServiceUnavailable, "circuit breaker is open")
	}

	start := time.Now()

	select {
	case l.sem <- struct{}{}:
		waitTime := time.Since(start)
		atomic.AddInt64(&l.metrics.TotalWaitTimeNs, waitTime.Nanoseconds())
		atomic.AddInt64(&l.metrics.TotalAcquired, 1)

		current := atomic.AddInt64(&l.active, 1)
		l.updatePeak(current)

		return nil

	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release releases a slot back to the limiter
func (l *Limiter) Release() {
	select {
	case <-l.sem:
		atomic.AddInt64(&l.active, -1)
		atomic.AddInt64(&l.metrics.TotalReleased, 1)
	default:
		// Release without a matching Acquire; nothing to do
	}
}

// RecordOutcome feeds a worker result into the circuit breaker
func (l *Limiter) RecordOutcome(err error) {
	if err != nil {
		l.circuitBreaker.RecordFailure()
	} else {
		l.circuitBreaker.RecordSuccess()
	}
}

// CurrentActive returns the number of slots currently held
func (l *Limiter) CurrentActive() int64 {
	return atomic.LoadInt64(&l.active)
}

// GetMetrics returns a copy of the current metrics
func (l *Limiter) GetMetrics() Metrics {
	l.metrics.mu.RLock()
	defer l.metrics.mu.RUnlock()

	return Metrics{
		TotalAcquired:   atomic.LoadInt64(&l.metrics.TotalAcquired),
		TotalReleased:   atomic.LoadInt64(&l.metrics.TotalReleased),
		PeakConcurrent:  atomic.LoadInt64(&l.metrics.PeakConcurrent),
		TotalWaitTimeNs: atomic.LoadInt64(&l.metrics.TotalWaitTimeNs),
	}
}

// GetAverageWaitTime calculates the average wait time for acquiring a slot
func (l *Limiter) GetAverageWaitTime() time.Duration {
	metrics := l.GetMetrics()
	if metrics.TotalAcquired == 0 {
		return 0
	}

	avgNs := metrics.TotalWaitTimeNs / metrics.TotalAcquired
	return time.Duration(avgNs)
}

// updatePeak updates the peak concurrent count if current is higher
func (l *Limiter) updatePeak(current int64) {
	for {
		peak := atomic.LoadInt64(&l.metrics.PeakConcurrent)
		if current <= peak {
			break
		}
		if atomic.CompareAndSwapInt64(&l.metrics.PeakConcurrent, peak, current) {
			break
		}
	}
}

// GetCircuitBreakerState returns the current state of the circuit breaker
func (l *Limiter) GetCircuitBreakerState() string {
	if l.circuitBreaker.IsOpen() {
		return "open"
	}
	return "closed"
}
