package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
)

// ConcurrencyLimiter bounds the number of turns being served at once using a
// weighted semaphore. Requests that cannot get a slot within the wait timeout
// are rejected with 503 rather than queuing without bound.
type ConcurrencyLimiter struct {
	sem           *semaphore.Weighted
	maxConcurrent int64
	timeout       time.Duration
	activeCount   int64
	totalReqs     int64
	rejectedReqs  int64
}

func NewConcurrencyLimiter(maxConcurrent int, timeout time.Duration) *ConcurrencyLimiter {
	if maxConcurrent <= 0 {
		maxConcurrent = 100
	}
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &ConcurrencyLimiter{
		sem:           semaphore.NewWeighted(int64(maxConcurrent)),
		maxConcurrent: int64(maxConcurrent),
		timeout:       timeout,
	}
}

func (cl *ConcurrencyLimiter) Limit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&cl.totalReqs, 1)

		waitTimeout := cl.timeout
		if waitTimeout > 60*time.Second {
			waitTimeout = 60 * time.Second
		}

		waitCtx, cancelWait := context.WithTimeout(r.Context(), waitTimeout)
		defer cancelWait()

		acquireStart := time.Now()
		if err := cl.sem.Acquire(waitCtx, 1); err != nil {
			atomic.AddInt64(&cl.rejectedReqs, 1)
			slog.Warn("Concurrency limit: Wait timeout",
				"duration", time.Since(acquireStart),
				"total_rejected", atomic.LoadInt64(&cl.rejectedReqs))
			http.Error(w, "Server busy, try again later", http.StatusServiceUnavailable)
			return
		}

		atomic.AddInt64(&cl.activeCount, 1)
		defer func() {
			cl.sem.Release(1)
			atomic.AddInt64(&cl.activeCount, -1)
		}()

		// The slot is held for the full request timeout, not the wait timeout.
		execCtx, cancelExec := context.WithTimeout(r.Context(), cl.timeout)
		defer cancelExec()

		next.ServeHTTP(w, r.WithContext(execCtx))
	}
}

// Active returns the number of requests currently holding a slot.
func (cl *ConcurrencyLimiter) Active() int64 {
	return atomic.LoadInt64(&cl.activeCount)
}

// Rejected returns the cumulative count of requests turned away.
func (cl *ConcurrencyLimiter) Rejected() int64 {
	return atomic.LoadInt64(&cl.rejectedReqs)
}
