// Package throttle implements the per-origin throttle collaborator named in
// spec §6: "a function wrapper that bounds concurrency and backs off on
// failure". It is explicitly an external library from the core's point of
// view (§1), but a working default is provided so the library is usable out
// of the box, the same way the teacher's fetch/throttle collaborators
// default to a real implementation rather than forcing every caller to
// supply one.
package throttle

import (
	"context"
	"net/http"
	"sync"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Fetcher is the same-signature function the throttle wraps: §6 states the
// throttle's contract is "(fetcher) -> fetcher".
type Fetcher func(ctx context.Context, req *http.Request) (*http.Response, error)

// Throttle bounds and paces calls made through a Fetcher.
type Throttle interface {
	Wrap(Fetcher) Fetcher
}

// Func adapts a plain wrap function to the Throttle interface.
type Func func(Fetcher) Fetcher

// Wrap implements Throttle.
func (f Func) Wrap(next Fetcher) Fetcher { return f(next) }

// NoOp is a Throttle that does not bound or pace anything, suitable for
// tests (§6: "a no-op wrapper is acceptable for tests").
var NoOp Throttle = Func(func(next Fetcher) Fetcher { return next })

// Default returns a Throttle that bounds concurrency to maxConcurrency
// in-flight requests with a weighted semaphore, grounded in the pack's
// kubernetes/test-infra ghcache.throttlingTransport
// (semaphore.NewWeighted/Acquire/Release around the delegate round trip),
// and backs off exponentially on failures (non-nil error or a 5xx status)
// using a golang.org/x/time/rate.Limiter that tightens on failure and
// relaxes back towards baseRate on success.
func Default(maxConcurrency int64, baseRate rate.Limit, minRate rate.Limit) Throttle {
	if maxConcurrency <= 0 {
		maxConcurrency = 1
	}
	if baseRate <= 0 {
		baseRate = rate.Inf
	}
	if minRate <= 0 || minRate > baseRate {
		minRate = baseRate
	}
	return &defaultThrottle{
		sem:      semaphore.NewWeighted(maxConcurrency),
		limiter:  rate.NewLimiter(baseRate, 1),
		baseRate: baseRate,
		minRate:  minRate,
	}
}

type defaultThrottle struct {
	sem *semaphore.Weighted

	mu       sync.Mutex
	limiter  *rate.Limiter
	baseRate rate.Limit
	minRate  rate.Limit
}

func (t *defaultThrottle) Wrap(next Fetcher) Fetcher {
	return func(ctx context.Context, req *http.Request) (*http.Response, error) {
		if err := t.sem.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		defer t.sem.Release(1)

		if err := t.currentLimiter().Wait(ctx); err != nil {
			return nil, err
		}

		resp, err := next(ctx, req)
		if err != nil || (resp != nil && resp.StatusCode >= http.StatusInternalServerError) {
			t.backOff()
		} else {
			t.relax()
		}
		return resp, err
	}
}

func (t *defaultThrottle) currentLimiter() *rate.Limiter {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.limiter
}

// backOff halves the current limit, floored at minRate, so repeated
// failures progressively slow the origin down.
func (t *defaultThrottle) backOff() {
	t.mu.Lock()
	defer t.mu.Unlock()
	next := t.limiter.Limit() / 2
	if next < t.minRate {
		next = t.minRate
	}
	t.limiter.SetLimit(next)
}

// relax nudges the limit back up towards baseRate after a success, so a
// transient failure does not permanently cripple throughput.
func (t *defaultThrottle) relax() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.limiter.Limit() >= t.baseRate {
		return
	}
	next := t.limiter.Limit() * 2
	if next > t.baseRate || next <= 0 {
		next = t.baseRate
	}
	t.limiter.SetLimit(next)
}
