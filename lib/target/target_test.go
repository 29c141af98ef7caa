package target_test

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/andrewaylett/snarfetch/lib/clock"
	"github.com/andrewaylett/snarfetch/lib/target"
)

func req(t *testing.T, url string) *http.Request {
	t.Helper()
	return httptest.NewRequest(http.MethodGet, url, nil)
}

func body(r *http.Response) string {
	b, _ := io.ReadAll(r.Body)
	r.Body.Close()
	return string(b)
}

// S1 — coalesce no-cache. The fetcher is gated so the test controls exactly
// when the first call's network fetch resolves; the second call is started
// only once the first has begun (and therefore installed its Unknown gate),
// so the second call must join it rather than fetch independently.
func TestFetch_S1_CoalesceNoCache(t *testing.T) {
	var calls int32
	entered := make(chan struct{}, 1)
	unblockFirst := make(chan struct{})

	fetch := func(ctx context.Context, r *http.Request) (*http.Response, error) {
		n := atomic.AddInt32(&calls, 1)
		if n == 1 {
			entered <- struct{}{}
			<-unblockFirst
		}
		return &http.Response{
			StatusCode: http.StatusOK,
			Header:     http.Header{"Cache-Control": {"no-cache"}},
			Body:       io.NopCloser(strings.NewReader(fmt.Sprintf("%d", n))),
		}, nil
	}

	fake := clock.NewFake(0)
	tgt := target.New("example.com:80", target.Options{Fetch: fetch, Now: fake.Now})

	var mu sync.Mutex
	var order []string
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		resp, err := tgt.Fetch(context.Background(), req(t, "http://example.com/a"))
		if err != nil {
			t.Errorf("first Fetch error: %v", err)
			return
		}
		mu.Lock()
		order = append(order, body(resp))
		mu.Unlock()
	}()

	<-entered // first fetch has started (and so has installed its Unknown gate)

	wg.Add(1)
	go func() {
		defer wg.Done()
		resp, err := tgt.Fetch(context.Background(), req(t, "http://example.com/a"))
		if err != nil {
			t.Errorf("second Fetch error: %v", err)
			return
		}
		mu.Lock()
		order = append(order, body(resp))
		mu.Unlock()
	}()

	time.Sleep(20 * time.Millisecond) // give the second goroutine time to join the gate
	close(unblockFirst)
	wg.Wait()

	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Fatalf("fetcher called %d times, want 2 (once per logical request, serialized)", got)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != "1" || order[1] != "2" {
		t.Fatalf("order = %v, want [1 2] (second observed only after first completes)", order)
	}
}

// Property #1, stress form: a true simultaneous arrival at a brand-new
// location (no gating channel giving one goroutine a head start) must still
// invoke the fetcher exactly once. Unlike TestFetch_S1_CoalesceNoCache,
// nothing here guarantees the Unknown gate is installed before the other
// callers reach their own lookup, so this is the test that would have caught
// a check-then-act race between observing the location as absent and
// installing the gate.
func TestFetch_ConcurrentFirstArrivalSingleFlight(t *testing.T) {
	const n = 50
	var calls int32

	fetch := func(ctx context.Context, r *http.Request) (*http.Response, error) {
		atomic.AddInt32(&calls, 1)
		time.Sleep(5 * time.Millisecond) // widen the race window
		return &http.Response{
			StatusCode: http.StatusOK,
			Header:     http.Header{"Cache-Control": {"max-age=60"}},
			Body:       io.NopCloser(strings.NewReader("body")),
		}, nil
	}

	fake := clock.NewFake(0)
	tgt := target.New("example.com:80", target.Options{Fetch: fetch, Now: fake.Now})

	var ready, start sync.WaitGroup
	ready.Add(n)
	start.Add(1)
	var wg sync.WaitGroup
	results := make([]string, n)
	errs := make([]error, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ready.Done()
			start.Wait()
			resp, err := tgt.Fetch(context.Background(), req(t, "http://example.com/racy"))
			if err != nil {
				errs[i] = err
				return
			}
			results[i] = body(resp)
		}(i)
	}

	ready.Wait() // every goroutine is past setup and blocked on start
	start.Done() // release them all at once

	wg.Wait()

	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("fetcher called %d times, want 1 (single-flight coalescing of a simultaneous first arrival)", got)
	}
	for i, err := range errs {
		if err != nil {
			t.Fatalf("Fetch[%d] error: %v", i, err)
		}
		if results[i] != "body" {
			t.Errorf("Fetch[%d] body = %q, want %q", i, results[i], "body")
		}
	}
}

// S2/S3 — dedup before known, then non-concurrent cache miss. Two concurrent
// calls against a fetcher with no cache headers (default rules, maxAge=0):
// the first is a MISS, the second joins and is served the same body as a
// HIT (the cached entry is still valid at the caller's own t0, since the
// fake clock has not advanced between the two calls). A third call issued
// after a clock tick sees an expired entry and gets its own MISS.
func TestFetch_S2_S3_DedupThenExpire(t *testing.T) {
	var calls int32
	entered := make(chan struct{}, 1)
	unblockFirst := make(chan struct{})

	fetch := func(ctx context.Context, r *http.Request) (*http.Response, error) {
		n := atomic.AddInt32(&calls, 1)
		if n == 1 {
			entered <- struct{}{}
			<-unblockFirst
		}
		return &http.Response{
			StatusCode: http.StatusOK,
			Header:     http.Header{},
			Body:       io.NopCloser(strings.NewReader(fmt.Sprintf("%d", n))),
		}, nil
	}

	fake := clock.NewFake(0)
	tgt := target.New("example.com:80", target.Options{Fetch: fetch, Now: fake.Now})

	var mu sync.Mutex
	results := map[string]string{}
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		resp, err := tgt.Fetch(context.Background(), req(t, "http://example.com/a"))
		if err != nil {
			t.Errorf("first Fetch error: %v", err)
			return
		}
		mu.Lock()
		results["first"] = resp.Header.Get(target.StatusHeader)
		results["first-body"] = body(resp)
		mu.Unlock()
	}()

	<-entered

	wg.Add(1)
	go func() {
		defer wg.Done()
		resp, err := tgt.Fetch(context.Background(), req(t, "http://example.com/a"))
		if err != nil {
			t.Errorf("second Fetch error: %v", err)
			return
		}
		mu.Lock()
		results["second"] = resp.Header.Get(target.StatusHeader)
		results["second-body"] = body(resp)
		mu.Unlock()
	}()

	time.Sleep(20 * time.Millisecond)
	close(unblockFirst)
	wg.Wait()

	mu.Lock()
	if !strings.HasPrefix(results["first"], string(target.DispositionMiss)) {
		t.Errorf("first status = %q, want MISS prefix", results["first"])
	}
	if results["first-body"] != "1" {
		t.Errorf("first body = %q, want %q", results["first-body"], "1")
	}
	if !strings.HasPrefix(results["second"], string(target.DispositionHit)) {
		t.Errorf("second status = %q, want HIT prefix", results["second"])
	}
	if results["second-body"] != "1" {
		t.Errorf("second body = %q, want %q (same as first)", results["second-body"], "1")
	}
	mu.Unlock()

	// S3: let time pass (maxAge=0 means the entry is already stale), then a
	// third, non-concurrent call must issue its own fetch.
	fake.Advance(clock.Seconds(1))
	resp, err := tgt.Fetch(context.Background(), req(t, "http://example.com/a"))
	if err != nil {
		t.Fatalf("third Fetch error: %v", err)
	}
	if got := body(resp); got != "2" {
		t.Errorf("third body = %q, want %q", got, "2")
	}
	if !strings.HasPrefix(resp.Header.Get(target.StatusHeader), string(target.DispositionMiss)) {
		t.Errorf("third status = %q, want MISS prefix", resp.Header.Get(target.StatusHeader))
	}
}

// S5 — max-age honoured: a response cached at t=0 with max-age=60 is served
// from cache (with an Age header) at t=10s, and re-fetched at t=61s.
func TestFetch_S5_MaxAgeHonoured(t *testing.T) {
	var calls int32
	fetch := func(ctx context.Context, r *http.Request) (*http.Response, error) {
		n := atomic.AddInt32(&calls, 1)
		return &http.Response{
			StatusCode: http.StatusOK,
			Header:     http.Header{"Cache-Control": {"max-age=60"}},
			Body:       io.NopCloser(strings.NewReader(fmt.Sprintf("body-%d", n))),
		}, nil
	}

	fake := clock.NewFake(0)
	tgt := target.New("example.com:80", target.Options{Fetch: fetch, Now: fake.Now})

	resp, err := tgt.Fetch(context.Background(), req(t, "http://example.com/a"))
	if err != nil {
		t.Fatalf("t=0 Fetch error: %v", err)
	}
	if got := body(resp); got != "body-1" {
		t.Fatalf("t=0 body = %q, want body-1", got)
	}

	fake.Advance(clock.Seconds(10))
	resp, err = tgt.Fetch(context.Background(), req(t, "http://example.com/a"))
	if err != nil {
		t.Fatalf("t=10s Fetch error: %v", err)
	}
	if got := body(resp); got != "body-1" {
		t.Errorf("t=10s body = %q, want body-1 (cache hit)", got)
	}
	if got := resp.Header.Get("Age"); got != "10" {
		t.Errorf("Age header = %q, want 10", got)
	}
	if !strings.HasPrefix(resp.Header.Get(target.StatusHeader), string(target.DispositionHit)) {
		t.Errorf("status = %q, want HIT prefix", resp.Header.Get(target.StatusHeader))
	}

	fake.Advance(clock.Seconds(51)) // total elapsed 61s, past max-age=60
	resp, err = tgt.Fetch(context.Background(), req(t, "http://example.com/a"))
	if err != nil {
		t.Fatalf("t=61s Fetch error: %v", err)
	}
	if got := body(resp); got != "body-2" {
		t.Errorf("t=61s body = %q, want body-2 (re-fetched)", got)
	}
	if !strings.HasPrefix(resp.Header.Get(target.StatusHeader), string(target.DispositionMiss)) {
		t.Errorf("status = %q, want MISS prefix", resp.Header.Get(target.StatusHeader))
	}
}

// S6 — age offset: the response's own Age header shifts the cache's
// notion of when it was created, so Age keeps accumulating across a hit.
func TestFetch_S6_AgeOffset(t *testing.T) {
	var calls int32
	fetch := func(ctx context.Context, r *http.Request) (*http.Response, error) {
		n := atomic.AddInt32(&calls, 1)
		return &http.Response{
			StatusCode: http.StatusOK,
			Header:     http.Header{"Cache-Control": {"max-age=60"}, "Age": {"10"}},
			Body:       io.NopCloser(strings.NewReader(fmt.Sprintf("body-%d", n))),
		}, nil
	}

	fake := clock.NewFake(0)
	tgt := target.New("example.com:80", target.Options{Fetch: fetch, Now: fake.Now})

	if _, err := tgt.Fetch(context.Background(), req(t, "http://example.com/a")); err != nil {
		t.Fatalf("t=0 Fetch error: %v", err)
	}

	fake.Advance(clock.Seconds(10))
	resp, err := tgt.Fetch(context.Background(), req(t, "http://example.com/a"))
	if err != nil {
		t.Fatalf("t=10s Fetch error: %v", err)
	}
	if got := resp.Header.Get("Age"); got != "20" {
		t.Errorf("Age header = %q, want 20 (10s offset + 10s elapsed)", got)
	}
	if !strings.HasPrefix(resp.Header.Get(target.StatusHeader), string(target.DispositionHit)) {
		t.Errorf("status = %q, want HIT prefix", resp.Header.Get(target.StatusHeader))
	}

	fake.Advance(clock.Seconds(41)) // total elapsed from t=0: 51s; age base shifted -10s => effective age 61s > 60
	resp, err = tgt.Fetch(context.Background(), req(t, "http://example.com/a"))
	if err != nil {
		t.Fatalf("t=51s Fetch error: %v", err)
	}
	if !strings.HasPrefix(resp.Header.Get(target.StatusHeader), string(target.DispositionMiss)) {
		t.Errorf("status = %q, want MISS prefix", resp.Header.Get(target.StatusHeader))
	}
}

// Fetcher failure propagates to the caller and clears the location so a
// subsequent call retries (§7).
func TestFetch_FetcherFailurePropagatesAndClears(t *testing.T) {
	boom := fmt.Errorf("boom")
	var calls int32
	fetch := func(ctx context.Context, r *http.Request) (*http.Response, error) {
		n := atomic.AddInt32(&calls, 1)
		if n == 1 {
			return nil, boom
		}
		return &http.Response{
			StatusCode: http.StatusOK,
			Header:     http.Header{},
			Body:       io.NopCloser(strings.NewReader("ok")),
		}, nil
	}

	fake := clock.NewFake(0)
	tgt := target.New("example.com:80", target.Options{Fetch: fetch, Now: fake.Now})

	_, err := tgt.Fetch(context.Background(), req(t, "http://example.com/a"))
	if err == nil {
		t.Fatal("expected error from first call")
	}

	resp, err := tgt.Fetch(context.Background(), req(t, "http://example.com/a"))
	if err != nil {
		t.Fatalf("second Fetch error: %v", err)
	}
	if got := body(resp); got != "ok" {
		t.Errorf("second body = %q, want ok (retried after clearing failed location)", got)
	}
}

// A 5xx response is never cached and never carries the status header.
func TestFetch_ServerErrorNeverCached(t *testing.T) {
	var calls int32
	fetch := func(ctx context.Context, r *http.Request) (*http.Response, error) {
		atomic.AddInt32(&calls, 1)
		return &http.Response{
			StatusCode: http.StatusBadGateway,
			Header:     http.Header{},
			Body:       io.NopCloser(strings.NewReader("err")),
		}, nil
	}

	fake := clock.NewFake(0)
	tgt := target.New("example.com:80", target.Options{Fetch: fetch, Now: fake.Now})

	resp, err := tgt.Fetch(context.Background(), req(t, "http://example.com/a"))
	if err != nil {
		t.Fatalf("Fetch error: %v", err)
	}
	if resp.Header.Get(target.StatusHeader) != "" {
		t.Errorf("5xx response should not carry %s header", target.StatusHeader)
	}
	if _, err := tgt.Fetch(context.Background(), req(t, "http://example.com/a")); err != nil {
		t.Fatalf("second Fetch error: %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Errorf("fetcher called %d times, want 2 (Fail is never served from cache)", got)
	}
}

// §4.4: "reset the per-Target limit to limit and force a pass" — GC must
// make the new limit stick, not just apply it to the one pass it runs.
// This is what lets a Coordinator fair-share rebalance (§4.5 step 3) survive
// the next self-triggered post-insertion GC, which reads the budget back
// via Limit() rather than being told it directly.
func TestGC_PersistsLimitForSubsequentPasses(t *testing.T) {
	fake := clock.NewFake(0)
	tgt := target.New("example.com:80", target.Options{Now: fake.Now})

	if got := tgt.Limit(); got == 7 {
		t.Fatalf("default limit already 7, test setup is broken")
	}

	if _, err := tgt.GC(context.Background(), 7); err != nil {
		t.Fatalf("GC error: %v", err)
	}

	if got := tgt.Limit(); got != 7 {
		t.Errorf("Limit() after GC(7) = %v, want 7 (GC must persist the limit it's given)", got)
	}
}
