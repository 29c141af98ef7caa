// Package target implements the per-origin controller described in spec
// §4.4: a Target combines a throttled fetcher, a location→status map, the
// single-flight coalescer for pending requests of unknown cacheability, and
// a size-bounded eviction scheduler.
package target

import (
	"bytes"
	"context"
	"expvar"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/creachadair/mds/mapset"

	"github.com/andrewaylett/snarfetch/internal/scheduler"
	"github.com/andrewaylett/snarfetch/lib/cacherules"
	"github.com/andrewaylett/snarfetch/lib/clock"
	"github.com/andrewaylett/snarfetch/lib/evictmap"
	"github.com/andrewaylett/snarfetch/lib/throttle"
	"github.com/andrewaylett/snarfetch/lib/units"
)

// StatusHeader is the diagnostic header the core adds to every response it
// returns, except responses derived from a 5xx status (§6).
const StatusHeader = "snarfetch-status"

// Disposition labels how a Fetch call was satisfied, for logging/metrics.
type Disposition string

const (
	DispositionHit       Disposition = "HIT"
	DispositionMiss      Disposition = "MISS"
	DispositionNoStore   Disposition = "NOSTORE"
	DispositionFail      Disposition = "FAIL"
	DispositionCoalesced Disposition = "COALESCED"
)

// Fetcher is the underlying HTTP fetch primitive (§6), out of scope for this
// package to implement.
type Fetcher = throttle.Fetcher

// Options configures a Target. Fetch is required; everything else has a
// usable default applied by New.
type Options struct {
	// Fetch is the platform fetch primitive this Target throttles and
	// coalesces in front of.
	Fetch Fetcher

	// Throttle bounds/paces calls to Fetch (§6). Defaults to throttle.NoOp.
	Throttle throttle.Throttle

	// Now returns the current time. Defaults to clock.System.
	Now clock.Source

	// MaxStorageBytes is this Target's per-origin cache budget (§6,
	// maximumStoragePerTargetBytes).
	MaxStorageBytes units.Bytes

	// Scheduler runs the deferred GC pass after a cacheable insertion
	// (§4.4). A nil Scheduler falls back to starting a new goroutine for
	// each pass instead of using the Scheduler's deferred-task queue.
	Scheduler *scheduler.Scheduler

	// Logf, if non-nil, receives the per-fetch log line enabled by
	// LogRequests. A nil Logf discards logs, matching the teacher's
	// Server.Logf convention.
	Logf func(string, ...any)

	// LogRequests enables one log line per fetch that yields a response
	// (origin, location, disposition, whether the call was coalesced,
	// elapsed time), matching the teacher's Server.LogRequests. With
	// LogRequests false nothing is logged, even if Logf is set.
	LogRequests bool
}

func (o *Options) setDefaults() {
	if o.Throttle == nil {
		o.Throttle = throttle.NoOp
	}
	if o.Now == nil {
		o.Now = clock.System
	}
	if o.MaxStorageBytes <= 0 {
		o.MaxStorageBytes = units.Of(50, units.MiB)
	}
}

// Target is the per-origin controller described in §4.4.
type Target struct {
	key  string
	opts Options
	next Fetcher

	mu    sync.Mutex
	known *evictmap.Map[string, locationStatus]

	gcMu      sync.Mutex
	limit     units.Bytes
	gcRunning bool
	gcWaiters []chan struct{}

	coalescing mapset.Set[string]

	metrics   expvar.Map
	hits      expvar.Int
	misses    expvar.Int
	noStores  expvar.Int
	fails     expvar.Int
	coalesced expvar.Int
}

// New returns a Target for the origin identified by key ("host:port", used
// only for logging), configured with opts.
func New(key string, opts Options) *Target {
	opts.setDefaults()
	t := &Target{
		key:        key,
		opts:       opts,
		next:       opts.Throttle.Wrap(opts.Fetch),
		known:      evictmap.New[string, locationStatus](),
		limit:      opts.MaxStorageBytes,
		coalescing: mapset.New[string](),
	}
	t.metrics.Set("hits", &t.hits)
	t.metrics.Set("misses", &t.misses)
	t.metrics.Set("no_store", &t.noStores)
	t.metrics.Set("fails", &t.fails)
	t.metrics.Set("coalesced", &t.coalesced)
	return t
}

// Metrics returns this Target's counters, for the host process to publish
// however it likes (teacher: Server.Metrics).
func (t *Target) Metrics() *expvar.Map { return &t.metrics }

// Fetch implements the per-caller algorithm of §4.4.
func (t *Target) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	loc := locationKey(req.URL)
	t0 := t.opts.Now()

	status, coalesced, gate, err := t.resolveOrInstall(ctx, loc, t0)
	if err != nil {
		return nil, err
	}

	if cached, ok := status.(*cachedEntry); ok && cached.rules.ValidAt(t0) {
		t.hits.Add(1)
		if coalesced {
			t.coalesced.Add(1)
		}
		resp := t.buildHitResponse(cached, t0)
		t.touchLastUsed(loc, cached, t0)
		t.logFetch(DispositionHit, loc, t0, coalesced)
		return resp, nil
	}

	return t.networkFetch(ctx, req, loc, t0, gate)
}

// resolveOrInstall looks up loc, joining and waiting out any in-flight
// Unknown coalescing gate (possibly more than once, if a second gate is
// installed between our wait returning and our re-check — §4.4 step 2-3).
// When loc is absent or holds an expired Cached entry, it installs a fresh
// Unknown gate itself as part of the same locked lookup, so the "is a fetch
// needed" decision and the gate install are atomic: two callers racing to be
// first for a brand-new (or just-expired) location can never both observe
// "no gate yet" and both fall through to their own network fetch (Testable
// Property #1). It returns the resolved non-Unknown status (nil if a gate
// was installed), whether the caller joined someone else's in-flight fetch,
// the gate this caller installed (nil if none was needed), and a fetcher
// error if the fetch this caller was coalesced onto failed (§7).
func (t *Target) resolveOrInstall(ctx context.Context, loc string, t0 clock.Instant) (locationStatus, bool, *unknownEntry, error) {
	coalesced := false
	for {
		t.mu.Lock()
		s, ok := t.known.Get(loc)
		if !ok || isExpiredCached(s, t0) {
			gate := &unknownEntry{done: make(chan struct{})}
			t.known.Set(loc, gate)
			t.mu.Unlock()
			return nil, coalesced, gate, nil
		}
		u, isUnknown := s.(*unknownEntry)
		if !isUnknown {
			t.mu.Unlock()
			return s, coalesced, nil, nil
		}
		t.mu.Unlock()
		coalesced = true
		select {
		case <-u.done:
			if u.err != nil {
				return nil, coalesced, nil, u.err
			}
		case <-ctx.Done():
			return nil, coalesced, nil, ctx.Err()
		}
	}
}

func isExpiredCached(s locationStatus, t0 clock.Instant) bool {
	c, ok := s.(*cachedEntry)
	return ok && !c.rules.ValidAt(t0)
}

// networkFetch performs the throttled fetch for loc and updates the
// location's state from the result (§4.4 steps 4-6). gate, if non-nil, is
// the Unknown coalescing entry resolveOrInstall already installed for this
// call; it is closed (and cleared on failure) once the fetch settles.
func (t *Target) networkFetch(ctx context.Context, req *http.Request, loc string, t0 clock.Instant, gate *unknownEntry) (*http.Response, error) {
	if gate != nil {
		t.mu.Lock()
		t.coalescing.Add(loc)
		t.mu.Unlock()
		defer func() {
			t.mu.Lock()
			t.coalescing.Remove(loc)
			t.mu.Unlock()
		}()
	}

	resp, err := t.next(ctx, req)
	if err != nil {
		if gate != nil {
			gate.err = err
			t.mu.Lock()
			t.known.Delete(loc)
			t.mu.Unlock()
			close(gate.done)
		}
		return nil, fmt.Errorf("snarfetch: fetch %s: %w", loc, err)
	}

	d := t0.Since(t.opts.Now())

	switch {
	case resp.StatusCode >= http.StatusInternalServerError:
		t.setStatus(loc, &failEntry{lastUsed: t.opts.Now()})
		t.fails.Add(1)
		t.logFetch(DispositionFail, loc, t0, false)
		if gate != nil {
			close(gate.done)
		}
		return resp, nil

	default:
		rules := cacherules.Extract(resp.Header, t.opts.Now())
		if rules.NoStore {
			t.setStatus(loc, &noStoreEntry{lastUsed: t.opts.Now()})
			setStatusHeader(resp.Header, DispositionNoStore, d)
			t.noStores.Add(1)
			t.logFetch(DispositionNoStore, loc, t0, false)
			if gate != nil {
				close(gate.done)
			}
			return resp, nil
		}

		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			if gate != nil {
				gate.err = readErr
				t.mu.Lock()
				t.known.Delete(loc)
				t.mu.Unlock()
				close(gate.done)
			}
			return nil, fmt.Errorf("snarfetch: buffer body for %s: %w", loc, readErr)
		}

		entry := &cachedEntry{
			body:       body,
			statusCode: resp.StatusCode,
			status:     resp.Status,
			header:     resp.Header.Clone(),
			rules:      rules,
			lastUsed:   t.opts.Now(),
		}
		t.setStatus(loc, entry)
		t.misses.Add(1)
		t.logFetch(DispositionMiss, loc, t0, false)
		if gate != nil {
			close(gate.done)
		}
		t.scheduleGC()

		out := rebuildResponse(entry, req)
		setStatusHeader(out.Header, DispositionMiss, d)
		return out, nil
	}
}

func (t *Target) setStatus(loc string, s locationStatus) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.known.Set(loc, s)
}

func (t *Target) touchLastUsed(loc string, cached *cachedEntry, now clock.Instant) {
	t.mu.Lock()
	defer t.mu.Unlock()
	updated := *cached
	updated.lastUsed = now
	t.known.Set(loc, &updated)
}

func (t *Target) buildHitResponse(cached *cachedEntry, t0 clock.Instant) *http.Response {
	resp := rebuildResponse(cached, nil)
	now := t.opts.Now()
	age := cached.rules.AgeBase.Since(now)
	resp.Header.Set("Age", fmt.Sprintf("%d", age.CeilSeconds()))
	d := t0.Since(now)
	setStatusHeader(resp.Header, DispositionHit, d)
	return resp
}

func rebuildResponse(cached *cachedEntry, req *http.Request) *http.Response {
	header := cached.header.Clone()
	return &http.Response{
		Status:        cached.status,
		StatusCode:    cached.statusCode,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(cached.body)),
		ContentLength: int64(len(cached.body)),
		Request:       req,
	}
}

func setStatusHeader(h http.Header, d Disposition, elapsed clock.Duration) {
	h.Set(StatusHeader, fmt.Sprintf("%s in %d ms", d, elapsed.Milliseconds()))
}

func (t *Target) logFetch(d Disposition, loc string, t0 clock.Instant, coalesced bool) {
	if t.opts.Logf == nil {
		return
	}
	if !t.opts.LogRequests {
		return
	}
	t.opts.Logf("snarfetch %s %s L:%s C:%v (%v elapsed)", d, t.key, loc, coalesced, t0.Since(t.opts.Now()))
}

func compareInstant(a, b clock.Instant) int { return a.Compare(b) }

// GC resets this Target's storage budget to limit and forces an immediate
// pass, evicting entries until the remaining cached weight is at or under
// that limit (the "skip, don't stop" retention policy of §4.3). It returns
// the resulting total weight. Per §4.4 ("reset the per-Target limit to
// limit and force a pass"), the new limit sticks: a later self-triggered
// pass from scheduleGC reads it back via Limit, so a Coordinator rebalance
// that cuts a Target down to its fair share (§4.5 step 3) is not silently
// undone by the next post-insertion GC using the old, larger budget.
func (t *Target) GC(ctx context.Context, limit units.Bytes) (units.Bytes, error) {
	t.SetLimit(limit)
	return t.known.GC(ctx, limit, lastUsedOf, t.weigh, compareInstant)
}

// Weight reports this Target's current total cached weight, for the
// Coordinator's rebalancing pass (§4.5).
func (t *Target) Weight(ctx context.Context) (units.Bytes, error) {
	return t.known.Weight(ctx, t.weigh)
}

// SetLimit updates the per-Target storage budget the self-triggered GC
// pass (scheduleGC) reads back via Limit. GC calls this itself so every
// limit a caller (directly, or the Coordinator via rebalancing) passes to
// GC persists beyond that one pass.
func (t *Target) SetLimit(limit units.Bytes) {
	t.gcMu.Lock()
	defer t.gcMu.Unlock()
	t.limit = limit
}

// Limit reports the current per-Target storage budget.
func (t *Target) Limit() units.Bytes {
	t.gcMu.Lock()
	defer t.gcMu.Unlock()
	return t.limit
}

// scheduleGC defers a GC pass to the next event-loop turn (§4.4), unless a
// pass is already pending or running.
func (t *Target) scheduleGC() {
	t.gcMu.Lock()
	if t.gcRunning {
		t.gcMu.Unlock()
		return
	}
	t.gcRunning = true
	t.gcMu.Unlock()

	run := func(ctx context.Context) {
		_, _ = t.GC(ctx, t.Limit())
		t.gcMu.Lock()
		waiters := t.gcWaiters
		t.gcWaiters = nil
		t.gcRunning = false
		t.gcMu.Unlock()
		for _, w := range waiters {
			close(w)
		}
	}

	if t.opts.Scheduler == nil {
		go run(context.Background())
		return
	}
	t.opts.Scheduler.Defer(run)
}

// AwaitIdle blocks until no GC pass is pending, for deterministic tests.
// Returns immediately if none is running.
func (t *Target) AwaitIdle(ctx context.Context) error {
	t.gcMu.Lock()
	if !t.gcRunning {
		t.gcMu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	t.gcWaiters = append(t.gcWaiters, ch)
	t.gcMu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
