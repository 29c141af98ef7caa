// Package snarfetch implements the Coordinator described in spec §4.5: a
// process-wide (or explicitly constructed) dispatcher that routes fetches to
// a per-origin Target, and periodically rebalances storage across all of
// them.
package snarfetch

import (
	"context"
	"expvar"
	"net/http"
	"net/url"
	"sort"
	"sync"

	"github.com/andrewaylett/snarfetch/internal/scheduler"
	"github.com/andrewaylett/snarfetch/lib/clock"
	"github.com/andrewaylett/snarfetch/lib/target"
	"github.com/andrewaylett/snarfetch/lib/throttle"
	"github.com/andrewaylett/snarfetch/lib/units"
)

// Fetcher is the platform fetch primitive the Coordinator sits in front of.
type Fetcher = target.Fetcher

// Options configures a Coordinator. Every field has a usable default
// (§6's bracketed defaults); the zero Options is itself a working, if
// unthrottled, configuration.
type Options struct {
	// Fetch is the underlying HTTP fetch primitive. [default: http.DefaultClient]
	Fetch Fetcher

	// Throttle wraps Fetch with concurrency bounding / backoff. [default: no-op]
	Throttle throttle.Throttle

	// Now returns the current time. [default: system clock]
	Now clock.Source

	// GCInterval is the minimum gap between global rebalancing passes. [default: 60s]
	GCInterval clock.Duration

	// MaximumStorageBytes is the total budget across all Targets. [default: 200MiB]
	MaximumStorageBytes units.Bytes

	// MaximumStoragePerTargetBytes is each Target's starting budget, before
	// any fair-share rebalancing. [default: 50MiB]
	MaximumStoragePerTargetBytes units.Bytes

	// Scheduler runs the deferred rebalancing pass. [default: a fresh scheduler.New()]
	Scheduler *scheduler.Scheduler

	// Logf, if non-nil, receives a log line when a rebalancing pass fails,
	// and is forwarded to every Target this Coordinator creates.
	Logf func(string, ...any)

	// LogRequests is forwarded to every Target this Coordinator creates.
	LogRequests bool
}

func (o *Options) setDefaults() {
	if o.Fetch == nil {
		o.Fetch = defaultFetch
	}
	if o.Throttle == nil {
		o.Throttle = throttle.NoOp
	}
	if o.Now == nil {
		o.Now = clock.System
	}
	if o.GCInterval <= 0 {
		o.GCInterval = clock.Seconds(60)
	}
	if o.MaximumStorageBytes <= 0 {
		o.MaximumStorageBytes = units.Of(200, units.MiB)
	}
	if o.MaximumStoragePerTargetBytes <= 0 {
		o.MaximumStoragePerTargetBytes = units.Of(50, units.MiB)
	}
	if o.Scheduler == nil {
		o.Scheduler = scheduler.New()
	}
}

func defaultFetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	return http.DefaultClient.Do(req.WithContext(ctx))
}

// Coordinator dispatches fetches to per-origin Targets and rebalances
// storage across them (§4.5).
type Coordinator struct {
	opts Options

	mu      sync.Mutex
	targets map[string]*target.Target

	gcMu         sync.Mutex
	gcInProgress bool
	nextGc       clock.Instant

	metrics expvar.Map
}

// New returns a Coordinator configured with opts.
func New(opts Options) *Coordinator {
	opts.setDefaults()
	c := &Coordinator{
		opts:    opts,
		targets: make(map[string]*target.Target),
		nextGc:  opts.Now(),
	}
	c.metrics.Set("targets", expvar.Func(func() any {
		c.mu.Lock()
		defer c.mu.Unlock()
		return len(c.targets)
	}))
	return c
}

// Metrics returns this Coordinator's counters, for the host process to
// publish however it likes.
func (c *Coordinator) Metrics() *expvar.Map { return &c.metrics }

// Fetch extracts the target key from req's URL, dispatches to that origin's
// Target, and triggers a rebalancing pass if one is due (§4.5).
func (c *Coordinator) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	c.maybeGC()
	return c.targetFor(targetKey(req.URL)).Fetch(ctx, req)
}

func (c *Coordinator) targetFor(key string) *target.Target {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.targets[key]; ok {
		return t
	}
	t := target.New(key, target.Options{
		Fetch:           c.opts.Fetch,
		Throttle:        c.opts.Throttle,
		Now:             c.opts.Now,
		MaxStorageBytes: c.opts.MaximumStoragePerTargetBytes,
		Scheduler:       c.opts.Scheduler,
		Logf:            c.opts.Logf,
		LogRequests:     c.opts.LogRequests,
	})
	c.targets[key] = t
	return t
}

// targetKey extracts the "host:port" the spec uses as the Target map key,
// defaulting the port from the URL scheme when absent.
func targetKey(u *url.URL) string {
	port := u.Port()
	if port == "" {
		if u.Scheme == "https" {
			port = "443"
		} else {
			port = "80"
		}
	}
	return u.Hostname() + ":" + port
}

// maybeGC schedules a deferred global rebalancing pass if none is already
// in progress and the interval has elapsed (§4.5).
func (c *Coordinator) maybeGC() {
	c.gcMu.Lock()
	now := c.opts.Now()
	if c.gcInProgress || now.Compare(c.nextGc) < 0 {
		c.gcMu.Unlock()
		return
	}
	c.gcInProgress = true
	c.gcMu.Unlock()

	c.opts.Scheduler.Defer(func(ctx context.Context) { c.runGlobalGC(ctx) })
}

type weighedTarget struct {
	key    string
	target *target.Target
	weight units.Bytes
}

// runGlobalGC is the deferred task body of §4.5: collect every Target's
// per-target GC weight, and if the total exceeds the global budget,
// rebalance the remainder by fair share.
//
// gcInProgress/nextGc are reset when the pass ends, whatever its outcome
// (see §9 "GC reset bug"), so later Fetch calls can start the next pass.
func (c *Coordinator) runGlobalGC(ctx context.Context) {
	defer func() {
		c.gcMu.Lock()
		c.gcInProgress = false
		c.nextGc = c.opts.Now().Add(c.opts.GCInterval)
		c.gcMu.Unlock()
	}()

	c.mu.Lock()
	entries := make([]weighedTarget, 0, len(c.targets))
	for key, t := range c.targets {
		entries = append(entries, weighedTarget{key: key, target: t})
	}
	c.mu.Unlock()

	perTargetLimit := c.opts.MaximumStoragePerTargetBytes
	fns := make([]func() error, len(entries))
	for i := range entries {
		i := i
		fns[i] = func() error {
			w, err := entries[i].target.GC(ctx, perTargetLimit)
			entries[i].weight = w
			return err
		}
	}

	if err := c.opts.Scheduler.RunAll(fns); err != nil {
		if c.opts.Logf != nil {
			c.opts.Logf("snarfetch: global gc pass failed: %v", err)
		}
		return
	}

	var total units.Bytes
	for _, e := range entries {
		total = units.Add(total, e.weight)
	}

	globalLimit := c.opts.MaximumStorageBytes
	if total > globalLimit {
		sort.Slice(entries, func(i, j int) bool { return entries[i].weight < entries[j].weight })

		remaining := globalLimit
		for len(entries) > 0 && int64(remaining)/int64(len(entries)) > int64(entries[0].weight) {
			remaining -= entries[0].weight
			entries = entries[1:]
		}

		if len(entries) > 0 {
			fairShare := units.Bytes(int64(remaining) / int64(len(entries)))
			rebalanceFns := make([]func() error, len(entries))
			for i := range entries {
				i := i
				rebalanceFns[i] = func() error {
					_, err := entries[i].target.GC(ctx, fairShare)
					return err
				}
			}
			if err := c.opts.Scheduler.RunAll(rebalanceFns); err != nil && c.opts.Logf != nil {
				c.opts.Logf("snarfetch: fair-share rebalance failed: %v", err)
			}
		}
	}
}

var (
	defaultOnce  sync.Once
	defaultCoord *Coordinator
)

// Default returns the process-wide Coordinator, lazily constructed with the
// same defaults as New(Options{}) (§9 "Global singleton").
func Default() *Coordinator {
	defaultOnce.Do(func() {
		defaultCoord = New(Options{})
	})
	return defaultCoord
}

// Fetch dispatches through the process-wide default Coordinator.
func Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	return Default().Fetch(ctx, req)
}
