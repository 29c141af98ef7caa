// Package evictmap implements the spec's EvictionMap (§4.3): an ordered
// key→value mapping augmented with a weight-bounded garbage-collection
// operation driven by a per-entry recency key and an asynchronous,
// possibly-failing weigher.
package evictmap

import (
	"context"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/andrewaylett/snarfetch/lib/clock"
	"github.com/andrewaylett/snarfetch/lib/units"
)

// Weigher computes the weight of v. It may fail (a "weigher rejection" in
// spec terms); a failure propagates out of Weight/GC unchanged, leaving the
// map untouched (§4.3 failure policy).
type Weigher[V any] func(ctx context.Context, v V) (units.Bytes, error)

// SortKey extracts the recency key used to order entries for GC.
type SortKey[V any] func(v V) clock.Instant

// Compare orders two recency keys the same way clock.Instant.Compare does.
type Compare func(a, b clock.Instant) int

// Map is an ordered mapping from K to V. Iteration order is insertion
// order, which GC's stable sort relies on to break ties the same way the
// source does ("keep whichever was encountered first in iteration order").
type Map[K comparable, V any] struct {
	mu     sync.Mutex
	order  []K
	values map[K]V
}

// New returns an empty Map.
func New[K comparable, V any]() *Map[K, V] {
	return &Map[K, V]{values: make(map[K]V)}
}

// Get returns the value stored at key, if any.
func (m *Map[K, V]) Get(key K) (V, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[key]
	return v, ok
}

// Set inserts or replaces the value at key. A replace does not change the
// key's position in iteration order, matching the spec's "replaced by a new
// variant value, not mutated field-wise" lifecycle note (§3 Lifecycle) while
// still being a stable-order map overall.
func (m *Map[K, V]) Set(key K, value V) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.values[key]; !exists {
		m.order = append(m.order, key)
	}
	m.values[key] = value
}

// Delete removes key, if present.
func (m *Map[K, V]) Delete(key K) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleteLocked(key)
}

func (m *Map[K, V]) deleteLocked(key K) {
	if _, ok := m.values[key]; !ok {
		return
	}
	delete(m.values, key)
	for i, k := range m.order {
		if k == key {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
}

// Len reports the number of entries currently stored.
func (m *Map[K, V]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.order)
}

// snapshot returns a copy of the current entries in iteration order, safe
// to use without holding the lock.
func (m *Map[K, V]) snapshot() ([]K, []V) {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]K, len(m.order))
	copy(keys, m.order)
	values := make([]V, len(keys))
	for i, k := range keys {
		values[i] = m.values[k]
	}
	return keys, values
}

// Weight sums weigher(v) over all current values concurrently.
func (m *Map[K, V]) Weight(ctx context.Context, weigher Weigher[V]) (units.Bytes, error) {
	_, values := m.snapshot()
	weights, err := weighAll(ctx, values, weigher)
	if err != nil {
		return 0, err
	}
	var total units.Bytes
	for _, w := range weights {
		total = units.Add(total, w)
	}
	return total, nil
}

func weighAll[V any](ctx context.Context, values []V, weigher Weigher[V]) ([]units.Bytes, error) {
	weights := make([]units.Bytes, len(values))
	g, gctx := errgroup.WithContext(ctx)
	for i, v := range values {
		i, v := i, v
		g.Go(func() error {
			w, err := weigher(gctx, v)
			if err != nil {
				return err
			}
			weights[i] = w
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return weights, nil
}

// GC retains entries greedily in descending sortKey order (most-recent
// first) while their cumulative weight does not exceed limit; every
// remaining entry is deleted. An entry that individually would not fit is
// skipped (not a stop condition: later, lighter entries are still
// considered), matching the "skip, don't stop" policy of §4.3's GC
// scenarios. Ties in sortKey are broken by whichever entry was encountered
// first in iteration (insertion) order, via a stable sort.
//
// If weigher fails for any entry the error propagates unchanged and the map
// is left completely unmodified.
func (m *Map[K, V]) GC(ctx context.Context, limit units.Bytes, sortKey SortKey[V], weigher Weigher[V], cmp Compare) (units.Bytes, error) {
	keys, values := m.snapshot()
	weights, err := weighAll(ctx, values, weigher)
	if err != nil {
		return 0, err
	}

	type entry struct {
		key    K
		weight units.Bytes
		recent clock.Instant
	}
	entries := make([]entry, len(keys))
	for i := range keys {
		entries[i] = entry{key: keys[i], weight: weights[i], recent: sortKey(values[i])}
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return cmp(entries[i].recent, entries[j].recent) > 0 // descending: most-recent first
	})

	var total units.Bytes
	keep := make(map[K]bool, len(entries))
	for _, e := range entries {
		if units.Add(total, e.weight) > limit {
			continue // skip, don't stop: a later, lighter entry may still fit
		}
		total = units.Add(total, e.weight)
		keep[e.key] = true
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		if !keep[k] {
			m.deleteLocked(k)
		}
	}
	return total, nil
}
