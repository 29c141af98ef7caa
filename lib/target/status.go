package target

import (
	"context"
	"net/http"
	"net/url"

	"github.com/andrewaylett/snarfetch/lib/cacherules"
	"github.com/andrewaylett/snarfetch/lib/clock"
	"github.com/andrewaylett/snarfetch/lib/units"
)

// locationStatus is the tagged union from §3/§4.4: exactly one of
// unknownEntry, noStoreEntry, cachedEntry or failEntry is ever stored for a
// given location. The variants are distinguished by type, not by a field,
// since each carries genuinely different payload.
type locationStatus interface {
	isLocationStatus()
}

// unknownEntry marks a location whose cacheability a network fetch is
// currently resolving. Callers that observe it join done instead of issuing
// their own fetch (§4.4 step 2).
type unknownEntry struct {
	done chan struct{}
	err  error // set before done is closed, if the fetch itself failed (§7)
}

// noStoreEntry marks a location whose most recent response forbade storage.
// Every subsequent caller reaches the fetcher directly (invariant: "a
// no-store response is never served from cache").
type noStoreEntry struct {
	lastUsed clock.Instant
}

// failEntry marks a location whose most recent response was a server error.
// It carries no cached body: a 5xx is never eligible for reuse.
type failEntry struct {
	lastUsed clock.Instant
}

// cachedEntry is a stored, potentially-servable response.
type cachedEntry struct {
	body       []byte
	statusCode int
	status     string
	header     http.Header
	rules      cacherules.Parameters
	lastUsed   clock.Instant
}

func (*unknownEntry) isLocationStatus() {}
func (*noStoreEntry) isLocationStatus() {}
func (*failEntry) isLocationStatus()    {}
func (*cachedEntry) isLocationStatus()  {}

// weigh is the eviction cost of a stored location, per §4.4's scheduled GC
// step: "entry -> entry.valid ? entry.size : +Inf". A Fail entry is never
// valid, and an expired Cached entry stops being valid, so both weigh
// Infinite and are dropped first regardless of recency; everything else
// (Unknown, NoStore, a still-valid Cached) keeps its §3-defined size, which
// is zero except for a valid Cached body.
func (t *Target) weigh(_ context.Context, s locationStatus) (units.Bytes, error) {
	switch v := s.(type) {
	case *cachedEntry:
		if !v.rules.ValidAt(t.opts.Now()) {
			return units.Infinite, nil
		}
		return units.Bytes(len(v.body)), nil
	case *failEntry:
		return units.Infinite, nil
	default:
		return 0, nil
	}
}

// lastUsedOf extracts the recency key the eviction map sorts on (§4.3's
// SortKey). Cached, NoStore and Fail entries return their stored lastUsed;
// an Unknown entry carries no timestamp and returns the zero Instant (it
// weighs 0, so it always fits).
func lastUsedOf(s locationStatus) clock.Instant {
	switch v := s.(type) {
	case *cachedEntry:
		return v.lastUsed
	case *noStoreEntry:
		return v.lastUsed
	case *failEntry:
		return v.lastUsed
	default:
		return 0
	}
}

// locationKey returns the (pathname, query) concatenation the spec defines
// as the Location key (§3), ignoring any fragment.
func locationKey(u *url.URL) string {
	if u.RawQuery == "" {
		return u.Path
	}
	return u.Path + "?" + u.RawQuery
}
