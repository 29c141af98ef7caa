// Package cacherules parses the subset of HTTP Cache-Control semantics the
// cache needs to reuse, expire, and bound stored responses (spec §4.2).
//
// Deliberately, and matching the TypeScript original, directives are split
// on ';' rather than the HTTP-correct ','. See §9 "Cache-Control separator":
// this is a faithful reimplementation of the source's behaviour, not a bug
// in this port.
package cacherules

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/andrewaylett/snarfetch/lib/clock"
)

// Parameters holds the parsed Cache-Control directives plus the Age-derived
// base instant, matching the spec's CacheRuleParameters record (§3).
type Parameters struct {
	MaxAge  clock.Duration
	SMaxAge clock.Duration

	NoCache         bool
	MustRevalidate  bool
	ProxyRevalidate bool
	NoStore         bool
	Private         bool
	Public          bool
	MustUnderstand  bool
	NoTransform     bool
	Immutable       bool

	StaleWhileRevalidate clock.Duration
	StaleIfError         clock.Duration

	// AgeBase is the instant from which MaxAge is measured, shifted earlier
	// by any Age header seconds present on the response.
	AgeBase clock.Instant
}

// Extract reads the Cache-Control and Age headers of header and returns the
// resulting Parameters, anchored at now (§4.2).
func Extract(header http.Header, now clock.Instant) Parameters {
	p := Parameters{AgeBase: now}

	for _, element := range strings.Split(header.Get("Cache-Control"), ";") {
		element = strings.TrimSpace(element)
		if element == "" {
			continue
		}
		directive, value, _ := strings.Cut(element, "=")
		directive = strings.ToLower(strings.TrimSpace(directive))
		value = strings.TrimSpace(value)
		applyDirective(&p, directive, value)
	}

	if age := strings.TrimSpace(header.Get("Age")); age != "" {
		if seconds, err := strconv.ParseInt(age, 10, 64); err == nil && seconds >= 0 {
			p.AgeBase = now.Subtract(clock.Seconds(float64(seconds)))
		}
	}

	return p
}

func applyDirective(p *Parameters, directive, value string) {
	switch directive {
	case "max-age":
		p.MaxAge = parseSeconds(value)
	case "s-max-age", "s-maxage":
		p.SMaxAge = parseSeconds(value)
	case "stale-while-revalidate":
		p.StaleWhileRevalidate = parseSeconds(value)
	case "stale-if-error":
		p.StaleIfError = parseSeconds(value)
	case "no-cache":
		p.NoCache = true
	case "no-store":
		p.NoStore = true
	case "must-revalidate":
		p.MustRevalidate = true
	case "proxy-revalidate":
		p.ProxyRevalidate = true
	case "private":
		p.Private = true
	case "public":
		p.Public = true
	case "must-understand":
		p.MustUnderstand = true
	case "no-transform":
		p.NoTransform = true
	case "immutable":
		p.Immutable = true
	default:
		// Unknown directives are silently ignored (§4.2).
	}
}

// parseSeconds converts a directive value to a Duration, yielding zero on
// any parse failure (§4.2: "Value parse failures yield zero.").
func parseSeconds(value string) clock.Duration {
	seconds, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return clock.Zero
	}
	return clock.Seconds(float64(seconds))
}

// ValidAt reports whether a response governed by p may still be served from
// cache at instant, per §4.2.
func (p Parameters) ValidAt(instant clock.Instant) bool {
	if p.NoCache || p.NoStore {
		return false
	}
	if p.Immutable {
		return true
	}
	expiry := p.AgeBase.Add(p.MaxAge)
	return instant.Compare(expiry) <= 0
}
