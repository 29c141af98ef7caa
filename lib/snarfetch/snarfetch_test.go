package snarfetch_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/andrewaylett/snarfetch/lib/clock"
	"github.com/andrewaylett/snarfetch/lib/snarfetch"
)

func TestCoordinatorDispatchesPerOrigin(t *testing.T) {
	var calls int32
	fetch := func(ctx context.Context, r *http.Request) (*http.Response, error) {
		atomic.AddInt32(&calls, 1)
		return &http.Response{
			StatusCode: http.StatusOK,
			Header:     http.Header{"Cache-Control": {"max-age=60"}},
			Body:       io.NopCloser(strings.NewReader(r.URL.Host)),
		}, nil
	}

	fake := clock.NewFake(0)
	c := snarfetch.New(snarfetch.Options{Fetch: fetch, Now: fake.Now})

	reqA := httptest.NewRequest(http.MethodGet, "http://a.example/x", nil)
	reqB := httptest.NewRequest(http.MethodGet, "http://b.example/x", nil)

	respA, err := c.Fetch(context.Background(), reqA)
	if err != nil {
		t.Fatalf("Fetch a: %v", err)
	}
	respB, err := c.Fetch(context.Background(), reqB)
	if err != nil {
		t.Fatalf("Fetch b: %v", err)
	}

	bodyA, _ := io.ReadAll(respA.Body)
	bodyB, _ := io.ReadAll(respB.Body)
	if string(bodyA) != "a.example" || string(bodyB) != "b.example" {
		t.Errorf("bodies = %q, %q; want distinct per-origin dispatch", bodyA, bodyB)
	}
	if calls != 2 {
		t.Errorf("fetcher called %d times, want 2 (one per origin)", calls)
	}

	// Re-fetching the same origin should hit its now-populated cache,
	// not invoke the fetcher again.
	if _, err := c.Fetch(context.Background(), httptest.NewRequest(http.MethodGet, "http://a.example/x", nil)); err != nil {
		t.Fatalf("re-fetch a: %v", err)
	}
	if calls != 2 {
		t.Errorf("fetcher called %d times after cache hit, want still 2", calls)
	}
}

func TestDefaultReturnsSameCoordinator(t *testing.T) {
	if snarfetch.Default() != snarfetch.Default() {
		t.Error("Default() should return the same process-wide Coordinator each call")
	}
}
