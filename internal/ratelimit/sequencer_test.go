package ratelimit

import (
	"sync"
	"testing"

	"github.com/fit2garmin/gateway/internal/models"
)

func uploadsConfig() models.EndpointConfig {
	return models.EndpointConfig{Endpoint: "uploads", MaxRequests: 20, WindowSeconds: 300}
}

func TestSequencerConcurrentBurst(t *testing.T) {
	t.Parallel()

	seq := NewSequencer()
	cfg := uploadsConfig()

	const attempts = 30
	var wg sync.WaitGroup
	results := make([]*models.RateLimitResult, attempts)

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = seq.Check("client-a", "uploads", cfg, int64(1000+i))
		}(i)
	}
	wg.Wait()

	accepted := 0
	for _, r := range results {
		if !r.RateLimited {
			accepted++
		}
	}
	if accepted != cfg.MaxRequests {
		t.Errorf("Expected exactly %d accepted out of %d, got %d", cfg.MaxRequests, attempts, accepted)
	}
	if got := seq.Count("client-a", "uploads", cfg, 1030); got != cfg.MaxRequests {
		t.Errorf("Expected recorded count %d, got %d", cfg.MaxRequests, got)
	}
}

func TestSequencerRejectionNotRecorded(t *testing.T) {
	t.Parallel()

	seq := NewSequencer()
	cfg := models.EndpointConfig{Endpoint: "uploads", MaxRequests: 2, WindowSeconds: 300}

	for i := 0; i < 2; i++ {
		if r := seq.Check("c", "uploads", cfg, int64(100+i)); r.RateLimited {
			t.Fatalf("Request %d unexpectedly rate limited", i)
		}
	}

	// Rejected attempts must not consume capacity.
	for i := 0; i < 5; i++ {
		if r := seq.Check("c", "uploads", cfg, 110); !r.RateLimited {
			t.Fatal("Expected rejection at capacity")
		}
	}
	if got := seq.Count("c", "uploads", cfg, 110); got != 2 {
		t.Errorf("Expected count to stay at 2 after rejections, got %d", got)
	}
}

func TestSequencerWindowBoundary(t *testing.T) {
	t.Parallel()

	seq := NewSequencer()
	cfg := models.EndpointConfig{Endpoint: "uploads", MaxRequests: 1, WindowSeconds: 300}

	if r := seq.Check("c", "uploads", cfg, 1000); r.RateLimited {
		t.Fatal("First request unexpectedly rate limited")
	}

	// A timestamp counts while age < window, strictly: at 1299 the request
	// from 1000 is still inside the window.
	if r := seq.Check("c", "uploads", cfg, 1299); !r.RateLimited {
		t.Error("Expected rejection one second before the window reopens")
	}

	// At exactly window age the timestamp expires.
	if r := seq.Check("c", "uploads", cfg, 1300); r.RateLimited {
		t.Error("Expected acceptance once the old timestamp ages out")
	}
}

func TestSequencerRetryAfter(t *testing.T) {
	t.Parallel()

	seq := NewSequencer()
	cfg := models.EndpointConfig{Endpoint: "uploads", MaxRequests: 1, WindowSeconds: 300}

	seq.Check("c", "uploads", cfg, 1000)
	r := seq.Check("c", "uploads", cfg, 1100)
	if !r.RateLimited {
		t.Fatal("Expected rejection")
	}
	// Oldest timestamp 1000 ages out at 1300, so 200s remain.
	if r.RetryAfter != 200 {
		t.Errorf("Expected RetryAfter 200, got %d", r.RetryAfter)
	}
}

func TestSequencerClientIsolation(t *testing.T) {
	t.Parallel()

	seq := NewSequencer()
	cfg := models.EndpointConfig{Endpoint: "uploads", MaxRequests: 1, WindowSeconds: 300}

	if r := seq.Check("client-a", "uploads", cfg, 1000); r.RateLimited {
		t.Fatal("client-a first request rejected")
	}
	if r := seq.Check("client-b", "uploads", cfg, 1000); r.RateLimited {
		t.Error("client-b should have independent capacity")
	}
}

func TestSequencerEndpointIndependence(t *testing.T) {
	t.Parallel()

	seq := NewSequencer()
	uploads := models.EndpointConfig{Endpoint: "uploads", MaxRequests: 1, WindowSeconds: 300}
	conversions := models.EndpointConfig{Endpoint: "conversions", MaxRequests: 1, WindowSeconds: 3600}

	if r := seq.Check("c", "uploads", uploads, 1000); r.RateLimited {
		t.Fatal("uploads first request rejected")
	}
	if r := seq.Check("c", "uploads", uploads, 1001); !r.RateLimited {
		t.Fatal("uploads should be exhausted")
	}
	// Exhausting uploads must leave conversions untouched.
	if r := seq.Check("c", "conversions", conversions, 1001); r.RateLimited {
		t.Error("conversions should have independent capacity")
	}
}

func TestSequencerReset(t *testing.T) {
	t.Parallel()

	seq := NewSequencer()
	cfg := models.EndpointConfig{Endpoint: "uploads", MaxRequests: 1, WindowSeconds: 300}

	seq.Check("c", "uploads", cfg, 1000)
	seq.Check("c", "conversions", cfg, 1000)

	seq.Reset("c", "uploads")
	if got := seq.Count("c", "uploads", cfg, 1000); got != 0 {
		t.Errorf("Expected uploads cleared, got %d", got)
	}
	if got := seq.Count("c", "conversions", cfg, 1000); got != 1 {
		t.Errorf("Expected conversions untouched, got %d", got)
	}

	// Full reset drops every endpoint for the client.
	seq.Reset("c", "")
	if got := seq.Count("c", "conversions", cfg, 1000); got != 0 {
		t.Errorf("Expected conversions cleared by full reset, got %d", got)
	}

	// Resetting a client with no state is a no-op, not an error.
	seq.Reset("ghost", "")
}

func TestSequencerSweep(t *testing.T) {
	t.Parallel()

	seq := NewSequencer()
	cfg := models.EndpointConfig{Endpoint: "uploads", MaxRequests: 5, WindowSeconds: 300}

	seq.Check("old", "uploads", cfg, 1000)
	seq.Check("new", "uploads", cfg, 2000)

	removed := seq.Sweep(2100, 300)
	if removed != 1 {
		t.Errorf("Expected 1 bucket removed, got %d", removed)
	}
	if got := seq.Count("new", "uploads", cfg, 2100); got != 1 {
		t.Errorf("Expected live bucket to survive sweep, got count %d", got)
	}
}
