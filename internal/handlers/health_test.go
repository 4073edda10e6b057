package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/fit2garmin/gateway/internal/ratelimit"
)

func TestHealthCheckBasic(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	h := NewHealthChecker(f.monitor)

	rec := httptest.NewRecorder()
	h.HealthCheck(rec, httptest.NewRequest("GET", "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp HealthResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.Status != "healthy" {
		t.Errorf("status = %q, want healthy", resp.Status)
	}
	if resp.Strategy != "" || len(resp.Tiers) != 0 {
		t.Errorf("basic mode should omit tier detail: %+v", resp)
	}
}

func TestHealthCheckExtended(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	h := NewHealthChecker(f.monitor)

	rec := httptest.NewRecorder()
	h.HealthCheck(rec, httptest.NewRequest("GET", "/healthz?mode=extended", nil))

	var resp HealthResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.Status != "healthy" {
		t.Errorf("status = %q, want healthy", resp.Status)
	}
	if resp.Strategy != string(ratelimit.StrategyFull) {
		t.Errorf("strategy = %q, want %q", resp.Strategy, ratelimit.StrategyFull)
	}
	if len(resp.Degraded) != 0 {
		t.Errorf("degraded components = %v, want none on a healthy system", resp.Degraded)
	}
	if len(resp.Tiers) != 3 {
		t.Fatalf("tiers = %d, want 3", len(resp.Tiers))
	}
	for _, tier := range resp.Tiers {
		if tier.Status != ratelimit.TierHealthy {
			t.Errorf("%s: status = %q, want healthy", tier.Component, tier.Status)
		}
	}
}

func TestHealthCheckExtendedDegraded(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	h := NewHealthChecker(f.monitor)

	boom := errors.New("connection refused")
	for i := 0; i < 3; i++ {
		f.monitor.RecordFailure("ledger", boom)
	}

	rec := httptest.NewRecorder()
	h.HealthCheck(rec, httptest.NewRequest("GET", "/healthz?mode=extended", nil))

	// Degraded tiers never fail the health check: the gateway still serves
	// through fallbacks.
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp HealthResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.Status != "degraded" {
		t.Errorf("status = %q, want degraded", resp.Status)
	}
	if resp.Strategy != string(ratelimit.StrategyCacheOnly) {
		t.Errorf("strategy = %q, want %q", resp.Strategy, ratelimit.StrategyCacheOnly)
	}
	found := false
	for _, component := range resp.Degraded {
		if component == "cache" || component == "archive" {
			t.Errorf("healthy tier %q listed as degraded", component)
		}
		if component == "ledger" {
			found = true
		}
	}
	if !found {
		t.Errorf("degraded components = %v, want ledger listed", resp.Degraded)
	}
}
