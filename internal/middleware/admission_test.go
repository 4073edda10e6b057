package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	memorystore "github.com/ulule/limiter/v3/drivers/store/memory"
	"go.uber.org/zap"

	"github.com/fit2garmin/gateway/internal/apperrors"
	"github.com/fit2garmin/gateway/internal/models"
	"github.com/fit2garmin/gateway/internal/ratelimit"
	"github.com/fit2garmin/gateway/internal/request"
	"github.com/fit2garmin/gateway/internal/security"
	"github.com/fit2garmin/gateway/internal/storage"
)

type admissionFixture struct {
	monitor   *ratelimit.HealthMonitor
	validator *security.Validator
	cache     *storage.MemoryCache
}

func newAdmissionFixture(t *testing.T, maxRequests int) *admissionFixture {
	t.Helper()

	ledger := storage.NewMemoryStore()
	cache := storage.NewMemoryCache()
	archive := storage.NewMemoryArchive()
	logger := zap.NewNop()

	coordinator := ratelimit.NewCoordinator(ledger, cache, archive, logger, nil, ratelimit.CoordinatorConfig{
		Endpoints: map[string]models.EndpointConfig{
			"validations": {Endpoint: "validations", MaxRequests: maxRequests, WindowSeconds: 300},
		},
		CacheTTL:  300 * time.Second,
		Freshness: 30 * time.Second,
	})
	return &admissionFixture{
		monitor:   ratelimit.NewHealthMonitor(coordinator, logger, nil),
		validator: security.NewValidator(memorystore.NewStore(), cache, ledger, logger),
		cache:     cache,
	}
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) apperrors.Response {
	t.Helper()
	var resp apperrors.Response
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decoding error response: %v", err)
	}
	return resp
}

func TestAdmissionAllowsWithinLimit(t *testing.T) {
	t.Parallel()

	f := newAdmissionFixture(t, 2)
	called := false
	handler := Admission(f.monitor, f.validator, "validations", zap.NewNop())(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			called = true
			w.WriteHeader(http.StatusOK)
		}))

	req := httptest.NewRequest("POST", "/api/v1/validate", nil)
	req.Header.Set(request.FingerprintHeader, "client-a")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if !called {
		t.Fatal("handler should have been invoked")
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if got := rec.Header().Get("X-RateLimit-Limit"); got != "2" {
		t.Errorf("X-RateLimit-Limit = %q, want 2", got)
	}
	if got := rec.Header().Get("X-RateLimit-Remaining"); got != "1" {
		t.Errorf("X-RateLimit-Remaining = %q, want 1", got)
	}
}

func TestAdmissionRejectsOverLimit(t *testing.T) {
	t.Parallel()

	f := newAdmissionFixture(t, 2)
	handler := Admission(f.monitor, f.validator, "validations", zap.NewNop())(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))

	do := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest("POST", "/api/v1/validate", nil)
		req.Header.Set(request.FingerprintHeader, "client-a")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	for i := 0; i < 2; i++ {
		if rec := do(); rec.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d, want 200", i, rec.Code)
		}
	}

	rec := do()
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("Retry-After header missing on rejection")
	}
	if got := rec.Header().Get("X-RateLimit-Remaining"); got != "0" {
		t.Errorf("X-RateLimit-Remaining = %q, want 0", got)
	}
	resp := decodeError(t, rec)
	if resp.Error != string(apperrors.KindRateLimitExceeded) {
		t.Errorf("error kind = %q, want %q", resp.Error, apperrors.KindRateLimitExceeded)
	}

	// A different client is unaffected.
	req := httptest.NewRequest("POST", "/api/v1/validate", nil)
	req.Header.Set(request.FingerprintHeader, "client-b")
	other := httptest.NewRecorder()
	handler.ServeHTTP(other, req)
	if other.Code != http.StatusOK {
		t.Fatalf("other client status = %d, want 200", other.Code)
	}
}

func TestAdmissionRejectsBlockedClient(t *testing.T) {
	t.Parallel()

	f := newAdmissionFixture(t, 10)
	if err := f.cache.Set(context.Background(), "blocked:client-a", []byte("1"), time.Hour); err != nil {
		t.Fatalf("seeding block list: %v", err)
	}

	called := false
	handler := Admission(f.monitor, f.validator, "validations", zap.NewNop())(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true }))

	req := httptest.NewRequest("POST", "/api/v1/validate", nil)
	req.Header.Set(request.FingerprintHeader, "client-a")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if called {
		t.Fatal("blocked client should not reach the handler")
	}
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
}

func TestAdmissionRejectsControlCharacterHeader(t *testing.T) {
	t.Parallel()

	f := newAdmissionFixture(t, 10)
	handler := Admission(f.monitor, f.validator, "validations", zap.NewNop())(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			t.Error("handler should not run for a malformed header")
		}))

	req := httptest.NewRequest("POST", "/api/v1/validate", nil)
	req.Header.Set("X-Custom", "bad\x00value")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", rec.Code)
	}
	resp := decodeError(t, rec)
	if resp.Error != string(apperrors.KindInvalidFormat) {
		t.Errorf("error kind = %q, want %q", resp.Error, apperrors.KindInvalidFormat)
	}
}
