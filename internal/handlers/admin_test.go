package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/fit2garmin/gateway/internal/apperrors"
	"github.com/fit2garmin/gateway/internal/models"
)

func adminRouter(f *fixture) *mux.Router {
	h := NewAdminHandler(f.coordinator, f.monitor, f.validator, zap.NewNop())
	router := mux.NewRouter()
	h.RegisterRoutes(router.PathPrefix("/admin").Subrouter())
	return router
}

func TestAdminResetLimits(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := f.coordinator.CheckRateLimit(ctx, "client-a", "uploads"); err != nil {
			t.Fatalf("seeding check %d: %v", i, err)
		}
	}

	router := adminRouter(f)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("POST", "/admin/reset/client-a", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body %s", rec.Code, rec.Body)
	}
	var data map[string]string
	decodeEnvelope(t, rec, &data)
	if data["status"] != "reset" || data["client_id"] != "client-a" {
		t.Errorf("response data = %v", data)
	}

	status, err := f.coordinator.GetStatus(ctx, "client-a")
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	for _, ep := range status.Endpoints {
		if ep.Current != 0 {
			t.Errorf("%s: Current = %d after reset", ep.Endpoint, ep.Current)
		}
	}
}

func TestAdminResetUnknownClientSucceeds(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	rec := httptest.NewRecorder()
	adminRouter(f).ServeHTTP(rec, httptest.NewRequest("POST", "/admin/reset/ghost?endpoint=uploads", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body %s", rec.Code, rec.Body)
	}
}

func TestAdminUnblock(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	if err := f.cache.Set(ctx, "blocked:client-a", []byte("1"), time.Hour); err != nil {
		t.Fatalf("seeding block list: %v", err)
	}

	rec := httptest.NewRecorder()
	adminRouter(f).ServeHTTP(rec, httptest.NewRequest("POST", "/admin/unblock/client-a", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body %s", rec.Code, rec.Body)
	}

	if err := f.validator.CheckSuspicious(ctx, "client-a"); err != nil {
		t.Fatalf("client should pass screening after unblock: %v", err)
	}
}

func TestAdminForceRecovery(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	router := adminRouter(f)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("POST", "/admin/recover/ledger", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body %s", rec.Code, rec.Body)
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("POST", "/admin/recover/flux-capacitor", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404, body %s", rec.Code, rec.Body)
	}
	var resp apperrors.Response
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decoding error response: %v", err)
	}
	if resp.Error != string(apperrors.KindNotFound) {
		t.Errorf("error kind = %q, want %q", resp.Error, apperrors.KindNotFound)
	}
}

func TestAdminGetAnalytics(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.coordinator.CheckRateLimit(ctx, "client-a", "uploads"); err != nil {
		t.Fatalf("seeding check: %v", err)
	}

	rec := httptest.NewRecorder()
	adminRouter(f).ServeHTTP(rec, httptest.NewRequest("GET", "/admin/analytics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body %s", rec.Code, rec.Body)
	}
	var summary models.AnalyticsSummary
	decodeEnvelope(t, rec, &summary)
	if summary.TotalRequests != 1 {
		t.Errorf("TotalRequests = %d, want 1", summary.TotalRequests)
	}
}

func TestAdminGetAnalyticsRejectsBadRange(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	router := adminRouter(f)

	tests := []struct {
		name  string
		query string
	}{
		{name: "malformed since", query: "?since=yesterday"},
		{name: "malformed until", query: "?until=2026-99-99"},
		{name: "inverted range", query: "?since=2026-08-02T00:00:00Z&until=2026-08-01T00:00:00Z"},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, httptest.NewRequest("GET", "/admin/analytics"+tc.query, nil))
			if rec.Code != http.StatusUnprocessableEntity {
				t.Fatalf("status = %d, want 422, body %s", rec.Code, rec.Body)
			}
		})
	}
}

func TestAdminRunMaintenance(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	f.coordinator.RecordOutcome(ctx, models.AnalyticsEvent{
		ClientID: "client-a", Endpoint: "uploads", Source: "ledger", Timestamp: time.Now().UTC(),
	})

	rec := httptest.NewRecorder()
	adminRouter(f).ServeHTTP(rec, httptest.NewRequest("POST", "/admin/maintenance", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body %s", rec.Code, rec.Body)
	}
	var report models.MaintenanceReport
	decodeEnvelope(t, rec, &report)
	if report.EventsFlushed != 1 {
		t.Errorf("EventsFlushed = %d, want 1", report.EventsFlushed)
	}
	if f.archive.Len() != 1 {
		t.Errorf("archive batches = %d, want 1", f.archive.Len())
	}
}
