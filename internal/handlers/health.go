package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/fit2garmin/gateway/internal/ratelimit"
)

// HealthChecker handles health check requests
type HealthChecker struct {
	monitor *ratelimit.HealthMonitor
}

// NewHealthChecker creates a new health checker
func NewHealthChecker(monitor *ratelimit.HealthMonitor) *HealthChecker {
	return &HealthChecker{monitor: monitor}
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string                 `json:"status"`
	Timestamp string                 `json:"timestamp"`
	Strategy  string                 `json:"strategy,omitempty"`
	Degraded  []string               `json:"degraded_components,omitempty"`
	Tiers     []ratelimit.TierHealth `json:"tiers,omitempty"`
}

// HealthCheck handles the /healthz endpoint. Basic mode reports that the
// process is serving; extended mode includes the active admission
// strategy and per-tier circuit state. The endpoint returns 200 even when
// tiers are down: admission degrades through fallbacks rather than
// failing, so a degraded gateway is still a serving gateway.
func (h *HealthChecker) HealthCheck(w http.ResponseWriter, r *http.Request) {
	mode := r.URL.Query().Get("mode")

	response := HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	if mode == "extended" {
		strategy, _ := h.monitor.AvailableStrategy()
		response.Strategy = string(strategy)
		response.Tiers = h.monitor.Snapshot()
		for _, tier := range response.Tiers {
			if tier.Status != ratelimit.TierHealthy {
				response.Degraded = append(response.Degraded, tier.Component)
			}
		}
		if len(response.Degraded) > 0 {
			response.Status = "degraded"
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(response)
}
