package models

import "time"

// RateLimitResult is the outcome of one admission check.
type RateLimitResult struct {
	RateLimited bool `json:"rate_limited"`
	Current     int  `json:"current"`
	Max         int  `json:"max"`
	// Source identifies the tier that produced the decision:
	// "cache", "ledger", "cache-fallback" or "memory-fallback".
	Source     string `json:"source"`
	RetryAfter int    `json:"retry_after,omitempty"`
}

// EndpointConfig describes the sliding-window policy for one endpoint.
// When both a client override and a default exist for the same endpoint,
// the entry with the higher priority wins.
type EndpointConfig struct {
	Endpoint      string `json:"endpoint" yaml:"endpoint"`
	MaxRequests   int    `json:"max_requests" yaml:"max_requests"`
	WindowSeconds int    `json:"window_seconds" yaml:"window_seconds"`
	Priority      int    `json:"priority" yaml:"priority"`
}

// Default endpoint policies. Overridable per client via the ledger and
// per deployment via the endpoint policy file.
func DefaultEndpointConfigs() map[string]EndpointConfig {
	return map[string]EndpointConfig{
		"uploads":     {Endpoint: "uploads", MaxRequests: 20, WindowSeconds: 300},
		"conversions": {Endpoint: "conversions", MaxRequests: 10, WindowSeconds: 3600},
		"validations": {Endpoint: "validations", MaxRequests: 30, WindowSeconds: 300},
		"downloads":   {Endpoint: "downloads", MaxRequests: 50, WindowSeconds: 300},
		"suspicious":  {Endpoint: "suspicious", MaxRequests: 100, WindowSeconds: 60},
	}
}

// ViolationRecord is an append-only record of one rejected request.
type ViolationRecord struct {
	ID               int64     `json:"id"`
	ClientID         string    `json:"client_id"`
	Endpoint         string    `json:"endpoint"`
	ViolationType    string    `json:"violation_type"`
	Timestamp        time.Time `json:"timestamp"`
	CountAtViolation int       `json:"count_at_violation"`
	Limit            int       `json:"limit"`
	WindowSeconds    int       `json:"window_seconds"`
}

// RiskLevel buckets a client's violation history.
type RiskLevel string

const (
	RiskLow      RiskLevel = "LOW"
	RiskMedium   RiskLevel = "MEDIUM"
	RiskHigh     RiskLevel = "HIGH"
	RiskCritical RiskLevel = "CRITICAL"
)

// ReputationRecord tracks a client's standing. Score only decreases,
// except through an explicit reset.
type ReputationRecord struct {
	ClientID       string     `json:"client_id"`
	Score          int        `json:"score"`
	TotalRequests  int64      `json:"total_requests"`
	ViolationCount int        `json:"violation_count"`
	RiskLevel      RiskLevel  `json:"risk_level"`
	LastViolation  *time.Time `json:"last_violation,omitempty"`
	LastRequest    *time.Time `json:"last_request,omitempty"`
}

// ReputationForViolations derives score and risk from a cumulative
// violation count. Risk is a pure function of the count; score for the
// LOW band decays from the previous score instead.
func ReputationForViolations(violations, previousScore int) (score int, risk RiskLevel) {
	switch {
	case violations >= 10:
		return 0, RiskCritical
	case violations >= 5:
		return 25, RiskHigh
	case violations >= 2:
		return 50, RiskMedium
	default:
		score = previousScore - 10
		if score < 0 {
			score = 0
		}
		return score, RiskLow
	}
}

// EndpointUsage is the per-endpoint view returned by status queries.
type EndpointUsage struct {
	Endpoint  string `json:"endpoint"`
	Current   int    `json:"current"`
	Max       int    `json:"max"`
	Remaining int    `json:"remaining"`
	// ResetSeconds is the time until the oldest counted request ages out.
	ResetSeconds int `json:"reset_seconds"`
}

// UsageStatus is the full usage view for one client.
type UsageStatus struct {
	ClientID   string            `json:"client_id"`
	Endpoints  []EndpointUsage   `json:"endpoints"`
	Reputation *ReputationRecord `json:"reputation,omitempty"`
}

// AnalyticsEvent is one accepted/rejected admission outcome, buffered in
// memory and archived in bulk.
type AnalyticsEvent struct {
	ClientID    string    `json:"client_id"`
	Endpoint    string    `json:"endpoint"`
	RateLimited bool      `json:"rate_limited"`
	Source      string    `json:"source"`
	Timestamp   time.Time `json:"timestamp"`
}

// AnalyticsSummary merges ledger aggregates with archived event batches.
type AnalyticsSummary struct {
	Since           time.Time        `json:"since"`
	Until           time.Time        `json:"until"`
	TotalRequests   int64            `json:"total_requests"`
	TotalViolations int64            `json:"total_violations"`
	UniqueClients   int64            `json:"unique_clients"`
	ByEndpoint      map[string]int64 `json:"by_endpoint"`
	ArchivedEvents  int64            `json:"archived_events"`
	ArchivedBatches int              `json:"archived_batches"`
}

// MaintenanceReport summarizes one maintenance sweep.
type MaintenanceReport struct {
	LedgerPurged   int64 `json:"ledger_purged"`
	MemorySwept    int   `json:"memory_swept"`
	EventsFlushed  int   `json:"events_flushed"`
	DurationMillis int64 `json:"duration_ms"`
}
