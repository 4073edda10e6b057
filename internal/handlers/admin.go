package handlers

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/fit2garmin/gateway/internal/apperrors"
	logpkg "github.com/fit2garmin/gateway/internal/logger"
	"github.com/fit2garmin/gateway/internal/middleware"
	"github.com/fit2garmin/gateway/internal/ratelimit"
	"github.com/fit2garmin/gateway/internal/security"
)

// AdminHandler exposes the operator surface: limit resets, forced tier
// recovery, analytics rollups and on-demand maintenance.
type AdminHandler struct {
	coordinator *ratelimit.Coordinator
	monitor     *ratelimit.HealthMonitor
	validator   *security.Validator
	logger      *zap.Logger
}

// NewAdminHandler creates a new admin handler
func NewAdminHandler(coordinator *ratelimit.Coordinator, monitor *ratelimit.HealthMonitor, validator *security.Validator, logger *zap.Logger) *AdminHandler {
	return &AdminHandler{coordinator: coordinator, monitor: monitor, validator: validator, logger: logger}
}

// RegisterRoutes registers admin routes on the given router. The router
// should already carry the /admin prefix.
func (h *AdminHandler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/reset/{id}", h.ResetLimits).Methods("POST")
	r.HandleFunc("/unblock/{id}", h.Unblock).Methods("POST")
	r.HandleFunc("/recover/{component}", h.ForceRecovery).Methods("POST")
	r.HandleFunc("/analytics", h.GetAnalytics).Methods("GET")
	r.HandleFunc("/maintenance", h.RunMaintenance).Methods("POST")
}

// ResetLimits handles POST /admin/reset/{id}?endpoint=. Without the
// endpoint parameter all of the client's limits and its reputation are
// cleared; with it only that endpoint's window is reset. Resetting a
// client with no recorded activity succeeds.
func (h *AdminHandler) ResetLimits(w http.ResponseWriter, r *http.Request) {
	clientID := mux.Vars(r)["id"]
	endpoint := r.URL.Query().Get("endpoint")

	if err := h.coordinator.ResetLimits(r.Context(), clientID, endpoint); err != nil {
		middleware.WriteError(w, h.logger, err)
		return
	}

	h.logger.Info("Rate limits reset",
		zap.String("client_id", logpkg.SanitizeClientID(clientID)),
		zap.String("endpoint", endpoint))

	respondJSON(w, http.StatusOK, map[string]string{
		"client_id": clientID,
		"endpoint":  endpoint,
		"status":    "reset",
	})
}

// Unblock handles POST /admin/unblock/{id}: removes the client from the
// suspicious-activity block list.
func (h *AdminHandler) Unblock(w http.ResponseWriter, r *http.Request) {
	clientID := mux.Vars(r)["id"]

	if err := h.validator.Unblock(r.Context(), clientID); err != nil {
		middleware.WriteError(w, h.logger, err)
		return
	}

	h.logger.Info("Client unblocked", zap.String("client_id", logpkg.SanitizeClientID(clientID)))

	respondJSON(w, http.StatusOK, map[string]string{
		"client_id": clientID,
		"status":    "unblocked",
	})
}

// ForceRecovery handles POST /admin/recover/{component}: closes the
// circuit for a tier ahead of its cooldown. Unknown component names are a
// 404.
func (h *AdminHandler) ForceRecovery(w http.ResponseWriter, r *http.Request) {
	component := mux.Vars(r)["component"]

	if err := h.monitor.ForceRecovery(component); err != nil {
		middleware.WriteError(w, h.logger, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{
		"component": component,
		"status":    "recovered",
	})
}

// GetAnalytics handles GET /admin/analytics?since=&until= (RFC 3339).
// Defaults to the trailing 24 hours.
func (h *AdminHandler) GetAnalytics(w http.ResponseWriter, r *http.Request) {
	until := time.Now().UTC()
	since := until.Add(-24 * time.Hour)

	var err error
	if raw := r.URL.Query().Get("since"); raw != "" {
		since, err = time.Parse(time.RFC3339, raw)
		if err != nil {
			middleware.WriteError(w, h.logger, apperrors.Newf(apperrors.KindInvalidFormat, "since is not an RFC 3339 timestamp: %s", raw))
			return
		}
	}
	if raw := r.URL.Query().Get("until"); raw != "" {
		until, err = time.Parse(time.RFC3339, raw)
		if err != nil {
			middleware.WriteError(w, h.logger, apperrors.Newf(apperrors.KindInvalidFormat, "until is not an RFC 3339 timestamp: %s", raw))
			return
		}
	}
	if !since.Before(until) {
		middleware.WriteError(w, h.logger, apperrors.New(apperrors.KindInvalidFormat, "since must be before until"))
		return
	}

	summary, err := h.coordinator.GetAnalytics(r.Context(), since, until)
	if err != nil {
		middleware.WriteError(w, h.logger, err)
		return
	}

	respondJSON(w, http.StatusOK, summary)
}

// RunMaintenance handles POST /admin/maintenance: an on-demand run of the
// sweep that cron performs on schedule.
func (h *AdminHandler) RunMaintenance(w http.ResponseWriter, r *http.Request) {
	report, err := h.coordinator.PerformMaintenance(r.Context())
	if err != nil {
		middleware.WriteError(w, h.logger, err)
		return
	}

	respondJSON(w, http.StatusOK, report)
}
