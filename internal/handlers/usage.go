package handlers

import (
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/fit2garmin/gateway/internal/apperrors"
	"github.com/fit2garmin/gateway/internal/middleware"
	"github.com/fit2garmin/gateway/internal/ratelimit"
)

// UsageHandler serves per-client rate-limit usage
type UsageHandler struct {
	coordinator *ratelimit.Coordinator
	logger      *zap.Logger
}

// NewUsageHandler creates a new usage handler
func NewUsageHandler(coordinator *ratelimit.Coordinator, logger *zap.Logger) *UsageHandler {
	return &UsageHandler{coordinator: coordinator, logger: logger}
}

// GetUsage handles GET /api/v1/usage/{id}: current counts, remaining
// capacity and reset times for every configured endpoint, plus the
// client's reputation.
func (h *UsageHandler) GetUsage(w http.ResponseWriter, r *http.Request) {
	clientID := mux.Vars(r)["id"]
	if clientID == "" {
		middleware.WriteError(w, h.logger, apperrors.New(apperrors.KindInvalidFormat, "client id is required"))
		return
	}

	status, err := h.coordinator.GetStatus(r.Context(), clientID)
	if err != nil {
		middleware.WriteError(w, h.logger, err)
		return
	}

	respondJSON(w, http.StatusOK, status)
}
