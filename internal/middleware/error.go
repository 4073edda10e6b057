package middleware

import (
	"encoding/json"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/fit2garmin/gateway/internal/apperrors"
)

// ErrorHandler recovers panics and converts them into the standard error
// response without leaking detail to the client.
func ErrorHandler(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic_recovered",
						zap.Any("error", rec),
						zap.String("path", r.URL.Path),
						zap.String("method", r.Method),
					)
					WriteError(w, logger, apperrors.New(apperrors.KindInternal, "an unexpected error occurred"))
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// WriteError writes a typed error as JSON with its stable status code,
// adding Retry-After for rate-limit rejections.
func WriteError(w http.ResponseWriter, logger *zap.Logger, err error) {
	status, resp := apperrors.ToResponse(err)
	w.Header().Set("Content-Type", "application/json")
	if resp.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(resp.RetryAfter))
	}
	w.WriteHeader(status)
	if encErr := json.NewEncoder(w).Encode(resp); encErr != nil && logger != nil {
		logger.Error("failed_to_encode_error_response",
			zap.Error(encErr),
			zap.Int("status_code", status),
		)
	}
}

// WriteJSON writes a success payload.
func WriteJSON(w http.ResponseWriter, logger *zap.Logger, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Error("failed_to_encode_response", zap.Error(err), zap.Int("status_code", status))
	}
}
