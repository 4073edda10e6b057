package middleware

import (
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/fit2garmin/gateway/internal/apperrors"
	"github.com/fit2garmin/gateway/internal/ratelimit"
	"github.com/fit2garmin/gateway/internal/request"
	"github.com/fit2garmin/gateway/internal/security"
)

// Admission guards one endpoint class with the tiered rate limiter. The
// request is screened by the security validator first, then admitted (or
// not) through whatever strategy the health monitor currently allows.
// Infrastructure failure degrades; it never turns into a 5xx here.
func Admission(monitor *ratelimit.HealthMonitor, validator *security.Validator, endpoint string, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := validator.ValidateHeaders(r.Header); err != nil {
				WriteError(w, logger, err)
				return
			}

			clientID := request.ClientIdentity(r)
			if err := validator.CheckSuspicious(r.Context(), clientID); err != nil {
				WriteError(w, logger, err)
				return
			}

			result := monitor.Admit(r.Context(), clientID, endpoint)

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(result.Max))
			remaining := result.Max - result.Current
			if remaining < 0 {
				remaining = 0
			}
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))

			if result.RateLimited {
				retryAfter := result.RetryAfter
				if retryAfter <= 0 {
					retryAfter = 60
				}
				WriteError(w, logger, apperrors.RateLimited(endpoint, retryAfter))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
