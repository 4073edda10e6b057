package middleware

import (
	"net/http"
)

// SecurityHeaders applies the response-header posture for a JSON-only
// conversion API: nothing the gateway serves may be framed, sniffed, or
// cached. Admission verdicts and usage counts are point-in-time, so a
// cached response would report someone else's limits.
func SecurityHeaders(enableHSTS bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()

			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("X-Frame-Options", "DENY")

			// No endpoint renders markup, so scripts and frames are
			// denied outright rather than whitelisted.
			h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")

			// Request paths carry client fingerprints; never leak them
			// through a Referer header.
			h.Set("Referrer-Policy", "no-referrer")

			h.Set("Cache-Control", "no-store")
			h.Set("Permissions-Policy", "camera=(), microphone=(), geolocation=()")

			// HSTS only when the deployment terminates TLS here; the
			// gate keeps local plain-HTTP runs from poisoning browsers.
			if enableHSTS && r.TLS != nil {
				h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
			}

			next.ServeHTTP(w, r)
		})
	}
}
