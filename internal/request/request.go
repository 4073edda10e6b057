package request

import (
	"net/http"
	"strings"
)

// FingerprintHeader carries the browser fingerprint hash computed by the
// frontend. When present it identifies the client more durably than the
// source address.
const FingerprintHeader = "X-Client-Fingerprint"

// ClientIP extracts the client IP from the request, respecting
// X-Forwarded-For and X-Real-IP.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		if len(parts) > 0 {
			return strings.TrimSpace(parts[0])
		}
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	return r.RemoteAddr
}

// ClientIdentity returns the rate-limit key for a request: the
// fingerprint hash when the frontend supplied one, the client IP
// otherwise.
func ClientIdentity(r *http.Request) string {
	if fp := strings.TrimSpace(r.Header.Get(FingerprintHeader)); fp != "" {
		return fp
	}
	return ClientIP(r)
}
