package middleware

import (
	"net/http"

	"github.com/fit2garmin/gateway/internal/apperrors"
)

const (
	// DefaultMaxRequestSize bounds request bodies: two maximum-size weight
	// exports plus multipart framing.
	DefaultMaxRequestSize int64 = 21 << 20
)

// MaxRequestSize limits the size of request bodies to prevent DoS attacks
func MaxRequestSize(maxBytes int64) func(http.Handler) http.Handler {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxRequestSize
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Check Content-Length header early if present
			if r.ContentLength > maxBytes {
				WriteError(w, nil, apperrors.Newf(apperrors.KindFileTooLarge,
					"request body exceeds %d bytes", maxBytes))
				return
			}

			// Wrap the request body with MaxBytesReader
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			defer r.Body.Close()

			next.ServeHTTP(w, r)
		})
	}
}
