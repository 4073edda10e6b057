package middleware

import (
	"net/http"
	"strings"

	"github.com/fit2garmin/gateway/internal/apperrors"
)

// ContentType validates Content-Type headers for requests with bodies.
// The gateway accepts JSON bodies everywhere and multipart uploads on the
// validation route.
func ContentType(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Only validate Content-Type for methods that typically have bodies
		if r.Method == "POST" || r.Method == "PATCH" || r.Method == "PUT" {
			contentType := strings.ToLower(r.Header.Get("Content-Type"))

			if contentType == "" {
				// Parameterless admin POSTs carry no body.
				if r.ContentLength > 0 {
					WriteError(w, nil, apperrors.New(apperrors.KindInvalidFormat, "Content-Type header is required"))
					return
				}
				next.ServeHTTP(w, r)
				return
			}

			isJSON := strings.HasPrefix(contentType, "application/json")
			isMultipart := strings.HasPrefix(contentType, "multipart/form-data")

			if !isJSON && !isMultipart {
				WriteError(w, nil, apperrors.New(apperrors.KindInvalidFormat,
					"Content-Type must be application/json or multipart/form-data"))
				return
			}
		}

		next.ServeHTTP(w, r)
	})
}
