package middleware

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/fit2garmin/gateway/internal/apperrors"
)

func TestMaxRequestSize(t *testing.T) {
	t.Parallel()

	t.Run("rejects oversized content-length early", func(t *testing.T) {
		t.Parallel()

		handler := MaxRequestSize(16)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			t.Error("handler should not run for an oversized request")
		}))

		req := httptest.NewRequest("POST", "/api/v1/validate", strings.NewReader(strings.Repeat("a", 32)))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusRequestEntityTooLarge {
			t.Fatalf("status = %d, want 413", rec.Code)
		}
		resp := decodeError(t, rec)
		if resp.Error != string(apperrors.KindFileTooLarge) {
			t.Errorf("error kind = %q, want %q", resp.Error, apperrors.KindFileTooLarge)
		}
	})

	t.Run("caps body reads without content-length", func(t *testing.T) {
		t.Parallel()

		var readErr error
		handler := MaxRequestSize(16)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, readErr = io.ReadAll(r.Body)
		}))

		// Chunked transfer: ContentLength is unknown, so the limit has to
		// come from the body wrapper.
		req := httptest.NewRequest("POST", "/api/v1/validate", io.NopCloser(strings.NewReader(strings.Repeat("a", 32))))
		req.ContentLength = -1
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if readErr == nil {
			t.Fatal("reading past the cap should fail")
		}
	})

	t.Run("passes small bodies through", func(t *testing.T) {
		t.Parallel()

		handler := MaxRequestSize(16)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			body, err := io.ReadAll(r.Body)
			if err != nil {
				t.Errorf("reading body: %v", err)
			}
			if string(body) != "hello" {
				t.Errorf("body = %q", body)
			}
			w.WriteHeader(http.StatusOK)
		}))

		req := httptest.NewRequest("POST", "/api/v1/validate", strings.NewReader("hello"))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}
	})

	t.Run("zero max falls back to default", func(t *testing.T) {
		t.Parallel()

		handler := MaxRequestSize(0)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))
		req := httptest.NewRequest("POST", "/api/v1/validate", strings.NewReader("hello"))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}
	})
}
