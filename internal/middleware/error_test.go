package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"

	"github.com/fit2garmin/gateway/internal/apperrors"
)

func TestErrorHandlerRecoversPanic(t *testing.T) {
	t.Parallel()

	handler := ErrorHandler(zap.NewNop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("something broke")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/api/v1/usage/x", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	resp := decodeError(t, rec)
	if resp.Error != string(apperrors.KindInternal) {
		t.Errorf("error kind = %q, want %q", resp.Error, apperrors.KindInternal)
	}
	if resp.Message == "something broke" {
		t.Error("panic detail leaked to the client")
	}
}

func TestErrorHandlerPassesThrough(t *testing.T) {
	t.Parallel()

	handler := ErrorHandler(zap.NewNop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/healthz", nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}
}

func TestWriteErrorRateLimited(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	WriteError(rec, zap.NewNop(), apperrors.RateLimited("uploads", 120))

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if got := rec.Header().Get("Retry-After"); got != "120" {
		t.Errorf("Retry-After = %q, want 120", got)
	}
	resp := decodeError(t, rec)
	if resp.RetryAfter != 120 {
		t.Errorf("body retry_after = %d, want 120", resp.RetryAfter)
	}
}

func TestWriteErrorNilLogger(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	WriteError(rec, nil, apperrors.New(apperrors.KindInvalidFormat, "bad input"))
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", rec.Code)
	}
}
