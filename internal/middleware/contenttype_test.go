package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestContentType(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		method      string
		contentType string
		body        string
		wantStatus  int
	}{
		{name: "GET skips validation", method: "GET", wantStatus: http.StatusOK},
		{name: "POST json", method: "POST", contentType: "application/json", body: "{}", wantStatus: http.StatusOK},
		{name: "POST json with charset", method: "POST", contentType: "application/json; charset=utf-8", body: "{}", wantStatus: http.StatusOK},
		{name: "POST multipart", method: "POST", contentType: "multipart/form-data; boundary=xyz", body: "--xyz--", wantStatus: http.StatusOK},
		{name: "POST bodyless without header", method: "POST", wantStatus: http.StatusOK},
		{name: "POST body without header", method: "POST", body: "{}", wantStatus: http.StatusUnprocessableEntity},
		{name: "POST wrong type", method: "POST", contentType: "text/plain", body: "hi", wantStatus: http.StatusUnprocessableEntity},
		{name: "PUT wrong type", method: "PUT", contentType: "application/xml", body: "<x/>", wantStatus: http.StatusUnprocessableEntity},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			handler := ContentType(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
			}))

			var body *strings.Reader
			if tc.body != "" {
				body = strings.NewReader(tc.body)
			} else {
				body = strings.NewReader("")
			}
			req := httptest.NewRequest(tc.method, "/api/v1/validate", body)
			if tc.contentType != "" {
				req.Header.Set("Content-Type", tc.contentType)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != tc.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tc.wantStatus)
			}
		})
	}
}
