package handlers

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http/httptest"
	"testing"
	"time"

	memorystore "github.com/ulule/limiter/v3/drivers/store/memory"
	"go.uber.org/zap"

	"github.com/fit2garmin/gateway/internal/models"
	"github.com/fit2garmin/gateway/internal/ratelimit"
	"github.com/fit2garmin/gateway/internal/security"
	"github.com/fit2garmin/gateway/internal/storage"
)

// validExport is a minimal weight export that passes every validation
// stage.
const validExport = `[{"logId":1,"weight":75.5,"bmi":24.2,"fat":18.1,"date":"08/01/26","time":"07:30:00"}]`

type fixture struct {
	ledger      *storage.MemoryStore
	cache       *storage.MemoryCache
	archive     *storage.MemoryArchive
	coordinator *ratelimit.Coordinator
	monitor     *ratelimit.HealthMonitor
	validator   *security.Validator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	ledger := storage.NewMemoryStore()
	cache := storage.NewMemoryCache()
	archive := storage.NewMemoryArchive()
	logger := zap.NewNop()

	coordinator := ratelimit.NewCoordinator(ledger, cache, archive, logger, nil, ratelimit.CoordinatorConfig{
		Endpoints: map[string]models.EndpointConfig{
			"uploads":     {Endpoint: "uploads", MaxRequests: 3, WindowSeconds: 300},
			"validations": {Endpoint: "validations", MaxRequests: 30, WindowSeconds: 300},
		},
		CacheTTL:  300 * time.Second,
		Freshness: 30 * time.Second,
	})
	return &fixture{
		ledger:      ledger,
		cache:       cache,
		archive:     archive,
		coordinator: coordinator,
		monitor:     ratelimit.NewHealthMonitor(coordinator, logger, nil),
		validator:   security.NewValidator(memorystore.NewStore(), cache, ledger, logger),
	}
}

type uploadFile struct {
	name    string
	content string
}

// multipartBody builds a multipart form with each file under the "files"
// field, returning the body and its Content-Type.
func multipartBody(t *testing.T, files []uploadFile) (*bytes.Buffer, string) {
	t.Helper()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for _, f := range files {
		part, err := mw.CreateFormFile("files", f.name)
		if err != nil {
			t.Fatalf("creating form file %s: %v", f.name, err)
		}
		if _, err := part.Write([]byte(f.content)); err != nil {
			t.Fatalf("writing form file %s: %v", f.name, err)
		}
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("closing multipart writer: %v", err)
	}
	return &buf, mw.FormDataContentType()
}

// envelope is the success wrapper respondJSON produces.
type envelope struct {
	Success   bool            `json:"success"`
	Data      json.RawMessage `json:"data"`
	Timestamp string          `json:"timestamp"`
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder, data any) {
	t.Helper()
	var env envelope
	if err := json.NewDecoder(rec.Body).Decode(&env); err != nil {
		t.Fatalf("decoding response envelope: %v", err)
	}
	if !env.Success {
		t.Fatalf("success = false, body %s", env.Data)
	}
	if data != nil {
		if err := json.Unmarshal(env.Data, data); err != nil {
			t.Fatalf("decoding response data: %v", err)
		}
	}
}
