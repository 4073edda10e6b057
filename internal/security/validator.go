package security

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/go-playground/validator/v10"
	"github.com/ulule/limiter/v3"
	"go.uber.org/zap"

	"github.com/fit2garmin/gateway/internal/apperrors"
	logpkg "github.com/fit2garmin/gateway/internal/logger"
	"github.com/fit2garmin/gateway/internal/models"
	"github.com/fit2garmin/gateway/internal/ratelimit"
)

const (
	// MaxFilenameLength caps filenames.
	MaxFilenameLength = 255
	// MaxContentBytes caps one uploaded payload.
	MaxContentBytes = 10 << 20
	// MaxFilesPerUpload caps the batch size of one upload.
	MaxFilesPerUpload = 2
	// MaxHeaderLength caps one header value.
	MaxHeaderLength = 8192

	// JSON structure caps; a payload exceeding any of these is treated as
	// a resource-exhaustion attempt, not a conversion candidate.
	maxJSONDepth       = 10
	maxJSONArrayLength = 50000
	maxJSONKeyLength   = 128
	maxJSONValueLength = 4096

	// blockTTL is how long a flagged client stays blocked without
	// re-evaluating the probe window.
	blockTTL = time.Hour
)

// reservedNames are Windows device names that must never be used as
// filenames, with or without an extension.
var reservedNames = map[string]struct{}{
	"CON": {}, "PRN": {}, "AUX": {}, "NUL": {},
	"COM1": {}, "COM2": {}, "COM3": {}, "COM4": {}, "COM5": {},
	"COM6": {}, "COM7": {}, "COM8": {}, "COM9": {},
	"LPT1": {}, "LPT2": {}, "LPT3": {}, "LPT4": {}, "LPT5": {},
	"LPT6": {}, "LPT7": {}, "LPT8": {}, "LPT9": {},
}

// WeightEntry is one record of a Google Takeout weight export.
type WeightEntry struct {
	LogID  int64   `json:"logId" validate:"required,gt=0"`
	Weight float64 `json:"weight" validate:"required,gt=0,lte=1500"`
	BMI    float64 `json:"bmi" validate:"omitempty,gte=0,lte=200"`
	Fat    float64 `json:"fat" validate:"omitempty,gte=0,lte=100"`
	Date   string  `json:"date" validate:"required,max=10"`
	Time   string  `json:"time" validate:"required,max=8"`
}

// Validator screens input before it reaches conversion or storage: file
// names, payload structure, domain format, headers, and client behavior.
type Validator struct {
	validate *validator.Validate
	probe    *limiter.Limiter
	cache    ratelimit.KeyValueCache
	store    ratelimit.RateStore
	logger   *zap.Logger
	now      func() time.Time
}

// NewValidator builds a Validator. The probe store backs the
// suspicious-activity limiter (100 requests per 60s per client identity);
// cache holds the block list; store receives suspicious-activity
// violations.
func NewValidator(probeStore limiter.Store, cache ratelimit.KeyValueCache, store ratelimit.RateStore, logger *zap.Logger) *Validator {
	probe := limiter.New(probeStore, limiter.Rate{Period: 60 * time.Second, Limit: 100})
	return &Validator{
		validate: validator.New(),
		probe:    probe,
		cache:    cache,
		store:    store,
		logger:   logger,
		now:      time.Now,
	}
}

// ValidateFilename rejects empty, overlong, traversal-carrying, reserved or
// otherwise dangerous filenames. The declared content type is irrelevant:
// a bad name is rejected regardless.
func (v *Validator) ValidateFilename(name string) error {
	if name == "" {
		return apperrors.New(apperrors.KindInvalidFileType, "filename is empty")
	}
	if len(name) > MaxFilenameLength {
		return apperrors.Newf(apperrors.KindInvalidFileType, "filename exceeds %d characters", MaxFilenameLength)
	}
	if strings.Contains(name, "..") || strings.ContainsAny(name, `/\`) {
		return apperrors.Newf(apperrors.KindInvalidFileType, "filename %q contains path separators", name)
	}
	for _, r := range name {
		if r < 0x20 || r == 0x7f {
			return apperrors.New(apperrors.KindInvalidFileType, "filename contains control characters")
		}
		if strings.ContainsRune(`<>:"|?*`, r) {
			return apperrors.Newf(apperrors.KindInvalidFileType, "filename contains disallowed character %q", r)
		}
	}
	base := strings.ToUpper(name)
	if i := strings.IndexByte(base, '.'); i >= 0 {
		base = base[:i]
	}
	if _, reserved := reservedNames[base]; reserved {
		return apperrors.Newf(apperrors.KindInvalidFileType, "filename %q is a reserved device name", name)
	}
	if !strings.HasSuffix(strings.ToLower(name), ".json") {
		return apperrors.Newf(apperrors.KindInvalidFileType, "unsupported file type: %s", name)
	}
	return nil
}

// ValidateContent rejects oversized payloads, non-JSON content, and
// structurally abusive JSON before any record-level parsing happens.
func (v *Validator) ValidateContent(content []byte) error {
	if len(content) > MaxContentBytes {
		return apperrors.Newf(apperrors.KindFileTooLarge, "payload exceeds %d bytes", MaxContentBytes)
	}
	if !json.Valid(content) {
		return apperrors.New(apperrors.KindInvalidJSON, "payload is not valid JSON")
	}
	return v.checkStructure(content)
}

// checkStructure enforces depth, array-length and string-length caps on an
// already size-capped payload.
func (v *Validator) checkStructure(content []byte) error {
	var doc any
	if err := json.Unmarshal(content, &doc); err != nil {
		return apperrors.New(apperrors.KindInvalidJSON, "payload is not valid JSON")
	}
	return walkStructure(doc, 0)
}

func walkStructure(node any, depth int) error {
	if depth > maxJSONDepth {
		return apperrors.Newf(apperrors.KindInvalidJSON, "JSON nesting exceeds depth %d", maxJSONDepth)
	}
	switch t := node.(type) {
	case map[string]any:
		for key, value := range t {
			if len(key) > maxJSONKeyLength {
				return apperrors.Newf(apperrors.KindInvalidJSON, "JSON key exceeds %d characters", maxJSONKeyLength)
			}
			if err := walkStructure(value, depth+1); err != nil {
				return err
			}
		}
	case []any:
		if len(t) > maxJSONArrayLength {
			return apperrors.Newf(apperrors.KindInvalidJSON, "JSON array exceeds %d elements", maxJSONArrayLength)
		}
		for _, value := range t {
			if err := walkStructure(value, depth+1); err != nil {
				return err
			}
		}
	case string:
		if len(t) > maxJSONValueLength {
			return apperrors.Newf(apperrors.KindInvalidJSON, "JSON string value exceeds %d characters", maxJSONValueLength)
		}
	}
	return nil
}

// ValidateFileCount caps the batch size of one upload.
func (v *Validator) ValidateFileCount(n int) error {
	if n == 0 {
		return apperrors.New(apperrors.KindTooManyFiles, "no files provided")
	}
	if n > MaxFilesPerUpload {
		return apperrors.Newf(apperrors.KindTooManyFiles, "maximum %d files allowed", MaxFilesPerUpload)
	}
	return nil
}

// ValidateWeightExport parses and validates a full weight-export file. The
// first malformed record rejects the whole file, naming the file and the
// entry index.
func (v *Validator) ValidateWeightExport(filename string, content []byte) ([]WeightEntry, error) {
	var entries []WeightEntry
	if err := json.Unmarshal(content, &entries); err != nil {
		return nil, apperrors.Newf(apperrors.KindInvalidFormat, "%s: expected an array of weight entries", filename)
	}
	if len(entries) == 0 {
		return nil, apperrors.Newf(apperrors.KindInvalidFormat, "%s: file contains no weight entries", filename)
	}
	for i, entry := range entries {
		if err := v.validate.Struct(entry); err != nil {
			return nil, apperrors.Newf(apperrors.KindInvalidFormat,
				"%s: entry %d is not a valid weight record: %v", filename, i, firstFieldError(err))
		}
	}
	return entries, nil
}

func firstFieldError(err error) string {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return fmt.Sprintf("field %s failed %s", fe.Field(), fe.Tag())
	}
	return err.Error()
}

// ValidateHeaders rejects header values that exceed the length cap or
// contain control characters.
func (v *Validator) ValidateHeaders(headers map[string][]string) error {
	for name, values := range headers {
		for _, value := range values {
			if len(value) > MaxHeaderLength {
				return apperrors.Newf(apperrors.KindInvalidFormat, "header %s exceeds %d bytes", name, MaxHeaderLength)
			}
			for _, r := range value {
				if unicode.IsControl(r) && r != '\t' {
					return apperrors.Newf(apperrors.KindInvalidFormat, "header %s contains control characters", name)
				}
			}
		}
	}
	return nil
}

// CheckSuspicious consults the block list and the activity probe for the
// client. A previously flagged client is rejected immediately; a client
// that exhausts the probe window is flagged, has a violation recorded, and
// is rejected.
func (v *Validator) CheckSuspicious(ctx context.Context, clientID string) error {
	blockKey := "blocked:" + clientID
	if _, err := v.cache.Get(ctx, blockKey); err == nil {
		return apperrors.New(apperrors.KindRateLimitExceeded, "suspicious activity detected")
	}

	lctx, err := v.probe.Get(ctx, "suspicious:"+clientID)
	if err != nil {
		// The probe is advisory; its store failing must not block traffic.
		v.logger.Warn("suspicious_probe_failed", zap.String("client_id", logpkg.SanitizeClientID(clientID)), zap.Error(err))
		return nil
	}
	if !lctx.Reached {
		return nil
	}

	if err := v.cache.Set(ctx, blockKey, []byte("1"), blockTTL); err != nil {
		v.logger.Warn("block_list_write_failed", zap.String("client_id", logpkg.SanitizeClientID(clientID)), zap.Error(err))
	}
	if v.store != nil {
		violation := models.ViolationRecord{
			ClientID:      clientID,
			Endpoint:      "suspicious",
			ViolationType: "suspicious_activity",
			Timestamp:     v.now(),
			Limit:         int(lctx.Limit),
			WindowSeconds: 60,
		}
		violation.CountAtViolation = int(lctx.Limit - lctx.Remaining)
		if err := v.store.RecordViolation(ctx, violation); err != nil {
			v.logger.Warn("suspicious_violation_record_failed", zap.Error(err))
		}
	}
	v.logger.Warn("client_flagged_suspicious", zap.String("client_id", logpkg.SanitizeClientID(clientID)))
	return apperrors.New(apperrors.KindRateLimitExceeded, "suspicious activity detected")
}

// Unblock removes a client from the block list.
func (v *Validator) Unblock(ctx context.Context, clientID string) error {
	return v.cache.Delete(ctx, "blocked:"+clientID)
}
