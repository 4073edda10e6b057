package handlers

import (
	"io"
	"mime"
	"mime/multipart"
	"net/http"

	"go.uber.org/zap"

	"github.com/fit2garmin/gateway/internal/apperrors"
	"github.com/fit2garmin/gateway/internal/middleware"
	"github.com/fit2garmin/gateway/internal/security"
)

// ValidateHandler handles weight-export validation requests
type ValidateHandler struct {
	validator *security.Validator
	logger    *zap.Logger
}

// NewValidateHandler creates a new validation handler
func NewValidateHandler(validator *security.Validator, logger *zap.Logger) *ValidateHandler {
	return &ValidateHandler{validator: validator, logger: logger}
}

// FileResult summarizes one successfully validated file.
type FileResult struct {
	Filename string `json:"filename"`
	Entries  int    `json:"entries"`
}

// ValidateFiles handles POST /api/v1/validate. Files are uploaded as a
// multipart form under the "files" field; each file is validated
// independently so one malformed export does not fail the batch.
func (h *ValidateHandler) ValidateFiles(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(int64(security.MaxContentBytes)); err != nil {
		middleware.WriteError(w, h.logger, apperrors.Wrap(apperrors.KindInvalidFormat, "request is not a valid multipart form", err))
		return
	}
	defer func() {
		_ = r.MultipartForm.RemoveAll()
	}()

	files := r.MultipartForm.File["files"]
	if err := h.validator.ValidateFileCount(len(files)); err != nil {
		middleware.WriteError(w, h.logger, err)
		return
	}

	var batch apperrors.BatchAggregator
	for i, header := range files {
		name := rawFilename(header)
		result, err := h.validateFile(name, header)
		if err != nil {
			batch.AddFailure(i, name, err)
			continue
		}
		batch.AddSuccess(result)
	}

	status, body := batch.Response()
	respondRaw(w, status, body)
}

// rawFilename recovers the filename as the client declared it. The
// multipart parser strips directory components from FileHeader.Filename,
// which would hide a traversal attempt from the screening below.
func rawFilename(header *multipart.FileHeader) string {
	if cd := header.Header.Get("Content-Disposition"); cd != "" {
		if _, params, err := mime.ParseMediaType(cd); err == nil {
			if name, ok := params["filename"]; ok {
				return name
			}
		}
	}
	return header.Filename
}

func (h *ValidateHandler) validateFile(name string, header *multipart.FileHeader) (FileResult, error) {
	if err := h.validator.ValidateFilename(name); err != nil {
		return FileResult{}, err
	}

	f, err := header.Open()
	if err != nil {
		return FileResult{}, apperrors.Wrap(apperrors.KindInternal, "opening uploaded file", err)
	}
	defer func() {
		_ = f.Close()
	}()

	// Read one byte past the cap so oversize files are detected without
	// buffering arbitrary input.
	content, err := io.ReadAll(io.LimitReader(f, int64(security.MaxContentBytes)+1))
	if err != nil {
		return FileResult{}, apperrors.Wrap(apperrors.KindInternal, "reading uploaded file", err)
	}

	if err := h.validator.ValidateContent(content); err != nil {
		return FileResult{}, err
	}
	entries, err := h.validator.ValidateWeightExport(name, content)
	if err != nil {
		return FileResult{}, err
	}
	return FileResult{Filename: name, Entries: len(entries)}, nil
}
