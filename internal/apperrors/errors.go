package apperrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is the closed set of error classifications the gateway surfaces.
type Kind string

const (
	KindRateLimitExceeded Kind = "RATE_LIMIT_EXCEEDED"
	KindInvalidFileType   Kind = "INVALID_FILE_TYPE"
	KindFileTooLarge      Kind = "FILE_TOO_LARGE"
	KindTooManyFiles      Kind = "TOO_MANY_FILES"
	KindInvalidJSON       Kind = "INVALID_JSON"
	KindInvalidFormat     Kind = "INVALID_FORMAT"
	KindNotFound          Kind = "NOT_FOUND"
	KindConversionFailed  Kind = "CONVERSION_FAILED"
	KindStorageError      Kind = "STORAGE_ERROR"
	KindUnavailable       Kind = "DEPENDENCY_UNAVAILABLE"
	KindInternal          Kind = "INTERNAL_ERROR"
	KindNetworkTimeout    Kind = "NETWORK_TIMEOUT"
)

// statusByKind maps each kind to its stable HTTP status code.
var statusByKind = map[Kind]int{
	KindRateLimitExceeded: http.StatusTooManyRequests,
	KindInvalidFileType:   http.StatusBadRequest,
	KindFileTooLarge:      http.StatusRequestEntityTooLarge,
	KindTooManyFiles:      http.StatusBadRequest,
	KindInvalidJSON:       http.StatusBadRequest,
	KindInvalidFormat:     http.StatusUnprocessableEntity,
	KindNotFound:          http.StatusNotFound,
	KindConversionFailed:  http.StatusInternalServerError,
	KindStorageError:      http.StatusInternalServerError,
	KindUnavailable:       http.StatusServiceUnavailable,
	KindInternal:          http.StatusInternalServerError,
	KindNetworkTimeout:    http.StatusGatewayTimeout,
}

// Error is the uniform typed error used across the admission layer so the
// fallback chain can match on failure kind instead of message content.
type Error struct {
	Kind    Kind
	Message string
	// RetryAfter, in seconds, accompanies rate-limit rejections.
	RetryAfter int
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Status returns the HTTP status for the error's kind.
func (e *Error) Status() int {
	if s, ok := statusByKind[e.Kind]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// New builds an Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf builds an Error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to an underlying error.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// RateLimited builds the rate-limit rejection with its Retry-After hint.
func RateLimited(endpoint string, retryAfter int) *Error {
	return &Error{
		Kind:       KindRateLimitExceeded,
		Message:    fmt.Sprintf("rate limit exceeded for %s", endpoint),
		RetryAfter: retryAfter,
	}
}

// KindOf extracts the kind from any error, defaulting to KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

// IsRetryable reports whether the caller may usefully retry via a lower
// strategy. Rate-limit rejections and validation failures are final.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindStorageError, KindUnavailable, KindNetworkTimeout, KindInternal:
		return true
	default:
		return false
	}
}

// Response is the JSON error body written to clients.
type Response struct {
	Success    bool   `json:"success"`
	Error      string `json:"error"`
	Message    string `json:"message"`
	RetryAfter int    `json:"retry_after,omitempty"`
}

// ToResponse converts any error into a client-safe response and status.
// Internal detail is never leaked for 5xx kinds.
func ToResponse(err error) (int, Response) {
	var e *Error
	if !errors.As(err, &e) {
		e = Wrap(KindInternal, "an unexpected error occurred", err)
	}
	msg := e.Message
	if e.Status() >= 500 {
		msg = "an internal error occurred"
	}
	return e.Status(), Response{
		Success:    false,
		Error:      string(e.Kind),
		Message:    msg,
		RetryAfter: e.RetryAfter,
	}
}
