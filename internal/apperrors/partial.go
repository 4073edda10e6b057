package apperrors

import (
	"fmt"
	"net/http"
)

// ItemFailure describes one failed item in a batch.
type ItemFailure struct {
	Index   int    `json:"index"`
	Name    string `json:"name,omitempty"`
	Error   string `json:"error"`
	Message string `json:"message"`
}

// BatchResponse is the rollup of a batch operation. All items succeeding
// yields 200, all failing 500, and a mix 207 with partial_success set.
type BatchResponse struct {
	Success        bool          `json:"success"`
	PartialSuccess bool          `json:"partial_success,omitempty"`
	Message        string        `json:"message"`
	Results        []any         `json:"results,omitempty"`
	Failures       []ItemFailure `json:"failures,omitempty"`
}

// BatchAggregator collects per-item outcomes of a batch operation.
type BatchAggregator struct {
	results  []any
	failures []ItemFailure
	total    int
}

// AddSuccess records one successful item result.
func (a *BatchAggregator) AddSuccess(result any) {
	a.results = append(a.results, result)
	a.total++
}

// AddFailure records one failed item.
func (a *BatchAggregator) AddFailure(index int, name string, err error) {
	kind := KindOf(err)
	msg := err.Error()
	if e, ok := err.(*Error); ok {
		msg = e.Message
	}
	a.failures = append(a.failures, ItemFailure{
		Index:   index,
		Name:    name,
		Error:   string(kind),
		Message: msg,
	})
	a.total++
}

// Response rolls the collected outcomes into an HTTP status and body.
func (a *BatchAggregator) Response() (int, BatchResponse) {
	succeeded := len(a.results)
	failed := len(a.failures)

	resp := BatchResponse{
		Results:  a.results,
		Failures: a.failures,
		Message:  fmt.Sprintf("%d of %d processed successfully", succeeded, a.total),
	}

	switch {
	case a.total == 0:
		resp.Success = false
		resp.Message = "no items to process"
		return http.StatusBadRequest, resp
	case failed == 0:
		resp.Success = true
		return http.StatusOK, resp
	case succeeded == 0:
		resp.Success = false
		return http.StatusInternalServerError, resp
	default:
		resp.Success = false
		resp.PartialSuccess = true
		return http.StatusMultiStatus, resp
	}
}
