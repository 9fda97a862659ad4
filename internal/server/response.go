package server

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/talkmetrics/talkmetrics/internal/aggregate"
	"github.com/talkmetrics/talkmetrics/internal/analytics"
	"github.com/talkmetrics/talkmetrics/internal/filter"
)

// writeJSON writes v as JSON with the given HTTP status code.
// Logs a warning if JSON encoding fails.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("writeJSON: encoding response: %v", err)
	}
}

// writeError writes a JSON error response with the given status
// and message.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, jsonError{Error: msg})
}

// handleContextError reports whether the request itself was
// canceled or ran past its deadline. It does NOT write a
// response: the withTimeout middleware owns the 503 in that case
// and writing here would race with its buffered response.
func handleContextError(r *http.Request, err error) bool {
	if r.Context().Err() == nil {
		return false
	}
	return errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, analytics.ErrTimeout)
}

// errorStatus maps a service error to its HTTP status.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, aggregate.ErrInvalidSortColumn),
		errors.Is(err, aggregate.ErrInvalidSortOrder),
		errors.Is(err, aggregate.ErrInvalidGroupBy),
		errors.Is(err, filter.ErrInvalidType),
		errors.Is(err, filter.ErrInvalidDate),
		errors.Is(err, analytics.ErrInvalidGranularity):
		return http.StatusBadRequest
	case errors.Is(err, filter.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, analytics.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, analytics.ErrTimeout):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeServiceError writes the response for a failed service
// call. Internal errors are logged and not echoed to the client.
func writeServiceError(
	w http.ResponseWriter, r *http.Request, err error,
) {
	if handleContextError(r, err) {
		return
	}
	status := errorStatus(err)
	if status == http.StatusInternalServerError {
		log.Printf("%s %s: %v", r.Method, r.URL.Path, err)
		writeError(w, status, "internal server error")
		return
	}
	writeError(w, status, err.Error())
}
