// Package dropbox provides an HTTP client for the Dropbox API v2 with
// automatic retry, rate-limit handling, and error classification.
package dropbox

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Sentinel errors for API error classification.
// Use errors.Is(err, dropbox.ErrCursorReset) to check.
var (
	ErrBadRequest   = errors.New("dropbox: bad request")
	ErrUnauthorized = errors.New("dropbox: unauthorized")
	ErrForbidden    = errors.New("dropbox: forbidden")
	ErrConflict     = errors.New("dropbox: conflict")
	ErrThrottled    = errors.New("dropbox: throttled")
	ErrServerError  = errors.New("dropbox: server error")

	// ErrCursorReset means the server invalidated the stored cursor and a
	// fresh listing is required. Dropbox signals this with HTTP 409 and an
	// error tag of "reset" on list_folder/continue.
	ErrCursorReset = errors.New("dropbox: cursor reset")

	// ErrPathNotFound means the target path does not exist.
	ErrPathNotFound = errors.New("dropbox: path not found")

	// ErrNotFolder means the target path exists but is not a folder.
	ErrNotFolder = errors.New("dropbox: path is not a folder")
)

// APIError wraps a sentinel error with the HTTP status code and the
// error_summary string from the Dropbox error body for debugging.
type APIError struct {
	StatusCode int
	Summary    string
	Message    string
	Err        error // sentinel, for errors.Is()
}

func (e *APIError) Error() string {
	if e.Summary != "" {
		return fmt.Sprintf("dropbox: HTTP %d (%s): %s", e.StatusCode, e.Summary, e.Message)
	}

	return fmt.Sprintf("dropbox: HTTP %d: %s", e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// apiErrorBody mirrors the JSON error envelope Dropbox returns on 4xx/409.
type apiErrorBody struct {
	ErrorSummary string `json:"error_summary"`
	Error        struct {
		Tag  string `json:".tag"`
		Path struct {
			Tag string `json:".tag"`
		} `json:"path"`
	} `json:"error"`
}

// classifyError maps an HTTP status code plus the raw error body to a
// sentinel error. Dropbox reports application errors (bad cursor, bad path)
// as HTTP 409 with a tagged union in the body, so the body must be inspected
// to tell a stale cursor apart from a misconfigured path.
func classifyError(status int, body []byte) error {
	switch status {
	case http.StatusBadRequest:
		return ErrBadRequest
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusForbidden:
		return ErrForbidden
	case http.StatusTooManyRequests:
		return ErrThrottled
	case http.StatusConflict:
		return classifyConflict(body)
	default:
		if status >= http.StatusInternalServerError {
			return ErrServerError
		}

		return nil
	}
}

// classifyConflict inspects a 409 error body for the specific failure tag.
func classifyConflict(body []byte) error {
	var eb apiErrorBody
	if err := json.Unmarshal(body, &eb); err != nil {
		return ErrConflict
	}

	switch eb.Error.Tag {
	case "reset":
		return ErrCursorReset
	case "path":
		switch eb.Error.Path.Tag {
		case "not_found":
			return ErrPathNotFound
		case "not_folder":
			return ErrNotFolder
		}
	}

	// Fall back to summary prefixes; some endpoints nest errors differently.
	switch {
	case strings.HasPrefix(eb.ErrorSummary, "reset"):
		return ErrCursorReset
	case strings.HasPrefix(eb.ErrorSummary, "path/not_found"):
		return ErrPathNotFound
	case strings.HasPrefix(eb.ErrorSummary, "path/not_folder"):
		return ErrNotFolder
	}

	return ErrConflict
}

// errorSummary extracts the error_summary field from a raw error body.
func errorSummary(body []byte) string {
	var eb apiErrorBody
	if err := json.Unmarshal(body, &eb); err != nil {
		return ""
	}

	return eb.ErrorSummary
}

// isRetryable reports whether the given HTTP status code should be retried.
// 409 is never retryable: it carries application errors (stale cursor, bad
// path) that will not resolve on their own.
func isRetryable(code int) bool {
	switch code {
	case http.StatusRequestTimeout,
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}
