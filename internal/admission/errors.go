package admission

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Code identifies an admission failure. Values double as the JSON error code.
type Code string

const (
	CodeMissingIdentity      Code = "missing_api_key"
	CodeUnknownIdentity      Code = "invalid_api_key"
	CodeQuotaExceeded        Code = "rate_limited"
	CodeStoreUnavailable     Code = "quota_store_unavailable"
	CodeDirectoryUnavailable Code = "account_directory_unavailable"
)

// Error is an admission failure with the HTTP status it maps to.
type Error struct {
	Code       Code
	Status     int
	Message    string
	RetryAfter time.Duration // set for CodeQuotaExceeded
	Err        error
}

// Error returns the message.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is matches any *Error with the same Code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && e != nil && t.Code == e.Code
}

// Sentinels for errors.Is.
var (
	ErrMissingIdentity      = &Error{Code: CodeMissingIdentity, Status: http.StatusUnauthorized, Message: "API key required"}
	ErrUnknownIdentity      = &Error{Code: CodeUnknownIdentity, Status: http.StatusUnauthorized, Message: "API key not recognized"}
	ErrQuotaExceeded        = &Error{Code: CodeQuotaExceeded, Status: http.StatusTooManyRequests, Message: "Rate limit exceeded"}
	ErrStoreUnavailable     = &Error{Code: CodeStoreUnavailable, Status: http.StatusServiceUnavailable, Message: "quota store unavailable"}
	ErrDirectoryUnavailable = &Error{Code: CodeDirectoryUnavailable, Status: http.StatusServiceUnavailable, Message: "account directory unavailable"}
)

func quotaExceeded(retryAfter time.Duration) *Error {
	secs := int64(retryAfter / time.Second)
	return &Error{
		Code:       CodeQuotaExceeded,
		Status:     http.StatusTooManyRequests,
		Message:    fmt.Sprintf("Rate limit exceeded. Try again in %d seconds.", secs),
		RetryAfter: retryAfter,
	}
}

func wrap(sentinel *Error, err error) *Error {
	e := *sentinel
	e.Err = err
	return &e
}

// StatusOf returns the HTTP status for err, or 500 if err is not an *Error.
func StatusOf(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.Status
	}
	return http.StatusInternalServerError
}
