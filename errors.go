package durablestreams

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode is a machine-readable error classification, mirrored in the
// HTTP status mapping and (for the client) in symbolic error checks.
type ErrorCode string

const (
	CodeInvalidArgument ErrorCode = "invalid_argument"
	CodeNotFound        ErrorCode = "not_found"
	CodeConflict        ErrorCode = "conflict"
	CodeForbidden       ErrorCode = "forbidden"
	CodeGone            ErrorCode = "gone"
	CodeInternal        ErrorCode = "internal"
)

// Error is the error envelope returned by both server and store layers.
// Details carries machine-readable auxiliary fields that writeErrorResponse
// appends to the plain-text error body, one "key: value" line per entry.
type Error struct {
	Code    ErrorCode      `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewError creates an Error with no details.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Errorf creates an Error with a formatted message.
func Errorf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithDetail returns a copy of e with an added detail field, for chaining
// at the call site (e.g. NewError(...).WithDetail("current_epoch", 3)).
func (e *Error) WithDetail(key string, value any) *Error {
	cp := *e
	cp.Details = make(map[string]any, len(e.Details)+1)
	for k, v := range e.Details {
		cp.Details[k] = v
	}
	cp.Details[key] = value
	return &cp
}

// HTTPStatusFromCode maps an ErrorCode to its HTTP status per spec.md §4.2.
func HTTPStatusFromCode(code ErrorCode) int {
	switch code {
	case CodeInvalidArgument:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodeConflict:
		return http.StatusConflict
	case CodeForbidden:
		return http.StatusForbidden
	case CodeGone:
		return http.StatusGone
	case CodeInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// AsError unwraps err into a *Error, falling back to a generic internal
// error for anything the server didn't originate itself (e.g. a panic
// recovered upstream, or a context cancellation reaching the handler).
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return NewError(CodeInternal, "request canceled")
	}
	return NewError(CodeInternal, err.Error())
}
