package procwire

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode is the semantic kind of an error. The numeric JSON-RPC code
// sent on the wire is derived from it.
type ErrorCode string

const (
	CodeParseError          ErrorCode = "PARSE_ERROR"
	CodeBadRequest          ErrorCode = "BAD_REQUEST"
	CodeUnauthorized        ErrorCode = "UNAUTHORIZED"
	CodeForbidden           ErrorCode = "FORBIDDEN"
	CodeNotFound            ErrorCode = "NOT_FOUND"
	CodeMethodNotSupported  ErrorCode = "METHOD_NOT_SUPPORTED"
	CodeTimeout             ErrorCode = "TIMEOUT"
	CodeConflict            ErrorCode = "CONFLICT"
	CodePreconditionFailed  ErrorCode = "PRECONDITION_FAILED"
	CodePayloadTooLarge     ErrorCode = "PAYLOAD_TOO_LARGE"
	CodeUnprocessable       ErrorCode = "UNPROCESSABLE_CONTENT"
	CodeTooManyRequests     ErrorCode = "TOO_MANY_REQUESTS"
	CodeInternalServerError ErrorCode = "INTERNAL_SERVER_ERROR"
	CodeNotImplemented      ErrorCode = "NOT_IMPLEMENTED"
	CodeCanceled            ErrorCode = "CANCELLED"
)

type codeInfo struct {
	number int
	status int
}

var codeTable = map[ErrorCode]codeInfo{
	CodeParseError:          {-32700, http.StatusBadRequest},
	CodeBadRequest:          {-32600, http.StatusBadRequest},
	CodeUnauthorized:        {-32000, http.StatusUnauthorized},
	CodeForbidden:           {-32003, http.StatusForbidden},
	CodeNotFound:            {-32601, http.StatusNotFound},
	CodeMethodNotSupported:  {-32005, http.StatusMethodNotAllowed},
	CodeTimeout:             {-32008, http.StatusRequestTimeout},
	CodeConflict:            {-32009, http.StatusConflict},
	CodePreconditionFailed:  {-32012, http.StatusPreconditionFailed},
	CodePayloadTooLarge:     {-32013, http.StatusRequestEntityTooLarge},
	CodeUnprocessable:       {-32022, http.StatusUnprocessableEntity},
	CodeTooManyRequests:     {-32029, http.StatusTooManyRequests},
	CodeInternalServerError: {-32603, http.StatusInternalServerError},
	CodeNotImplemented:      {-32501, http.StatusNotImplemented},
	CodeCanceled:            {-32800, 499},
}

var codeByNumber = func() map[int]ErrorCode {
	m := make(map[int]ErrorCode, len(codeTable))
	for code, info := range codeTable {
		m[info.number] = code
	}
	return m
}()

// Number returns the JSON-RPC numeric code for c. Unknown codes map to the
// internal error number.
func (c ErrorCode) Number() int {
	if info, ok := codeTable[c]; ok {
		return info.number
	}
	return codeTable[CodeInternalServerError].number
}

// HTTPStatus returns the HTTP status used when c is the only error in a
// response.
func (c ErrorCode) HTTPStatus() int {
	if info, ok := codeTable[c]; ok {
		return info.status
	}
	return http.StatusInternalServerError
}

// CodeFromNumber returns the semantic code for a JSON-RPC number.
func CodeFromNumber(n int) (ErrorCode, bool) {
	c, ok := codeByNumber[n]
	return c, ok
}

// Error is an error that can be sent to the client.
type Error struct {
	Code    ErrorCode
	Message string
	Cause   error
	// Data is a structured payload for an error kind the procedure declares
	// with [Builder.Errors]. It is serialized with the server's transformer.
	Data any
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// WithData returns a copy of e carrying the given structured payload.
func (e *Error) WithData(data any) *Error {
	cp := *e
	cp.Data = data
	return &cp
}

// NewError creates a new protocol error.
func NewError(code ErrorCode, message string) *Error {
	if message == "" {
		message = string(code)
	}
	return &Error{Code: code, Message: message}
}

// WrapError creates a new protocol error wrapping an existing error.
func WrapError(code ErrorCode, message string, cause error) *Error {
	if message == "" {
		message = string(code)
	}
	return &Error{Code: code, Message: message, Cause: cause}
}

// ErrNotFound returns a not found error.
func ErrNotFound(message string) *Error { return NewError(CodeNotFound, message) }

// ErrBadRequest returns a bad request error.
func ErrBadRequest(message string) *Error { return NewError(CodeBadRequest, message) }

// ErrUnauthorized returns an unauthorized error.
func ErrUnauthorized(message string) *Error { return NewError(CodeUnauthorized, message) }

// ErrForbidden returns a forbidden error.
func ErrForbidden(message string) *Error { return NewError(CodeForbidden, message) }

// ErrConflict returns a conflict error.
func ErrConflict(message string) *Error { return NewError(CodeConflict, message) }

// ErrInternal returns an internal error. The cause is logged on the server
// and never sent to the client.
func ErrInternal(cause error) *Error {
	return WrapError(CodeInternalServerError, "internal server error", cause)
}

// ErrCanceled returns a canceled error.
func ErrCanceled() *Error {
	return NewError(CodeCanceled, "request canceled")
}

// FromError converts any error into an *Error. Errors that are not already
// an *Error become INTERNAL_SERVER_ERROR with a generic message, except for
// context errors which map to CANCELLED and TIMEOUT.
func FromError(err error) *Error {
	if err == nil {
		return nil
	}
	var perr *Error
	if errors.As(err, &perr) {
		return perr
	}
	switch {
	case errors.Is(err, context.Canceled):
		return WrapError(CodeCanceled, "request canceled", err)
	case errors.Is(err, context.DeadlineExceeded):
		return WrapError(CodeTimeout, "request timed out", err)
	}
	return ErrInternal(err)
}

// ErrorCodeOf reports the semantic code of err.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	return FromError(err).Code
}
