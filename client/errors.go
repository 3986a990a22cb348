package client

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-json-experiment/json/jsontext"
	"github.com/marrasen/procwire"
)

// Error is an error returned by a call. Errors reported by the server carry
// a Code; transport failures have an empty Code and a Cause.
type Error struct {
	Code       procwire.ErrorCode
	Number     int
	Message    string
	HTTPStatus int
	Path       string
	// Details is the structured payload of an error declared by the
	// procedure.
	Details jsontext.Value
	Cause   error
}

func (e *Error) Error() string {
	switch {
	case e.Code != "" && e.Path != "":
		return fmt.Sprintf("%s %s: %s", e.Path, e.Code, e.Message)
	case e.Code != "":
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	case e.Cause != nil:
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// DecodeDetails deserializes the error's details into v. It returns false
// if the error has no details.
func (e *Error) DecodeDetails(v any) (bool, error) {
	if len(e.Details) == 0 {
		return false, nil
	}
	return true, procwire.DefaultTransformer.Deserialize(e.Details, v)
}

// Code returns the server error code of err, or "" if err is not an error
// reported by the server.
func Code(err error) procwire.ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsTransport reports whether err is a failure to reach the server or to
// read its response, as opposed to an error the server returned.
func IsTransport(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == ""
}

// canceledError reports an operation ended by its context: CANCELLED, or
// TIMEOUT when the deadline passed.
func canceledError(path string, err error) *Error {
	code, msg := procwire.CodeCanceled, "operation canceled"
	if errors.Is(err, context.DeadlineExceeded) {
		code, msg = procwire.CodeTimeout, "operation timed out"
	}
	return &Error{Code: code, Number: code.Number(), Message: msg, Path: path, Cause: err}
}

func transportError(msg string, err error) *Error {
	return &Error{Message: msg, Cause: err}
}

func errorFromShape(shape *procwire.ErrorShape, status int) *Error {
	e := &Error{
		Number:     shape.Code,
		Message:    shape.Message,
		HTTPStatus: status,
	}
	if shape.Data != nil {
		e.Code = shape.Data.Code
		e.Path = shape.Data.Path
		e.Details = shape.Data.Details
		if shape.Data.HTTPStatus != 0 {
			e.HTTPStatus = shape.Data.HTTPStatus
		}
	}
	if e.Code == "" {
		if code, ok := procwire.CodeFromNumber(shape.Code); ok {
			e.Code = code
		} else {
			e.Code = procwire.CodeInternalServerError
		}
	}
	return e
}
