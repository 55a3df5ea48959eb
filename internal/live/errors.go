package live

import (
	"errors"
	"fmt"
)

// ErrorCode is the stable discriminant callers branch on
type ErrorCode string

const (
	CodeSessionClosed ErrorCode = "session-closed"
	CodeRequestError  ErrorCode = "request-error"
	CodeUnsupported   ErrorCode = "unsupported"
	CodeError         ErrorCode = "error"
	CodeFetchError    ErrorCode = "fetch-error"
	CodeParseFailed   ErrorCode = "parse-failed"
	CodeResponseError ErrorCode = "response-error"
)

// Error is returned by session and conversation operations.
// Device and permission failures are never wrapped in an Error.
type Error struct {
	Code    ErrorCode
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("live: %s (%s): %v", e.Message, e.Code, e.Err)
	}
	return fmt.Sprintf("live: %s (%s)", e.Message, e.Code)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error with the same code, so the sentinels below work
// with errors.Is regardless of message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// Sentinels for errors.Is
var (
	ErrSessionClosed = &Error{Code: CodeSessionClosed}
	ErrRequest       = &Error{Code: CodeRequestError}
	ErrUnsupported   = &Error{Code: CodeUnsupported}
	ErrInternal      = &Error{Code: CodeError}
	ErrFetch         = &Error{Code: CodeFetchError}
	ErrParseFailed   = &Error{Code: CodeParseFailed}
	ErrResponse      = &Error{Code: CodeResponseError}
)

// NewError builds an Error with an optional cause
func NewError(code ErrorCode, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

func errClosed() *Error {
	return NewError(CodeSessionClosed, "this session has been closed and cannot be used", nil)
}

// CodeOf returns the code of the outermost *Error in err's chain, or "" if none
func CodeOf(err error) ErrorCode {
	var liveErr *Error
	if errors.As(err, &liveErr) {
		return liveErr.Code
	}
	return ""
}
