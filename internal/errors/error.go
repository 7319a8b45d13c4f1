package errors

import "errors"

// Error is a code-carrying error used by services so handlers can map
// failures onto the response envelope without string matching.
type Error struct {
	Code    Code
	Message string
	Details map[string]any
}

// Error implements the error interface.
func (e *Error) Error() string {
	return string(e.Code) + ": " + e.Message
}

// E builds a code-carrying error.
func E(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WithDetails attaches context fields to the error.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

// FromError extracts a *Error from err's chain, defaulting to Internal.
func FromError(err error) *Error {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr
	}
	return &Error{Code: CodeInternal, Message: "internal error"}
}
