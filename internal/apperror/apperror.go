// Package apperror defines the error taxonomy shared by the billing services.
// The HTTP layer maps each Kind to a status code.
package apperror

import (
	"errors"
	"fmt"
)

type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindNotFound
	KindConflict
	KindGateway
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation_error"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "consistency_error"
	case KindGateway:
		return "gateway_error"
	default:
		return "internal_error"
	}
}

// Error is a sentinel with a machine code and a human message.
type Error struct {
	Kind    Kind
	Code    string
	Message string
}

func (e *Error) Error() string { return e.Code }

func NotFound(code, message string) *Error {
	return &Error{Kind: KindNotFound, Code: code, Message: message}
}

func Conflict(code, message string) *Error {
	return &Error{Kind: KindConflict, Code: code, Message: message}
}

// Invalid is a business-rule rejection that is not tied to a single field.
func Invalid(code, message string) *Error {
	return &Error{Kind: KindValidation, Code: code, Message: message}
}

func Gateway(code, message string) *Error {
	return &Error{Kind: KindGateway, Code: code, Message: message}
}

// ValidationError reports bad or missing input on one field.
type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Code)
}

func Validation(field, code, message string) error {
	return &ValidationError{Field: field, Code: code, Message: message}
}

// KindOf classifies err. Unknown errors are internal.
func KindOf(err error) Kind {
	if err == nil {
		return KindInternal
	}
	var vErr *ValidationError
	if errors.As(err, &vErr) {
		return KindValidation
	}
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindInternal
}

// CodeOf returns the machine code carried by err, if any.
func CodeOf(err error) string {
	var vErr *ValidationError
	if errors.As(err, &vErr) {
		return vErr.Code
	}
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return "internal_error"
}
