package apperr

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindValidation     Kind = "validation"
	KindNotFound       Kind = "not_found"
	KindAuthorization  Kind = "authorization"
	KindNotEnrolled    Kind = "not_enrolled"
	KindParentNotFound Kind = "parent_not_found"
	KindDelivery       Kind = "delivery_channel"
	KindConfiguration  Kind = "configuration"
	KindInternal       Kind = "internal"
)

// Error carries a machine kind, a snake_case code and a human readable message.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	}
	return e.Code
}

func (e *Error) Unwrap() error {
	return e.Err
}

func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

func Validation(code, message string) error {
	return New(KindValidation, code, message)
}

func NotFound(code, message string) error {
	return New(KindNotFound, code, message)
}

func Forbidden(code, message string) error {
	return New(KindAuthorization, code, message)
}

func NotEnrolled(message string) error {
	return New(KindNotEnrolled, "not_enrolled", message)
}

func ParentNotFound(message string) error {
	return New(KindParentNotFound, "parent_not_found", message)
}

func Delivery(channel string, err error) error {
	return &Error{Kind: KindDelivery, Code: channel + "_delivery_failed", Message: "delivery on " + channel + " failed", Err: err}
}

func Configuration(code, message string) error {
	return New(KindConfiguration, code, message)
}

func Internal(err error) error {
	return &Error{Kind: KindInternal, Code: "server_error", Message: "internal error", Err: err}
}

// KindOf returns the kind of the first *Error in the chain, internal otherwise.
func KindOf(err error) Kind {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindInternal
}

func CodeOf(err error) string {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return "server_error"
}

func MessageOf(err error) string {
	var appErr *Error
	if errors.As(err, &appErr) && appErr.Message != "" {
		return appErr.Message
	}
	return "internal error"
}

func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
