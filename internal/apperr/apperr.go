// Package apperr defines the tagged error kinds surfaced to users.
// Kinds are assigned where a failure is detected; callers branch on
// KindOf instead of inspecting error strings.
package apperr

import (
	"errors"
	"fmt"
)

// Kind categorizes a failure for presentation and retry decisions.
type Kind string

const (
	KindInvalidCredentials Kind = "invalid_credentials"
	KindInvalidTenant      Kind = "invalid_tenant"
	KindNetwork            Kind = "network"
	KindTimeout            Kind = "timeout"
	KindContent            Kind = "content"
	KindPermission         Kind = "permission"
	KindValidation         Kind = "validation"
	KindNotFound           Kind = "not_found"
	KindUnknown            Kind = "unknown"
)

// User-facing messages shared across packages.
const (
	MsgInvalidCredentials = "Access Key ID or Secret Access Key is incorrect"
	MsgInvalidTenant      = "Account ID is not valid for this project"
	MsgNetwork            = "Connection error. Check your internet connection and try again."
	MsgTimeout            = "The query took too long to complete. Try a simpler question or try again later."
	MsgPermission         = "Insufficient permissions. Check your AWS permissions and try again."
)

// Error is a failure tagged with a Kind. Message is safe to show to the
// user; Err keeps the underlying cause for logs.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a tagged error without an underlying cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates a tagged error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap tags err with kind and a user-facing message.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf returns the kind of the first tagged error in err's chain, or
// KindUnknown.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindUnknown
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// UserMessage returns the message to display for err. Untagged errors
// fall back to their raw text.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Error()
	}
	return err.Error()
}
