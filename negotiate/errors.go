package negotiate

import (
	"errors"
	"fmt"

	appbuilder "github.com/Paranoid-AF/appbuilder"
)

// Kind classifies negotiation failures for the HTTP boundary.
type Kind string

const (
	ConfigurationError   Kind = "configuration_error"    // credential missing or client failed to initialize
	ModelUnavailable     Kind = "model_unavailable"      // model call failed, timed out or was cancelled
	MalformedModelOutput Kind = "malformed_model_output" // reply is not a valid action
	ValidationError      Kind = "validation_error"       // inbound request body is invalid
	UnexpectedError      Kind = "unexpected_error"       // fallback
)

// Error is a typed negotiation failure.
type Error struct {
	Kind Kind
	Msg  string
	// Raw is the model reply for MalformedModelOutput. It is meant for logs only.
	Raw string
	// Fields lists the offending request fields for ValidationError.
	Fields []appbuilder.FieldError
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

// Unwrap allows errors.Is/As to reach the cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates an Error of the given kind.
func NewError(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// NewValidationError creates a ValidationError carrying the field errors.
func NewValidationError(fields []appbuilder.FieldError, err error) *Error {
	return &Error{Kind: ValidationError, Msg: "invalid request body", Fields: fields, Err: err}
}

// KindOf returns the Kind of err, or UnexpectedError when err is not an *Error.
func KindOf(err error) Kind {
	var ne *Error
	if errors.As(err, &ne) {
		return ne.Kind
	}
	return UnexpectedError
}

// IsKind reports whether err is an *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
