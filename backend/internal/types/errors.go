package types

import (
	"errors"
	"fmt"
)

type ErrorKind string

const (
	KindValidation  ErrorKind = "validation"
	KindNotFound    ErrorKind = "not_found"
	KindConnection  ErrorKind = "connection"
	KindSubmission  ErrorKind = "submission"
	KindPersistence ErrorKind = "persistence"
	KindProtocol    ErrorKind = "protocol"
)

// Error carries a category label plus the message exactly as the engine (or the
// local validator) produced it.
type Error struct {
	Kind    ErrorKind
	Op      string // engine command or local operation
	Field   string // validation only
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so errors.Is(err, ErrNotFound) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Message == "" && t.Kind == e.Kind
}

var (
	ErrValidation  = &Error{Kind: KindValidation}
	ErrNotFound    = &Error{Kind: KindNotFound}
	ErrConnection  = &Error{Kind: KindConnection}
	ErrSubmission  = &Error{Kind: KindSubmission}
	ErrPersistence = &Error{Kind: KindPersistence}
	ErrProtocol    = &Error{Kind: KindProtocol}
)

func NewValidationError(field, message string) *Error {
	return &Error{Kind: KindValidation, Field: field, Message: message}
}

func NewProtocolError(op, message string) *Error {
	return &Error{Kind: KindProtocol, Op: op, Message: message}
}

// KindOf returns the category of err, or "" when err is not an *Error.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

func prefixField(err error, prefix string) error {
	var e *Error
	if errors.As(err, &e) && e.Field != "" {
		cp := *e
		cp.Field = prefix + "." + e.Field
		return &cp
	}
	return err
}
