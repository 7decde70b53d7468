// pixl/models/errors.go
package models

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a rejected request so callers can map it to a
// distinguishable outcome instead of a bare string.
type ErrorKind string

const (
	KindNotFound            ErrorKind = "not_found"
	KindConflict            ErrorKind = "conflict"
	KindPreconditionFailed  ErrorKind = "precondition_failed"
	KindInsufficientBalance ErrorKind = "insufficient_balance"
	KindInvalidArgument     ErrorKind = "invalid_argument"
	KindTransient           ErrorKind = "transient"
)

// RequestError is the typed rejection surfaced by the database layer.
type RequestError struct {
	Kind    ErrorKind
	Message string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func NewError(kind ErrorKind, format string, args ...interface{}) *RequestError {
	return &RequestError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// ErrKind extracts the kind from an error chain, or empty if the error is not
// a RequestError.
func ErrKind(err error) ErrorKind {
	var re *RequestError
	if errors.As(err, &re) {
		return re.Kind
	}
	return ""
}
