package models

import (
	"errors"
	"fmt"
)

type ErrorKind string

const (
	KindValidation          ErrorKind = "ValidationError"
	KindConflict            ErrorKind = "ConflictError"
	KindOutOfOrder          ErrorKind = "OutOfOrderObservation"
	KindResolutionRace      ErrorKind = "ResolutionRaceRetry"
	KindPartialPhotoFailure ErrorKind = "PartialPhotoFailure"
	KindNotFound            ErrorKind = "NotFound"
)

// Error is the typed failure returned by the ledger services
type Error struct {
	Kind    ErrorKind
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so errors.Is(err, ErrConflict) works
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Message == ""
}

// Kind sentinels for errors.Is
var (
	ErrValidation     = &Error{Kind: KindValidation}
	ErrConflict       = &Error{Kind: KindConflict}
	ErrOutOfOrder     = &Error{Kind: KindOutOfOrder}
	ErrResolutionRace = &Error{Kind: KindResolutionRace}
	ErrNotFound       = &Error{Kind: KindNotFound}
)

// ErrIllegalTransition is returned for a status move the state machine forbids
var ErrIllegalTransition = errors.New("illegal status transition")

func NewError(kind ErrorKind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

func WrapError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// IsKind reports whether err carries the given kind anywhere in its chain
func IsKind(err error, kind ErrorKind) bool {
	var e *Error
	for err != nil {
		if !errors.As(err, &e) {
			return false
		}
		if e.Kind == kind {
			return true
		}
		err = e.Err
	}
	return false
}
