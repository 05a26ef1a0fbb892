package flow

import (
	"errors"
	"fmt"
)

// Error kinds.
var (
	ErrInput       = errors.New("input error")
	ErrRejected    = errors.New("not found or invalid")
	ErrPersistence = errors.New("persistence error")
	ErrTransport   = errors.New("transport error")
)

// Error is a classified flow failure. Msg is safe to show to clients; Err never is.
type Error struct {
	Op   string
	Kind error
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v: %s", e.Op, e.Kind, e.Msg)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
}

// Unwrap exposes both the kind and the cause to errors.Is / errors.As.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// MessageOf returns the client-facing message of err, or fallback when err is not a *Error.
func MessageOf(err error, fallback string) string {
	var fe *Error
	if errors.As(err, &fe) && fe.Msg != "" {
		return fe.Msg
	}
	return fallback
}

func inputErr(op, msg string) error {
	return &Error{Op: op, Kind: ErrInput, Msg: msg}
}

func rejectedErr(op, msg string, cause error) error {
	return &Error{Op: op, Kind: ErrRejected, Msg: msg, Err: cause}
}

func persistenceErr(op, msg string, cause error) error {
	return &Error{Op: op, Kind: ErrPersistence, Msg: msg, Err: cause}
}

func transportErr(op, msg string, cause error) error {
	return &Error{Op: op, Kind: ErrTransport, Msg: msg, Err: cause}
}
