package apperr

import (
	"errors"
	"fmt"
)

// Kinds of failure surfaced by the chat core. Match them with errors.Is.
var (
	ErrValidation     = errors.New("validation error")
	ErrNotFound       = errors.New("not found")
	ErrAuthorization  = errors.New("authorization error")
	ErrRoomConnection = errors.New("room connection error")
	ErrProtocol       = errors.New("protocol error")
	ErrInternal       = errors.New("internal error")
)

// Error carries a kind, the operation that failed and an optional cause.
type Error struct {
	Kind error
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = e.Kind.Error()
	}
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, msg, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, msg)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap exposes both the kind and the cause to errors.Is / errors.As.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func newErr(kind error, op, msg string, err error) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg, Err: err}
}

func Validation(op, msg string) error { return newErr(ErrValidation, op, msg, nil) }

func NotFound(op, msg string) error { return newErr(ErrNotFound, op, msg, nil) }

func Authorization(op, msg string) error { return newErr(ErrAuthorization, op, msg, nil) }

func RoomConnection(op string, err error) error {
	return newErr(ErrRoomConnection, op, "", err)
}

func Protocol(op string, err error) error { return newErr(ErrProtocol, op, "", err) }

// Internal wraps an unexpected failure so it can be reported without crashing.
func Internal(op string, err error) error { return newErr(ErrInternal, op, "", err) }

// KindOf returns the kind sentinel of err, or ErrInternal if it has none.
func KindOf(err error) error {
	for _, kind := range []error{ErrValidation, ErrNotFound, ErrAuthorization, ErrRoomConnection, ErrProtocol} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return ErrInternal
}

var kindNames = map[error]string{
	ErrValidation:     "validation",
	ErrNotFound:       "not_found",
	ErrAuthorization:  "authorization",
	ErrRoomConnection: "room_connection",
	ErrProtocol:       "protocol",
	ErrInternal:       "internal",
}

// Name returns the wire name of err's kind.
func Name(err error) string {
	return kindNames[KindOf(err)]
}

// FromName rebuilds an error of the named kind, e.g. from an error frame sent by a room host.
func FromName(name, op, msg string) error {
	for kind, n := range kindNames {
		if n == name {
			return newErr(kind, op, msg, nil)
		}
	}
	return newErr(ErrInternal, op, msg, nil)
}
