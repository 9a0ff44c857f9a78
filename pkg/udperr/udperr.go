// Package udperr defines the error kinds shared by the registry, endpoint and
// command packages. Every error returned from those packages matches exactly
// one kind with errors.Is.
package udperr

import (
	"errors"
	"fmt"
)

var (
	ErrValidation    = errors.New("validation error")
	ErrPortInUse     = errors.New("port already in use")
	ErrPortExhausted = errors.New("no free port")
	ErrBind          = errors.New("bind failed")
	ErrTimeout       = errors.New("receive timed out")
	ErrNotFound      = errors.New("not found")
	ErrDecode        = errors.New("decode failed")
	ErrClosed        = errors.New("socket closed")
)

// Error carries a kind, the operation that failed and an optional OS cause.
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
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	return target == e.Kind
}

func newf(kind error, op string, cause error, format string, args ...any) *Error {
	return &Error{
		Kind: kind,
		Op:   op,
		Msg:  fmt.Sprintf(format, args...),
		Err:  cause,
	}
}

func Validation(op, format string, args ...any) *Error {
	return newf(ErrValidation, op, nil, format, args...)
}

func PortInUse(op string, port uint16) *Error {
	return newf(ErrPortInUse, op, nil, "port '%d' is already in use", port)
}

func PortExhausted(op string, base uint16) *Error {
	return newf(ErrPortExhausted, op, nil, "no free port between %d and 65535", base)
}

func Bind(op, addr string, cause error) *Error {
	return newf(ErrBind, op, cause, "bind %s", addr)
}

func Timeout(op string, cause error) *Error {
	return newf(ErrTimeout, op, cause, "no datagram before deadline")
}

func NotFound(op, what string) *Error {
	return newf(ErrNotFound, op, nil, "%q not found", what)
}

func Decode(op, encoding string, offset int) *Error {
	return newf(ErrDecode, op, nil, "invalid %s byte at offset %d", encoding, offset)
}

func Closed(op string, cause error) *Error {
	return newf(ErrClosed, op, cause, "socket closed")
}
