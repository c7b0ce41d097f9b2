package transport

import (
	"errors"
	"fmt"
)

// ErrorKind classifies transport failures. All of them are returned to the
// caller on its reply channel; none of them stop the processing loop.
type ErrorKind int

const (
	ErrIo ErrorKind = iota
	ErrInvalidAddress
	ErrProtocol
	ErrHandshake
	ErrUnreachable
	ErrOther
)

func (k ErrorKind) String() string {
	switch k {
	case ErrIo:
		return "io"
	case ErrInvalidAddress:
		return "invalid_address"
	case ErrProtocol:
		return "protocol"
	case ErrHandshake:
		return "handshake"
	case ErrUnreachable:
		return "unreachable"
	default:
		return "other"
	}
}

// TransportError wraps a failure with its classification and the operation
// that produced it.
type TransportError struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *TransportError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("transport %s: %s", e.Kind, e.Op)
	}
	return fmt.Sprintf("transport %s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func newErr(kind ErrorKind, op string, err error) *TransportError {
	return &TransportError{Kind: kind, Op: op, Err: err}
}

// IsKind reports whether err is a TransportError of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var te *TransportError
	return errors.As(err, &te) && te.Kind == kind
}
