package socket

import (
	"errors"
	"fmt"
)

// Kind identifies which socket operation failed.
type Kind int

const (
	KindAccept Kind = iota + 1
	KindRead
	KindWrite
	KindClosed
)

func (k Kind) String() string {
	switch k {
	case KindAccept:
		return "accept"
	case KindRead:
		return "read"
	case KindWrite:
		return "write"
	case KindClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ConnectionError is returned for socket failures. Backpressure is never reported as a ConnectionError.
type ConnectionError struct {
	Kind Kind
	Err  error
}

func (e *ConnectionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("connection %s failed", e.Kind)
	}
	return fmt.Sprintf("connection %s failed: %s", e.Kind, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ErrClosed is wrapped by errors for operations on a closed stream.
var ErrClosed = errors.New("stream closed")

// IsKind reports whether err is a ConnectionError of the given kind.
func IsKind(err error, k Kind) bool {
	var ce *ConnectionError
	return errors.As(err, &ce) && ce.Kind == k
}
