package routeros

import (
	"errors"
	"fmt"
	"time"
)

// ConnectionError means the router could not be reached or refused the login.
type ConnectionError struct {
	Host string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connect %s: %v", e.Host, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// TimeoutError means a connect or query exceeded its bound.
type TimeoutError struct {
	Op    string
	After time.Duration
	Err   error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %s", e.Op, e.After)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// ProtocolError means the router dropped the connection or answered with
// something unexpected.
type ProtocolError struct {
	Op  string
	Err error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

var errConnClosed = errors.New("connection closed")

// IsTimeout reports whether err is, or wraps, a TimeoutError.
func IsTimeout(err error) bool {
	var target *TimeoutError
	return errors.As(err, &target)
}

// IsConnection reports whether err is, or wraps, a ConnectionError.
func IsConnection(err error) bool {
	var target *ConnectionError
	return errors.As(err, &target)
}

// IsProtocol reports whether err is, or wraps, a ProtocolError.
func IsProtocol(err error) bool {
	var target *ProtocolError
	return errors.As(err, &target)
}
