// Package connerr defines the error taxonomy for the connection layer.
//
// Transport adapters raise these typed errors directly instead of
// reclassifying generic errors by message text, so the presentation layer
// can render a specific diagnosis for every failure mode.
package connerr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"syscall"
)

// Kind identifies one failure class in the taxonomy.
type Kind string

const (
	Validation         Kind = "validation"
	Authentication     Kind = "authentication"
	HostUnreachable    Kind = "host_unreachable"
	ConnectionRefused  Kind = "connection_refused"
	Timeout            Kind = "timeout"
	Resolution         Kind = "resolution"
	TargetNotFound     Kind = "target_not_found"
	TargetNotConnected Kind = "target_not_connected"
	PermissionDenied   Kind = "permission_denied"
	RetriesExhausted   Kind = "retries_exhausted"
)

// Error is a classified connection-layer error. Op names the operation that
// failed ("ssh connect", "exec", ...), Err carries the underlying cause.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a taxonomy error with no underlying cause.
func New(kind Kind, op string) *Error {
	return &Error{Kind: kind, Op: op}
}

// Wrap creates a taxonomy error wrapping an underlying cause.
func Wrap(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the taxonomy kind of err, or "" if err carries none.
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return ""
}

// Is reports whether err belongs to the given taxonomy kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// ClassifyDial maps an error returned by a network dial to the taxonomy.
// Typed inspection only: DNS failures, refused/unreachable syscall errors
// and timeouts each have distinguishable Go error types. fallback names the
// kind used when the error matches none of them (an ssh handshake that got
// a TCP connection but was rejected is an authentication failure, a telnet
// dial that got this far is host-unreachable).
func ClassifyDial(op string, err error, fallback Kind) *Error {
	if err == nil {
		return nil
	}

	// Already classified errors keep their kind.
	var ce *Error
	if errors.As(err, &ce) {
		return ce
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return Wrap(Resolution, op, err)
	}

	if errors.Is(err, syscall.ECONNREFUSED) {
		return Wrap(ConnectionRefused, op, err)
	}
	if errors.Is(err, syscall.EHOSTUNREACH) || errors.Is(err, syscall.ENETUNREACH) || errors.Is(err, syscall.EHOSTDOWN) {
		return Wrap(HostUnreachable, op, err)
	}
	if errors.Is(err, os.ErrDeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return Wrap(Timeout, op, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Wrap(Timeout, op, err)
	}

	return Wrap(fallback, op, err)
}
