// Package advsuberr defines the error taxonomy of §7: construction-time
// failures that must surface synchronously, and the data-plane kinds
// (malformed token, query timeout, unrecoverable gap), classified in a way
// that mirrors the grpc/status classification style used by the broker's
// own RPC-facing packages (grpc_security.go, internal/timesync) so a
// service layered on top of this core can translate these into wire status
// codes without re-deriving the mapping.
package advsuberr

import (
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Kind enumerates the error categories named by §7.
type Kind int

const (
	// KindConfigRejected reports a bad key expression or bad metadata KE.
	KindConfigRejected Kind = iota
	// KindBusFailure reports that the underlying session failed to declare
	// a subscriber or liveliness token.
	KindBusFailure
	// KindMalformedLivenessToken reports an unparsable liveliness token KE.
	KindMalformedLivenessToken
	// KindQueryTimeout reports a query whose reply stream was cut short by
	// its deadline; this is normal completion, not a fatal condition.
	KindQueryTimeout
	// KindUnrecoverableGap reports a gap that cannot be closed by retransmission.
	KindUnrecoverableGap
)

func (k Kind) String() string {
	switch k {
	case KindConfigRejected:
		return "config_rejected"
	case KindBusFailure:
		return "bus_failure"
	case KindMalformedLivenessToken:
		return "malformed_liveliness_token"
	case KindQueryTimeout:
		return "query_timeout"
	case KindUnrecoverableGap:
		return "unrecoverable_gap"
	default:
		return "unknown"
	}
}

// Error wraps an underlying cause with its §7 classification.
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

// New constructs a classified Error.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// code maps a Kind onto the gRPC status code a bridging RPC layer would
// return for it; only construction-time failures are expected to cross an
// RPC boundary, but the mapping is total for completeness.
func (k Kind) code() codes.Code {
	switch k {
	case KindConfigRejected:
		return codes.InvalidArgument
	case KindBusFailure:
		return codes.Unavailable
	case KindMalformedLivenessToken:
		return codes.DataLoss
	case KindQueryTimeout:
		return codes.DeadlineExceeded
	case KindUnrecoverableGap:
		return codes.DataLoss
	default:
		return codes.Unknown
	}
}

// Status renders e as a gRPC status error, for services that bridge this
// core into an RPC-facing surface.
func (e *Error) Status() error {
	return status.Error(e.Kind.code(), e.Error())
}

// ConfigRejected constructs a construction-time configuration error.
func ConfigRejected(op string, err error) *Error {
	return New(KindConfigRejected, op, err)
}

// BusFailure constructs a construction-time session failure.
func BusFailure(op string, err error) *Error {
	return New(KindBusFailure, op, err)
}
