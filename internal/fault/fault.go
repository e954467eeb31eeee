// Package fault defines the closed error taxonomy shared by the wallet,
// artifact, ledger and saga layers.
package fault

import (
	"errors"
	"fmt"
)

// Kind classifies a failure. The set is closed; callers switch over it.
type Kind int

const (
	// Unknown is only returned by KindOf for errors that carry no Kind.
	Unknown Kind = iota
	UserRejected
	NetworkUnavailable
	InvalidInput
	NotOwner
	InsufficientFunds
	StaleState
	UpstreamFailure
)

var kindNames = map[Kind]string{
	Unknown:            "unknown",
	UserRejected:       "user_rejected",
	NetworkUnavailable: "network_unavailable",
	InvalidInput:       "invalid_input",
	NotOwner:           "not_owner",
	InsufficientFunds:  "insufficient_funds",
	StaleState:         "stale_state",
	UpstreamFailure:    "upstream_failure",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Kinds lists every classified kind in declaration order.
func Kinds() []Kind {
	return []Kind{UserRejected, NetworkUnavailable, InvalidInput, NotOwner, InsufficientFunds, StaleState, UpstreamFailure}
}

// Error is a classified failure of a single operation.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	if e.Op == "" {
		return fmt.Sprintf("%s: %s", e.Kind, msg)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a classified error without a cause.
func New(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies err. A nil err yields nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the Kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Unknown
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
