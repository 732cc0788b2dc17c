package courierstack

import "github.com/pkg/errors"

// Kind classifies an error returned across the Stack's application API
// per spec.md §7's taxonomy, letting a caller branch on category
// without string-matching a message.
type Kind uint8

const (
	// KindProtocol covers ATT error codes, L2CAP signaling results, and
	// RFCOMM DM responses: the peer (or local table/table-driven server)
	// rejected a request per the wire protocol, with a Bluetooth-defined
	// code attached.
	KindProtocol Kind = iota
	// KindTransport covers non-zero HCI command status, disconnection,
	// and transport pipe closure.
	KindTransport
	// KindValidation covers local checks: PDU too short, length
	// mismatch, MTU exceeded, no credits, channel in the wrong state,
	// invalid handle.
	KindValidation
	// KindTimeout covers a synchronous HCI command or a layered
	// GATT/RFCOMM operation timing out.
	KindTimeout
	// KindShutdown covers a pending callback resolved because the
	// stack (or one of its subsystems) is shutting down.
	KindShutdown
)

func (k Kind) String() string {
	switch k {
	case KindProtocol:
		return "protocol"
	case KindTransport:
		return "transport"
	case KindValidation:
		return "validation"
	case KindTimeout:
		return "timeout"
	case KindShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// Error wraps an underlying subsystem error with the taxonomy Kind and
// the component that raised it, so callers can errors.As a single type
// regardless of which subsystem produced the failure.
type Error struct {
	Kind      Kind
	Component string
	Err       error
}

func (e *Error) Error() string {
	return e.Component + ": " + e.Kind.String() + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// wrapErr builds an *Error, using errors.Wrapf-style context since
// pkg/errors is the wrapping convention this codebase uses everywhere
// else (hci, l2cap, att, rfcomm, sdp, pairing).
func wrapErr(kind Kind, component string, err error, context string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Component: component, Err: errors.Wrap(err, context)}
}
