// Package stackerr defines the stack's error taxonomy (§7): a closed
// set of Kind values shared by every layer, wrapped with whatever
// local context caused them. It follows the teacher's sentinel-error
// style (bgp.ErrBgpPeerExists, routing.ErrTunnelExists) generalized to
// one typed error carrying a Kind instead of one sentinel per case,
// since the spec defines the taxonomy by kind rather than by call site.
package stackerr

import (
	"errors"
	"fmt"
)

// Kind is one of the error kinds named in spec §7.
type Kind uint8

const (
	KindInvalidParameter Kind = iota + 1
	KindInvalidAddress
	KindInvalidLength
	KindInvalidPacket
	KindInvalidProtocol
	KindInvalidSession
	KindInvalidIdentifier
	KindOutOfMemory
	KindNoRoute
	KindAddressNotFound
	KindProtocolUnreachable
	KindPortUnreachable
	KindMessageTooLong
	KindTimeout
	KindResetByPeer
	KindConnectionClosed
	KindAlreadyConfigured
	KindNotConfigured
	KindAlreadyRunning
	// KindInProgress is not part of the user-visible taxonomy in §7,
	// but §7's propagation policy calls it out by name: ARP resolution
	// in progress is reported as in_progress and the egress caller
	// treats it as success (the packet has been queued, not dropped).
	KindInProgress
)

func (k Kind) String() string {
	switch k {
	case KindInvalidParameter:
		return "invalid_parameter"
	case KindInvalidAddress:
		return "invalid_address"
	case KindInvalidLength:
		return "invalid_length"
	case KindInvalidPacket:
		return "invalid_packet"
	case KindInvalidProtocol:
		return "invalid_protocol"
	case KindInvalidSession:
		return "invalid_session"
	case KindInvalidIdentifier:
		return "invalid_identifier"
	case KindOutOfMemory:
		return "out_of_memory"
	case KindNoRoute:
		return "no_route"
	case KindAddressNotFound:
		return "address_not_found"
	case KindProtocolUnreachable:
		return "protocol_unreachable"
	case KindPortUnreachable:
		return "port_unreachable"
	case KindMessageTooLong:
		return "message_too_long"
	case KindTimeout:
		return "timeout"
	case KindResetByPeer:
		return "reset_by_peer"
	case KindConnectionClosed:
		return "connection_closed"
	case KindAlreadyConfigured:
		return "already_configured"
	case KindNotConfigured:
		return "not_configured"
	case KindAlreadyRunning:
		return "already_running"
	case KindInProgress:
		return "in_progress"
	}
	return fmt.Sprintf("unknown_kind(%d)", uint8(k))
}

// Error is a Kind plus the local context that produced it.
type Error struct {
	Kind Kind
	Op   string // the operation that failed, e.g. "ipv4.input", "tcp.accept"
	Err  error  // wrapped cause, may be nil
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// New constructs an *Error with no wrapped cause.
func New(op string, kind Kind) error {
	return &Error{Op: op, Kind: kind}
}

// Wrap constructs an *Error wrapping err under kind.
func Wrap(op string, kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Kind: kind, Err: err}
}

// Is reports whether err carries the given Kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	var se *Error
	for errors.As(err, &se) {
		if se.Kind == kind {
			return true
		}
		if se.Err == nil {
			return false
		}
		err = se.Err
	}
	return false
}

// KindOf extracts the Kind from err, or 0 if err is not (or does not
// wrap) a *Error.
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return 0
}
