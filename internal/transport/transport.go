// Package transport abstracts the real-time media session the coordinator
// drives: offer/answer creation, remote descriptions and connectivity
// candidates in, local candidates and connection state out.
//
// Descriptions and candidates are opaque strings to everything above this
// package. The production implementation, [PionFactory], builds pion/webrtc
// PeerConnections with one audio and one video transceiver. Capture,
// rendering, codec choice and NAT traversal all stay inside it.
package transport

import (
	"context"
	"fmt"
)

// Role is the side of the handshake a transport plays.
type Role int

const (
	RoleOfferer Role = iota
	RoleAnswerer
)

func (r Role) String() string {
	switch r {
	case RoleOfferer:
		return "offerer"
	case RoleAnswerer:
		return "answerer"
	default:
		return fmt.Sprintf("Role(%d)", int(r))
	}
}

// ConnectionState is the aggregate connection state reported by a transport.
type ConnectionState int

const (
	StateNew ConnectionState = iota
	StateConnecting
	StateConnected
	StateDisconnected
	StateFailed
	StateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("ConnectionState(%d)", int(s))
	}
}

// Terminal reports whether the session cannot recover from this state.
func (s ConnectionState) Terminal() bool {
	return s == StateDisconnected || s == StateFailed || s == StateClosed
}

// DescriptionKind distinguishes offers from answers.
type DescriptionKind string

const (
	DescriptionOffer  DescriptionKind = "offer"
	DescriptionAnswer DescriptionKind = "answer"
)

// Description is a session description received from the partner.
type Description struct {
	Kind DescriptionKind
	SDP  string
}

// Events are the callbacks a transport invokes. They may be called from any
// goroutine, including after Close has begun; nil callbacks are skipped.
type Events struct {
	OnLocalCandidate         func(candidate string)
	OnConnectionStateChanged func(state ConnectionState)
	OnRemoteStreamAdded      func(streamID string)
}

// Transport is one media session with one partner.
type Transport interface {
	CreateOffer(ctx context.Context) (string, error)
	CreateAnswer(ctx context.Context) (string, error)
	SetRemoteDescription(ctx context.Context, desc Description) error
	AddCandidate(ctx context.Context, candidate string) error
	// Close releases the session. It returns once the handle is released and
	// is safe to call more than once.
	Close() error
}

// Factory creates transports.
type Factory interface {
	NewTransport(role Role, events Events) (Transport, error)
}

// Error records the transport operation that failed.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError wraps err as a failure of op.
func NewError(op string, err error) *Error {
	return &Error{Op: op, Err: err}
}
