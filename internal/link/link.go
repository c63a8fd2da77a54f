// Package link defines the per-peripheral transport boundary and the
// single-flight command/response correlator that runs on top of it.
package link

import (
	"context"
	"errors"
)

var (
	// ErrNotConnected is returned when a command is issued without an active link.
	ErrNotConnected = errors.New("link: not connected")
	// ErrCharacteristicMissing is returned when the protocol characteristic
	// could not be resolved on the peripheral. Only transports that resolve
	// GATT characteristics themselves raise it; the serial, WebSocket and
	// simulated transports here never do. The Correlator passes it through
	// from Write unwrapped.
	ErrCharacteristicMissing = errors.New("link: protocol characteristic missing")
	// ErrWriteRejected wraps a transport write failure.
	ErrWriteRejected = errors.New("link: write rejected")
	// ErrDisconnected fails a pending request when the link drops.
	ErrDisconnected = errors.New("link: disconnected")
	// ErrProtocolMisuse is returned when a second command is issued while one
	// is still awaiting its response.
	ErrProtocolMisuse = errors.New("link: request already in flight")
	// ErrResponseTimeout fails a pending request whose response never arrived.
	ErrResponseTimeout = errors.New("link: response timeout")
)

// Handler receives inbound events from a Transport. OnBytes is called for
// every notification chunk; chunks carry no framing guarantee. OnDisconnect
// is called once when the link drops after a successful Open.
type Handler struct {
	OnBytes      func(chunk []byte)
	OnDisconnect func(err error)
}

// Transport is the abstract "send bytes / receive byte chunks" channel to one
// peripheral. Discovery, pairing and MTU negotiation happen below it.
type Transport interface {
	// Name returns a human-readable description of the link.
	Name() string
	// Open establishes the link and starts delivering chunks to h.
	Open(ctx context.Context, h Handler) error
	// Write sends one outbound payload. There is no protocol-level ack.
	Write(p []byte) error
	// Close tears the link down. OnDisconnect is not invoked for a local Close.
	Close() error
}

// State is the connection state of a session.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateReady
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	default:
		return "disconnected"
	}
}
