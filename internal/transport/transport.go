// Package transport is the narrow capability surface a peer connection
// needs from the WebRTC stack: session negotiation, two pre-negotiated data
// channels, and lifecycle events. The pion-backed implementation lives in
// webrtc.go; tests substitute a fake.
package transport

import (
	"errors"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/meshlink/internal/protocol"
)

var (
	// ErrQueueFull is returned when a channel's outbound queue is saturated.
	ErrQueueFull = errors.New("data channel send queue full")
	// ErrChannelClosed is returned when sending on a closed channel.
	ErrChannelClosed = errors.New("data channel closed")
)

// ConnState is the normalized connection or ICE connection state.
type ConnState int

const (
	StateNew ConnState = iota
	StateChecking
	StateConnected
	StateDisconnected
	StateFailed
	StateClosed
)

// Fatal reports whether the state ends the peer connection.
func (s ConnState) Fatal() bool {
	return s == StateDisconnected || s == StateFailed || s == StateClosed
}

func (s ConnState) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateChecking:
		return "checking"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Payload is one inbound data channel message.
type Payload struct {
	Text bool
	Data []byte
}

// Events is the callback bundle a Transport reports through. Callbacks may
// run on transport goroutines and must not block.
type Events struct {
	ICECandidate      func(webrtc.ICECandidateInit)
	NegotiationNeeded func()
	ConnectionState   func(ConnState)
	ICEState          func(ConnState)
	ChannelOpen       func(protocol.Reliability)
	ChannelClose      func(protocol.Reliability)
	ChannelError      func(protocol.Reliability, error)
	ChannelMessage    func(protocol.Reliability, Payload)
}

// Channel is one of the two data channels.
type Channel interface {
	SendText(s string) error
	Send(data []byte) error
	Close() error
}

// Transport is one negotiated connection to a remote peer.
type Transport interface {
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(sdp webrtc.SessionDescription) error
	SetRemoteDescription(sdp webrtc.SessionDescription) error
	AddICECandidate(candidate webrtc.ICECandidateInit) error

	Channel(rel protocol.Reliability) Channel
	// MaxMessageSize is the largest single message the channels accept.
	MaxMessageSize() int
	Close() error
}

// Factory builds a Transport for a remote peer. All events must be wired
// before the data channels are created.
type Factory func(peerID int, ev Events) (Transport, error)
