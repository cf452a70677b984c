package mesh

import (
	"github.com/1ureka/meshlink/internal/protocol"
)

// EventKind tells subscribers what happened to a peer.
type EventKind int

const (
	Connected EventKind = iota
	Disconnected
	MessageReceived
)

func (k EventKind) String() string {
	switch k {
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	case MessageReceived:
		return "message"
	default:
		return "unknown"
	}
}

// Event is delivered to every subscriber. Message and File are only set for
// MessageReceived, and then exactly one of them is.
type Event struct {
	Kind        EventKind
	Peer        int
	Reliability protocol.Reliability
	Message     *protocol.Message
	File        *protocol.FileFrame
}

// Listener receives registry events on the registry loop. It must not block;
// it may call back into the registry's send methods.
type Listener func(Event)
