// Package signaling implements the relay that assigns client identities and
// forwards negotiation envelopes between them, plus the client used by peers
// to talk to it.
package signaling

import (
	"github.com/pion/webrtc/v4"
)

// PacketType is the "pType" tag of a relay frame.
type PacketType string

const (
	TypeJoined PacketType = "joined"
	TypeSDP    PacketType = "sdp"
	TypeICE    PacketType = "ice"
)

// Envelope is a negotiation message. Outbound, ClientID names the target;
// after relaying, it names the true sender.
type Envelope struct {
	Type     PacketType                 `json:"pType"`
	ClientID int                        `json:"clientId"`
	SDP      *webrtc.SessionDescription `json:"sdp,omitempty"`
	ICE      *webrtc.ICECandidateInit   `json:"ice,omitempty"`
}

// Joined is sent once to each new client, listing every other registered
// identity in ascending order.
type Joined struct {
	Type PacketType `json:"pType"`
	IDs  []int      `json:"ids"`
}

// NewSDP addresses a session description to target.
func NewSDP(target int, sdp webrtc.SessionDescription) Envelope {
	return Envelope{Type: TypeSDP, ClientID: target, SDP: &sdp}
}

// NewICE addresses an ICE candidate to target.
func NewICE(target int, candidate webrtc.ICECandidateInit) Envelope {
	return Envelope{Type: TypeICE, ClientID: target, ICE: &candidate}
}
