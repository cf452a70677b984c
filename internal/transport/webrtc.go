package transport

import (
	"context"
	"fmt"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/meshlink/internal/protocol"
	"github.com/1ureka/meshlink/internal/util"
)

// DefaultMaxMessageSize matches the SCTP message limit most browsers
// advertise.
const DefaultMaxMessageSize = 256 * 1024

// DefaultICEServers is used when Config.ICEServers is nil.
var DefaultICEServers = []webrtc.ICEServer{
	{URLs: []string{"stun:stun.l.google.com:19302", "stun:stun1.l.google.com:19302"}},
}

// Config parameterizes every pion transport the factory builds.
type Config struct {
	// ICEServers defaults to DefaultICEServers when nil; an empty slice
	// gathers host candidates only.
	ICEServers      []webrtc.ICEServer
	MaxMessageSize  int
	// IncludeLoopback gathers 127.0.0.1 candidates, needed when both
	// peers live in one process.
	IncludeLoopback bool
}

// NewFactory returns a Factory producing pion-backed transports.
func NewFactory(cfg Config) Factory {
	return func(peerID int, ev Events) (Transport, error) {
		return NewWebRTC(cfg, peerID, ev)
	}
}

// WebRTC is a Transport backed by a pion PeerConnection and two
// pre-negotiated data channels.
type WebRTC struct {
	pc       *webrtc.PeerConnection
	channels [2]*channel
	maxSize  int

	cancel context.CancelFunc
}

var _ Transport = (*WebRTC)(nil)

// NewWebRTC creates the PeerConnection, registers ev on it, and creates
// both data channels. Each channel gets its own sender goroutine.
func NewWebRTC(cfg Config, peerID int, ev Events) (*WebRTC, error) {
	pc, err := newPeerConnection(cfg)
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	tag := util.Tagf("peer %d", peerID)
	ctx, cancel := context.WithCancel(context.Background())

	t := &WebRTC{
		pc:      pc,
		maxSize: cfg.MaxMessageSize,
		cancel:  cancel,
	}
	if t.maxSize <= 0 {
		t.maxSize = DefaultMaxMessageSize
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		// nil marks the end of gathering.
		if c == nil || ev.ICECandidate == nil {
			return
		}
		ev.ICECandidate(c.ToJSON())
	})

	pc.OnICEGatheringStateChange(func(state webrtc.ICEGatheringState) {
		tag.Debug("ICE gathering state: %s", state)
	})

	pc.OnNegotiationNeeded(func() {
		if ev.NegotiationNeeded != nil {
			ev.NegotiationNeeded()
		}
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		tag.Debug("PeerConnection state: %s", state)
		if ev.ConnectionState != nil {
			ev.ConnectionState(fromPeerConnectionState(state))
		}
	})

	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		tag.Debug("ICE connection state: %s", state)
		if ev.ICEState != nil {
			ev.ICEState(fromICEConnectionState(state))
		}
	})

	for _, rel := range protocol.Reliabilities {
		dc, err := newDataChannel(pc, rel)
		if err != nil {
			cancel()
			pc.Close()
			return nil, fmt.Errorf("create %s data channel: %w", rel, err)
		}
		t.channels[rel] = newChannel(ctx, tag, rel, dc, ev)
	}

	return t, nil
}

// newPeerConnection builds a PeerConnection through a SettingEngine so that
// loopback candidates can be enabled for in-process peers.
func newPeerConnection(cfg Config) (*webrtc.PeerConnection, error) {
	settingEngine := webrtc.SettingEngine{}
	if cfg.IncludeLoopback {
		settingEngine.SetIncludeLoopbackCandidate(true)
	}
	api := webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine))

	servers := cfg.ICEServers
	if servers == nil {
		servers = DefaultICEServers
	}
	return api.NewPeerConnection(webrtc.Configuration{ICEServers: servers})
}

// newDataChannel creates a pre-negotiated, ordered DataChannel whose SCTP
// stream id is fixed by rel, so both sides create matching channels without
// relying on OnDataChannel.
func newDataChannel(pc *webrtc.PeerConnection, rel protocol.Reliability) (*webrtc.DataChannel, error) {
	ordered := true
	negotiated := true
	id := rel.ChannelID()

	return pc.CreateDataChannel(rel.String(), &webrtc.DataChannelInit{
		Ordered:        &ordered,
		MaxRetransmits: rel.MaxRetransmits(),
		Negotiated:     &negotiated,
		ID:             &id,
	})
}

// ---------------------------------------------------------------------------
// Signaling
// ---------------------------------------------------------------------------

func (t *WebRTC) CreateOffer() (webrtc.SessionDescription, error) {
	return t.pc.CreateOffer(nil)
}

func (t *WebRTC) CreateAnswer() (webrtc.SessionDescription, error) {
	return t.pc.CreateAnswer(nil)
}

func (t *WebRTC) SetLocalDescription(sdp webrtc.SessionDescription) error {
	return t.pc.SetLocalDescription(sdp)
}

func (t *WebRTC) SetRemoteDescription(sdp webrtc.SessionDescription) error {
	return t.pc.SetRemoteDescription(sdp)
}

func (t *WebRTC) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return t.pc.AddICECandidate(candidate)
}

// ---------------------------------------------------------------------------
// Data
// ---------------------------------------------------------------------------

func (t *WebRTC) Channel(rel protocol.Reliability) Channel {
	return t.channels[rel]
}

// MaxMessageSize is the configured limit, lowered to the SCTP association's
// limit once one is negotiated.
func (t *WebRTC) MaxMessageSize() int {
	limit := t.maxSize
	if sctp := t.pc.SCTP(); sctp != nil {
		if negotiated := int(sctp.GetCapabilities().MaxMessageSize); negotiated > 0 && negotiated < limit {
			limit = negotiated
		}
	}
	return limit
}

// Close cancels both sender loops and closes the PeerConnection, which
// tears down any data channel still open.
func (t *WebRTC) Close() error {
	t.cancel()
	return t.pc.Close()
}

// ---------------------------------------------------------------------------
// State mapping
// ---------------------------------------------------------------------------

func fromPeerConnectionState(s webrtc.PeerConnectionState) ConnState {
	switch s {
	case webrtc.PeerConnectionStateConnecting:
		return StateChecking
	case webrtc.PeerConnectionStateConnected:
		return StateConnected
	case webrtc.PeerConnectionStateDisconnected:
		return StateDisconnected
	case webrtc.PeerConnectionStateFailed:
		return StateFailed
	case webrtc.PeerConnectionStateClosed:
		return StateClosed
	default:
		return StateNew
	}
}

func fromICEConnectionState(s webrtc.ICEConnectionState) ConnState {
	switch s {
	case webrtc.ICEConnectionStateChecking:
		return StateChecking
	case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
		return StateConnected
	case webrtc.ICEConnectionStateDisconnected:
		return StateDisconnected
	case webrtc.ICEConnectionStateFailed:
		return StateFailed
	case webrtc.ICEConnectionStateClosed:
		return StateClosed
	default:
		return StateNew
	}
}
