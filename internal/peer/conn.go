// Package peer implements the per-remote-peer connection state machine:
// offer/answer negotiation over an injected transport, the two data channels,
// failure detection, and idempotent shutdown.
package peer

import (
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/meshlink/internal/protocol"
	"github.com/1ureka/meshlink/internal/transport"
	"github.com/1ureka/meshlink/internal/util"
)

var (
	// ErrNotOpen is returned by sends before both channels are open or after shutdown.
	ErrNotOpen = errors.New("peer connection not open")
	// ErrFrameTooLarge is returned when a message exceeds the transport's max message size.
	ErrFrameTooLarge = errors.New("message exceeds max message size")
)

// Signal is one outgoing or incoming negotiation payload. Exactly one field is set.
type Signal struct {
	SDP *webrtc.SessionDescription
	ICE *webrtc.ICECandidateInit
}

// Inbound is one message received from the remote peer. Exactly one of
// Message (text frame) or File (binary frame) is set.
type Inbound struct {
	Reliability protocol.Reliability
	Message     *protocol.Message
	File        *protocol.FileFrame
}

// Handlers receive the connection's lifecycle. They are called from
// transport goroutines and must not block.
type Handlers struct {
	Signal  func(c *Conn, s Signal)
	Opened  func(c *Conn)
	Closed  func(c *Conn)
	Message func(c *Conn, in Inbound)
}

// Conn is the connection to one remote peer.
//
// Only the initiator (the side that learned about the remote from a roster
// announcement) creates offers; the other side only answers. Offers that
// arrive once the connection is Open are ignored.
type Conn struct {
	id        int
	initiator bool
	tag       util.Tag
	h         Handlers

	// negMu serializes negotiation steps against the transport.
	negMu     sync.Mutex
	offered   bool
	remoteSet bool
	pending   []webrtc.ICECandidateInit

	mu    sync.Mutex
	tr    transport.Transport
	state State
	open  [2]bool
}

// New creates the connection and its transport. The transport creates both
// data channels immediately; call Start to begin negotiating.
func New(id int, initiator bool, factory transport.Factory, h Handlers) (*Conn, error) {
	c := &Conn{
		id:        id,
		initiator: initiator,
		tag:       util.Tagf("peer %d", id),
		h:         h,
		state:     Created,
	}

	// Negotiation steps wait on negMu until the transport is assigned.
	c.negMu.Lock()
	tr, err := factory(id, c.events())
	if err != nil {
		c.negMu.Unlock()
		return nil, fmt.Errorf("create transport for peer %d: %w", id, err)
	}

	c.mu.Lock()
	c.tr = tr
	early := c.state >= ShuttingDown
	c.mu.Unlock()
	c.negMu.Unlock()

	if early {
		c.closeTransport(tr)
	}

	return c, nil
}

func (c *Conn) events() transport.Events {
	return transport.Events{
		ICECandidate:      c.onICECandidate,
		NegotiationNeeded: c.onNegotiationNeeded,
		ConnectionState:   c.onConnectionState,
		ICEState:          c.onICEState,
		ChannelOpen:       c.onChannelOpen,
		ChannelClose:      c.onChannelClose,
		ChannelError:      c.onChannelError,
		ChannelMessage:    c.onChannelMessage,
	}
}

// ID is the relay-assigned identity of the remote peer.
func (c *Conn) ID() int { return c.id }

// Initiator reports whether this side makes the offer.
func (c *Conn) Initiator() bool { return c.initiator }

// State returns the current lifecycle state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// MaxMessageSize is the largest frame the channels accept.
func (c *Conn) MaxMessageSize() int {
	c.mu.Lock()
	tr := c.tr
	c.mu.Unlock()
	if tr == nil {
		return 0
	}
	return tr.MaxMessageSize()
}

// advance moves the state forward to s unless already past it or shutting down.
func (c *Conn) advance(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state < s && c.state < ShuttingDown {
		c.state = s
	}
}

// ---------------------------------------------------------------------------
// Negotiation
// ---------------------------------------------------------------------------

// Start makes the initiator send its offer. It is a no-op for the answerer.
func (c *Conn) Start() {
	c.onNegotiationNeeded()
}

func (c *Conn) onNegotiationNeeded() {
	if !c.initiator {
		return
	}
	if err := c.offer(); err != nil {
		c.tag.Warning("negotiation failed: %v", err)
		c.Shutdown()
	}
}

// offer creates and applies the local offer once per connection.
func (c *Conn) offer() error {
	c.negMu.Lock()
	defer c.negMu.Unlock()

	if c.offered || c.State() >= ShuttingDown {
		return nil
	}

	offer, err := c.tr.CreateOffer()
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := c.tr.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local offer: %w", err)
	}
	c.offered = true
	c.advance(Negotiating)

	c.tag.Debug("sending offer")
	c.emit(Signal{SDP: &offer})
	return nil
}

// HandleSignal applies a negotiation payload received from the remote peer
// through the relay.
func (c *Conn) HandleSignal(s Signal) {
	switch {
	case s.SDP != nil:
		if err := c.applyDescription(*s.SDP); err != nil {
			c.tag.Warning("negotiation failed: %v", err)
			c.Shutdown()
		}
	case s.ICE != nil:
		c.addCandidate(*s.ICE)
	}
}

func (c *Conn) applyDescription(sdp webrtc.SessionDescription) error {
	c.negMu.Lock()
	defer c.negMu.Unlock()

	state := c.State()
	if state >= ShuttingDown {
		return nil
	}

	switch sdp.Type {
	case webrtc.SDPTypeOffer:
		switch {
		case state == Open:
			c.tag.Debug("ignoring renegotiation offer while open")
			return nil
		case c.offered:
			c.tag.Debug("ignoring offer: own offer outstanding")
			return nil
		case c.remoteSet:
			c.tag.Debug("ignoring duplicate offer")
			return nil
		}

		if err := c.setRemote(sdp); err != nil {
			return err
		}

		answer, err := c.tr.CreateAnswer()
		if err != nil {
			return fmt.Errorf("create answer: %w", err)
		}
		if err := c.tr.SetLocalDescription(answer); err != nil {
			return fmt.Errorf("set local answer: %w", err)
		}
		c.advance(ChannelsOpening)

		c.tag.Debug("sending answer")
		c.emit(Signal{SDP: &answer})

	case webrtc.SDPTypeAnswer:
		if !c.offered || c.remoteSet {
			c.tag.Debug("ignoring unexpected answer")
			return nil
		}
		if err := c.setRemote(sdp); err != nil {
			return err
		}
		c.advance(ChannelsOpening)

	default:
		c.tag.Debug("ignoring %s description", sdp.Type)
	}

	return nil
}

// setRemote applies the remote description and flushes buffered candidates.
// Must be called with negMu held.
func (c *Conn) setRemote(sdp webrtc.SessionDescription) error {
	if err := c.tr.SetRemoteDescription(sdp); err != nil {
		return fmt.Errorf("set remote %s: %w", sdp.Type, err)
	}
	c.remoteSet = true
	c.advance(Negotiating)

	pending := c.pending
	c.pending = nil
	for _, candidate := range pending {
		if err := c.tr.AddICECandidate(candidate); err != nil {
			c.tag.Warning("failed to add buffered ICE candidate: %v", err)
		}
	}
	return nil
}

// addCandidate applies a remote candidate, buffering it until the remote
// description is known.
func (c *Conn) addCandidate(candidate webrtc.ICECandidateInit) {
	c.negMu.Lock()
	defer c.negMu.Unlock()

	if c.State() >= ShuttingDown {
		return
	}
	if !c.remoteSet {
		c.pending = append(c.pending, candidate)
		return
	}
	if err := c.tr.AddICECandidate(candidate); err != nil {
		c.tag.Warning("failed to add ICE candidate: %v", err)
	}
}

func (c *Conn) onICECandidate(candidate webrtc.ICECandidateInit) {
	if c.State() >= ShuttingDown {
		return
	}
	c.emit(Signal{ICE: &candidate})
}

func (c *Conn) emit(s Signal) {
	if c.h.Signal != nil {
		c.h.Signal(c, s)
	}
}

// ---------------------------------------------------------------------------
// Channels
// ---------------------------------------------------------------------------

func (c *Conn) onChannelOpen(rel protocol.Reliability) {
	c.mu.Lock()
	if c.state >= ShuttingDown {
		c.mu.Unlock()
		return
	}
	c.open[rel] = true
	ready := c.open[protocol.Reliable] && c.open[protocol.Unreliable] && c.state != Open
	if ready {
		c.state = Open
	}
	c.mu.Unlock()

	if !ready {
		return
	}

	util.Stats.AddPeer()
	c.tag.Info("connected")

	if err := c.Send(protocol.Reliable, protocol.Ping()); err != nil {
		c.tag.Warning("failed to send ping: %v", err)
	}
	if c.h.Opened != nil {
		c.h.Opened(c)
	}
}

func (c *Conn) onChannelClose(rel protocol.Reliability) {
	c.tag.Debug("%s channel closed", rel)
	c.Shutdown()
}

func (c *Conn) onChannelError(rel protocol.Reliability, err error) {
	c.tag.Debug("%s channel error: %v", rel, err)
	c.Shutdown()
}

func (c *Conn) onConnectionState(s transport.ConnState) {
	if s.Fatal() {
		c.tag.Debug("connection %s", s)
		c.Shutdown()
	}
}

func (c *Conn) onICEState(s transport.ConnState) {
	if s.Fatal() {
		c.tag.Debug("ICE connection %s", s)
		c.Shutdown()
	}
}

// onChannelMessage demultiplexes by frame type. A frame that does not parse
// is a protocol violation and ends the connection.
func (c *Conn) onChannelMessage(rel protocol.Reliability, p transport.Payload) {
	if c.State() >= ShuttingDown {
		return
	}

	in := Inbound{Reliability: rel}
	if p.Text {
		msg, err := protocol.ParseMessage(p.Data)
		if err != nil {
			c.tag.Warning("closing on malformed message: %v", err)
			c.Shutdown()
			return
		}
		in.Message = &msg
	} else {
		frame, err := protocol.DecodeFrame(p.Data)
		if err != nil {
			c.tag.Warning("closing on malformed file frame: %v", err)
			c.Shutdown()
			return
		}
		in.File = frame
	}

	if c.h.Message != nil {
		c.h.Message(c, in)
	}
}

// Send writes msg as a JSON text frame on the channel selected by rel.
func (c *Conn) Send(rel protocol.Reliability, msg protocol.Message) error {
	return c.write(rel, true, msg.Raw)
}

// SendFile encodes f and writes it as a binary frame.
func (c *Conn) SendFile(rel protocol.Reliability, f *protocol.FileFrame) error {
	frame, err := protocol.EncodeFrame(f)
	if err != nil {
		return err
	}
	return c.SendFrame(rel, frame)
}

// SendFrame writes an already encoded file frame.
func (c *Conn) SendFrame(rel protocol.Reliability, frame []byte) error {
	return c.write(rel, false, frame)
}

func (c *Conn) write(rel protocol.Reliability, text bool, data []byte) error {
	c.mu.Lock()
	state, tr := c.state, c.tr
	c.mu.Unlock()

	if state != Open {
		return ErrNotOpen
	}
	if limit := tr.MaxMessageSize(); len(data) > limit {
		return fmt.Errorf("%w: %d > %d bytes", ErrFrameTooLarge, len(data), limit)
	}

	ch := tr.Channel(rel)
	if text {
		return ch.SendText(string(data))
	}
	return ch.Send(data)
}

// ---------------------------------------------------------------------------
// Shutdown
// ---------------------------------------------------------------------------

// Shutdown closes both channels and the transport, then fires the Closed
// handler. Only the first call has any effect.
func (c *Conn) Shutdown() {
	c.mu.Lock()
	if c.state >= ShuttingDown {
		c.mu.Unlock()
		return
	}
	c.state = ShuttingDown
	tr := c.tr
	c.mu.Unlock()

	if tr != nil {
		c.closeTransport(tr)
	}

	c.mu.Lock()
	c.state = Closed
	c.mu.Unlock()

	util.Stats.RemovePeer()
	c.tag.Info("disconnected")

	if c.h.Closed != nil {
		c.h.Closed(c)
	}
}

func (c *Conn) closeTransport(tr transport.Transport) {
	for _, rel := range protocol.Reliabilities {
		if ch := tr.Channel(rel); ch != nil {
			if err := ch.Close(); err != nil {
				c.tag.Debug("close %s channel: %v", rel, err)
			}
		}
	}
	if err := tr.Close(); err != nil {
		c.tag.Debug("close transport: %v", err)
	}
}
