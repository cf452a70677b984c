// Package transporttest provides an in-memory transport.Transport whose
// events are driven explicitly by tests.
package transporttest

import (
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/meshlink/internal/protocol"
	"github.com/1ureka/meshlink/internal/transport"
)

// ErrNoRemoteDescription mirrors the error a real stack returns for a
// candidate added before the remote description.
var ErrNoRemoteDescription = errors.New("remote description not set")

// Compile-time interface checks.
var (
	_ transport.Transport = (*Fake)(nil)
	_ transport.Channel   = (*Channel)(nil)
)

// Fake records every call made by a peer connection and lets the test fire
// transport events on demand.
type Fake struct {
	PeerID int

	mu         sync.Mutex
	ev         transport.Events
	local      *webrtc.SessionDescription
	remote     *webrtc.SessionDescription
	candidates []webrtc.ICECandidateInit
	channels   [2]*Channel
	closed     bool
	maxSize    int
	offers     int

	// FailSetRemote, when set, is returned by SetRemoteDescription.
	FailSetRemote error
}

// New returns a Fake wired to ev.
func New(peerID int, ev transport.Events) *Fake {
	f := &Fake{PeerID: peerID, ev: ev, maxSize: transport.DefaultMaxMessageSize}
	for _, rel := range protocol.Reliabilities {
		f.channels[rel] = &Channel{rel: rel}
	}
	return f
}

// Factory returns a transport.Factory that publishes every Fake it builds
// on created, which should be buffered.
func Factory(created chan<- *Fake) transport.Factory {
	return func(peerID int, ev transport.Events) (transport.Transport, error) {
		f := New(peerID, ev)
		if created != nil {
			created <- f
		}
		return f, nil
	}
}

// ---------------------------------------------------------------------------
// transport.Transport
// ---------------------------------------------------------------------------

func (f *Fake) CreateOffer() (webrtc.SessionDescription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offers++
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: fmt.Sprintf("offer %d/%d", f.PeerID, f.offers)}, nil
}

func (f *Fake) CreateAnswer() (webrtc.SessionDescription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.remote == nil || f.remote.Type != webrtc.SDPTypeOffer {
		return webrtc.SessionDescription{}, errors.New("no remote offer")
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: fmt.Sprintf("answer %d", f.PeerID)}, nil
}

func (f *Fake) SetLocalDescription(sdp webrtc.SessionDescription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.local = &sdp
	return nil
}

func (f *Fake) SetRemoteDescription(sdp webrtc.SessionDescription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailSetRemote != nil {
		return f.FailSetRemote
	}
	f.remote = &sdp
	return nil
}

func (f *Fake) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.remote == nil {
		return ErrNoRemoteDescription
	}
	f.candidates = append(f.candidates, candidate)
	return nil
}

func (f *Fake) Channel(rel protocol.Reliability) transport.Channel {
	return f.channels[rel]
}

func (f *Fake) MaxMessageSize() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxSize
}

func (f *Fake) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	for _, ch := range f.channels {
		ch.Close()
	}
	return nil
}

// ---------------------------------------------------------------------------
// Event drivers
// ---------------------------------------------------------------------------

func (f *Fake) events() transport.Events {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ev
}

// OpenChannel reports rel as open.
func (f *Fake) OpenChannel(rel protocol.Reliability) {
	if ev := f.events(); ev.ChannelOpen != nil {
		ev.ChannelOpen(rel)
	}
}

// CloseChannel reports rel as closed by the remote side.
func (f *Fake) CloseChannel(rel protocol.Reliability) {
	if ev := f.events(); ev.ChannelClose != nil {
		ev.ChannelClose(rel)
	}
}

// FailChannel reports an error on rel.
func (f *Fake) FailChannel(rel protocol.Reliability, err error) {
	if ev := f.events(); ev.ChannelError != nil {
		ev.ChannelError(rel, err)
	}
}

// SetConnectionState reports a peer connection state change.
func (f *Fake) SetConnectionState(s transport.ConnState) {
	if ev := f.events(); ev.ConnectionState != nil {
		ev.ConnectionState(s)
	}
}

// SetICEState reports an ICE connection state change.
func (f *Fake) SetICEState(s transport.ConnState) {
	if ev := f.events(); ev.ICEState != nil {
		ev.ICEState(s)
	}
}

// NeedNegotiation fires the negotiation-needed event.
func (f *Fake) NeedNegotiation() {
	if ev := f.events(); ev.NegotiationNeeded != nil {
		ev.NegotiationNeeded()
	}
}

// GatherCandidate reports a locally gathered ICE candidate.
func (f *Fake) GatherCandidate(candidate webrtc.ICECandidateInit) {
	if ev := f.events(); ev.ICECandidate != nil {
		ev.ICECandidate(candidate)
	}
}

// Receive delivers an inbound message on rel.
func (f *Fake) Receive(rel protocol.Reliability, p transport.Payload) {
	if ev := f.events(); ev.ChannelMessage != nil {
		ev.ChannelMessage(rel, p)
	}
}

// ---------------------------------------------------------------------------
// Inspection
// ---------------------------------------------------------------------------

// SetMaxMessageSize changes the limit reported by MaxMessageSize.
func (f *Fake) SetMaxMessageSize(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.maxSize = n
}

// Offers is the number of offers created.
func (f *Fake) Offers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.offers
}

// LocalDescription is the last applied local description, or nil.
func (f *Fake) LocalDescription() *webrtc.SessionDescription {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.local
}

// RemoteDescription is the last applied remote description, or nil.
func (f *Fake) RemoteDescription() *webrtc.SessionDescription {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.remote
}

// Candidates lists the remote candidates applied, in order.
func (f *Fake) Candidates() []webrtc.ICECandidateInit {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]webrtc.ICECandidateInit(nil), f.candidates...)
}

// Closed reports whether Close was called.
func (f *Fake) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// Sent returns the channel for rel so tests can inspect what was written.
func (f *Fake) Sent(rel protocol.Reliability) *Channel {
	return f.channels[rel]
}

// Channel records writes to one side of a Fake.
type Channel struct {
	rel protocol.Reliability

	mu     sync.Mutex
	texts  []string
	frames [][]byte
	closed bool
}

func (c *Channel) SendText(s string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return transport.ErrChannelClosed
	}
	c.texts = append(c.texts, s)
	return nil
}

func (c *Channel) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return transport.ErrChannelClosed
	}
	c.frames = append(c.frames, append([]byte(nil), data...))
	return nil
}

func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// Texts lists the text frames written, in order.
func (c *Channel) Texts() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.texts...)
}

// Frames lists the binary frames written, in order.
func (c *Channel) Frames() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.frames...)
}

// IsClosed reports whether the channel was closed locally.
func (c *Channel) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
