// Package mesh owns the set of peer connections: it creates them from relay
// announcements and envelopes, tracks which are open, fans their events out
// to subscribers, and implements broadcast and targeted sends.
package mesh

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/1ureka/meshlink/internal/peer"
	"github.com/1ureka/meshlink/internal/protocol"
	"github.com/1ureka/meshlink/internal/signaling"
	"github.com/1ureka/meshlink/internal/transport"
	"github.com/1ureka/meshlink/internal/util"
)

// Everyone addresses SendFile to every open peer.
const Everyone = -1

// Signaler carries negotiation envelopes to the relay.
type Signaler interface {
	Send(env signaling.Envelope) error
}

// Registry is the single owner of the peer map. The maps are only written
// by the Run loop; other goroutines read them under mu.
type Registry struct {
	factory  transport.Factory
	signaler Signaler
	box      *mailbox
	done     chan struct{}

	mu      sync.RWMutex
	pending map[int]*peer.Conn
	open    map[int]*peer.Conn

	listenersMu sync.Mutex
	listeners   []Listener
}

// New creates a registry that builds transports with factory and sends
// negotiation envelopes through signaler. Call Run to start it.
func New(factory transport.Factory, signaler Signaler) *Registry {
	return &Registry{
		factory:  factory,
		signaler: signaler,
		box:      newMailbox(),
		done:     make(chan struct{}),
		pending:  make(map[int]*peer.Conn),
		open:     make(map[int]*peer.Conn),
	}
}

// Run processes relay input and peer events until ctx is done, then shuts
// down every peer and delivers their final disconnected events.
func (r *Registry) Run(ctx context.Context) {
	defer close(r.done)

	for {
		select {
		case <-r.box.ready:
			for _, fn := range r.box.drain() {
				fn()
			}
		case <-ctx.Done():
			r.Close()
			for _, fn := range r.box.close() {
				fn()
			}
			return
		}
	}
}

// Done is closed once Run has returned.
func (r *Registry) Done() <-chan struct{} {
	return r.done
}

// Close shuts down every peer connection. Their disconnected events are
// delivered by the loop.
func (r *Registry) Close() {
	r.mu.RLock()
	conns := make([]*peer.Conn, 0, len(r.pending)+len(r.open))
	for _, c := range r.pending {
		conns = append(conns, c)
	}
	for _, c := range r.open {
		conns = append(conns, c)
	}
	r.mu.RUnlock()

	for _, c := range conns {
		c.Shutdown()
	}
}

// ---------------------------------------------------------------------------
// Relay input
// ---------------------------------------------------------------------------

// HandleJoined starts an offer to every identity the relay announced.
func (r *Registry) HandleJoined(ids []int) {
	ids = slices.Clone(ids)
	r.box.post(func() {
		util.LogInfo("[mesh] relay announced %d peers", len(ids))
		for _, id := range ids {
			if c := r.getOrCreate(id, true); c != nil {
				c.Start()
			}
		}
	})
}

// HandleSignal routes a relayed envelope to the connection for its sender,
// creating an answering connection if the sender is new.
func (r *Registry) HandleSignal(env signaling.Envelope) {
	s := peer.Signal{SDP: env.SDP, ICE: env.ICE}
	if s.SDP == nil && s.ICE == nil {
		return
	}
	r.box.post(func() {
		if c := r.getOrCreate(env.ClientID, false); c != nil {
			c.HandleSignal(s)
		}
	})
}

// getOrCreate returns the connection for id, creating and registering it as
// pending if there is none. Runs on the loop.
func (r *Registry) getOrCreate(id int, initiator bool) *peer.Conn {
	r.mu.RLock()
	c, ok := r.pending[id]
	if !ok {
		c, ok = r.open[id]
	}
	r.mu.RUnlock()
	if ok {
		return c
	}

	c, err := peer.New(id, initiator, r.factory, r.handlers())
	if err != nil {
		util.LogError("[mesh] %v", err)
		return nil
	}

	r.mu.Lock()
	r.pending[id] = c
	r.mu.Unlock()

	if initiator {
		util.LogDebug("[mesh] connecting to peer %d", id)
	} else {
		util.LogDebug("[mesh] answering peer %d", id)
	}
	return c
}

// handlers hand every peer callback over to the loop.
func (r *Registry) handlers() peer.Handlers {
	return peer.Handlers{
		Signal: func(c *peer.Conn, s peer.Signal) {
			r.box.post(func() { r.sendSignal(c.ID(), s) })
		},
		Opened: func(c *peer.Conn) {
			r.box.post(func() { r.onOpened(c) })
		},
		Closed: func(c *peer.Conn) {
			r.box.post(func() { r.onClosed(c) })
		},
		Message: func(c *peer.Conn, in peer.Inbound) {
			r.box.post(func() { r.onMessage(c, in) })
		},
	}
}

func (r *Registry) sendSignal(id int, s peer.Signal) {
	var env signaling.Envelope
	switch {
	case s.SDP != nil:
		env = signaling.NewSDP(id, *s.SDP)
	case s.ICE != nil:
		env = signaling.NewICE(id, *s.ICE)
	default:
		return
	}
	if err := r.signaler.Send(env); err != nil {
		util.LogWarning("[mesh] failed to send %s to peer %d: %v", env.Type, id, err)
	}
}

// ---------------------------------------------------------------------------
// Peer events
// ---------------------------------------------------------------------------

func (r *Registry) onOpened(c *peer.Conn) {
	id := c.ID()

	r.mu.Lock()
	if r.pending[id] != c {
		r.mu.Unlock()
		return
	}
	delete(r.pending, id)
	r.open[id] = c
	r.mu.Unlock()

	r.emit(Event{Kind: Connected, Peer: id})
}

func (r *Registry) onClosed(c *peer.Conn) {
	id := c.ID()

	r.mu.Lock()
	known := false
	if r.pending[id] == c {
		delete(r.pending, id)
		known = true
	}
	if r.open[id] == c {
		delete(r.open, id)
		known = true
	}
	r.mu.Unlock()

	if known {
		r.emit(Event{Kind: Disconnected, Peer: id})
	}
}

func (r *Registry) onMessage(c *peer.Conn, in peer.Inbound) {
	if !r.owns(c) {
		return
	}
	r.emit(Event{
		Kind:        MessageReceived,
		Peer:        c.ID(),
		Reliability: in.Reliability,
		Message:     in.Message,
		File:        in.File,
	})
}

func (r *Registry) owns(c *peer.Conn) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id := c.ID()
	return r.pending[id] == c || r.open[id] == c
}

// ---------------------------------------------------------------------------
// Subscribers
// ---------------------------------------------------------------------------

// Subscribe registers l for every event. Listeners are called in
// registration order on the registry loop.
func (r *Registry) Subscribe(l Listener) {
	r.listenersMu.Lock()
	r.listeners = append(r.listeners, l)
	r.listenersMu.Unlock()
}

func (r *Registry) emit(ev Event) {
	r.listenersMu.Lock()
	listeners := slices.Clone(r.listeners)
	r.listenersMu.Unlock()

	for _, l := range listeners {
		l(ev)
	}
}

// ---------------------------------------------------------------------------
// Sending
// ---------------------------------------------------------------------------

// Roster returns the identities of open peers in ascending order.
func (r *Registry) Roster() []int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.open)
}

// Pending returns the identities of peers still negotiating.
func (r *Registry) Pending() []int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.pending)
}

func sortedKeys(m map[int]*peer.Conn) []int {
	ids := make([]int, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// targets returns the open connections addressed by target, which is a peer
// identity or Everyone.
func (r *Registry) targets(target int) []*peer.Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if target != Everyone {
		if c, ok := r.open[target]; ok {
			return []*peer.Conn{c}
		}
		return nil
	}

	conns := make([]*peer.Conn, 0, len(r.open))
	for _, id := range sortedKeys(r.open) {
		conns = append(conns, r.open[id])
	}
	return conns
}

// checkSize fails if any target would reject a frame of n bytes, so that a
// send is either attempted on every target or on none.
func checkSize(conns []*peer.Conn, n int) error {
	for _, c := range conns {
		if limit := c.MaxMessageSize(); n > limit {
			return fmt.Errorf("%w: %d > %d bytes for peer %d", peer.ErrFrameTooLarge, n, limit, c.ID())
		}
	}
	return nil
}

// deliver runs one send, skipping peers that closed since the roster was read.
func deliver(c *peer.Conn, send func() error) {
	err := send()
	switch {
	case err == nil:
	case errors.Is(err, peer.ErrNotOpen):
	default:
		util.Stats.AddDropped()
		util.LogWarning("[mesh] send to peer %d failed: %v", c.ID(), err)
	}
}

// Broadcast sends msg to every open peer. Only an oversized message is
// reported; per-peer failures are logged.
func (r *Registry) Broadcast(rel protocol.Reliability, msg protocol.Message) error {
	conns := r.targets(Everyone)
	if err := checkSize(conns, len(msg.Raw)); err != nil {
		return err
	}
	for _, c := range conns {
		deliver(c, func() error { return c.Send(rel, msg) })
	}
	return nil
}

// SendTo sends msg to one peer. It does nothing if id is not open.
func (r *Registry) SendTo(id int, rel protocol.Reliability, msg protocol.Message) error {
	conns := r.targets(id)
	if id == Everyone || len(conns) == 0 {
		return nil
	}

	err := conns[0].Send(rel, msg)
	if errors.Is(err, peer.ErrNotOpen) {
		return nil
	}
	return err
}

// SendFile encodes one file frame and sends it on the reliable channel to
// target, a peer identity or Everyone. It fails without sending anything if
// the frame exceeds any target's max message size.
func (r *Registry) SendFile(target int, name string, content []byte, id uint32) error {
	frame, err := protocol.EncodeFrame(&protocol.FileFrame{ID: id, Name: name, Content: content})
	if err != nil {
		return err
	}

	conns := r.targets(target)
	if err := checkSize(conns, len(frame)); err != nil {
		return err
	}
	for _, c := range conns {
		deliver(c, func() error { return c.SendFrame(protocol.Reliable, frame) })
	}
	return nil
}
