package signaling

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"strconv"

	"github.com/gorilla/websocket"

	"github.com/1ureka/meshlink/internal/util"
)

// ErrClosed is returned once the relay's loop has stopped.
var ErrClosed = errors.New("relay closed")

// forward is one envelope read from a session, waiting for the loop to
// stamp the sender and route it.
type forward struct {
	from   *session
	target int
	fields map[string]json.RawMessage
}

// Relay is the rendezvous hub. Its identity table is owned by the Run loop;
// sessions talk to it only through channels.
type Relay struct {
	upgrader websocket.Upgrader

	register   chan *session
	unregister chan *session
	forward    chan *forward
	query      chan chan []int
	done       chan struct{}

	// loop-owned
	sessions map[int]*session
	nextID   int
}

// NewRelay creates a relay accepting browser origins in allowedOrigins
// (any origin when empty). Call Run to start it.
func NewRelay(allowedOrigins []string) *Relay {
	return &Relay{
		upgrader: websocket.Upgrader{
			CheckOrigin: originChecker(allowedOrigins),
		},
		register:   make(chan *session),
		unregister: make(chan *session),
		forward:    make(chan *forward),
		query:      make(chan chan []int),
		done:       make(chan struct{}),
		sessions:   make(map[int]*session),
	}
}

// Run processes registrations, departures and forwards until ctx is done,
// then closes every session.
func (r *Relay) Run(ctx context.Context) {
	defer close(r.done)

	for {
		select {
		case s := <-r.register:
			s.id = r.nextID
			r.nextID++

			ids := r.identities()
			joined, _ := json.Marshal(Joined{Type: TypeJoined, IDs: ids})
			s.send <- joined
			r.sessions[s.id] = s
			util.LogInfo("[relay %d] joined (%s), %d other clients", s.id, s.uuid, len(ids))

		case s := <-r.unregister:
			if cur, ok := r.sessions[s.id]; ok && cur == s {
				delete(r.sessions, s.id)
				close(s.send)
				util.LogInfo("[relay %d] left", s.id)
			}

		case f := <-r.forward:
			r.route(f)

		case reply := <-r.query:
			reply <- r.identities()

		case <-ctx.Done():
			for id, s := range r.sessions {
				delete(r.sessions, id)
				close(s.send)
			}
			return
		}
	}
}

// route rewrites clientId to the true sender and hands the envelope to the
// target's write pump. Unknown targets are dropped silently.
func (r *Relay) route(f *forward) {
	target, ok := r.sessions[f.target]
	if !ok {
		util.Stats.AddDropped()
		util.LogDebug("[relay %d] dropping envelope for unknown client %d", f.from.id, f.target)
		return
	}

	f.fields["clientId"] = json.RawMessage(strconv.Itoa(f.from.id))
	data, err := encodeFields(f.fields)
	if err != nil {
		util.LogWarning("[relay %d] re-encode envelope: %v", f.from.id, err)
		return
	}

	select {
	case target.send <- data:
		util.Stats.AddRelayed()
	default:
		util.Stats.AddDropped()
		util.LogWarning("[relay %d] send buffer full, dropping envelope from %d", target.id, f.from.id)
	}
}

// encodeFields re-encodes an envelope without HTML escaping so payload
// strings pass through unchanged.
func encodeFields(fields map[string]json.RawMessage) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(fields); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

func (r *Relay) identities() []int {
	ids := make([]int, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Identities returns the currently registered identities in ascending order.
func (r *Relay) Identities(ctx context.Context) ([]int, error) {
	reply := make(chan []int, 1)
	select {
	case r.query <- reply:
	case <-r.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case ids := <-reply:
		return ids, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ServeWS upgrades the request and registers the connection as a new client.
func (r *Relay) ServeWS(w http.ResponseWriter, req *http.Request) {
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		util.LogDebug("websocket upgrade failed: %v", err)
		return
	}

	s := newSession(r, conn)
	select {
	case r.register <- s:
	case <-r.done:
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "relay shutting down"))
		conn.Close()
		return
	}

	go s.writePump()
	go s.readPump()
}

// originChecker allows requests without an Origin header (non-browser
// clients) and, when a list is given, only the listed browser origins.
func originChecker(allowed []string) func(*http.Request) bool {
	return func(req *http.Request) bool {
		origin := req.Header.Get("Origin")
		if origin == "" || len(allowed) == 0 {
			return true
		}
		return slices.Contains(allowed, origin)
	}
}
