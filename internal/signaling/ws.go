package signaling

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/1ureka/meshlink/internal/util"
)

const (
	// Time allowed to write a message to the client.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the client.
	pongWait = 60 * time.Second

	// Send pings to the client with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum envelope size accepted from a client. SDP fits comfortably.
	maxMessageSize = 64 * 1024

	// Outbound frames buffered per client.
	sendBufferSize = 64
)

// session is one client connection on the relay.
type session struct {
	relay *Relay
	conn  *websocket.Conn
	uuid  uuid.UUID

	// id is assigned by the relay loop on registration.
	id int

	// send is closed by the relay loop when the client is unregistered.
	send chan []byte
}

func newSession(r *Relay, conn *websocket.Conn) *session {
	return &session{
		relay: r,
		conn:  conn,
		uuid:  uuid.New(),
		send:  make(chan []byte, sendBufferSize),
	}
}

// readPump parses envelopes and hands them to the relay loop. A frame that
// is not a JSON object ends the connection.
func (s *session) readPump() {
	defer func() {
		select {
		case s.relay.unregister <- s:
		case <-s.relay.done:
		}
		s.conn.Close()
	}()

	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				util.LogDebug("[relay %s] read: %v", s.uuid, err)
			}
			return
		}

		var fields map[string]json.RawMessage
		if err := json.Unmarshal(data, &fields); err != nil || fields == nil {
			util.LogWarning("[relay %s] closing on malformed envelope", s.uuid)
			s.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "malformed envelope"),
				time.Now().Add(writeWait))
			return
		}

		// Envelopes without a usable target have nowhere to go.
		var target int
		raw, ok := fields["clientId"]
		if !ok || json.Unmarshal(raw, &target) != nil {
			util.Stats.AddDropped()
			util.LogDebug("[relay %s] dropping envelope without target", s.uuid)
			continue
		}

		select {
		case s.relay.forward <- &forward{from: s, target: target, fields: fields}:
		case <-s.relay.done:
			return
		}
	}
}

// writePump is the only writer of frames on the connection.
func (s *session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case data, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The relay closed the channel.
				s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				util.LogDebug("[relay %s] write: %v", s.uuid, err)
				return
			}

		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
