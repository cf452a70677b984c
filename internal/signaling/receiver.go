package signaling

import (
	"encoding/json"
	"fmt"

	"github.com/gorilla/websocket"

	"github.com/1ureka/meshlink/internal/util"
)

// inbound is any frame the relay may send.
type inbound struct {
	Envelope
	IDs []int `json:"ids"`
}

// Watch reads relay frames until the connection closes, dispatching the
// roster announcement to onJoined and relayed envelopes to onEnvelope.
// Frames that do not parse are logged and skipped. It returns nil when the
// connection was closed normally.
func (c *Client) Watch(onJoined func(ids []int), onEnvelope func(env Envelope)) error {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("relay read failed: %w", err)
		}

		var msg inbound
		if err := json.Unmarshal(data, &msg); err != nil {
			util.LogWarning("ignoring malformed relay frame: %v", err)
			continue
		}

		switch msg.Type {
		case TypeJoined:
			onJoined(msg.IDs)
		case TypeSDP:
			if msg.SDP == nil {
				util.LogWarning("ignoring sdp envelope from %d without description", msg.ClientID)
				continue
			}
			onEnvelope(msg.Envelope)
		case TypeICE:
			if msg.ICE == nil {
				util.LogWarning("ignoring ice envelope from %d without candidate", msg.ClientID)
				continue
			}
			onEnvelope(msg.Envelope)
		default:
			util.LogDebug("ignoring relay frame of type %q", msg.Type)
		}
	}
}
