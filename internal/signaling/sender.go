package signaling

import (
	"time"

	"github.com/pion/webrtc/v4"
)

// Send writes one envelope to the relay.
func (c *Client) Send(env Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(env)
}

// SendSDP addresses a session description to target.
func (c *Client) SendSDP(target int, sdp webrtc.SessionDescription) error {
	return c.Send(NewSDP(target, sdp))
}

// SendICE addresses an ICE candidate to target.
func (c *Client) SendICE(target int, candidate webrtc.ICECandidateInit) error {
	return c.Send(NewICE(target, candidate))
}
