package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Application message tags shared with every client of the mesh. The core
// routes them opaquely; only consumers interpret the payloads.
const (
	TypePing          = "ping"
	TypeChatMessage   = "chatMessage"
	TypeDeleteMessage = "deleteMessage"
	TypeEditMessage   = "editMessage"
	TypeRateMessage   = "rateMessage"
	TypePeerInfo      = "peerInfo"
	TypeDraw          = "draw"
	TypeGame          = "game"
)

// ErrMalformedMessage is returned for text frames that are not a tagged JSON object.
var ErrMalformedMessage = errors.New("malformed application message")

// Message is a tagged JSON object: Type mirrors the "pType" field and Raw
// holds the complete encoded object including the tag.
type Message struct {
	Type string
	Raw  json.RawMessage
}

// NewMessage builds a message from a tag and a payload that marshals to a
// JSON object (or nil for tag-only messages such as ping).
func NewMessage(tag string, payload any) (Message, error) {
	fields := map[string]json.RawMessage{}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Message{}, fmt.Errorf("marshal %s payload: %w", tag, err)
		}
		if err := json.Unmarshal(data, &fields); err != nil {
			return Message{}, fmt.Errorf("%s payload is not a JSON object: %w", tag, err)
		}
		if fields == nil {
			fields = map[string]json.RawMessage{}
		}
	}

	quoted, err := json.Marshal(tag)
	if err != nil {
		return Message{}, err
	}
	fields["pType"] = quoted

	raw, err := json.Marshal(fields)
	if err != nil {
		return Message{}, err
	}
	return Message{Type: tag, Raw: raw}, nil
}

// Ping is the liveness probe sent when a peer's channels first open.
func Ping() Message {
	return Message{Type: TypePing, Raw: json.RawMessage(`{"pType":"ping"}`)}
}

// ParseMessage validates a received text frame.
func ParseMessage(data []byte) (Message, error) {
	var head struct {
		PType *string `json:"pType"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if head.PType == nil || *head.PType == "" {
		return Message{}, fmt.Errorf("%w: missing pType", ErrMalformedMessage)
	}

	raw := make(json.RawMessage, len(data))
	copy(raw, data)
	return Message{Type: *head.PType, Raw: raw}, nil
}

// Decode unmarshals the message body into v.
func (m Message) Decode(v any) error {
	return json.Unmarshal(m.Raw, v)
}

// MarshalJSON emits the raw object so messages nest inside other JSON.
func (m Message) MarshalJSON() ([]byte, error) {
	if len(m.Raw) == 0 {
		return []byte("null"), nil
	}
	return m.Raw, nil
}

// ChatMessage is the payload of a chatMessage.
type ChatMessage struct {
	Text string `json:"text"`
	ID   int    `json:"id"`
}

// PeerInfo is the payload of a peerInfo; fields are partial updates.
type PeerInfo struct {
	Info struct {
		Name  string `json:"name,omitempty"`
		Color string `json:"color,omitempty"`
	} `json:"info"`
}
