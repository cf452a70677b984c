package peer

// State is a peer connection's lifecycle position. States only move forward.
type State int

const (
	Created State = iota
	Negotiating
	ChannelsOpening
	Open
	ShuttingDown
	Closed
)

func (s State) String() string {
	switch s {
	case Created:
		return "created"
	case Negotiating:
		return "negotiating"
	case ChannelsOpening:
		return "channels-opening"
	case Open:
		return "open"
	case ShuttingDown:
		return "shutting-down"
	case Closed:
		return "closed"
	}
	return "unknown"
}
