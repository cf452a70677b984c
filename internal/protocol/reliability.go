package protocol

// Reliability selects which of a peer's two data channels carries a send.
type Reliability uint8

const (
	// Reliable is ordered with unlimited retransmits.
	Reliable Reliability = iota
	// Unreliable is ordered within the channel with zero retransmits.
	Unreliable
)

// Reliabilities lists every channel in creation order.
var Reliabilities = []Reliability{Reliable, Unreliable}

// ChannelID is the pre-agreed SCTP stream id both sides use for the channel.
func (r Reliability) ChannelID() uint16 { return uint16(r) }

// MaxRetransmits returns nil for unlimited retransmission.
func (r Reliability) MaxRetransmits() *uint16 {
	if r == Unreliable {
		zero := uint16(0)
		return &zero
	}
	return nil
}

func (r Reliability) String() string {
	switch r {
	case Reliable:
		return "reliable"
	case Unreliable:
		return "unreliable"
	default:
		return "unknown"
	}
}

// ParseReliability accepts the names used by String.
func ParseReliability(s string) (Reliability, bool) {
	switch s {
	case "reliable":
		return Reliable, true
	case "unreliable":
		return Unreliable, true
	}
	return 0, false
}
