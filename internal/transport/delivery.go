package transport

import "github.com/dkeye/relaylobby/internal/core"

// Delivery is the reliability/ordering class the framework asks for on each send.
type Delivery int

const (
	Reliable Delivery = iota
	ReliableFragmented
	ReliableSequenced
	Unreliable
	UnreliableSequenced
)

func (d Delivery) String() string {
	switch d {
	case Reliable:
		return "reliable"
	case ReliableFragmented:
		return "reliable_fragmented"
	case ReliableSequenced:
		return "reliable_sequenced"
	case Unreliable:
		return "unreliable"
	case UnreliableSequenced:
		return "unreliable_sequenced"
	}
	return "unknown"
}

// SendType folds the five delivery classes onto the substrate's two reliability levels.
// Unknown classes are sent reliably.
func (d Delivery) SendType() core.SendType {
	switch d {
	case Unreliable, UnreliableSequenced:
		return core.SendUnreliable
	}
	return core.SendReliable
}
