package relay

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/dkeye/relaylobby/internal/core"
	"github.com/dkeye/relaylobby/internal/domain"
)

// ControlType names a JSON control frame exchanged with the relay hub.
type ControlType string

const (
	CtlWelcome    ControlType = "welcome"
	CtlListen     ControlType = "listen"
	CtlUnlisten   ControlType = "unlisten"
	CtlConnect    ControlType = "connect"
	CtlConnecting ControlType = "connecting"
	CtlIncoming   ControlType = "incoming"
	CtlAccept     ControlType = "accept"
	CtlConnected  ControlType = "connected"
	CtlClose      ControlType = "close"
	CtlClosed     ControlType = "closed"
)

// Close reasons set by the hub.
const (
	ReasonUnreachable = "unreachable"
	ReasonPeerClosed  = "closed by peer"
	ReasonPeerGone    = "peer disconnected"
	ReasonRejected    = "rejected"
)

// Control is a text frame. Conn ids are allocated by the hub and shared by both ends of
// a link.
type Control struct {
	Type     ControlType     `json:"type"`
	Conn     uint64          `json:"conn,omitempty"`
	Ref      string          `json:"ref,omitempty"`
	Peer     domain.Identity `json:"peer,omitempty"`
	Identity domain.Identity `json:"identity,omitempty"`
	Reason   string          `json:"reason,omitempty"`
}

// DataHeaderLen is the size of the binary frame header: conn id then send type.
const DataHeaderLen = 9

var ErrShortFrame = errors.New("relay: data frame shorter than header")

// EncodeData builds a binary frame: 8-byte big-endian conn id, 1-byte send type, payload.
func EncodeData(conn core.ConnectionID, st core.SendType, payload []byte) []byte {
	frame := make([]byte, DataHeaderLen+len(payload))
	binary.BigEndian.PutUint64(frame, uint64(conn))
	frame[8] = byte(st)
	copy(frame[DataHeaderLen:], payload)
	return frame
}

// DecodeData splits a binary frame. The payload aliases frame.
func DecodeData(frame []byte) (core.ConnectionID, core.SendType, []byte, error) {
	if len(frame) < DataHeaderLen {
		return 0, 0, nil, ErrShortFrame
	}
	st := core.SendType(frame[8])
	if st != core.SendReliable && st != core.SendUnreliable {
		return 0, 0, nil, fmt.Errorf("relay: unknown send type %d", frame[8])
	}
	return core.ConnectionID(binary.BigEndian.Uint64(frame)), st, frame[DataHeaderLen:], nil
}
