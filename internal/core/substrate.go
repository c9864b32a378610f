package core

import (
	"time"

	"github.com/dkeye/relaylobby/internal/domain"
)

// ConnectionID is the substrate's opaque handle for one relay link.
type ConnectionID uint64

// SendType is the substrate's reliability level.
type SendType uint8

const (
	SendReliable SendType = iota
	SendUnreliable
)

func (s SendType) String() string {
	if s == SendUnreliable {
		return "unreliable"
	}
	return "reliable"
}

// ConnectionInfo describes the remote end of a link at callback time.
type ConnectionInfo struct {
	Identity  domain.Identity
	EndReason string
}

// Connection is one live relay link. Owned by the substrate; the adapter must Close() it.
type Connection interface {
	ID() ConnectionID
	Accept() error
	// SendMessage queues data; the slice may be reused once it returns.
	SendMessage(data []byte, st SendType) error
	// Flush blocks until every message queued before the call has left the process.
	Flush() error
	Close() error
}

// SocketHandler receives server-role callbacks. The data slice passed to OnMessage
// is only valid for the duration of the call.
type SocketHandler interface {
	OnConnecting(conn Connection, info ConnectionInfo)
	OnConnected(conn Connection, info ConnectionInfo)
	OnDisconnected(conn Connection, info ConnectionInfo)
	OnMessage(conn Connection, from domain.Identity, data []byte, recvTime time.Time)
}

// ConnectionHandler receives client-role callbacks for the single outbound link.
type ConnectionHandler interface {
	OnConnecting(info ConnectionInfo)
	OnConnected(info ConnectionInfo)
	OnDisconnected(info ConnectionInfo)
	OnMessage(data []byte, recvTime time.Time)
}

// SocketManager is the inbound (server) role bound to the local identity.
type SocketManager interface {
	// Receive dispatches at most max pending callbacks (all of them when max <= 0)
	// on the calling goroutine and returns how many ran.
	Receive(max int) int
	Close() error
}

// ConnectionManager is the outbound (client) role toward one target identity.
type ConnectionManager interface {
	Connection() Connection
	Receive(max int) int
	Close() error
}

// Substrate is the relay socket layer: point-to-point links addressed by identity,
// with lifecycle and message events pushed through handlers.
type Substrate interface {
	Identity() domain.Identity
	// Ready is closed once relay network access is initialised.
	Ready() <-chan struct{}
	CreateRelaySocket(h SocketHandler) (SocketManager, error)
	ConnectRelay(target domain.Identity, h ConnectionHandler) (ConnectionManager, error)
	// RunCallbacks pumps substrate-level housekeeping once per tick.
	RunCallbacks()
	Close() error
}
