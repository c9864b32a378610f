package transport

import (
	"errors"
	"time"

	"github.com/dkeye/relaylobby/internal/core"
	"github.com/dkeye/relaylobby/internal/domain"
	"github.com/rs/zerolog/log"
)

type EventKind int

const (
	EventNone EventKind = iota
	EventConnect
	EventDisconnect
	EventData
)

func (k EventKind) String() string {
	switch k {
	case EventConnect:
		return "connect"
	case EventDisconnect:
		return "disconnect"
	case EventData:
		return "data"
	}
	return "none"
}

// Event is one transport-contract event. For EventData, Payload is a view into the
// transport's receive buffer and is only valid until the next PollEvent.
type Event struct {
	Kind        EventKind
	ClientID    ClientID
	Payload     []byte
	ReceiveTime time.Time
}

// bridge turns substrate push callbacks into queued transport events. It runs
// entirely inside the driving tick.
type bridge struct {
	registry *Registry
	buffer   *payloadBuffer
	now      func() time.Time

	queue       []Event
	pendingData bool

	// client role: the outbound manager and whether its link is still open locally.
	client   core.ConnectionManager
	linkOpen bool
}

func (b *bridge) enqueue(ev Event) {
	if ev.Kind == EventData {
		b.pendingData = true
	}
	b.queue = append(b.queue, ev)
}

func (b *bridge) next() (Event, bool) {
	if len(b.queue) == 0 {
		return Event{}, false
	}
	ev := b.queue[0]
	b.queue[0] = Event{}
	b.queue = b.queue[1:]
	if len(b.queue) == 0 {
		b.queue = b.queue[:0:0]
	}
	if ev.Kind == EventData {
		b.pendingData = false
	}
	return ev, true
}

// holdsData reports whether a queued data event still references the receive buffer.
func (b *bridge) holdsData() bool { return b.pendingData }

func (b *bridge) reset() {
	b.queue = nil
	b.pendingData = false
	b.client = nil
	b.linkOpen = false
}

func (b *bridge) connected(conn core.Connection, identity domain.Identity) {
	id, err := b.registry.Register(conn, identity)
	if err != nil {
		var dup *domain.DuplicateConnectionError
		if errors.As(err, &dup) {
			log.Warn().Str("module", "transport.bridge").Err(err).Msg("duplicate connect ignored")
			return
		}
		log.Error().Str("module", "transport.bridge").Err(err).Msg("register connection")
		return
	}
	b.enqueue(Event{Kind: EventConnect, ClientID: id, ReceiveTime: b.now()})
}

func (b *bridge) message(id ClientID, data []byte) {
	b.buffer.ensureCapacity(len(data))
	view := b.buffer.copyIn(data)
	b.enqueue(Event{Kind: EventData, ClientID: id, Payload: view, ReceiveTime: b.now()})
}

// serverEvents adapts the bridge to the inbound socket callbacks.
type serverEvents struct{ *bridge }

var _ core.SocketHandler = serverEvents{}

// OnConnecting accepts unconditionally; authorization happens out of band before join.
func (s serverEvents) OnConnecting(conn core.Connection, info core.ConnectionInfo) {
	log.Debug().Str("module", "transport.bridge").Str("identity", info.Identity.String()).Uint64("handle", uint64(conn.ID())).Msg("accepting connection")
	if err := conn.Accept(); err != nil {
		log.Warn().Str("module", "transport.bridge").Err(err).Str("identity", info.Identity.String()).Msg("accept failed")
	}
}

func (s serverEvents) OnConnected(conn core.Connection, info core.ConnectionInfo) {
	s.connected(conn, info.Identity)
}

func (s serverEvents) OnDisconnected(conn core.Connection, info core.ConnectionInfo) {
	id, ok := s.registry.Lookup(conn.ID())
	if !ok {
		log.Debug().Str("module", "transport.bridge").Uint64("handle", uint64(conn.ID())).Msg("disconnect for unregistered connection ignored")
		return
	}
	s.registry.Unregister(id)
	s.enqueue(Event{Kind: EventDisconnect, ClientID: id, ReceiveTime: s.now()})
	log.Debug().Str("module", "transport.bridge").Uint64("client", uint64(id)).Str("identity", info.Identity.String()).Str("reason", info.EndReason).Msg("peer disconnected")
}

func (s serverEvents) OnMessage(conn core.Connection, from domain.Identity, data []byte, _ time.Time) {
	id, ok := s.registry.Lookup(conn.ID())
	if !ok {
		log.Warn().Str("module", "transport.bridge").Str("identity", from.String()).Msg("message from unregistered connection dropped")
		return
	}
	s.message(id, data)
}

// clientEvents adapts the bridge to the outbound connection callbacks.
type clientEvents struct{ *bridge }

var _ core.ConnectionHandler = clientEvents{}

func (c clientEvents) OnConnecting(info core.ConnectionInfo) {
	log.Debug().Str("module", "transport.bridge").Str("identity", info.Identity.String()).Msg("connecting to host")
}

func (c clientEvents) OnConnected(info core.ConnectionInfo) {
	if c.client == nil {
		return
	}
	c.connected(c.client.Connection(), info.Identity)
}

// OnDisconnected reports the host link as gone, including a link that never connected,
// unless it was closed locally first.
func (c clientEvents) OnDisconnected(info core.ConnectionInfo) {
	if !c.linkOpen {
		return
	}
	c.linkOpen = false
	c.registry.Unregister(ServerClientID)
	c.enqueue(Event{Kind: EventDisconnect, ClientID: ServerClientID, ReceiveTime: c.now()})
	log.Debug().Str("module", "transport.bridge").Str("identity", info.Identity.String()).Str("reason", info.EndReason).Msg("host disconnected")
}

func (c clientEvents) OnMessage(data []byte, _ time.Time) {
	if _, ok := c.registry.Resolve(ServerClientID); !ok {
		log.Warn().Str("module", "transport.bridge").Msg("message before host connect dropped")
		return
	}
	c.message(ServerClientID, data)
}
