package wsrelay

import (
	"errors"
	"sync"
	"time"

	"github.com/dkeye/relaylobby/internal/core"
	"github.com/dkeye/relaylobby/internal/domain"
	"github.com/dkeye/relaylobby/internal/relay"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

func newRef() string { return uuid.NewString() }

// conn is this side of one relay link. Exactly one of client and server is set.
type conn struct {
	owner  *Substrate
	peer   domain.Identity
	inbox  *relay.Inbox
	client *connectionManager
	server *socketManager

	mu       sync.Mutex
	id       core.ConnectionID
	accepted bool
	closed   bool
}

var _ core.Connection = (*conn)(nil)

func (c *conn) ID() core.ConnectionID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

func (c *conn) setID(id core.ConnectionID) {
	c.mu.Lock()
	c.id = id
	c.mu.Unlock()
}

func (c *conn) open() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.accepted && !c.closed
}

// Accept answers an incoming link; only the listening end accepts.
func (c *conn) Accept() error {
	if c.server == nil {
		return ErrNotConnected
	}
	c.mu.Lock()
	closed := c.closed
	id := c.id
	c.mu.Unlock()
	if closed {
		return ErrNotConnected
	}
	return c.owner.control(relay.Control{Type: relay.CtlAccept, Conn: uint64(id)})
}

// SendMessage queues payload. Reliable sends wait for queue room; unreliable ones are
// dropped with ErrBackpressure when the queue is full.
func (c *conn) SendMessage(data []byte, st core.SendType) error {
	if !c.open() {
		return ErrNotConnected
	}
	frame := relay.EncodeData(c.ID(), st, data)
	return c.owner.enqueue(outFrame{kind: websocket.BinaryMessage, data: frame}, st == core.SendReliable)
}

// Flush waits until every frame queued before it has been written.
func (c *conn) Flush() error {
	marker := make(chan struct{})
	if err := c.owner.enqueue(outFrame{flushed: marker}, true); err != nil {
		return err
	}
	select {
	case <-marker:
		return nil
	case <-c.owner.done:
		return ErrClosed
	}
}

// Close closes the link and notifies the other end only.
func (c *conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	id := c.id
	c.mu.Unlock()

	if c.server != nil {
		c.server.untrack(c)
	}
	c.owner.forget(c)
	if id == 0 {
		// still waiting for the hub to allocate an id; closed once it arrives
		return nil
	}
	err := c.owner.control(relay.Control{Type: relay.CtlClose, Conn: uint64(id)})
	if errors.Is(err, ErrClosed) {
		return nil
	}
	return err
}

func (c *conn) established(peer domain.Identity) {
	c.mu.Lock()
	if c.closed || c.accepted {
		c.mu.Unlock()
		return
	}
	c.accepted = true
	c.mu.Unlock()

	info := core.ConnectionInfo{Identity: peer}
	if c.server != nil {
		sm := c.server
		c.inbox.Push(func() { sm.handler.OnConnected(c, info) })
		return
	}
	h := c.client.handler
	c.inbox.Push(func() { h.OnConnected(info) })
}

func (c *conn) remoteClosed(reason string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	if reason == relay.ReasonUnreachable {
		reason = domain.ErrPeerUnreachable.Error()
	}
	info := core.ConnectionInfo{Identity: c.peer, EndReason: reason}
	if c.server != nil {
		sm := c.server
		sm.untrack(c)
		c.inbox.Push(func() { sm.handler.OnDisconnected(c, info) })
		return
	}
	h := c.client.handler
	c.inbox.Push(func() { h.OnDisconnected(info) })
}

func (c *conn) deliver(payload []byte, at time.Time) {
	if !c.open() {
		return
	}
	if c.server != nil {
		sm := c.server
		from := c.peer
		c.inbox.Push(func() { sm.handler.OnMessage(c, from, payload, at) })
		return
	}
	h := c.client.handler
	c.inbox.Push(func() { h.OnMessage(payload, at) })
}

type socketManager struct {
	owner   *Substrate
	handler core.SocketHandler
	inbox   relay.Inbox

	mu    sync.Mutex
	conns map[core.ConnectionID]*conn
}

func (m *socketManager) track(c *conn) {
	m.mu.Lock()
	m.conns[c.id] = c
	m.mu.Unlock()
}

func (m *socketManager) untrack(c *conn) {
	m.mu.Lock()
	delete(m.conns, c.ID())
	m.mu.Unlock()
}

func (m *socketManager) Receive(max int) int { return m.inbox.Drain(max) }

// Close stops listening and closes every incoming link.
func (m *socketManager) Close() error {
	m.mu.Lock()
	conns := make([]*conn, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}
	m.inbox.Close()

	s := m.owner
	s.mu.Lock()
	if s.socket == m {
		s.socket = nil
	}
	s.mu.Unlock()

	err := s.control(relay.Control{Type: relay.CtlUnlisten})
	if errors.Is(err, ErrClosed) {
		return nil
	}
	return err
}

type connectionManager struct {
	owner   *Substrate
	handler core.ConnectionHandler
	target  domain.Identity
	ref     string
	conn    *conn
	inbox   relay.Inbox
}

func (m *connectionManager) Connection() core.Connection { return m.conn }

func (m *connectionManager) Receive(max int) int { return m.inbox.Drain(max) }

func (m *connectionManager) isClosed() bool {
	m.conn.mu.Lock()
	defer m.conn.mu.Unlock()
	return m.conn.closed
}

func (m *connectionManager) Close() error {
	err := m.conn.Close()
	m.inbox.Close()
	return err
}
