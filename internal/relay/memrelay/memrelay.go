// Package memrelay is an in-process relay substrate. Links between identities joined
// to the same Network behave like relay links: callbacks are queued per manager and
// only dispatched by Receive.
package memrelay

import (
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/dkeye/relaylobby/internal/core"
	"github.com/dkeye/relaylobby/internal/domain"
	"github.com/dkeye/relaylobby/internal/relay"
	"github.com/rs/zerolog/log"
)

var (
	ErrClosed       = errors.New("memrelay: closed")
	ErrNotConnected = errors.New("memrelay: link not connected")
	ErrListening    = errors.New("memrelay: socket already open")
)

// Network routes links between the substrates joined to it.
type Network struct {
	mu       sync.Mutex
	nodes    map[domain.Identity]*Substrate
	nextConn core.ConnectionID
}

func NewNetwork() *Network {
	return &Network{nodes: make(map[domain.Identity]*Substrate)}
}

// Join returns a substrate for id that is ready immediately.
func (n *Network) Join(id domain.Identity) *Substrate {
	s := n.JoinDeferred(id)
	s.SetReady()
	return s
}

// JoinDeferred returns a substrate that stays not-ready until SetReady.
func (n *Network) JoinDeferred(id domain.Identity) *Substrate {
	s := &Substrate{
		net:   n,
		id:    id,
		ready: make(chan struct{}),
		sent:  make(map[core.SendType]int),
	}
	n.mu.Lock()
	n.nodes[id] = s
	n.mu.Unlock()
	return s
}

func (n *Network) lookup(id domain.Identity) *Substrate {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.nodes[id]
}

func (n *Network) leave(id domain.Identity) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.nodes, id)
}

func (n *Network) newConnID() core.ConnectionID {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.nextConn++
	return n.nextConn
}

// Substrate implements core.Substrate for one identity.
type Substrate struct {
	net       *Network
	id        domain.Identity
	ready     chan struct{}
	readyOnce sync.Once

	mu         sync.Mutex
	socket     *socketManager
	clients    []*connectionManager
	listenErr  error
	connectErr error
	sent       map[core.SendType]int
	closed     bool
}

var _ core.Substrate = (*Substrate)(nil)

func (s *Substrate) Identity() domain.Identity { return s.id }

func (s *Substrate) Ready() <-chan struct{} { return s.ready }

func (s *Substrate) SetReady() { s.readyOnce.Do(func() { close(s.ready) }) }

// FailListen makes the next CreateRelaySocket calls fail with err; nil clears it.
func (s *Substrate) FailListen(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listenErr = err
}

// FailConnect makes the next ConnectRelay calls fail with err; nil clears it.
func (s *Substrate) FailConnect(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connectErr = err
}

// Sent returns how many messages this substrate sent per reliability level.
func (s *Substrate) Sent() map[core.SendType]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[core.SendType]int, len(s.sent))
	for k, v := range s.sent {
		out[k] = v
	}
	return out
}

func (s *Substrate) countSend(st core.SendType) {
	s.mu.Lock()
	s.sent[st]++
	s.mu.Unlock()
}

func (s *Substrate) RunCallbacks() {}

func (s *Substrate) CreateRelaySocket(h core.SocketHandler) (core.SocketManager, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.closed:
		return nil, ErrClosed
	case s.listenErr != nil:
		return nil, s.listenErr
	case s.socket != nil:
		return nil, ErrListening
	}
	s.socket = &socketManager{owner: s, handler: h}
	log.Debug().Str("module", "memrelay").Str("identity", s.id.String()).Msg("relay socket created")
	return s.socket, nil
}

func (s *Substrate) listener() *socketManager {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.socket
}

func (s *Substrate) ConnectRelay(target domain.Identity, h core.ConnectionHandler) (core.ConnectionManager, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	if s.connectErr != nil {
		err := s.connectErr
		s.mu.Unlock()
		return nil, err
	}
	cm := &connectionManager{owner: s, handler: h, target: target}
	s.clients = append(s.clients, cm)
	s.mu.Unlock()

	l := &link{id: s.net.newConnID()}
	l.client = &conn{link: l, owner: s, peer: target}
	cm.conn = l.client
	cm.inbox.Push(func() { h.OnConnecting(core.ConnectionInfo{Identity: target}) })

	remote := s.net.lookup(target)
	var sm *socketManager
	if remote != nil {
		sm = remote.listener()
	}
	if sm == nil {
		l.mu.Lock()
		l.closed = true
		l.mu.Unlock()
		cm.inbox.Push(func() {
			h.OnDisconnected(core.ConnectionInfo{Identity: target, EndReason: domain.ErrPeerUnreachable.Error()})
		})
		return cm, nil
	}

	l.clientInbox = &cm.inbox
	l.clientHandler = h
	l.server = &conn{link: l, owner: remote, peer: s.id}
	l.serverManager = sm
	sm.track(l)
	server := l.server
	sm.inbox.Push(func() { sm.handler.OnConnecting(server, core.ConnectionInfo{Identity: s.id}) })
	return cm, nil
}

// Close closes every socket and link owned by the substrate and leaves the network.
func (s *Substrate) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	sm := s.socket
	clients := slices.Clone(s.clients)
	s.mu.Unlock()

	if sm != nil {
		_ = sm.Close()
	}
	for _, cm := range clients {
		_ = cm.Close()
	}
	s.net.leave(s.id)
	return nil
}

// link is one relay link between a connecting client and a listening socket.
type link struct {
	id core.ConnectionID

	mu       sync.Mutex
	accepted bool
	closed   bool

	client        *conn
	clientInbox   *relay.Inbox
	clientHandler core.ConnectionHandler

	server        *conn
	serverManager *socketManager
}

func (l *link) open() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.accepted && !l.closed
}

// conn is one end of a link.
type conn struct {
	link  *link
	owner *Substrate
	peer  domain.Identity
}

var _ core.Connection = (*conn)(nil)

func (c *conn) ID() core.ConnectionID { return c.link.id }

func (c *conn) isServer() bool { return c == c.link.server }

// Accept completes the handshake; only the listening end may accept.
func (c *conn) Accept() error {
	l := c.link
	if !c.isServer() {
		return errors.New("memrelay: only the listening end accepts")
	}
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrNotConnected
	}
	if l.accepted {
		l.mu.Unlock()
		return nil
	}
	l.accepted = true
	l.mu.Unlock()

	sm := l.serverManager
	server := l.server
	clientID := l.client.owner.id
	serverID := server.owner.id
	h := l.clientHandler
	sm.inbox.Push(func() { sm.handler.OnConnected(server, core.ConnectionInfo{Identity: clientID}) })
	l.clientInbox.Push(func() { h.OnConnected(core.ConnectionInfo{Identity: serverID}) })
	return nil
}

func (c *conn) SendMessage(data []byte, st core.SendType) error {
	l := c.link
	if !l.open() {
		return ErrNotConnected
	}
	c.owner.countSend(st)
	msg := slices.Clone(data)
	from := c.owner.id
	now := time.Now()
	if c.isServer() {
		h := l.clientHandler
		l.clientInbox.Push(func() { h.OnMessage(msg, now) })
		return nil
	}
	sm := l.serverManager
	server := l.server
	sm.inbox.Push(func() { sm.handler.OnMessage(server, from, msg, now) })
	return nil
}

func (c *conn) Flush() error { return nil }

// Close closes the link and notifies the other end only.
func (c *conn) Close() error {
	l := c.link
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()

	if c.isServer() {
		h := l.clientHandler
		info := core.ConnectionInfo{Identity: c.owner.id, EndReason: "closed by peer"}
		l.clientInbox.Push(func() { h.OnDisconnected(info) })
		l.serverManager.untrack(l)
		return nil
	}
	if l.serverManager != nil {
		sm := l.serverManager
		server := l.server
		info := core.ConnectionInfo{Identity: c.owner.id, EndReason: "closed by peer"}
		sm.inbox.Push(func() { sm.handler.OnDisconnected(server, info) })
		sm.untrack(l)
	}
	return nil
}

type socketManager struct {
	owner   *Substrate
	handler core.SocketHandler
	inbox   relay.Inbox

	mu    sync.Mutex
	links map[core.ConnectionID]*link
}

func (m *socketManager) track(l *link) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.links == nil {
		m.links = make(map[core.ConnectionID]*link)
	}
	m.links[l.id] = l
}

func (m *socketManager) untrack(l *link) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.links, l.id)
}

func (m *socketManager) Receive(max int) int { return m.inbox.Drain(max) }

// Close closes every accepted or pending link and stops listening.
func (m *socketManager) Close() error {
	m.mu.Lock()
	links := make([]*link, 0, len(m.links))
	for _, l := range m.links {
		links = append(links, l)
	}
	m.mu.Unlock()

	for _, l := range links {
		_ = l.server.Close()
	}
	m.inbox.Close()

	m.owner.mu.Lock()
	if m.owner.socket == m {
		m.owner.socket = nil
	}
	m.owner.mu.Unlock()
	return nil
}

type connectionManager struct {
	owner   *Substrate
	handler core.ConnectionHandler
	target  domain.Identity
	conn    *conn
	inbox   relay.Inbox
}

func (m *connectionManager) Connection() core.Connection { return m.conn }

func (m *connectionManager) Receive(max int) int { return m.inbox.Drain(max) }

func (m *connectionManager) Close() error {
	err := m.conn.Close()
	m.inbox.Close()
	m.owner.mu.Lock()
	m.owner.clients = slices.DeleteFunc(m.owner.clients, func(c *connectionManager) bool { return c == m })
	m.owner.mu.Unlock()
	return err
}
