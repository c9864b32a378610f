// Package wsrelay is a relay substrate that reaches other identities through the
// lobbyd relay hub over one websocket.
package wsrelay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/dkeye/relaylobby/internal/core"
	"github.com/dkeye/relaylobby/internal/domain"
	"github.com/dkeye/relaylobby/internal/relay"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"go.uber.org/multierr"
)

var (
	ErrClosed       = errors.New("wsrelay: substrate closed")
	ErrListening    = errors.New("wsrelay: relay socket already open")
	ErrNotConnected = errors.New("wsrelay: link not connected")
	ErrBackpressure = errors.New("wsrelay: send queue full")
)

const reasonRelayLost = "relay connection lost"

type Options struct {
	URL        string
	Identity   domain.Identity
	SendQueue  int
	WriteWait  time.Duration
	PingPeriod time.Duration
	ReadLimit  int64
	Dialer     *websocket.Dialer
}

func (o *Options) withDefaults() {
	if o.SendQueue <= 0 {
		o.SendQueue = 256
	}
	if o.WriteWait <= 0 {
		o.WriteWait = 5 * time.Second
	}
	if o.PingPeriod <= 0 {
		o.PingPeriod = 30 * time.Second
	}
	if o.ReadLimit <= 0 {
		o.ReadLimit = 1 << 20
	}
	if o.Dialer == nil {
		o.Dialer = websocket.DefaultDialer
	}
}

type outFrame struct {
	kind int
	data []byte
	// flushed, when set, marks a flush point and is closed once reached.
	flushed chan struct{}
}

// Substrate implements core.Substrate over a websocket to the relay hub.
type Substrate struct {
	opts Options
	ws   *websocket.Conn

	ready     chan struct{}
	readyOnce sync.Once
	out       chan outFrame
	done      chan struct{}
	doneOnce  sync.Once
	wrote     chan struct{}
	read      chan struct{}

	mu      sync.Mutex
	closed  bool
	socket  *socketManager
	pending map[string]*connectionManager
	conns   map[core.ConnectionID]*conn
}

var _ core.Substrate = (*Substrate)(nil)

// Dial connects to the hub. Readiness follows once the hub welcomes the identity.
func Dial(ctx context.Context, opts Options) (*Substrate, error) {
	opts.withDefaults()
	if !opts.Identity.Valid() {
		return nil, fmt.Errorf("wsrelay: %w", &domain.RelayError{Op: "dial", Err: errors.New("missing identity")})
	}
	u, err := url.Parse(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("wsrelay: parse url: %w", err)
	}
	q := u.Query()
	q.Set("identity", opts.Identity.String())
	u.RawQuery = q.Encode()

	ws, resp, err := opts.Dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("%w (status %d)", err, resp.StatusCode)
		}
		return nil, &domain.RelayError{Op: "dial", Identity: opts.Identity, Err: err}
	}
	ws.SetReadLimit(opts.ReadLimit)

	s := &Substrate{
		opts:    opts,
		ws:      ws,
		ready:   make(chan struct{}),
		out:     make(chan outFrame, opts.SendQueue),
		done:    make(chan struct{}),
		wrote:   make(chan struct{}),
		read:    make(chan struct{}),
		pending: make(map[string]*connectionManager),
		conns:   make(map[core.ConnectionID]*conn),
	}
	go s.writePump()
	go s.readPump()
	log.Info().Str("module", "wsrelay").Str("url", opts.URL).Str("identity", opts.Identity.String()).Msg("relay dialed")
	return s, nil
}

func (s *Substrate) Identity() domain.Identity { return s.opts.Identity }

// Ready is closed once the hub has welcomed this identity.
func (s *Substrate) Ready() <-chan struct{} { return s.ready }

// Done is closed when the websocket is gone.
func (s *Substrate) Done() <-chan struct{} { return s.done }

// RunCallbacks is a no-op: managers dispatch their own callbacks in Receive.
func (s *Substrate) RunCallbacks() {}

func (s *Substrate) CreateRelaySocket(h core.SocketHandler) (core.SocketManager, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	if s.socket != nil {
		s.mu.Unlock()
		return nil, ErrListening
	}
	sm := &socketManager{owner: s, handler: h, conns: make(map[core.ConnectionID]*conn)}
	s.socket = sm
	s.mu.Unlock()

	if err := s.control(relay.Control{Type: relay.CtlListen}); err != nil {
		s.mu.Lock()
		s.socket = nil
		s.mu.Unlock()
		return nil, err
	}
	return sm, nil
}

func (s *Substrate) ConnectRelay(target domain.Identity, h core.ConnectionHandler) (core.ConnectionManager, error) {
	cm := &connectionManager{owner: s, handler: h, target: target, ref: newRef()}
	cm.conn = &conn{owner: s, peer: target, inbox: &cm.inbox, client: cm}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	s.pending[cm.ref] = cm
	s.mu.Unlock()

	cm.inbox.Push(func() { h.OnConnecting(core.ConnectionInfo{Identity: target}) })
	if err := s.control(relay.Control{Type: relay.CtlConnect, Ref: cm.ref, Peer: target}); err != nil {
		s.mu.Lock()
		delete(s.pending, cm.ref)
		s.mu.Unlock()
		return nil, err
	}
	return cm, nil
}

// Close closes every manager, then the websocket.
func (s *Substrate) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	sm := s.socket
	var cms []*connectionManager
	for _, c := range s.conns {
		if c.client != nil {
			cms = append(cms, c.client)
		}
	}
	for _, cm := range s.pending {
		cms = append(cms, cm)
	}
	s.mu.Unlock()

	var err error
	if sm != nil {
		err = multierr.Append(err, sm.Close())
	}
	for _, cm := range cms {
		err = multierr.Append(err, cm.Close())
	}

	_ = s.enqueue(outFrame{
		kind: websocket.CloseMessage,
		data: websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
	}, true)
	s.shutdown()
	<-s.wrote
	if cerr := s.ws.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
		err = multierr.Append(err, cerr)
	}
	<-s.read
	log.Info().Str("module", "wsrelay").Str("identity", s.opts.Identity.String()).Msg("relay closed")
	return err
}

func (s *Substrate) shutdown() {
	s.doneOnce.Do(func() { close(s.done) })
}

func (s *Substrate) control(ctl relay.Control) error {
	b, err := json.Marshal(ctl)
	if err != nil {
		return err
	}
	return s.enqueue(outFrame{kind: websocket.TextMessage, data: b}, true)
}

// enqueue queues a frame for the write pump. Blocking enqueues wait for room; the
// others fail with ErrBackpressure.
func (s *Substrate) enqueue(f outFrame, block bool) error {
	select {
	case <-s.done:
		return ErrClosed
	default:
	}
	if !block {
		select {
		case s.out <- f:
			return nil
		default:
			return ErrBackpressure
		}
	}
	select {
	case s.out <- f:
		return nil
	case <-s.done:
		return ErrClosed
	}
}

func (s *Substrate) writePump() {
	defer close(s.wrote)
	ticker := time.NewTicker(s.opts.PingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			s.drainOut()
			return
		case f := <-s.out:
			if !s.write(f) {
				s.shutdown()
				return
			}
		case <-ticker.C:
			if err := s.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.opts.WriteWait)); err != nil {
				log.Debug().Err(err).Str("module", "wsrelay").Msg("ping failed")
				s.shutdown()
				return
			}
		}
	}
}

// drainOut writes what is already queued, so a close frame queued by Close goes out.
func (s *Substrate) drainOut() {
	for {
		select {
		case f := <-s.out:
			if !s.write(f) {
				return
			}
		default:
			return
		}
	}
}

func (s *Substrate) write(f outFrame) bool {
	if f.flushed != nil {
		close(f.flushed)
		return true
	}
	if err := s.ws.SetWriteDeadline(time.Now().Add(s.opts.WriteWait)); err != nil {
		log.Error().Err(err).Str("module", "wsrelay").Msg("writePump set deadline")
		return false
	}
	if err := s.ws.WriteMessage(f.kind, f.data); err != nil {
		log.Error().Err(err).Str("module", "wsrelay").Msg("writePump write error")
		return false
	}
	return true
}

func (s *Substrate) readPump() {
	defer func() {
		s.shutdown()
		s.lost()
		close(s.read)
	}()
	pongWait := s.opts.PingPeriod + s.opts.WriteWait
	_ = s.ws.SetReadDeadline(time.Now().Add(pongWait))
	s.ws.SetPongHandler(func(string) error {
		return s.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	s.ws.SetPingHandler(func(data string) error {
		_ = s.ws.SetReadDeadline(time.Now().Add(pongWait))
		return s.ws.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(s.opts.WriteWait))
	})

	for {
		kind, data, err := s.ws.ReadMessage()
		if err != nil {
			select {
			case <-s.done:
			default:
				log.Warn().Err(err).Str("module", "wsrelay").Msg("readPump read error")
			}
			return
		}
		switch kind {
		case websocket.TextMessage:
			s.handleControl(data)
		case websocket.BinaryMessage:
			s.handleData(data)
		}
	}
}

// lost reports every open link as disconnected once the websocket is gone.
func (s *Substrate) lost() {
	s.mu.Lock()
	conns := make([]*conn, 0, len(s.conns))
	for id, c := range s.conns {
		conns = append(conns, c)
		delete(s.conns, id)
	}
	pending := make([]*connectionManager, 0, len(s.pending))
	for ref, cm := range s.pending {
		pending = append(pending, cm)
		delete(s.pending, ref)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.remoteClosed(reasonRelayLost)
	}
	for _, cm := range pending {
		cm.conn.remoteClosed(reasonRelayLost)
	}
}

func (s *Substrate) handleControl(data []byte) {
	var ctl relay.Control
	if err := json.Unmarshal(data, &ctl); err != nil {
		log.Error().Err(err).Str("module", "wsrelay").Msg("bad json")
		return
	}
	id := core.ConnectionID(ctl.Conn)

	switch ctl.Type {
	case relay.CtlWelcome:
		s.readyOnce.Do(func() { close(s.ready) })
		log.Info().Str("module", "wsrelay").Str("identity", ctl.Identity.String()).Msg("relay ready")

	case relay.CtlConnecting:
		s.mu.Lock()
		cm, ok := s.pending[ctl.Ref]
		closed := false
		if ok {
			delete(s.pending, ctl.Ref)
			cm.conn.setID(id)
			closed = cm.isClosed()
			if !closed {
				s.conns[id] = cm.conn
			}
		}
		s.mu.Unlock()
		if closed {
			_ = s.control(relay.Control{Type: relay.CtlClose, Conn: uint64(id)})
		}

	case relay.CtlIncoming:
		s.mu.Lock()
		sm := s.socket
		var c *conn
		if sm != nil {
			c = &conn{owner: s, id: id, peer: ctl.Peer, inbox: &sm.inbox, server: sm}
			s.conns[id] = c
			sm.track(c)
		}
		s.mu.Unlock()
		if c == nil {
			_ = s.control(relay.Control{Type: relay.CtlClose, Conn: uint64(id), Reason: relay.ReasonRejected})
			return
		}
		sm.inbox.Push(func() { sm.handler.OnConnecting(c, core.ConnectionInfo{Identity: ctl.Peer}) })

	case relay.CtlConnected:
		s.mu.Lock()
		c := s.conns[id]
		s.mu.Unlock()
		if c != nil {
			c.established(ctl.Peer)
		}

	case relay.CtlClosed:
		s.mu.Lock()
		c := s.conns[id]
		delete(s.conns, id)
		s.mu.Unlock()
		if c != nil {
			c.remoteClosed(ctl.Reason)
		}

	default:
		log.Warn().Str("module", "wsrelay").Str("type", string(ctl.Type)).Msg("unknown control")
	}
}

func (s *Substrate) handleData(frame []byte) {
	id, _, payload, err := relay.DecodeData(frame)
	if err != nil {
		log.Warn().Err(err).Str("module", "wsrelay").Msg("bad data frame")
		return
	}
	s.mu.Lock()
	c := s.conns[id]
	s.mu.Unlock()
	if c == nil {
		return
	}
	c.deliver(payload, time.Now())
}

func (s *Substrate) forget(c *conn) {
	s.mu.Lock()
	if s.conns[c.ID()] == c {
		delete(s.conns, c.ID())
	}
	s.mu.Unlock()
}
