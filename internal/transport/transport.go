// Package transport binds the relay socket substrate to the poll-based transport
// contract of the session framework: small integer client ids, one event per poll,
// and a reused receive buffer.
package transport

import (
	"fmt"
	"time"

	"github.com/dkeye/relaylobby/internal/core"
	"github.com/dkeye/relaylobby/internal/domain"
	"github.com/rs/zerolog/log"
)

type Option func(*Transport)

// WithClock overrides the clock used to stamp events.
func WithClock(now func() time.Time) Option {
	return func(t *Transport) { t.now = now }
}

// WithPayloadCapacity sets the initial receive buffer capacity.
func WithPayloadCapacity(n int) Option {
	return func(t *Transport) { t.payloadCapacity = n }
}

// Transport is the relay substrate binder. It is not safe for concurrent use: every
// method must be called from the single driving tick.
type Transport struct {
	substrate       core.Substrate
	now             func() time.Time
	payloadCapacity int

	registry *Registry
	buffer   *payloadBuffer
	bridge   *bridge

	socket core.SocketManager
	client core.ConnectionManager
	target domain.Identity
}

func New(substrate core.Substrate, opts ...Option) *Transport {
	t := &Transport{
		substrate:       substrate,
		now:             time.Now,
		payloadCapacity: defaultPayloadCapacity,
	}
	for _, opt := range opts {
		opt(t)
	}
	t.Initialize()
	return t
}

// Initialize resets the registry and the receive buffer. It is idempotent; links
// still open are shut down first.
func (t *Transport) Initialize() {
	if t.client != nil || t.socket != nil {
		t.Shutdown()
	}
	if t.registry == nil {
		t.registry = NewRegistry(RoleNone)
	} else {
		t.registry.Reset(RoleNone)
	}
	if t.buffer == nil {
		t.buffer = newPayloadBuffer(t.payloadCapacity)
	} else {
		t.buffer.reset(t.payloadCapacity)
	}
	if t.bridge == nil {
		t.bridge = &bridge{}
	}
	t.bridge.reset()
	t.bridge.registry = t.registry
	t.bridge.buffer = t.buffer
	t.bridge.now = t.now
}

func (t *Transport) ServerClientID() ClientID { return ServerClientID }

func (t *Transport) LocalIdentity() domain.Identity { return t.substrate.Identity() }

// TargetIdentity is the host identity of the last StartClient call.
func (t *Transport) TargetIdentity() domain.Identity { return t.target }

func (t *Transport) Role() Role { return t.registry.Role() }

// Peers returns the registered links ordered by client id.
func (t *Transport) Peers() []Peer { return t.registry.Peers() }

// Listening reports whether the inbound relay socket is open.
func (t *Transport) Listening() bool { return t.socket != nil }

func (t *Transport) ready() bool {
	select {
	case <-t.substrate.Ready():
		return true
	default:
		return false
	}
}

// StartServer opens the relay-accepting listener bound to this process's identity.
// It does not create a directory session.
func (t *Transport) StartServer() bool {
	log.Debug().Str("module", "transport").Msg("starting as server")
	if t.socket != nil {
		log.Warn().Str("module", "transport").Msg("server already started")
		return true
	}
	if t.client != nil {
		log.Error().Str("module", "transport").Msg("cannot start server while a client link is open")
		return false
	}
	if !t.ready() {
		log.Error().Str("module", "transport").Err(&domain.RelayError{Op: "listen", Err: domain.ErrNotReady}).Msg("start server")
		return false
	}

	t.registry.Reset(RoleServer)
	sm, err := t.substrate.CreateRelaySocket(serverEvents{t.bridge})
	if err != nil {
		log.Error().Str("module", "transport").Err(&domain.RelayError{Op: "listen", Identity: t.substrate.Identity(), Err: err}).Msg("start server")
		t.registry.Reset(RoleNone)
		return false
	}
	t.socket = sm
	log.Info().Str("module", "transport").Str("identity", t.substrate.Identity().String()).Msg("relay socket listening")
	return true
}

// StartClient opens an outbound relay link toward target. Only one link is supported;
// callers must not call it again until DisconnectLocal or Shutdown.
func (t *Transport) StartClient(target domain.Identity) bool {
	log.Debug().Str("module", "transport").Str("target", target.String()).Msg("starting as client")
	if !target.Valid() {
		log.Error().Str("module", "transport").Msg("start client without target identity")
		return false
	}
	if t.client != nil || t.socket != nil {
		log.Error().Str("module", "transport").Str("role", t.registry.Role().String()).Msg("transport already started")
		return false
	}
	if !t.ready() {
		log.Error().Str("module", "transport").Err(&domain.RelayError{Op: "connect", Identity: target, Err: domain.ErrNotReady}).Msg("start client")
		return false
	}

	t.target = target
	t.registry.Reset(RoleClient)
	cm, err := t.substrate.ConnectRelay(target, clientEvents{t.bridge})
	if err != nil {
		log.Error().Str("module", "transport").Err(&domain.RelayError{Op: "connect", Identity: target, Err: err}).Msg("start client")
		t.registry.Reset(RoleNone)
		return false
	}
	t.client = cm
	t.bridge.client = cm
	t.bridge.linkOpen = true
	return true
}

// Send delivers payload to clientID. Unknown ids are logged and ignored: the peer may
// have disconnected in the same tick.
func (t *Transport) Send(clientID ClientID, payload []byte, delivery Delivery) {
	peer, ok := t.registry.Resolve(clientID)
	if !ok {
		log.Warn().Str("module", "transport").Err(&domain.UnknownPeerError{Op: "send", ClientID: uint64(clientID)}).Msg("send dropped")
		return
	}
	if err := peer.Conn.SendMessage(payload, delivery.SendType()); err != nil {
		log.Warn().Str("module", "transport").Err(err).Uint64("client", uint64(clientID)).Str("delivery", delivery.String()).Msg("send failed")
	}
}

// PollEvent returns exactly one queued event, or EventNone. It first lets the substrate
// dispatch pending callbacks, stopping as soon as a data event occupies the receive
// buffer, so callers must poll until EventNone to drain a tick.
func (t *Transport) PollEvent() Event {
	t.receive()
	if ev, ok := t.bridge.next(); ok {
		return ev
	}
	return Event{Kind: EventNone, ReceiveTime: t.now()}
}

func (t *Transport) receive() {
	for !t.bridge.holdsData() {
		n := 0
		if t.client != nil {
			n += t.client.Receive(1)
		}
		if !t.bridge.holdsData() && t.socket != nil {
			n += t.socket.Receive(1)
		}
		if n == 0 {
			return
		}
	}
}

// DisconnectClient flushes and closes the link of clientID. A second call for the same
// id is a logged no-op.
func (t *Transport) DisconnectClient(clientID ClientID) {
	if t.registry.Role() == RoleClient && clientID == ServerClientID {
		t.DisconnectLocal()
		return
	}
	peer, ok := t.registry.Resolve(clientID)
	if !ok {
		log.Warn().Str("module", "transport").Err(&domain.UnknownPeerError{Op: "disconnect", ClientID: uint64(clientID)}).Msg("disconnect ignored")
		return
	}
	if err := peer.Conn.Flush(); err != nil {
		log.Warn().Str("module", "transport").Err(err).Uint64("client", uint64(clientID)).Msg("flush before close")
	}
	if err := peer.Conn.Close(); err != nil {
		log.Warn().Str("module", "transport").Err(err).Uint64("client", uint64(clientID)).Msg("close connection")
	}
	t.registry.Unregister(clientID)
	log.Debug().Str("module", "transport").Uint64("client", uint64(clientID)).Msg("disconnected remote client")
}

// DisconnectLocal closes the outbound link to the host.
func (t *Transport) DisconnectLocal() {
	if t.client == nil {
		return
	}
	cm := t.client
	t.client = nil
	t.bridge.client = nil
	t.bridge.linkOpen = false
	t.registry.Unregister(ServerClientID)
	closeQuietly("connection", func() error { return cm.Connection().Close() })
	closeQuietly("connection manager", cm.Close)
	log.Debug().Str("module", "transport").Msg("disconnected local client")
}

// Shutdown closes every listener and link. Substrate failures, panics included,
// are logged and never propagated.
func (t *Transport) Shutdown() {
	log.Debug().Str("module", "transport").Msg("shutting down")
	if cm := t.client; cm != nil {
		closeQuietly("connection manager", cm.Close)
	}
	if sm := t.socket; sm != nil {
		closeQuietly("socket manager", sm.Close)
	}
	t.client = nil
	t.socket = nil
	t.target = domain.NoIdentity
	t.registry.Reset(RoleNone)
	t.bridge.reset()
}

// CurrentRTT always reports zero: the substrate binding exposes no connection
// quality stats.
func (t *Transport) CurrentRTT(ClientID) time.Duration { return 0 }

func closeQuietly(what string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("module", "transport").Str("what", what).Str("panic", fmt.Sprint(r)).Msg("recovered during close")
		}
	}()
	if err := fn(); err != nil {
		log.Error().Str("module", "transport").Str("what", what).Err(err).Msg("close failed")
	}
}
