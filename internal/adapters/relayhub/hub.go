// Package relayhub is the relay server: it attaches websocket peers by identity and
// routes relay links and their data frames between them.
package relayhub

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/dkeye/relaylobby/internal/core"
	"github.com/dkeye/relaylobby/internal/domain"
	"github.com/dkeye/relaylobby/internal/metrics"
	"github.com/dkeye/relaylobby/internal/relay"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var ErrIdentityTaken = errors.New("identity already attached")

type Options struct {
	SendQueue  int
	ReadLimit  int64
	WriteWait  time.Duration
	PingPeriod time.Duration
}

func (o *Options) withDefaults() {
	if o.SendQueue <= 0 {
		o.SendQueue = 256
	}
	if o.ReadLimit <= 0 {
		o.ReadLimit = 1 << 20
	}
	if o.WriteWait <= 0 {
		o.WriteWait = 5 * time.Second
	}
	if o.PingPeriod <= 0 {
		o.PingPeriod = 30 * time.Second
	}
}

// link is a relay link; both ends know it by the same conn id.
type link struct {
	id       core.ConnectionID
	client   *peer
	server   *peer
	accepted bool
}

func (l *link) other(p *peer) *peer {
	if p == l.client {
		return l.server
	}
	return l.client
}

type Hub struct {
	Policy  Policy
	Metrics *metrics.Metrics

	opts     Options
	upgrader websocket.Upgrader

	mu       sync.Mutex
	peers    map[domain.Identity]*peer
	links    map[core.ConnectionID]*link
	lastConn core.ConnectionID
}

func NewHub(opts Options, policy Policy, m *metrics.Metrics) *Hub {
	opts.withDefaults()
	if policy == nil {
		policy = SimplePolicy{}
	}
	if m == nil {
		m = metrics.New(nil)
	}
	return &Hub{
		Policy:  policy,
		Metrics: m,
		opts:    opts,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		peers: make(map[domain.Identity]*peer),
		links: make(map[core.ConnectionID]*link),
	}
}

// ServeWS upgrades the request and attaches the peer named by the identity query
// parameter until ctx is done or the socket drops.
func (h *Hub) ServeWS(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	identity, err := domain.ParseIdentity(r.URL.Query().Get("identity"))
	if err != nil || !identity.Valid() {
		http.Error(w, "missing or invalid identity", http.StatusBadRequest)
		return
	}
	if h.attached(identity) {
		http.Error(w, ErrIdentityTaken.Error(), http.StatusConflict)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "relay.hub").Msg("ws upgrade")
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	p := newPeer(identity, ws, h.opts.SendQueue, cancel)
	if err := h.attach(p); err != nil {
		log.Warn().Err(err).Str("module", "relay.hub").Str("identity", identity.String()).Msg("attach refused")
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, err.Error()),
			time.Now().Add(h.opts.WriteWait))
		cancel()
		_ = ws.Close()
		return
	}
	log.Info().Str("module", "relay.hub").Str("peer", p.key).Str("identity", identity.String()).Msg("peer attached")

	h.sendControl(p, relay.Control{Type: relay.CtlWelcome, Identity: identity})
	go h.writePump(ctx, p)
	go h.readPump(ctx, p)
}

func (h *Hub) attached(id domain.Identity) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.peers[id]
	return ok
}

func (h *Hub) attach(p *peer) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.peers[p.identity]; ok {
		return ErrIdentityTaken
	}
	h.peers[p.identity] = p
	h.Metrics.RelayPeers.Inc()
	return nil
}

// detach removes p and closes every link it took part in toward the other ends.
func (h *Hub) detach(p *peer) {
	h.mu.Lock()
	if h.peers[p.identity] != p {
		h.mu.Unlock()
		return
	}
	delete(h.peers, p.identity)
	h.Metrics.RelayPeers.Dec()
	var orphaned []*link
	for id, l := range h.links {
		if l.client == p || l.server == p {
			delete(h.links, id)
			orphaned = append(orphaned, l)
		}
	}
	h.Metrics.RelayLinks.Sub(float64(len(orphaned)))
	h.mu.Unlock()

	for _, l := range orphaned {
		if other := l.other(p); other != nil {
			h.sendControl(other, relay.Control{Type: relay.CtlClosed, Conn: uint64(l.id), Reason: relay.ReasonPeerGone})
		}
	}
	log.Info().Str("module", "relay.hub").Str("peer", p.key).Int("links", len(orphaned)).Msg("peer detached")
}

// Peers reports how many peers are attached.
func (h *Hub) Peers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.peers)
}

// Listening reports whether identity is attached with an open relay socket.
func (h *Hub) Listening(identity domain.Identity) bool {
	h.mu.Lock()
	p := h.peers[identity]
	h.mu.Unlock()
	return p != nil && p.isListening()
}

func (h *Hub) handleControl(p *peer, data []byte) {
	var ctl relay.Control
	if err := json.Unmarshal(data, &ctl); err != nil {
		log.Error().Err(err).Str("module", "relay.hub").Str("peer", p.key).Msg("bad json")
		return
	}

	switch ctl.Type {
	case relay.CtlListen:
		p.setListening(true)
		log.Debug().Str("module", "relay.hub").Str("identity", p.identity.String()).Msg("listening")
	case relay.CtlUnlisten:
		p.setListening(false)
	case relay.CtlConnect:
		h.handleConnect(p, ctl)
	case relay.CtlAccept:
		h.handleAccept(p, core.ConnectionID(ctl.Conn))
	case relay.CtlClose:
		h.handleClose(p, core.ConnectionID(ctl.Conn), ctl.Reason)
	default:
		log.Warn().Str("module", "relay.hub").Str("type", string(ctl.Type)).Msg("unknown control")
	}
}

func (h *Hub) handleConnect(p *peer, ctl relay.Control) {
	h.mu.Lock()
	h.lastConn++
	id := h.lastConn
	target := h.peers[ctl.Peer]
	reachable := target != nil && target != p && target.isListening()
	if reachable {
		h.links[id] = &link{id: id, client: p, server: target}
		h.Metrics.RelayLinks.Inc()
	}
	h.mu.Unlock()

	h.sendControl(p, relay.Control{Type: relay.CtlConnecting, Conn: uint64(id), Ref: ctl.Ref, Peer: ctl.Peer})
	if !reachable {
		log.Debug().Str("module", "relay.hub").Str("from", p.identity.String()).Str("to", ctl.Peer.String()).Msg("connect to unreachable peer")
		h.sendControl(p, relay.Control{Type: relay.CtlClosed, Conn: uint64(id), Reason: relay.ReasonUnreachable})
		return
	}
	h.sendControl(target, relay.Control{Type: relay.CtlIncoming, Conn: uint64(id), Peer: p.identity})
}

func (h *Hub) handleAccept(p *peer, id core.ConnectionID) {
	h.mu.Lock()
	l, ok := h.links[id]
	if !ok || l.server != p || l.accepted {
		h.mu.Unlock()
		return
	}
	l.accepted = true
	h.mu.Unlock()

	h.sendControl(l.client, relay.Control{Type: relay.CtlConnected, Conn: uint64(id), Peer: l.server.identity})
	h.sendControl(l.server, relay.Control{Type: relay.CtlConnected, Conn: uint64(id), Peer: l.client.identity})
	log.Info().Str("module", "relay.hub").Uint64("conn", uint64(id)).Str("client", l.client.identity.String()).Str("server", l.server.identity.String()).Msg("link established")
}

func (h *Hub) handleClose(p *peer, id core.ConnectionID, reason string) {
	h.mu.Lock()
	l, ok := h.links[id]
	if !ok || (l.client != p && l.server != p) {
		h.mu.Unlock()
		return
	}
	delete(h.links, id)
	h.Metrics.RelayLinks.Dec()
	h.mu.Unlock()

	if reason == "" {
		reason = relay.ReasonPeerClosed
	}
	h.sendControl(l.other(p), relay.Control{Type: relay.CtlClosed, Conn: uint64(id), Reason: reason})
}

// forward relays a data frame to the other end of its link.
func (h *Hub) forward(p *peer, frame []byte) {
	id, st, _, err := relay.DecodeData(frame)
	if err != nil {
		log.Warn().Err(err).Str("module", "relay.hub").Str("peer", p.key).Msg("bad data frame")
		return
	}
	h.mu.Lock()
	l, ok := h.links[id]
	var to *peer
	if ok && l.accepted && (l.client == p || l.server == p) {
		to = l.other(p)
	}
	h.mu.Unlock()
	if to == nil {
		h.Metrics.FramesDropped.WithLabelValues("no_link").Inc()
		return
	}

	if err := to.TrySend(outFrame{kind: websocket.BinaryMessage, data: frame}); err != nil {
		h.backpressure(to, st, err)
		return
	}
	h.Metrics.FramesForwarded.WithLabelValues(st.String()).Inc()
}

func (h *Hub) sendControl(p *peer, ctl relay.Control) {
	b, err := json.Marshal(ctl)
	if err != nil {
		log.Error().Err(err).Str("module", "relay.hub").Msg("sendControl marshal")
		return
	}
	if err := p.TrySend(outFrame{kind: websocket.TextMessage, data: b}); err != nil {
		h.backpressure(p, core.SendReliable, err)
	}
}

func (h *Hub) backpressure(p *peer, st core.SendType, err error) {
	if errors.Is(err, ErrPeerClosed) {
		h.Metrics.FramesDropped.WithLabelValues("peer_closed").Inc()
		return
	}
	action := h.Policy.OnBackPressure(p.identity, st)
	switch action {
	case KickMember:
		log.Warn().Str("module", "relay.hub").Str("identity", p.identity.String()).Msg("kicking slow peer")
		h.Metrics.PeersKicked.Inc()
		p.Close()
	case MarkSlow:
		log.Warn().Str("module", "relay.hub").Str("identity", p.identity.String()).Str("send_type", st.String()).Msg("peer is slow")
		h.Metrics.FramesDropped.WithLabelValues("slow").Inc()
	case DropFrame, NoAction:
		h.Metrics.FramesDropped.WithLabelValues("backpressure").Inc()
	}
}

// Close detaches every peer.
func (h *Hub) Close() {
	h.mu.Lock()
	peers := make([]*peer, 0, len(h.peers))
	for _, p := range h.peers {
		peers = append(peers, p)
	}
	h.mu.Unlock()
	for _, p := range peers {
		p.Close()
	}
}
