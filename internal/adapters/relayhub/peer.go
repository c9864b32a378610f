package relayhub

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/dkeye/relaylobby/internal/domain"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var (
	ErrBackpressure = errors.New("backpressure")
	ErrPeerClosed   = errors.New("peer closed")
)

type outFrame struct {
	kind int
	data []byte
}

// peer is one websocket attached to the hub under one identity.
type peer struct {
	identity domain.Identity
	key      string
	conn     *websocket.Conn
	send     chan outFrame
	cancel   context.CancelFunc

	mu        sync.RWMutex
	closed    bool
	listening bool
}

func newPeer(identity domain.Identity, conn *websocket.Conn, queue int, cancel context.CancelFunc) *peer {
	return &peer{
		identity: identity,
		key:      uuid.NewString(),
		conn:     conn,
		send:     make(chan outFrame, queue),
		cancel:   cancel,
	}
}

func (p *peer) TrySend(f outFrame) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPeerClosed
	}
	select {
	case p.send <- f:
	default:
		return ErrBackpressure
	}
	return nil
}

func (p *peer) setListening(v bool) {
	p.mu.Lock()
	p.listening = v
	p.mu.Unlock()
}

func (p *peer) isListening() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.listening && !p.closed
}

func (p *peer) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.send)
	p.mu.Unlock()
	if p.cancel != nil {
		p.cancel()
	}
	_ = p.conn.Close()
}

func (h *Hub) writePump(ctx context.Context, p *peer) {
	ticker := time.NewTicker(h.opts.PingPeriod)
	defer func() {
		ticker.Stop()
		p.Close()
	}()
	for {
		select {
		case <-ctx.Done():
			_ = p.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "hub closing"),
				time.Now().Add(h.opts.WriteWait))
			return
		case f, ok := <-p.send:
			if !ok {
				return
			}
			if err := p.conn.SetWriteDeadline(time.Now().Add(h.opts.WriteWait)); err != nil {
				log.Error().Err(err).Str("module", "relay.hub").Str("peer", p.key).Msg("writePump set deadline")
				return
			}
			if err := p.conn.WriteMessage(f.kind, f.data); err != nil {
				log.Error().Err(err).Str("module", "relay.hub").Str("peer", p.key).Msg("writePump write error")
				return
			}
		case <-ticker.C:
			if err := p.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(h.opts.WriteWait)); err != nil {
				log.Debug().Err(err).Str("module", "relay.hub").Str("peer", p.key).Msg("ping failed")
				return
			}
		}
	}
}

func (h *Hub) readPump(ctx context.Context, p *peer) {
	defer func() {
		log.Info().Str("module", "relay.hub").Str("peer", p.key).Str("identity", p.identity.String()).Msg("readPump closing")
		h.detach(p)
		p.Close()
	}()

	pongWait := h.opts.PingPeriod + h.opts.WriteWait
	p.conn.SetReadLimit(h.opts.ReadLimit)
	_ = p.conn.SetReadDeadline(time.Now().Add(pongWait))
	p.conn.SetPongHandler(func(string) error {
		return p.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if ctx.Err() != nil {
			return
		}
		kind, data, err := p.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warn().Err(err).Str("module", "relay.hub").Str("peer", p.key).Msg("readPump read error")
			}
			return
		}
		switch kind {
		case websocket.TextMessage:
			h.handleControl(p, data)
		case websocket.BinaryMessage:
			h.forward(p, data)
		}
	}
}
