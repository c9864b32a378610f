package transport

import (
	"slices"

	"github.com/dkeye/relaylobby/internal/core"
	"github.com/dkeye/relaylobby/internal/domain"
	"github.com/rs/zerolog/log"
)

// ClientID is the small integer the session framework uses to address a peer.
type ClientID uint64

// ServerClientID is how every client addresses the host. It is never issued to a remote peer.
const ServerClientID ClientID = 0

type Role int

const (
	RoleNone Role = iota
	RoleServer
	RoleClient
)

func (r Role) String() string {
	switch r {
	case RoleServer:
		return "server"
	case RoleClient:
		return "client"
	}
	return "none"
}

// Peer is one live relay link and the client id assigned to it.
type Peer struct {
	Conn     core.Connection
	Identity domain.Identity
	ClientID ClientID
}

// Registry maps client ids to live links. It is owned by one Transport and is only
// touched from the driving tick, so it does no locking.
type Registry struct {
	role     Role
	nextID   ClientID
	byClient map[ClientID]*Peer
	byHandle map[core.ConnectionID]ClientID
}

func NewRegistry(role Role) *Registry {
	r := &Registry{}
	r.Reset(role)
	return r
}

func (r *Registry) Reset(role Role) {
	r.role = role
	r.nextID = 1
	r.byClient = make(map[ClientID]*Peer)
	r.byHandle = make(map[core.ConnectionID]ClientID)
}

func (r *Registry) Role() Role { return r.role }

// Register assigns a client id to conn: the next unused non-zero id in the server role,
// always ServerClientID in the client role.
func (r *Registry) Register(conn core.Connection, identity domain.Identity) (ClientID, error) {
	handle := conn.ID()
	if existing, ok := r.byHandle[handle]; ok {
		return existing, &domain.DuplicateConnectionError{Handle: uint64(handle), ClientID: uint64(existing)}
	}

	var id ClientID
	if r.role == RoleClient {
		if prev, ok := r.byClient[ServerClientID]; ok {
			return ServerClientID, &domain.DuplicateConnectionError{Handle: uint64(prev.Conn.ID()), ClientID: uint64(ServerClientID)}
		}
		id = ServerClientID
	} else {
		id = r.issue()
	}

	r.byClient[id] = &Peer{Conn: conn, Identity: identity, ClientID: id}
	r.byHandle[handle] = id
	log.Debug().Str("module", "transport.registry").Uint64("client", uint64(id)).Uint64("handle", uint64(handle)).Str("identity", identity.String()).Msg("registered connection")
	return id, nil
}

func (r *Registry) issue() ClientID {
	for {
		id := r.nextID
		r.nextID++
		if id == ServerClientID {
			continue
		}
		if _, used := r.byClient[id]; !used {
			return id
		}
	}
}

// Unregister removes id and reports whether it was present. Removing an absent id is a no-op.
func (r *Registry) Unregister(id ClientID) bool {
	p, ok := r.byClient[id]
	if !ok {
		log.Debug().Str("module", "transport.registry").Uint64("client", uint64(id)).Msg("unregister of unknown client ignored")
		return false
	}
	delete(r.byClient, id)
	delete(r.byHandle, p.Conn.ID())
	log.Debug().Str("module", "transport.registry").Uint64("client", uint64(id)).Msg("unregistered connection")
	return true
}

// Resolve returns the live link for id. Absent means the peer is unknown or already gone.
func (r *Registry) Resolve(id ClientID) (*Peer, bool) {
	p, ok := r.byClient[id]
	return p, ok
}

// Lookup returns the client id registered for a substrate handle.
func (r *Registry) Lookup(handle core.ConnectionID) (ClientID, bool) {
	id, ok := r.byHandle[handle]
	return id, ok
}

func (r *Registry) Len() int { return len(r.byClient) }

// Peers returns a snapshot ordered by client id.
func (r *Registry) Peers() []Peer {
	out := make([]Peer, 0, len(r.byClient))
	for _, p := range r.byClient {
		out = append(out, *p)
	}
	slices.SortFunc(out, func(a, b Peer) int {
		switch {
		case a.ClientID < b.ClientID:
			return -1
		case a.ClientID > b.ClientID:
			return 1
		}
		return 0
	})
	return out
}
