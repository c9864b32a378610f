package transport

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/dkeye/relaylobby/internal/core"
	"github.com/dkeye/relaylobby/internal/domain"
	"github.com/dkeye/relaylobby/internal/relay/memrelay"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	hostID  domain.Identity = 76561198000000001
	guestID domain.Identity = 76561198000000002
)

type rig struct {
	net    *memrelay.Network
	host   *memrelay.Substrate
	guest  *memrelay.Substrate
	server *Transport
	client *Transport
}

func newRig(t *testing.T, opts ...Option) *rig {
	t.Helper()
	net := memrelay.NewNetwork()
	r := &rig{net: net, host: net.Join(hostID), guest: net.Join(guestID)}
	r.server = New(r.host, opts...)
	r.client = New(r.guest, opts...)
	return r
}

// drain polls until EventNone, copying payloads as the contract requires.
func drain(tr *Transport) []Event {
	var out []Event
	for {
		ev := tr.PollEvent()
		if ev.Kind == EventNone {
			return out
		}
		if ev.Kind == EventData {
			ev.Payload = bytes.Clone(ev.Payload)
		}
		out = append(out, ev)
	}
}

// connect runs ticks until both sides observed their connect events.
func (r *rig) connect(t *testing.T) ClientID {
	t.Helper()
	require.True(t, r.server.StartServer())
	require.True(t, r.client.StartClient(hostID))

	var serverSide, clientSide []Event
	for range 4 {
		clientSide = append(clientSide, drain(r.client)...)
		serverSide = append(serverSide, drain(r.server)...)
	}
	require.Len(t, clientSide, 1)
	require.Equal(t, EventConnect, clientSide[0].Kind)
	require.Equal(t, ServerClientID, clientSide[0].ClientID)
	require.Len(t, serverSide, 1)
	require.Equal(t, EventConnect, serverSide[0].Kind)
	require.NotEqual(t, ServerClientID, serverSide[0].ClientID)
	return serverSide[0].ClientID
}

func TestTransport_ConnectAssignsIDs(t *testing.T) {
	r := newRig(t)
	id := r.connect(t)

	peers := r.server.Peers()
	require.Len(t, peers, 1)
	assert.Equal(t, id, peers[0].ClientID)
	assert.Equal(t, guestID, peers[0].Identity)
	assert.Equal(t, RoleServer, r.server.Role())
	assert.Equal(t, RoleClient, r.client.Role())
	assert.Equal(t, hostID, r.client.TargetIdentity())
}

func TestTransport_ManyServerConnectsDistinctIDs(t *testing.T) {
	net := memrelay.NewNetwork()
	server := New(net.Join(hostID))
	require.True(t, server.StartServer())

	const n = 20
	clients := make([]*Transport, n)
	for i := range clients {
		clients[i] = New(net.Join(domain.Identity(1000 + i)))
		require.True(t, clients[i].StartClient(hostID))
	}

	seen := make(map[ClientID]bool)
	for _, ev := range drain(server) {
		require.Equal(t, EventConnect, ev.Kind)
		assert.NotEqual(t, ServerClientID, ev.ClientID)
		assert.False(t, seen[ev.ClientID])
		seen[ev.ClientID] = true
	}
	assert.Len(t, seen, n)
}

func TestTransport_BufferRoundTrip(t *testing.T) {
	cases := []struct {
		name     string
		capacity int
		sizes    []int
	}{
		{"small buffer", 16, []int{1, 16, 17, 4096 + 1}},
		{"default buffer", defaultPayloadCapacity, []int{1, defaultPayloadCapacity, defaultPayloadCapacity + 1, 4096 + 1}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := newRig(t, WithPayloadCapacity(tc.capacity))
			r.connect(t)

			var sent [][]byte
			for i, k := range tc.sizes {
				msg := make([]byte, k)
				for j := range msg {
					msg[j] = byte(i*31 + j)
				}
				sent = append(sent, msg)
				r.client.Send(ServerClientID, msg, Reliable)
			}

			got := drain(r.server)
			require.Len(t, got, len(sent))
			for i, ev := range got {
				assert.Equal(t, EventData, ev.Kind)
				assert.True(t, bytes.Equal(sent[i], ev.Payload), "message %d of %d bytes corrupted", i, len(sent[i]))
			}
		})
	}
}

func TestTransport_DataViewValidUntilNextPoll(t *testing.T) {
	r := newRig(t)
	id := r.connect(t)

	r.server.Send(id, []byte("first"), Reliable)
	r.server.Send(id, []byte("second"), Reliable)

	ev := r.client.PollEvent()
	require.Equal(t, EventData, ev.Kind)
	assert.Equal(t, []byte("first"), ev.Payload)

	ev = r.client.PollEvent()
	require.Equal(t, EventData, ev.Kind)
	assert.Equal(t, []byte("second"), ev.Payload)
	assert.Equal(t, EventNone, r.client.PollEvent().Kind)
}

func TestTransport_LifecycleOrder(t *testing.T) {
	r := newRig(t)
	r.connect(t)

	r.client.Send(ServerClientID, []byte("a"), Reliable)
	r.client.Send(ServerClientID, []byte("b"), Unreliable)
	r.client.DisconnectLocal()

	var kinds []EventKind
	var payloads []string
	for _, ev := range drain(r.server) {
		kinds = append(kinds, ev.Kind)
		if ev.Kind == EventData {
			payloads = append(payloads, string(ev.Payload))
		}
	}
	assert.Equal(t, []EventKind{EventData, EventData, EventDisconnect}, kinds)
	assert.Equal(t, []string{"a", "b"}, payloads)
	assert.Empty(t, r.server.Peers())
	assert.Empty(t, drain(r.client))
}

func TestTransport_SendToUnknownClient(t *testing.T) {
	r := newRig(t)
	id := r.connect(t)

	r.client.DisconnectLocal()
	drain(r.server) // disconnect observed, id removed
	before := r.server.Peers()

	assert.NotPanics(t, func() {
		r.server.Send(id, []byte("late"), Reliable)
		r.server.Send(id+100, []byte("never"), Unreliable)
	})
	assert.Equal(t, before, r.server.Peers())
	assert.Zero(t, r.host.Sent()[core.SendReliable])
}

func TestTransport_SendAfterSameTickDisconnect(t *testing.T) {
	r := newRig(t)
	id := r.connect(t)

	r.server.DisconnectClient(id)
	assert.NotPanics(t, func() { r.server.Send(id, []byte("x"), Reliable) })
	assert.Empty(t, r.server.Peers())
}

func TestTransport_DisconnectClientIdempotent(t *testing.T) {
	net := memrelay.NewNetwork()
	server := New(net.Join(hostID))
	conn := newFakeConn(9)
	server.registry.Reset(RoleServer)
	id, err := server.registry.Register(conn, guestID)
	require.NoError(t, err)

	server.DisconnectClient(id)
	assert.Equal(t, []string{"flush", "close"}, conn.order)
	assert.Equal(t, 0, server.registry.Len())

	server.DisconnectClient(id)
	assert.Equal(t, 1, conn.flushed)
	assert.Equal(t, 1, conn.closed)
	assert.Equal(t, 0, server.registry.Len())
}

func TestTransport_DeliveryClassesMapToTwoSendTypes(t *testing.T) {
	r := newRig(t)
	r.connect(t)

	all := []Delivery{Reliable, ReliableFragmented, ReliableSequenced, Unreliable, UnreliableSequenced}
	for _, d := range all {
		r.client.Send(ServerClientID, []byte(d.String()), d)
	}

	sent := r.guest.Sent()
	assert.Len(t, sent, 2)
	assert.Equal(t, 3, sent[core.SendReliable])
	assert.Equal(t, 2, sent[core.SendUnreliable])
	assert.Equal(t, core.SendReliable, Delivery(42).SendType())
}

func TestTransport_ClientUnreachableHost(t *testing.T) {
	net := memrelay.NewNetwork()
	client := New(net.Join(guestID))
	require.True(t, client.StartClient(hostID))

	evs := drain(client)
	require.Len(t, evs, 1)
	assert.Equal(t, EventDisconnect, evs[0].Kind)
	assert.Equal(t, ServerClientID, evs[0].ClientID)
}

func TestTransport_StartFailures(t *testing.T) {
	net := memrelay.NewNetwork()

	notReady := New(net.JoinDeferred(hostID))
	assert.False(t, notReady.StartServer())
	assert.False(t, notReady.StartClient(guestID))

	sub := net.Join(guestID)
	sub.FailListen(errors.New("relay refused"))
	tr := New(sub)
	assert.False(t, tr.StartServer())
	assert.False(t, tr.Listening())

	sub.FailConnect(errors.New("relay refused"))
	assert.False(t, tr.StartClient(hostID))
	assert.False(t, tr.StartClient(domain.NoIdentity))
}

func TestTransport_CurrentRTTAlwaysZero(t *testing.T) {
	r := newRig(t)
	id := r.connect(t)
	assert.Zero(t, r.server.CurrentRTT(id))
	assert.Zero(t, r.client.CurrentRTT(ServerClientID))
}

func TestTransport_EventTimestamps(t *testing.T) {
	fixed := time.Unix(1700000000, 0)
	r := newRig(t, WithClock(func() time.Time { return fixed }))
	r.connect(t)
	r.client.Send(ServerClientID, []byte("t"), Reliable)
	ev := r.server.PollEvent()
	require.Equal(t, EventData, ev.Kind)
	assert.Equal(t, fixed, ev.ReceiveTime)
}

type panicSubstrate struct{ ready chan struct{} }

func (p *panicSubstrate) Identity() domain.Identity { return hostID }
func (p *panicSubstrate) Ready() <-chan struct{}    { return p.ready }
func (p *panicSubstrate) CreateRelaySocket(core.SocketHandler) (core.SocketManager, error) {
	return panicSocket{}, nil
}
func (p *panicSubstrate) ConnectRelay(domain.Identity, core.ConnectionHandler) (core.ConnectionManager, error) {
	return nil, errors.New("unsupported")
}
func (p *panicSubstrate) RunCallbacks() {}
func (p *panicSubstrate) Close() error  { return nil }

type panicSocket struct{}

func (panicSocket) Receive(int) int { return 0 }
func (panicSocket) Close() error    { panic("substrate exploded") }

func TestTransport_ShutdownNeverPropagates(t *testing.T) {
	ready := make(chan struct{})
	close(ready)
	tr := New(&panicSubstrate{ready: ready})
	require.True(t, tr.StartServer())

	assert.NotPanics(t, tr.Shutdown)
	assert.False(t, tr.Listening())
	assert.Equal(t, RoleNone, tr.Role())
	assert.NotPanics(t, tr.Shutdown)
}

func TestTransport_InitializeIdempotent(t *testing.T) {
	r := newRig(t)
	r.connect(t)
	r.server.Initialize()
	r.server.Initialize()
	assert.Empty(t, r.server.Peers())
	assert.False(t, r.server.Listening())
	assert.True(t, r.server.StartServer())
}
