package orch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/relaylobby/internal/app/loop"
	"github.com/dkeye/relaylobby/internal/directory"
	"github.com/dkeye/relaylobby/internal/domain"
	"github.com/dkeye/relaylobby/internal/relay/memrelay"
	"github.com/dkeye/relaylobby/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	hostID  domain.Identity = 76561198000000201
	guestID domain.Identity = 76561198000000202
)

type peer struct {
	sub    *memrelay.Substrate
	loop   *loop.Loop
	orch   *Orchestrator
	events []transport.Event
}

func newPeer(net *memrelay.Network, id domain.Identity, dir Directory) *peer {
	sub := net.Join(id)
	tr := transport.New(sub)
	l := loop.New(sub, tr)
	p := &peer{sub: sub, loop: l, orch: New(tr, dir, l)}
	p.orch.RegisterEvents()
	l.Subscribe(func(ev transport.Event) {
		ev.Payload = nil
		p.events = append(p.events, ev)
	})
	return p
}

type env struct {
	net   *memrelay.Network
	dir   *directory.Memory
	host  *peer
	guest *peer
}

func newEnv() *env {
	net := memrelay.NewNetwork()
	mem := directory.NewMemory()
	return &env{
		net:   net,
		dir:   mem,
		host:  newPeer(net, hostID, directory.NewClient(mem, hostID, "")),
		guest: newPeer(net, guestID, directory.NewClient(mem, guestID, "")),
	}
}

func (e *env) tickUntil(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, func() bool {
		e.host.loop.Tick()
		e.guest.loop.Tick()
		return cond()
	}, 2*time.Second, time.Millisecond)
}

func settle[T any](t *testing.T, e *env, f *loop.Future[T]) (T, error) {
	t.Helper()
	e.tickUntil(t, f.Ready)
	return f.Result()
}

func (e *env) hostSession(t *testing.T, maxPlayers int) *domain.Session {
	t.Helper()
	s, err := settle(t, e, e.host.orch.StartHost(context.Background(), maxPlayers))
	require.NoError(t, err)
	require.NotNil(t, s)
	return s
}

func TestOrchestrator_StartHostReady(t *testing.T) {
	e := newEnv()
	s := e.hostSession(t, 4)

	assert.Equal(t, 4, s.MaxMembers)
	assert.Equal(t, hostID, s.Owner)
	assert.Equal(t, Ready, e.host.orch.State())
	assert.Equal(t, RoleHost, e.host.orch.Role())
	assert.Equal(t, s, e.host.orch.Session())
	assert.True(t, e.host.orch.Transport.Listening())
	assert.Equal(t, 1, e.dir.Len())
}

func TestOrchestrator_ClientJoinsHost(t *testing.T) {
	e := newEnv()
	s := e.hostSession(t, 4)

	joined, err := settle(t, e, e.guest.orch.StartClient(context.Background(), s.ID, JoinOptions{}))
	require.NoError(t, err)
	require.NotNil(t, joined)
	assert.True(t, joined.IsMember(guestID))
	assert.Equal(t, Ready, e.guest.orch.State())

	require.NotEmpty(t, e.guest.events)
	assert.Equal(t, transport.EventConnect, e.guest.events[0].Kind)
	assert.Equal(t, transport.ServerClientID, e.guest.events[0].ClientID)

	e.tickUntil(t, func() bool { return len(e.host.events) > 0 })
	assert.Equal(t, transport.EventConnect, e.host.events[0].Kind)
	assert.NotEqual(t, transport.ServerClientID, e.host.events[0].ClientID)
}

func TestOrchestrator_ListenerFailureCreatesNoSession(t *testing.T) {
	e := newEnv()
	e.host.sub.FailListen(errors.New("relay refused"))

	_, err := settle(t, e, e.host.orch.StartHost(context.Background(), 4))
	var rerr *domain.RelayError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, "listen", rerr.Op)
	assert.Equal(t, Failed, e.host.orch.State())
	assert.Zero(t, e.dir.Len())
}

func TestOrchestrator_DirectoryFailureKeepsListener(t *testing.T) {
	net := memrelay.NewNetwork()
	dir := &stubDirectory{id: hostID, createErr: errors.New("directory offline")}
	host := newPeer(net, hostID, dir)
	e := &env{net: net, host: host, guest: newPeer(net, guestID, dir)}

	_, err := settle(t, e, host.orch.StartHost(context.Background(), 4))
	assert.ErrorContains(t, err, "directory offline")
	assert.Equal(t, Failed, host.orch.State())
	assert.True(t, host.orch.Transport.Listening())

	require.NoError(t, host.orch.Disconnect(context.Background()))
	assert.Equal(t, Idle, host.orch.State())
	assert.False(t, host.orch.Transport.Listening())
}

func TestOrchestrator_OverlappingAttemptRejected(t *testing.T) {
	e := newEnv()
	first := e.host.orch.StartHost(context.Background(), 4)
	second := e.host.orch.StartHost(context.Background(), 2)
	third := e.host.orch.StartClient(context.Background(), 1, JoinOptions{})

	_, err := settle(t, e, second)
	assert.ErrorIs(t, err, domain.ErrAttemptInProgress)
	_, err = settle(t, e, third)
	assert.ErrorIs(t, err, domain.ErrAttemptInProgress)

	s, err := settle(t, e, first)
	require.NoError(t, err)
	assert.Equal(t, 4, s.MaxMembers)

	// Ready is terminal until Disconnect
	_, err = settle(t, e, e.host.orch.StartHost(context.Background(), 4))
	assert.ErrorIs(t, err, domain.ErrAttemptInProgress)
}

func TestOrchestrator_WrongPasswordLeavesSession(t *testing.T) {
	e := newEnv()
	s := e.hostSession(t, 4)
	hostDir := directory.NewClient(e.dir, hostID, "")
	_, err := hostDir.Decorate(context.Background(), s, directory.Decoration{Name: "locked", Password: "sesame", Public: true})
	require.NoError(t, err)

	_, err = settle(t, e, e.guest.orch.StartClient(context.Background(), s.ID, JoinOptions{Password: "guess"}))
	assert.ErrorIs(t, err, domain.ErrWrongPassword)
	assert.Equal(t, Failed, e.guest.orch.State())
	assert.Nil(t, e.guest.orch.Session())

	e.tickUntil(t, func() bool {
		got, err := e.dir.GetSession(context.Background(), s.ID)
		return err == nil && !got.IsMember(guestID)
	})

	require.NoError(t, e.guest.orch.Disconnect(context.Background()))
	joined, err := settle(t, e, e.guest.orch.StartClient(context.Background(), s.ID, JoinOptions{Password: "sesame"}))
	require.NoError(t, err)
	assert.Equal(t, "locked", joined.Name())
}

func TestOrchestrator_UnknownSession(t *testing.T) {
	e := newEnv()
	_, err := settle(t, e, e.guest.orch.StartClient(context.Background(), 12345, JoinOptions{}))
	var derr *domain.DirectoryError
	require.ErrorAs(t, err, &derr)
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
	assert.Equal(t, Failed, e.guest.orch.State())
}

func TestOrchestrator_ConnectToOwner(t *testing.T) {
	e := newEnv()
	require.True(t, e.host.orch.Transport.StartServer())

	s, err := settle(t, e, e.guest.orch.ConnectToOwner(hostID))
	require.NoError(t, err)
	assert.Nil(t, s, "no directory snapshot for this owner")
	assert.Equal(t, Ready, e.guest.orch.State())
	assert.Equal(t, hostID, e.guest.orch.Transport.TargetIdentity())
}

func TestOrchestrator_DisconnectAfterConnectToOwnerKeepsSnapshotSession(t *testing.T) {
	net := memrelay.NewNetwork()
	host := newPeer(net, hostID, &stubDirectory{id: hostID})
	dir := &stubDirectory{id: guestID, owned: &domain.Session{ID: 7, Owner: hostID, MaxMembers: 4, Members: []domain.Identity{hostID}}}
	guest := newPeer(net, guestID, dir)
	require.True(t, host.orch.Transport.StartServer())

	f := guest.orch.ConnectToOwner(hostID)
	require.Eventually(t, func() bool {
		host.loop.Tick()
		guest.loop.Tick()
		return f.Ready()
	}, 2*time.Second, time.Millisecond)
	s, err := f.Result()
	require.NoError(t, err)
	require.NotNil(t, s)
	assert.Equal(t, domain.SessionID(7), s.ID)

	require.NoError(t, guest.orch.Disconnect(context.Background()))
	assert.Equal(t, Idle, guest.orch.State())
	assert.Empty(t, dir.leftIDs(), "the attempt never joined the session")
}

func TestOrchestrator_ClientDisconnectLeavesJoinedSession(t *testing.T) {
	e := newEnv()
	s := e.hostSession(t, 4)

	_, err := settle(t, e, e.guest.orch.StartClient(context.Background(), s.ID, JoinOptions{}))
	require.NoError(t, err)

	require.NoError(t, e.guest.orch.Disconnect(context.Background()))
	got, err := e.dir.GetSession(context.Background(), s.ID)
	require.NoError(t, err)
	assert.False(t, got.IsMember(guestID))
	assert.True(t, got.IsMember(hostID))
}

func TestOrchestrator_ConnectToUnreachableOwnerFails(t *testing.T) {
	e := newEnv()
	_, err := settle(t, e, e.guest.orch.ConnectToOwner(hostID))
	assert.ErrorIs(t, err, domain.ErrRelayDisconnected)
	assert.Equal(t, Failed, e.guest.orch.State())
}

func TestOrchestrator_HostDropsBeforeReadyRollsBack(t *testing.T) {
	e := newEnv()
	s := e.hostSession(t, 4)

	f := e.guest.orch.StartClient(context.Background(), s.ID, JoinOptions{})
	require.Eventually(t, func() bool {
		e.guest.loop.Tick()
		return e.guest.orch.State() == ConnectingRelay
	}, 2*time.Second, time.Millisecond)

	// the host goes away without ever accepting
	e.host.loop.Do(e.host.orch.Transport.Shutdown)

	_, err := settle(t, e, f)
	assert.ErrorIs(t, err, domain.ErrRelayDisconnected)
	assert.Equal(t, Failed, e.guest.orch.State())
	e.tickUntil(t, func() bool {
		got, err := e.dir.GetSession(context.Background(), s.ID)
		return err == nil && !got.IsMember(guestID)
	})
}

func TestOrchestrator_DisconnectReturnsToIdle(t *testing.T) {
	e := newEnv()
	s := e.hostSession(t, 4)

	require.NoError(t, e.host.orch.Disconnect(context.Background()))
	assert.Equal(t, Idle, e.host.orch.State())
	assert.Equal(t, RoleNone, e.host.orch.Role())
	assert.Nil(t, e.host.orch.Session())
	_, err := e.dir.GetSession(context.Background(), s.ID)
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)

	again := e.hostSession(t, 2)
	assert.NotEqual(t, s.ID, again.ID)
}

func TestOrchestrator_ShutdownDiscardsOutstandingCreate(t *testing.T) {
	net := memrelay.NewNetwork()
	dir := &stubDirectory{id: hostID, release: make(chan struct{})}
	host := newPeer(net, hostID, dir)

	f := host.orch.StartHost(context.Background(), 4)
	require.Eventually(t, func() bool {
		host.loop.Tick()
		return host.orch.State() == CreatingSession
	}, 2*time.Second, time.Millisecond)

	done := make(chan error, 1)
	go func() { done <- host.orch.Shutdown(context.Background()) }()

	require.Eventually(t, f.Ready, 2*time.Second, time.Millisecond)
	_, err := f.Result()
	assert.ErrorIs(t, err, domain.ErrShutdown)

	close(dir.release)
	require.NoError(t, <-done)

	assert.Equal(t, Idle, host.orch.State())
	assert.Nil(t, host.orch.Session())
	assert.Equal(t, []domain.SessionID{dir.createdID}, dir.leftIDs())

	late := host.orch.StartHost(context.Background(), 4)
	host.loop.Tick()
	require.True(t, late.Ready())
	_, err = late.Result()
	assert.ErrorIs(t, err, domain.ErrShutdown)
}

// stubDirectory can fail or block CreateSession and records leaves.
type stubDirectory struct {
	id        domain.Identity
	createErr error
	release   chan struct{}
	createdID domain.SessionID
	owned     *domain.Session

	mu   sync.Mutex
	left []domain.SessionID
}

func (d *stubDirectory) Identity() domain.Identity { return d.id }

func (d *stubDirectory) CreateSession(ctx context.Context, maxMembers int) (*domain.Session, error) {
	if d.release != nil {
		<-d.release
	}
	if d.createErr != nil {
		return nil, &domain.DirectoryError{Op: "create", Err: d.createErr}
	}
	d.createdID = 99
	return &domain.Session{ID: d.createdID, Owner: d.id, MaxMembers: maxMembers, Members: []domain.Identity{d.id}}, nil
}

func (d *stubDirectory) JoinSession(context.Context, domain.SessionID) (*domain.Session, error) {
	return nil, nil
}

func (d *stubDirectory) LeaveSession(_ context.Context, s *domain.Session) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.left = append(d.left, s.ID)
	return nil
}

func (d *stubDirectory) SessionOwnedBy(domain.Identity) *domain.Session { return d.owned.Clone() }

func (d *stubDirectory) leftIDs() []domain.SessionID {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]domain.SessionID(nil), d.left...)
}
