package wsrelay

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dkeye/relaylobby/internal/adapters/relayhub"
	"github.com/dkeye/relaylobby/internal/domain"
	"github.com/dkeye/relaylobby/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	hostID  domain.Identity = 76561198000000301
	guestID domain.Identity = 76561198000000302
)

type fixture struct {
	hub *relayhub.Hub
	url string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	hub := relayhub.NewHub(relayhub.Options{PingPeriod: time.Second, WriteWait: time.Second}, nil, nil)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.ServeWS(ctx, w, r)
	}))
	t.Cleanup(func() {
		cancel()
		hub.Close()
		srv.Close()
	})
	return &fixture{hub: hub, url: "ws" + strings.TrimPrefix(srv.URL, "http")}
}

func (f *fixture) dial(t *testing.T, id domain.Identity) *Substrate {
	t.Helper()
	s, err := Dial(context.Background(), Options{URL: f.url, Identity: id, PingPeriod: time.Second, WriteWait: time.Second})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	select {
	case <-s.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("relay never became ready")
	}
	return s
}

// recorder polls a transport and keeps every event in arrival order, so events of
// one kind are never lost while waiting for another.
type recorder struct {
	tr      *transport.Transport
	backlog []transport.Event
}

func record(tr *transport.Transport) *recorder { return &recorder{tr: tr} }

func (r *recorder) poll() {
	for {
		ev := r.tr.PollEvent()
		if ev.Kind == transport.EventNone {
			return
		}
		ev.Payload = bytes.Clone(ev.Payload)
		r.backlog = append(r.backlog, ev)
	}
}

// take waits for want events of kind and removes them from the backlog. Events of
// other kinds stay queued for later calls.
func (r *recorder) take(t *testing.T, kind transport.EventKind, want int) []transport.Event {
	t.Helper()
	count := func() int {
		n := 0
		for _, ev := range r.backlog {
			if ev.Kind == kind {
				n++
			}
		}
		return n
	}
	require.Eventually(t, func() bool {
		r.poll()
		return count() >= want
	}, 3*time.Second, 5*time.Millisecond)

	var got, rest []transport.Event
	for _, ev := range r.backlog {
		if ev.Kind == kind && len(got) < want {
			got = append(got, ev)
			continue
		}
		rest = append(rest, ev)
	}
	r.backlog = rest
	return got
}

// next waits for n events of any kind and removes them in arrival order.
func (r *recorder) next(t *testing.T, n int) []transport.Event {
	t.Helper()
	require.Eventually(t, func() bool {
		r.poll()
		return len(r.backlog) >= n
	}, 3*time.Second, 5*time.Millisecond)
	got := r.backlog[:n:n]
	r.backlog = r.backlog[n:]
	return got
}

func (f *fixture) connect(t *testing.T) (server, client *recorder, id transport.ClientID) {
	t.Helper()
	server = record(transport.New(f.dial(t, hostID)))
	require.True(t, server.tr.StartServer())
	require.Eventually(t, func() bool { return f.hub.Listening(hostID) }, 2*time.Second, 5*time.Millisecond)

	client = record(transport.New(f.dial(t, guestID)))
	require.True(t, client.tr.StartClient(hostID))

	ev := server.take(t, transport.EventConnect, 1)[0]
	assert.NotEqual(t, transport.ServerClientID, ev.ClientID)
	cev := client.take(t, transport.EventConnect, 1)[0]
	assert.Equal(t, transport.ServerClientID, cev.ClientID)
	return server, client, ev.ClientID
}

func TestWSRelay_ExchangeData(t *testing.T) {
	f := newFixture(t)
	server, client, id := f.connect(t)

	big := bytes.Repeat([]byte{0xab}, 4096+1)
	client.tr.Send(transport.ServerClientID, []byte("hello"), transport.Reliable)
	client.tr.Send(transport.ServerClientID, big, transport.ReliableFragmented)
	got := server.take(t, transport.EventData, 2)
	assert.Equal(t, []byte("hello"), got[0].Payload)
	assert.Equal(t, big, got[1].Payload)
	assert.Equal(t, id, got[0].ClientID)

	server.tr.Send(id, []byte("welcome"), transport.Unreliable)
	back := client.take(t, transport.EventData, 1)
	assert.Equal(t, []byte("welcome"), back[0].Payload)
}

func TestWSRelay_DisconnectClientReachesPeer(t *testing.T) {
	f := newFixture(t)
	server, client, id := f.connect(t)

	server.tr.Send(id, []byte("last words"), transport.Reliable)
	server.tr.DisconnectClient(id)
	server.tr.DisconnectClient(id)

	evs := client.next(t, 2)
	assert.Equal(t, transport.EventData, evs[0].Kind)
	assert.Equal(t, []byte("last words"), evs[0].Payload)
	assert.Equal(t, transport.EventDisconnect, evs[1].Kind)
	assert.Equal(t, transport.ServerClientID, evs[1].ClientID)
	assert.Empty(t, server.tr.Peers())
}

func TestWSRelay_UnreachableHost(t *testing.T) {
	f := newFixture(t)
	client := record(transport.New(f.dial(t, guestID)))
	require.True(t, client.tr.StartClient(hostID))

	ev := client.take(t, transport.EventDisconnect, 1)[0]
	assert.Equal(t, transport.ServerClientID, ev.ClientID)
}

func TestWSRelay_HostSubstrateClosing(t *testing.T) {
	f := newFixture(t)
	hostSub := f.dial(t, hostID)
	server := record(transport.New(hostSub))
	require.True(t, server.tr.StartServer())
	require.Eventually(t, func() bool { return f.hub.Listening(hostID) }, 2*time.Second, 5*time.Millisecond)

	client := record(transport.New(f.dial(t, guestID)))
	require.True(t, client.tr.StartClient(hostID))
	server.take(t, transport.EventConnect, 1)
	client.take(t, transport.EventConnect, 1)

	require.NoError(t, hostSub.Close())
	client.take(t, transport.EventDisconnect, 1)
	assert.Zero(t, client.tr.CurrentRTT(transport.ServerClientID))
}

func TestDial_RequiresIdentity(t *testing.T) {
	_, err := Dial(context.Background(), Options{URL: "ws://127.0.0.1:1/ws/relay"})
	var rerr *domain.RelayError
	assert.ErrorAs(t, err, &rerr)
}
