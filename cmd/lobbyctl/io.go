package main

import (
	"bufio"
	"context"
	"fmt"
	"io"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/relaylobby/internal/app/loop"
	"github.com/dkeye/relaylobby/internal/app/orch"
	"github.com/dkeye/relaylobby/internal/transport"
)

// echo prints every received payload with the sender's client id.
func echo(w io.Writer) loop.EventHandler {
	return func(ev transport.Event) {
		if ev.Kind != transport.EventData {
			return
		}
		fmt.Fprintf(w, "[%d] %s\n", ev.ClientID, ev.Payload)
	}
}

// pump sends each stdin line reliably: to the host from a client, to every peer
// from a host. Sends are posted so they run on the tick.
func pump(ctx context.Context, r io.Reader, l *loop.Loop, role orch.Role) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := append([]byte(nil), sc.Bytes()...)
		posted := l.Post(func() {
			tr := l.Transport()
			if role == orch.RoleClient {
				tr.Send(transport.ServerClientID, line, transport.Reliable)
				return
			}
			for _, p := range tr.Peers() {
				tr.Send(p.ClientID, line, transport.Reliable)
			}
		})
		if !posted {
			return
		}
	}
	if err := sc.Err(); err != nil {
		log.Warn().Err(err).Msg("stdin closed")
	}
}
