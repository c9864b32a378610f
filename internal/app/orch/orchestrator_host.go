package orch

import (
	"context"
	"errors"

	"github.com/dkeye/relaylobby/internal/app/loop"
	"github.com/dkeye/relaylobby/internal/domain"
	"github.com/rs/zerolog/log"
)

var errListenerFailed = errors.New("relay listener did not start")

// StartHost starts the relay listener and then creates a directory session for up to
// maxPlayers members. The future yields the session for the caller to decorate, or an
// error. A listener that started stays up when the directory step fails.
func (o *Orchestrator) StartHost(ctx context.Context, maxPlayers int) *loop.Future[*domain.Session] {
	f := loop.NewFuture[*domain.Session]()
	if !o.Loop.Post(func() { o.startHost(ctx, maxPlayers, f) }) {
		f.Resolve(nil, domain.ErrShutdown)
	}
	return f
}

func (o *Orchestrator) startHost(ctx context.Context, maxPlayers int, f *loop.Future[*domain.Session]) {
	attempt, ok := o.begin(RoleHost, f)
	if !ok {
		return
	}
	log.Info().Str("module", "orch").Int("max_players", maxPlayers).Msg("starting host")

	o.setState(StartingListener)
	if !o.Transport.StartServer() {
		o.settle(nil, &domain.RelayError{Op: "listen", Identity: o.Transport.LocalIdentity(), Err: errListenerFailed})
		return
	}

	o.setState(CreatingSession)
	o.call(attempt,
		func() (*domain.Session, error) { return o.Directory.CreateSession(ctx, maxPlayers) },
		o.sessionCreated)
}

func (o *Orchestrator) sessionCreated(s *domain.Session, err error) {
	if err != nil {
		o.settle(nil, err)
		return
	}
	if s == nil {
		o.settle(nil, &domain.DirectoryError{Op: "create", Err: domain.ErrSessionNotFound})
		return
	}
	log.Info().Str("module", "orch").Str("session", s.ID.String()).Int("max_members", s.MaxMembers).Msg("host session created")
	o.settle(s, nil)
}
