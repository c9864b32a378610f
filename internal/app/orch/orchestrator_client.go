package orch

import (
	"context"

	"github.com/dkeye/relaylobby/internal/app/loop"
	"github.com/dkeye/relaylobby/internal/domain"
	"github.com/rs/zerolog/log"
)

// JoinOptions carries what a joiner presents to a session.
type JoinOptions struct {
	Password string
}

// StartClient joins sessionID in the directory and connects to its owner over the relay.
// The future settles once the host link is up, or on the first failure.
func (o *Orchestrator) StartClient(ctx context.Context, sessionID domain.SessionID, opts JoinOptions) *loop.Future[*domain.Session] {
	f := loop.NewFuture[*domain.Session]()
	if !o.Loop.Post(func() { o.startClient(ctx, sessionID, opts, f) }) {
		f.Resolve(nil, domain.ErrShutdown)
	}
	return f
}

func (o *Orchestrator) startClient(ctx context.Context, sessionID domain.SessionID, opts JoinOptions, f *loop.Future[*domain.Session]) {
	attempt, ok := o.begin(RoleClient, f)
	if !ok {
		return
	}
	log.Info().Str("module", "orch").Str("session", sessionID.String()).Msg("joining session")

	o.setState(QueryingOrJoiningSession)
	o.call(attempt,
		func() (*domain.Session, error) { return o.Directory.JoinSession(ctx, sessionID) },
		func(s *domain.Session, err error) { o.sessionJoined(sessionID, opts, s, err) })
}

func (o *Orchestrator) sessionJoined(id domain.SessionID, opts JoinOptions, s *domain.Session, err error) {
	if err != nil {
		o.settle(nil, err)
		return
	}
	if s == nil {
		o.settle(nil, &domain.DirectoryError{Op: "join", SessionID: id, Err: domain.ErrSessionNotFound})
		return
	}

	o.mu.Lock()
	o.session = s.Clone()
	o.joined = true
	o.mu.Unlock()

	if !s.CheckPassword(opts.Password) {
		o.rollback(&domain.DirectoryError{Op: "join", SessionID: id, Err: domain.ErrWrongPassword})
		return
	}
	o.connect(s.Owner)
}

// ConnectToOwner connects straight to a host whose identity is already known. The
// future yields the last directory snapshot of a session owned by owner, or nil.
func (o *Orchestrator) ConnectToOwner(owner domain.Identity) *loop.Future[*domain.Session] {
	f := loop.NewFuture[*domain.Session]()
	if !o.Loop.Post(func() { o.connectToOwner(owner, f) }) {
		f.Resolve(nil, domain.ErrShutdown)
	}
	return f
}

func (o *Orchestrator) connectToOwner(owner domain.Identity, f *loop.Future[*domain.Session]) {
	if _, ok := o.begin(RoleClient, f); !ok {
		return
	}
	s := o.Directory.SessionOwnedBy(owner)
	o.mu.Lock()
	o.session = s
	o.mu.Unlock()
	o.connect(owner)
}

func (o *Orchestrator) connect(owner domain.Identity) {
	o.setState(ConnectingRelay)
	log.Info().Str("module", "orch").Str("owner", owner.String()).Msg("connecting to session owner")
	if !o.Transport.StartClient(owner) {
		o.rollback(&domain.RelayError{Op: "connect", Identity: owner, Err: domain.ErrPeerUnreachable})
	}
}

func (o *Orchestrator) hostConnected() {
	if o.State() != ConnectingRelay {
		return
	}
	s := o.Session()
	log.Info().Str("module", "orch").Str("owner", o.Transport.TargetIdentity().String()).Msg("connected to host")
	o.settle(s, nil)
}

func (o *Orchestrator) hostLost() {
	switch o.State() {
	case ConnectingRelay:
		o.rollback(&domain.RelayError{Op: "connect", Identity: o.Transport.TargetIdentity(), Err: domain.ErrRelayDisconnected})
	case Ready:
		log.Warn().Str("module", "orch").Str("owner", o.Transport.TargetIdentity().String()).Msg("host link lost")
	}
}

// rollback fails the client attempt, closing the host link and leaving a session this
// attempt joined.
func (o *Orchestrator) rollback(err error) {
	o.Transport.DisconnectLocal()

	o.mu.Lock()
	s := o.session
	joined := o.joined
	o.joined = false
	o.mu.Unlock()

	if joined && s != nil {
		o.leaveAsync(s)
	}
	o.settle(nil, err)
}
