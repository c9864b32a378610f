// Package orch sequences host and client bootstrap across the relay transport and the
// session directory.
package orch

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/dkeye/relaylobby/internal/app/loop"
	"github.com/dkeye/relaylobby/internal/domain"
	"github.com/dkeye/relaylobby/internal/transport"
	"github.com/rs/zerolog/log"
)

// Directory is the part of the directory client the orchestrator drives.
type Directory interface {
	Identity() domain.Identity
	CreateSession(ctx context.Context, maxMembers int) (*domain.Session, error)
	JoinSession(ctx context.Context, id domain.SessionID) (*domain.Session, error)
	LeaveSession(ctx context.Context, s *domain.Session) error
	SessionOwnedBy(owner domain.Identity) *domain.Session
}

// Orchestrator runs one bootstrap attempt at a time. Every state change happens on the
// loop's tick; directory calls run on their own goroutines and post their results back.
type Orchestrator struct {
	Transport *transport.Transport
	Directory Directory
	Loop      *loop.Loop

	mu      sync.Mutex
	state   State
	role    Role
	session *domain.Session // from create or join onward
	pending *loop.Future[*domain.Session]
	joined  bool // this attempt joined session itself and rolls it back on failure
	closed  bool

	// attempt is bumped by every new attempt, Disconnect and Shutdown; directory
	// results carrying an older value are discarded.
	attempt     atomic.Uint64
	inflight    sync.WaitGroup
	cleanup     sync.WaitGroup
	unsubscribe func()
}

func New(tr *transport.Transport, dir Directory, l *loop.Loop) *Orchestrator {
	return &Orchestrator{Transport: tr, Directory: dir, Loop: l}
}

func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

func (o *Orchestrator) Role() Role {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.role
}

// Session returns a snapshot of the session of the current attempt, if any.
func (o *Orchestrator) Session() *domain.Session {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.session.Clone()
}

// RegisterEvents subscribes the orchestrator to transport events. It is idempotent.
func (o *Orchestrator) RegisterEvents() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.unsubscribe != nil {
		return
	}
	o.unsubscribe = o.Loop.Subscribe(o.HandleEvent)
}

func (o *Orchestrator) UnregisterEvents() {
	o.mu.Lock()
	unsub := o.unsubscribe
	o.unsubscribe = nil
	o.mu.Unlock()
	if unsub != nil {
		unsub()
	}
}

// HandleEvent advances the client sequence on the host link and logs host membership.
func (o *Orchestrator) HandleEvent(ev transport.Event) {
	switch o.Role() {
	case RoleClient:
		if ev.ClientID != transport.ServerClientID {
			return
		}
		switch ev.Kind {
		case transport.EventConnect:
			o.hostConnected()
		case transport.EventDisconnect:
			o.hostLost()
		}
	case RoleHost:
		switch ev.Kind {
		case transport.EventConnect:
			log.Info().Str("module", "orch").Uint64("client", uint64(ev.ClientID)).Msg("member connected")
		case transport.EventDisconnect:
			log.Info().Str("module", "orch").Uint64("client", uint64(ev.ClientID)).Msg("member disconnected")
		}
	}
}

// Disconnect ends the current attempt and returns to Idle: the transport is shut down,
// the directory session is left and an unsettled attempt fails with ErrShutdown.
// It must not be called from the tick.
func (o *Orchestrator) Disconnect(ctx context.Context) error {
	o.attempt.Add(1)
	var s *domain.Session
	o.Loop.Do(func() { s = o.reset(domain.ErrShutdown) })
	return o.leave(ctx, s)
}

// Shutdown is Disconnect followed by waiting for outstanding directory calls, whose
// results are discarded. Later attempts fail with ErrShutdown.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
	o.UnregisterEvents()

	err := o.Disconnect(ctx)

	if werr := wait(ctx, &o.inflight); werr != nil {
		log.Warn().Str("module", "orch").Err(werr).Msg("directory calls still outstanding at shutdown")
		return werr
	}
	o.Loop.RunPending()
	if werr := wait(ctx, &o.cleanup); werr != nil {
		return werr
	}
	log.Info().Str("module", "orch").Msg("orchestrator shut down")
	return err
}

// begin claims the orchestrator for a new attempt. It runs on the tick.
func (o *Orchestrator) begin(role Role, f *loop.Future[*domain.Session]) (uint64, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		f.Resolve(nil, domain.ErrShutdown)
		return 0, false
	}
	if o.state != Idle {
		log.Warn().Str("module", "orch").Str("state", o.state.String()).Str("role", o.role.String()).Msg("bootstrap attempt rejected")
		f.Resolve(nil, domain.ErrAttemptInProgress)
		return 0, false
	}
	o.role = role
	o.pending = f
	o.joined = false
	o.session = nil
	return o.attempt.Add(1), true
}

func (o *Orchestrator) current(attempt uint64) bool { return o.attempt.Load() == attempt }

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	prev := o.state
	o.state = s
	role := o.role
	o.mu.Unlock()
	log.Info().Str("module", "orch").Str("role", role.String()).Str("from", prev.String()).Str("to", s.String()).Msg("bootstrap state")
}

// settle moves the attempt to a terminal state and resolves its future.
func (o *Orchestrator) settle(s *domain.Session, err error) {
	o.mu.Lock()
	f := o.pending
	o.pending = nil
	if err == nil {
		o.session = s.Clone()
	} else {
		o.session = nil
	}
	o.mu.Unlock()

	if err != nil {
		log.Error().Str("module", "orch").Err(err).Msg("bootstrap failed")
		o.setState(Failed)
	} else {
		o.setState(Ready)
	}
	if f != nil {
		f.Resolve(s, err)
	}
}

// reset returns to Idle on the tick and hands back the session to leave.
func (o *Orchestrator) reset(cause error) *domain.Session {
	o.Transport.Shutdown()

	o.mu.Lock()
	s := o.session
	if o.role != RoleHost && !o.joined {
		// a snapshot this attempt never joined is not ours to leave
		s = nil
	}
	f := o.pending
	prev := o.state
	o.session = nil
	o.pending = nil
	o.joined = false
	o.state = Idle
	o.role = RoleNone
	o.mu.Unlock()

	if f != nil {
		f.Resolve(nil, cause)
	}
	if prev != Idle {
		log.Info().Str("module", "orch").Str("from", prev.String()).Msg("bootstrap reset")
	}
	return s
}

func (o *Orchestrator) leave(ctx context.Context, s *domain.Session) error {
	if s == nil {
		return nil
	}
	return o.Directory.LeaveSession(ctx, s)
}

// discard leaves a session produced by a stale directory call.
func (o *Orchestrator) discard(s *domain.Session) {
	if s == nil {
		return
	}
	log.Info().Str("module", "orch").Str("session", s.ID.String()).Msg("discarding stale directory result")
	o.leaveAsync(s)
}

func (o *Orchestrator) leaveAsync(s *domain.Session) {
	o.cleanup.Add(1)
	go func() {
		defer o.cleanup.Done()
		if err := o.Directory.LeaveSession(context.Background(), s); err != nil {
			log.Warn().Str("module", "orch").Str("session", s.ID.String()).Err(err).Msg("leave failed")
		}
	}()
}

// call runs a directory call off the tick and posts its result back.
func (o *Orchestrator) call(attempt uint64, fn func() (*domain.Session, error), cont func(*domain.Session, error)) {
	o.inflight.Add(1)
	go func() {
		defer o.inflight.Done()
		s, err := fn()
		posted := o.Loop.Post(func() {
			if !o.current(attempt) {
				o.discard(s)
				return
			}
			cont(s, err)
		})
		if !posted {
			o.discard(s)
		}
	}()
}

func wait(ctx context.Context, wg *sync.WaitGroup) error {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
