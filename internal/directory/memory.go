package directory

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/dkeye/relaylobby/internal/core"
	"github.com/dkeye/relaylobby/internal/domain"
	"github.com/rs/zerolog/log"
)

// sessionIDBase keeps ids in the same large range the public directory hands out.
const sessionIDBase domain.SessionID = 109775240000000000

// Memory is an in-process directory backend. lobbyd serves it over REST; tests use it
// directly.
type Memory struct {
	mu       sync.RWMutex
	sessions map[domain.SessionID]*domain.Session
	lastID   domain.SessionID
}

var _ core.DirectoryBackend = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		sessions: make(map[domain.SessionID]*domain.Session),
		lastID:   sessionIDBase,
	}
}

func (m *Memory) CreateSession(ctx context.Context, owner domain.Identity, maxMembers int) (*domain.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !owner.Valid() {
		return nil, fmt.Errorf("create session: %w", ErrInvalidIdentity)
	}
	if maxMembers < 1 {
		return nil, fmt.Errorf("create session with %d members: %w", maxMembers, ErrInvalidCapacity)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastID++
	s := &domain.Session{
		ID:         m.lastID,
		Owner:      owner,
		MaxMembers: maxMembers,
		Members:    []domain.Identity{owner},
		Visibility: domain.Private,
	}
	m.sessions[s.ID] = s
	log.Info().Str("module", "directory").Str("session", s.ID.String()).Str("owner", owner.String()).Int("max_members", maxMembers).Msg("session created")
	return s.Clone(), nil
}

func (m *Memory) GetSession(ctx context.Context, id domain.SessionID) (*domain.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	return s.Clone(), nil
}

// JoinSession adds member to the session. Joining a session one already belongs to
// returns the current snapshot.
func (m *Memory) JoinSession(ctx context.Context, id domain.SessionID, member domain.Identity) (*domain.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !member.Valid() {
		return nil, fmt.Errorf("join session: %w", ErrInvalidIdentity)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	switch {
	case !ok:
		return nil, domain.ErrSessionNotFound
	case s.IsMember(member):
		return s.Clone(), nil
	case !s.Joinable:
		return nil, domain.ErrSessionNotJoinable
	case s.FreeSlots() == 0:
		return nil, domain.ErrSessionFull
	}
	s.Members = append(s.Members, member)
	log.Info().Str("module", "directory").Str("session", id.String()).Str("member", member.String()).Int("members", len(s.Members)).Msg("member joined")
	return s.Clone(), nil
}

// LeaveSession removes member. Ownership passes to the longest-standing remaining member;
// the session is destroyed when the last member leaves.
func (m *Memory) LeaveSession(ctx context.Context, id domain.SessionID, member domain.Identity) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return domain.ErrSessionNotFound
	}
	i := slices.Index(s.Members, member)
	if i < 0 {
		return domain.ErrNotMember
	}
	s.Members = slices.Delete(s.Members, i, i+1)

	if len(s.Members) == 0 {
		delete(m.sessions, id)
		log.Info().Str("module", "directory").Str("session", id.String()).Msg("session destroyed")
		return nil
	}
	if s.Owner == member {
		s.Owner = s.Members[0]
		log.Info().Str("module", "directory").Str("session", id.String()).Str("owner", s.Owner.String()).Msg("ownership transferred")
	}
	log.Info().Str("module", "directory").Str("session", id.String()).Str("member", member.String()).Msg("member left")
	return nil
}

// ListSessions returns listings of matching sessions ordered by id. Passwords are
// never listed.
func (m *Memory) ListSessions(ctx context.Context, filter domain.Filter) ([]*domain.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	ids := make([]domain.SessionID, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	out := make([]*domain.Session, 0)
	for _, id := range ids {
		s := m.sessions[id]
		if !filter.Matches(s) {
			continue
		}
		out = append(out, s.Listing())
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	m.mu.RUnlock()
	return out, nil
}

func (m *Memory) SetMetadata(ctx context.Context, id domain.SessionID, key domain.MetadataKey, value string) error {
	return m.update(ctx, id, func(s *domain.Session) error {
		return s.Metadata.Set(key, value)
	})
}

func (m *Memory) SetVisibility(ctx context.Context, id domain.SessionID, v domain.Visibility) error {
	return m.update(ctx, id, func(s *domain.Session) error {
		s.Visibility = v
		return nil
	})
}

func (m *Memory) SetJoinable(ctx context.Context, id domain.SessionID, joinable bool) error {
	return m.update(ctx, id, func(s *domain.Session) error {
		s.Joinable = joinable
		return nil
	})
}

// Len reports how many sessions exist.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

func (m *Memory) update(ctx context.Context, id domain.SessionID, fn func(*domain.Session) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return domain.ErrSessionNotFound
	}
	return fn(s)
}
