// Package directory is the session directory: an application-scoped client over a
// pluggable backend, an in-memory backend, and a REST backend talking to lobbyd.
package directory

import (
	"context"
	"errors"
	"maps"

	"github.com/dkeye/relaylobby/internal/core"
	"github.com/dkeye/relaylobby/internal/domain"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog/log"
)

const snapshotCacheSize = 128

// Decoration is what a host publishes on its session once it is up.
type Decoration struct {
	Name     string
	Password string
	Public   bool
}

// Client acts on the directory as one identity and scopes every query to one filter tag.
// Every backend failure comes back as *domain.DirectoryError; a session that does not
// exist is a nil result, not an error.
type Client struct {
	backend   core.DirectoryBackend
	identity  domain.Identity
	filterTag string
	snapshots *lru.Cache[domain.SessionID, *domain.Session]
}

func NewClient(backend core.DirectoryBackend, identity domain.Identity, filterTag string) *Client {
	if filterTag == "" {
		filterTag = domain.DefaultFilterTag
	}
	snapshots, err := lru.New[domain.SessionID, *domain.Session](snapshotCacheSize)
	if err != nil {
		panic(err)
	}
	return &Client{
		backend:   backend,
		identity:  identity,
		filterTag: filterTag,
		snapshots: snapshots,
	}
}

func (c *Client) Identity() domain.Identity { return c.identity }

func (c *Client) FilterTag() string { return c.filterTag }

// CreateSession creates a session owned by this identity, tags it with the filter tag,
// publishes it and opens it for joining. Decorate can later make it private again.
func (c *Client) CreateSession(ctx context.Context, maxMembers int) (*domain.Session, error) {
	s, err := c.backend.CreateSession(ctx, c.identity, maxMembers)
	if err != nil {
		return nil, c.fail("create", 0, err)
	}
	if s == nil {
		return nil, nil
	}

	if err := c.backend.SetMetadata(ctx, s.ID, domain.KeyFilterTag, c.filterTag); err != nil {
		c.abandon(s.ID)
		return nil, c.fail("metadata", s.ID, err)
	}
	if err := c.backend.SetVisibility(ctx, s.ID, domain.Public); err != nil {
		c.abandon(s.ID)
		return nil, c.fail("visibility", s.ID, err)
	}
	if err := c.backend.SetJoinable(ctx, s.ID, true); err != nil {
		c.abandon(s.ID)
		return nil, c.fail("joinable", s.ID, err)
	}
	s.Metadata.FilterTag = c.filterTag
	s.Visibility = domain.Public
	s.Joinable = true
	c.remember(s)
	return s.Clone(), nil
}

// JoinSession joins id as this identity. Unknown sessions yield (nil, nil).
func (c *Client) JoinSession(ctx context.Context, id domain.SessionID) (*domain.Session, error) {
	s, err := c.backend.JoinSession(ctx, id, c.identity)
	if errors.Is(err, domain.ErrSessionNotFound) {
		c.snapshots.Remove(id)
		return nil, nil
	}
	if err != nil {
		return nil, c.fail("join", id, err)
	}
	c.remember(s)
	return s.Clone(), nil
}

// GetSession fetches a fresh snapshot. Unknown sessions yield (nil, nil).
func (c *Client) GetSession(ctx context.Context, id domain.SessionID) (*domain.Session, error) {
	s, err := c.backend.GetSession(ctx, id)
	if errors.Is(err, domain.ErrSessionNotFound) {
		c.snapshots.Remove(id)
		return nil, nil
	}
	if err != nil {
		return nil, c.fail("get", id, err)
	}
	c.remember(s)
	return s.Clone(), nil
}

// ListSessions lists public sessions carrying this client's filter tag and matching filter.
func (c *Client) ListSessions(ctx context.Context, filter domain.Filter) ([]*domain.Session, error) {
	scoped := filter
	scoped.Metadata = make(map[domain.MetadataKey]string, len(filter.Metadata)+1)
	maps.Copy(scoped.Metadata, filter.Metadata)
	scoped.Metadata[domain.KeyFilterTag] = c.filterTag

	list, err := c.backend.ListSessions(ctx, scoped)
	if err != nil {
		return nil, c.fail("list", 0, err)
	}
	out := make([]*domain.Session, 0, len(list))
	for _, s := range list {
		if s == nil {
			continue
		}
		c.remember(s)
		out = append(out, s.Clone())
	}
	return out, nil
}

// LeaveSession leaves s as this identity. Leaving a session that is already gone succeeds.
func (c *Client) LeaveSession(ctx context.Context, s *domain.Session) error {
	if s == nil {
		return nil
	}
	c.snapshots.Remove(s.ID)
	err := c.backend.LeaveSession(ctx, s.ID, c.identity)
	if errors.Is(err, domain.ErrSessionNotFound) || errors.Is(err, domain.ErrNotMember) {
		log.Debug().Str("module", "directory").Str("session", s.ID.String()).Err(err).Msg("leave: already gone")
		return nil
	}
	if err != nil {
		return c.fail("leave", s.ID, err)
	}
	log.Info().Str("module", "directory").Str("session", s.ID.String()).Msg("left session")
	return nil
}

// Decorate publishes name, password and visibility on a session this identity owns.
func (c *Client) Decorate(ctx context.Context, s *domain.Session, d Decoration) (*domain.Session, error) {
	if s == nil {
		return nil, c.fail("metadata", 0, domain.ErrSessionNotFound)
	}
	out := s.Clone()
	if err := c.backend.SetMetadata(ctx, s.ID, domain.KeyName, d.Name); err != nil {
		return nil, c.fail("metadata", s.ID, err)
	}
	out.Metadata.Name = d.Name
	if err := c.backend.SetMetadata(ctx, s.ID, domain.KeyPassword, d.Password); err != nil {
		return nil, c.fail("metadata", s.ID, err)
	}
	out.Metadata.Password = d.Password

	v := domain.Private
	if d.Public {
		v = domain.Public
	}
	if err := c.backend.SetVisibility(ctx, s.ID, v); err != nil {
		return nil, c.fail("visibility", s.ID, err)
	}
	out.Visibility = v
	c.remember(out)
	log.Info().Str("module", "directory").Str("session", s.ID.String()).Str("name", d.Name).Bool("password", d.Password != "").Str("visibility", v.String()).Msg("session decorated")
	return out.Clone(), nil
}

// Cached returns the last snapshot this client saw of id.
func (c *Client) Cached(id domain.SessionID) (*domain.Session, bool) {
	s, ok := c.snapshots.Peek(id)
	if !ok {
		return nil, false
	}
	return s.Clone(), true
}

// SessionOwnedBy returns the most recently seen session owned by owner, if any.
func (c *Client) SessionOwnedBy(owner domain.Identity) *domain.Session {
	keys := c.snapshots.Keys()
	for i := len(keys) - 1; i >= 0; i-- {
		if s, ok := c.snapshots.Peek(keys[i]); ok && s.Owner == owner {
			return s.Clone()
		}
	}
	return nil
}

func (c *Client) remember(s *domain.Session) {
	c.snapshots.Add(s.ID, s.Clone())
}

// abandon leaves a session whose setup failed half way.
func (c *Client) abandon(id domain.SessionID) {
	if err := c.backend.LeaveSession(context.Background(), id, c.identity); err != nil {
		log.Warn().Str("module", "directory").Str("session", id.String()).Err(err).Msg("leave after failed setup")
	}
}

func (c *Client) fail(op string, id domain.SessionID, err error) error {
	derr := &domain.DirectoryError{Op: op, SessionID: id, Err: err}
	log.Error().Str("module", "directory").Err(derr).Msg("directory call failed")
	return derr
}
