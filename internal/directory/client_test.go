package directory

import (
	"context"
	"errors"
	"testing"

	"github.com/dkeye/relaylobby/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// flakyBackend fails selected operations of an otherwise working Memory.
type flakyBackend struct {
	*Memory
	createErr   error
	metadataErr error
	listErr     error
}

func (f *flakyBackend) CreateSession(ctx context.Context, owner domain.Identity, maxMembers int) (*domain.Session, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	return f.Memory.CreateSession(ctx, owner, maxMembers)
}

func (f *flakyBackend) SetMetadata(ctx context.Context, id domain.SessionID, key domain.MetadataKey, value string) error {
	if f.metadataErr != nil {
		return f.metadataErr
	}
	return f.Memory.SetMetadata(ctx, id, key, value)
}

func (f *flakyBackend) ListSessions(ctx context.Context, filter domain.Filter) ([]*domain.Session, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.Memory.ListSessions(ctx, filter)
}

func TestClient_CreateTagsAndOpens(t *testing.T) {
	ctx := context.Background()
	c := NewClient(NewMemory(), alice, "")

	s, err := c.CreateSession(ctx, 4)
	require.NoError(t, err)
	assert.Equal(t, domain.DefaultFilterTag, s.Metadata.FilterTag)
	assert.True(t, s.Joinable)
	assert.Equal(t, domain.Public, s.Visibility)
	assert.Equal(t, 4, s.MaxMembers)
	assert.Equal(t, alice, s.Owner)

	listed, err := c.ListSessions(ctx, domain.Filter{})
	require.NoError(t, err)
	require.Len(t, listed, 1, "listed before any decoration")
	assert.Equal(t, s.ID, listed[0].ID)
}

func TestClient_DecorateCanHideSession(t *testing.T) {
	ctx := context.Background()
	c := NewClient(NewMemory(), alice, "")

	s, err := c.CreateSession(ctx, 4)
	require.NoError(t, err)
	hidden, err := c.Decorate(ctx, s, Decoration{Name: "quiet", Public: false})
	require.NoError(t, err)
	assert.Equal(t, domain.Private, hidden.Visibility)

	listed, err := c.ListSessions(ctx, domain.Filter{})
	require.NoError(t, err)
	assert.Empty(t, listed)
}

func TestClient_ListScopedToFilterTag(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	ours := NewClient(m, alice, "relaylobby-test")

	tagged, err := ours.CreateSession(ctx, 4)
	require.NoError(t, err)
	_, err = ours.Decorate(ctx, tagged, Decoration{Name: "ours", Public: true})
	require.NoError(t, err)

	// a session in the same namespace created without the tag
	untagged, err := m.CreateSession(ctx, bob, 4)
	require.NoError(t, err)
	require.NoError(t, m.SetVisibility(ctx, untagged.ID, domain.Public))
	require.NoError(t, m.SetJoinable(ctx, untagged.ID, true))

	list, err := ours.ListSessions(ctx, domain.Filter{})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, tagged.ID, list[0].ID)
	assert.Equal(t, "ours", list[0].Name())

	// caller filters are kept alongside the tag
	none, err := ours.ListSessions(ctx, domain.Filter{Metadata: map[domain.MetadataKey]string{domain.KeyName: "theirs"}})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestClient_JoinUnknownIsNotAnError(t *testing.T) {
	c := NewClient(NewMemory(), bob, "")
	s, err := c.JoinSession(context.Background(), 42)
	assert.NoError(t, err)
	assert.Nil(t, s)

	s, err = c.GetSession(context.Background(), 42)
	assert.NoError(t, err)
	assert.Nil(t, s)
}

func TestClient_JoinAndLeave(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	host := NewClient(m, alice, "")
	guest := NewClient(m, bob, "")

	s, err := host.CreateSession(ctx, 2)
	require.NoError(t, err)

	joined, err := guest.JoinSession(ctx, s.ID)
	require.NoError(t, err)
	require.NotNil(t, joined)
	assert.True(t, joined.IsMember(bob))
	assert.Equal(t, joined, guest.SessionOwnedBy(alice))

	require.NoError(t, guest.LeaveSession(ctx, joined))
	require.NoError(t, guest.LeaveSession(ctx, joined), "second leave is a no-op")
	assert.Nil(t, guest.SessionOwnedBy(alice))

	_, err = guest.JoinSession(ctx, s.ID)
	require.NoError(t, err)
	_, err = guest.JoinSession(ctx, s.ID)
	require.NoError(t, err)
}

func TestClient_FailuresAreDirectoryErrors(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("directory offline")

	c := NewClient(&flakyBackend{Memory: NewMemory(), createErr: boom}, alice, "")
	_, err := c.CreateSession(ctx, 2)
	var derr *domain.DirectoryError
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, "create", derr.Op)
	assert.ErrorIs(t, err, boom)

	c = NewClient(&flakyBackend{Memory: NewMemory(), listErr: boom}, alice, "")
	_, err = c.ListSessions(ctx, domain.Filter{})
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, "list", derr.Op)
}

func TestClient_CreateRollsBackOnTagFailure(t *testing.T) {
	m := NewMemory()
	c := NewClient(&flakyBackend{Memory: m, metadataErr: errors.New("quota")}, alice, "")

	s, err := c.CreateSession(context.Background(), 2)
	assert.Nil(t, s)
	var derr *domain.DirectoryError
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, "metadata", derr.Op)
	assert.Zero(t, m.Len(), "half-created session must be left")
}

func TestClient_DecoratePublishes(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	c := NewClient(m, alice, "")
	s, err := c.CreateSession(ctx, 4)
	require.NoError(t, err)

	out, err := c.Decorate(ctx, s, Decoration{Name: "friday", Password: "hunter2", Public: true})
	require.NoError(t, err)
	assert.Equal(t, "friday", out.Name())
	assert.True(t, out.HasPassword())
	assert.Equal(t, domain.Public, out.Visibility)

	stored, err := m.GetSession(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, out, stored)

	cached, ok := c.Cached(s.ID)
	require.True(t, ok)
	assert.Equal(t, out, cached)
}
