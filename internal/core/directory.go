package core

import (
	"context"

	"github.com/dkeye/relaylobby/internal/domain"
)

// DirectoryBackend is the external session directory. Implementations may block on
// network I/O; callers must not invoke them from the polling tick.
type DirectoryBackend interface {
	CreateSession(ctx context.Context, owner domain.Identity, maxMembers int) (*domain.Session, error)
	GetSession(ctx context.Context, id domain.SessionID) (*domain.Session, error)
	JoinSession(ctx context.Context, id domain.SessionID, member domain.Identity) (*domain.Session, error)
	LeaveSession(ctx context.Context, id domain.SessionID, member domain.Identity) error
	ListSessions(ctx context.Context, filter domain.Filter) ([]*domain.Session, error)
	SetMetadata(ctx context.Context, id domain.SessionID, key domain.MetadataKey, value string) error
	SetVisibility(ctx context.Context, id domain.SessionID, v domain.Visibility) error
	SetJoinable(ctx context.Context, id domain.SessionID, joinable bool) error
}
