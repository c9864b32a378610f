package domain

import (
	"errors"
	"fmt"
)

var (
	ErrSessionNotFound    = errors.New("session not found")
	ErrSessionFull        = errors.New("session is full")
	ErrSessionNotJoinable = errors.New("session is not joinable")
	ErrNotMember          = errors.New("not a session member")
	ErrWrongPassword      = errors.New("wrong session password")
	ErrUnknownMetadataKey = errors.New("unknown metadata key")
	ErrAttemptInProgress  = errors.New("bootstrap attempt already in progress")
	ErrNotReady           = errors.New("relay substrate not ready")
	ErrShutdown           = errors.New("shut down")
	ErrPeerUnreachable    = errors.New("peer unreachable")
	ErrRelayDisconnected  = errors.New("relay connection closed before ready")
)

// DirectoryError reports a failed directory create/join/query/update.
type DirectoryError struct {
	Op        string // "create", "join", "leave", "list", "get", "metadata", "visibility", "joinable"
	SessionID SessionID
	Err       error
}

func (e *DirectoryError) Error() string {
	if e.SessionID != 0 {
		return fmt.Sprintf("directory %s %s: %v", e.Op, e.SessionID, e.Err)
	}
	return fmt.Sprintf("directory %s: %v", e.Op, e.Err)
}

func (e *DirectoryError) Unwrap() error { return e.Err }

// RelayError reports a failed listener start or outbound relay connect.
type RelayError struct {
	Op       string // "listen", "connect"
	Identity Identity
	Err      error
}

func (e *RelayError) Error() string {
	if e.Identity.Valid() {
		return fmt.Sprintf("relay %s %s: %v", e.Op, e.Identity, e.Err)
	}
	return fmt.Sprintf("relay %s: %v", e.Op, e.Err)
}

func (e *RelayError) Unwrap() error { return e.Err }

// DuplicateConnectionError is raised when the substrate reports a connect for a handle
// that is already registered.
type DuplicateConnectionError struct {
	Handle   uint64
	ClientID uint64
}

func (e *DuplicateConnectionError) Error() string {
	return fmt.Sprintf("connection %d already registered as client %d", e.Handle, e.ClientID)
}

// UnknownPeerError reports a send or disconnect targeting a client id that is not registered.
type UnknownPeerError struct {
	Op       string
	ClientID uint64
}

func (e *UnknownPeerError) Error() string {
	return fmt.Sprintf("%s: unknown client %d", e.Op, e.ClientID)
}
