// Package domain contains the directory and relay entities shared by every layer, without transport logic.
package domain

import (
	"fmt"
	"strconv"
)

// Identity addresses a peer on the relay substrate and in the session directory.
type Identity uint64

// NoIdentity is the zero value; no peer ever owns it.
const NoIdentity Identity = 0

func ParseIdentity(s string) (Identity, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return NoIdentity, fmt.Errorf("parse identity %q: %w", s, err)
	}
	return Identity(v), nil
}

func (id Identity) String() string { return strconv.FormatUint(uint64(id), 10) }

func (id Identity) Valid() bool { return id != NoIdentity }

// SessionID is the opaque directory key of a session.
type SessionID uint64

func ParseSessionID(s string) (SessionID, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse session id %q: %w", s, err)
	}
	return SessionID(v), nil
}

func (id SessionID) String() string { return strconv.FormatUint(uint64(id), 10) }
