package domain

import (
	"crypto/subtle"
	"fmt"
	"slices"
	"strings"
)

type Visibility int

const (
	Private Visibility = iota
	Public
)

func (v Visibility) String() string {
	if v == Public {
		return "public"
	}
	return "private"
}

func ParseVisibility(s string) (Visibility, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "public":
		return Public, nil
	case "private":
		return Private, nil
	}
	return Private, fmt.Errorf("unknown visibility %q", s)
}

func (v Visibility) MarshalText() ([]byte, error) { return []byte(v.String()), nil }

func (v *Visibility) UnmarshalText(b []byte) error {
	parsed, err := ParseVisibility(string(b))
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// MetadataKey names one of the fixed keys persisted on a session.
type MetadataKey string

const (
	KeyName      MetadataKey = "name"
	KeyPassword  MetadataKey = "password"
	KeyFilterTag MetadataKey = "filterTag"
)

// DefaultFilterTag scopes directory queries to sessions created by this application.
const DefaultFilterTag = "relaylobby"

func (k MetadataKey) Valid() bool {
	switch k {
	case KeyName, KeyPassword, KeyFilterTag:
		return true
	}
	return false
}

// Metadata is the typed view of a session's key/value bag. Unknown keys are not kept.
type Metadata struct {
	Name      string `json:"name,omitempty"`
	Password  string `json:"password,omitempty"`
	FilterTag string `json:"filterTag,omitempty"`
	// Locked marks a listed session whose password was stripped from the snapshot.
	Locked bool `json:"locked,omitempty"`
}

func (m Metadata) Get(key MetadataKey) string {
	switch key {
	case KeyName:
		return m.Name
	case KeyPassword:
		return m.Password
	case KeyFilterTag:
		return m.FilterTag
	}
	return ""
}

func (m *Metadata) Set(key MetadataKey, value string) error {
	switch key {
	case KeyName:
		m.Name = value
	case KeyPassword:
		m.Password = value
	case KeyFilterTag:
		m.FilterTag = value
	default:
		return fmt.Errorf("%w: %q", ErrUnknownMetadataKey, string(key))
	}
	return nil
}

// Session is a directory-visible room. The directory owns the canonical copy;
// everything else holds snapshots.
type Session struct {
	ID         SessionID  `json:"id"`
	Owner      Identity   `json:"owner"`
	MaxMembers int        `json:"max_members"`
	Members    []Identity `json:"members"`
	Visibility Visibility `json:"visibility"`
	Joinable   bool       `json:"joinable"`
	Metadata   Metadata   `json:"metadata"`
}

func (s *Session) Name() string     { return s.Metadata.Name }
func (s *Session) Password() string { return s.Metadata.Password }

// HasPassword reports whether joiners must present a password; empty means none.
func (s *Session) HasPassword() bool { return s.Metadata.Password != "" || s.Metadata.Locked }

// CheckPassword always fails on a locked listing: the password is only carried by
// snapshots returned from join and get.
func (s *Session) CheckPassword(password string) bool {
	if !s.HasPassword() {
		return true
	}
	if s.Metadata.Password == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(s.Metadata.Password), []byte(password)) == 1
}

// Listing returns a copy safe to publish in directory listings: the password is
// replaced by the Locked flag.
func (s *Session) Listing() *Session {
	c := s.Clone()
	if c != nil && c.Metadata.Password != "" {
		c.Metadata.Password = ""
		c.Metadata.Locked = true
	}
	return c
}

func (s *Session) IsMember(id Identity) bool { return slices.Contains(s.Members, id) }

func (s *Session) FreeSlots() int {
	free := s.MaxMembers - len(s.Members)
	if free < 0 {
		return 0
	}
	return free
}

func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	c.Members = slices.Clone(s.Members)
	return &c
}

// Filter scopes a directory query.
type Filter struct {
	Metadata     map[MetadataKey]string
	MinFreeSlots int
	Limit        int
}

// Matches reports whether s is listed by the filter. Private sessions are never listed.
func (f Filter) Matches(s *Session) bool {
	if s == nil || s.Visibility != Public {
		return false
	}
	for k, v := range f.Metadata {
		if s.Metadata.Get(k) != v {
			return false
		}
	}
	if f.MinFreeSlots > 0 && s.FreeSlots() < f.MinFreeSlots {
		return false
	}
	return true
}
