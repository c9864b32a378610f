package orch

// State is the bootstrap state of the current attempt.
type State int

const (
	Idle State = iota
	StartingListener
	CreatingSession
	QueryingOrJoiningSession
	ConnectingRelay
	Ready
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case StartingListener:
		return "starting_listener"
	case CreatingSession:
		return "creating_session"
	case QueryingOrJoiningSession:
		return "querying_or_joining_session"
	case ConnectingRelay:
		return "connecting_relay"
	case Ready:
		return "ready"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// Terminal reports whether the attempt has settled.
func (s State) Terminal() bool { return s == Ready || s == Failed }

type Role int

const (
	RoleNone Role = iota
	RoleHost
	RoleClient
)

func (r Role) String() string {
	switch r {
	case RoleHost:
		return "host"
	case RoleClient:
		return "client"
	}
	return "none"
}
