package relayhub

import (
	"github.com/dkeye/relaylobby/internal/core"
	"github.com/dkeye/relaylobby/internal/domain"
)

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	MarkSlow
	KickMember
	DropFrame
)

func (a BackpressureAction) String() string {
	switch a {
	case MarkSlow:
		return "mark_slow"
	case KickMember:
		return "kick"
	case DropFrame:
		return "drop"
	}
	return "none"
}

// Policy decides what happens to a frame whose destination peer has a full send queue.
type Policy interface {
	OnBackPressure(to domain.Identity, st core.SendType) BackpressureAction
}

// SimplePolicy drops unreliable frames and disconnects peers that fall behind on
// reliable ones.
type SimplePolicy struct{}

func (SimplePolicy) OnBackPressure(_ domain.Identity, st core.SendType) BackpressureAction {
	if st == core.SendUnreliable {
		return DropFrame
	}
	return KickMember
}
