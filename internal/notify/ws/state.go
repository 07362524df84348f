package ws

import "sync/atomic"

// State of one session. Transitions only move forward; Disconnected is terminal.
type State int32

const (
	StateConnecting State = iota
	StateAuthenticating
	StateActive
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateActive:
		return "active"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

type stateBox struct{ v atomic.Int32 }

func (b *stateBox) Load() State { return State(b.v.Load()) }

// advance 只允许向前迁移，返回是否迁移成功
func (b *stateBox) advance(to State) bool {
	for {
		cur := b.v.Load()
		if State(cur) >= to {
			return false
		}
		if b.v.CompareAndSwap(cur, int32(to)) {
			return true
		}
	}
}
