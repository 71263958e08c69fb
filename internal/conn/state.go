package conn

import (
	"errors"
	"time"
)

var (
	ErrNotConnected       = errors.New("connection is not open")
	ErrClosed             = errors.New("connection manager is closed")
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
)

// State is the connection lifecycle state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// StateChange describes one transition. Attempt is the reconnect attempt number
// (1-based) while reconnecting, and Delay the backoff before it fires.
type StateChange struct {
	From    State
	To      State
	Attempt int
	Delay   time.Duration
	Err     error
}

// Backoff returns the delay before reconnect attempt n (0-based):
// min(base·2^n, max).
func Backoff(n int, base, max time.Duration) time.Duration {
	d := base
	for i := 0; i < n; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}
