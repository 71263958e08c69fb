package execution

import (
	"sync"
	"time"

	"github.com/dohr-michael/studio/internal/clock"
)

// DefaultCancelWindow is how long a first cancel press stays armed.
const DefaultCancelWindow = 500 * time.Millisecond

// GestureState is the state of a CancelGesture.
type GestureState int

const (
	GestureIdle GestureState = iota
	GestureArmed
)

// GestureResult is the outcome of one trigger.
type GestureResult int

const (
	// GestureIgnored means there was nothing to cancel.
	GestureIgnored GestureResult = iota
	// GestureWarned means the gesture armed; a second press confirms.
	GestureWarned
	// GestureFired means the second press landed inside the window.
	GestureFired
)

// CancelGesture is the press-twice-to-cancel debounce: Idle, then Armed with a
// deadline. A second trigger before the deadline fires; otherwise the single
// timer returns the machine to Idle.
type CancelGesture struct {
	clk    clock.Clock
	window time.Duration

	mu       sync.Mutex
	state    GestureState
	deadline time.Time
	timer    clock.Timer
}

func NewCancelGesture(clk clock.Clock, window time.Duration) *CancelGesture {
	if clk == nil {
		clk = clock.Real()
	}
	if window <= 0 {
		window = DefaultCancelWindow
	}
	return &CancelGesture{clk: clk, window: window}
}

// Trigger registers one press.
func (g *CancelGesture) Trigger() GestureResult {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clk.Now()
	if g.state == GestureArmed && now.Before(g.deadline) {
		g.disarmLocked()
		return GestureFired
	}

	g.disarmLocked()
	g.state = GestureArmed
	g.deadline = now.Add(g.window)
	g.timer = g.clk.AfterFunc(g.window, g.decay)
	return GestureWarned
}

// Reset returns the gesture to Idle.
func (g *CancelGesture) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.disarmLocked()
}

// State returns the current state.
func (g *CancelGesture) State() GestureState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

func (g *CancelGesture) decay() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state == GestureArmed && !g.clk.Now().Before(g.deadline) {
		g.state = GestureIdle
		g.timer = nil
	}
}

func (g *CancelGesture) disarmLocked() {
	if g.timer != nil {
		g.timer.Stop()
		g.timer = nil
	}
	g.state = GestureIdle
}
