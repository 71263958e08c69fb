package gateway

import (
	"context"
	"errors"
	"sync"

	"github.com/dohr-michael/studio/internal/protocol"
)

var ErrUnknownApproval = errors.New("unknown approval")

// approvals parks runs until a decision arrives over either transport.
type approvals struct {
	mu      sync.Mutex
	pending map[string]chan protocol.Decision
}

func newApprovals() *approvals {
	return &approvals{pending: make(map[string]chan protocol.Decision)}
}

func (a *approvals) open(id string) <-chan protocol.Decision {
	ch := make(chan protocol.Decision, 1)
	a.mu.Lock()
	a.pending[id] = ch
	a.mu.Unlock()
	return ch
}

func (a *approvals) drop(id string) {
	a.mu.Lock()
	delete(a.pending, id)
	a.mu.Unlock()
}

// wait blocks until id is resolved or ctx ends.
func (a *approvals) wait(ctx context.Context, id string, ch <-chan protocol.Decision) (protocol.Decision, error) {
	defer a.drop(id)
	select {
	case d := <-ch:
		return d, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// resolve delivers d. Only the first answer for an id counts.
func (a *approvals) resolve(id string, d protocol.Decision) error {
	a.mu.Lock()
	ch, ok := a.pending[id]
	delete(a.pending, id)
	a.mu.Unlock()
	if !ok {
		return ErrUnknownApproval
	}
	ch <- d
	return nil
}

func (a *approvals) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}
