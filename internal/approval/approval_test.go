package approval

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dohr-michael/studio/internal/events"
	"github.com/dohr-michael/studio/internal/protocol"
)

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Publish(e events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) ofType(t events.EventType) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

type response struct {
	id       string
	decision protocol.Decision
}

type fakeResponder struct {
	name  string
	err   error
	calls []response
}

func (f *fakeResponder) RespondApproval(ctx context.Context, id string, d protocol.Decision) error {
	if f.err != nil {
		return f.err
	}
	f.calls = append(f.calls, response{id, d})
	return nil
}

type fakeRouter struct {
	active Responder
	err    error
}

func (f *fakeRouter) ActiveResponder() (Responder, error) { return f.active, f.err }

type fakeCanceller struct{ calls int }

func (f *fakeCanceller) CancelTurn() error {
	f.calls++
	return nil
}

type fixture struct {
	coord     *Coordinator
	perms     *Permissions
	rec       *recorder
	responder *fakeResponder
	router    *fakeRouter
	canceller *fakeCanceller
}

func newFixture(mode protocol.EditMode) *fixture {
	rec := &recorder{}
	responder := &fakeResponder{name: "socket"}
	router := &fakeRouter{active: responder}
	canceller := &fakeCanceller{}
	perms := NewPermissions(mode, nil, rec, "sess_1")
	return &fixture{
		coord: NewCoordinator(Config{
			SessionID:   "sess_1",
			Bus:         rec,
			Router:      router,
			Canceller:   canceller,
			Permissions: perms,
		}),
		perms:     perms,
		rec:       rec,
		responder: responder,
		router:    router,
		canceller: canceller,
	}
}

func request(id, tool string) protocol.ToolApprovalRequest {
	return protocol.ToolApprovalRequest{ID: id, ToolName: tool, Parameters: map[string]any{"path": "App.tsx"}}
}

func TestAllowAllEscalatesWriteTools(t *testing.T) {
	tests := []struct {
		name string
		from protocol.EditMode
		tool string
		want protocol.EditMode
	}{
		{"write from ask", protocol.EditModeAsk, "write_file", protocol.EditModeAllow},
		{"write from plan", protocol.EditModePlan, "write_file", protocol.EditModeAllow},
		{"glob write tool", protocol.EditModeAsk, "fs_write", protocol.EditModeAllow},
		{"read from ask", protocol.EditModeAsk, "read_file", protocol.EditModeAsk},
		{"read from plan", protocol.EditModePlan, "read_file", protocol.EditModePlan},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(tt.from)
			if err := f.coord.OnApprovalRequired("t1", request("ap-1", tt.tool)); err != nil {
				t.Fatalf("OnApprovalRequired: %v", err)
			}
			if err := f.coord.Respond(context.Background(), "ap-1", protocol.DecisionAllowAll); err != nil {
				t.Fatalf("Respond: %v", err)
			}
			if got := f.perms.Current(); got != tt.want {
				t.Fatalf("EditMode = %q, want %q", got, tt.want)
			}
			changed := len(f.rec.ofType(events.EventEditModeChanged)) == 1
			if changed != (tt.from != tt.want) {
				t.Fatalf("edit mode event published = %v", changed)
			}
		})
	}
}

func TestAllowOnceHasNoStateChange(t *testing.T) {
	f := newFixture(protocol.EditModeAsk)
	f.coord.OnApprovalRequired("t1", request("ap-1", "write_file"))

	if err := f.coord.Respond(context.Background(), "ap-1", protocol.DecisionAllowOnce); err != nil {
		t.Fatalf("Respond: %v", err)
	}
	if f.perms.Current() != protocol.EditModeAsk || f.canceller.calls != 0 {
		t.Fatalf("mode=%q cancels=%d", f.perms.Current(), f.canceller.calls)
	}
	if _, ok := f.coord.Pending(); ok {
		t.Fatal("slot not cleared")
	}
	resolved := f.rec.ofType(events.EventApprovalResolved)
	if len(resolved) != 1 {
		t.Fatalf("resolved events = %d", len(resolved))
	}
	p := resolved[0].Payload.(events.ApprovalResolvedPayload)
	if p.ApprovalID != "ap-1" || p.Decision != protocol.DecisionAllowOnce || p.TurnID != "t1" {
		t.Fatalf("payload = %+v", p)
	}
	if len(f.responder.calls) != 1 || f.responder.calls[0].decision != protocol.DecisionAllowOnce {
		t.Fatalf("responder calls = %+v", f.responder.calls)
	}
}

func TestStopCancelsTurn(t *testing.T) {
	f := newFixture(protocol.EditModeAsk)
	f.coord.OnApprovalRequired("t1", request("ap-1", "delete_file"))

	if err := f.coord.Respond(context.Background(), "ap-1", protocol.DecisionStop); err != nil {
		t.Fatalf("Respond: %v", err)
	}
	if f.canceller.calls != 1 {
		t.Fatalf("CancelTurn called %d times", f.canceller.calls)
	}
	if f.perms.Current() != protocol.EditModeAsk {
		t.Fatalf("stop changed EditMode")
	}
}

func TestOverlappingRequestRejected(t *testing.T) {
	f := newFixture(protocol.EditModeAsk)
	f.coord.OnApprovalRequired("t1", request("ap-1", "write_file"))

	if err := f.coord.OnApprovalRequired("t1", request("ap-2", "edit_file")); !errors.Is(err, ErrApprovalPending) {
		t.Fatalf("second request = %v, want ErrApprovalPending", err)
	}
	if err := f.coord.OnApprovalRequired("t1", request("ap-1", "write_file")); err != nil {
		t.Fatalf("redelivery of the pending request = %v", err)
	}
	req, ok := f.coord.Pending()
	if !ok || req.ID != "ap-1" {
		t.Fatalf("pending = %+v %v", req, ok)
	}
	resolved := f.rec.ofType(events.EventApprovalResolved)
	if len(resolved) != 1 {
		t.Fatalf("resolved events = %d, want 1 for the rejected request", len(resolved))
	}
	if p := resolved[0].Payload.(events.ApprovalResolvedPayload); p.ApprovalID != "ap-2" || !p.Rejected {
		t.Fatalf("payload = %+v", p)
	}

	f.coord.Respond(context.Background(), "ap-1", protocol.DecisionAllowOnce)
	if err := f.coord.OnApprovalRequired("t1", request("ap-3", "edit_file")); err != nil {
		t.Fatalf("request after resolution = %v", err)
	}
}

func TestRespondValidation(t *testing.T) {
	f := newFixture(protocol.EditModeAsk)

	if err := f.coord.Respond(context.Background(), "ap-1", protocol.DecisionAllowOnce); !errors.Is(err, ErrNoPendingApproval) {
		t.Fatalf("no pending = %v", err)
	}
	f.coord.OnApprovalRequired("t1", request("ap-1", "write_file"))
	if err := f.coord.Respond(context.Background(), "ap-9", protocol.DecisionAllowOnce); !errors.Is(err, ErrApprovalMismatch) {
		t.Fatalf("mismatch = %v", err)
	}
	if err := f.coord.Respond(context.Background(), "ap-1", "maybe"); !errors.Is(err, ErrInvalidDecision) {
		t.Fatalf("invalid = %v", err)
	}
	if len(f.responder.calls) != 0 {
		t.Fatalf("invalid responses were sent")
	}
}

func TestDeliveryFailureKeepsRequestPending(t *testing.T) {
	f := newFixture(protocol.EditModeAsk)
	f.coord.OnApprovalRequired("t1", request("ap-1", "write_file"))
	f.responder.err = errors.New("connection is not open")

	if err := f.coord.Respond(context.Background(), "ap-1", protocol.DecisionAllowAll); err == nil {
		t.Fatal("Respond should fail")
	}
	if _, ok := f.coord.Pending(); !ok {
		t.Fatal("request dropped after failed delivery")
	}
	if f.perms.Current() != protocol.EditModeAsk {
		t.Fatal("effects applied despite failed delivery")
	}

	f.responder.err = nil
	if err := f.coord.Respond(context.Background(), "ap-1", protocol.DecisionAllowAll); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if f.perms.Current() != protocol.EditModeAllow {
		t.Fatalf("EditMode = %q", f.perms.Current())
	}
}

func TestRoutesToActiveResponder(t *testing.T) {
	f := newFixture(protocol.EditModeAsk)
	rest := &fakeResponder{name: "rest"}
	f.router.active = rest

	f.coord.OnApprovalRequired("t1", request("ap-1", "write_file"))
	f.coord.Respond(context.Background(), "ap-1", protocol.DecisionAllowOnce)

	if len(rest.calls) != 1 || len(f.responder.calls) != 0 {
		t.Fatalf("rest=%d socket=%d", len(rest.calls), len(f.responder.calls))
	}
}

func TestAttachDismissesOnTurnEnd(t *testing.T) {
	bus := events.NewBus(32)
	defer bus.Close()

	perms := NewPermissions(protocol.EditModeAsk, nil, bus, "sess_1")
	coord := NewCoordinator(Config{SessionID: "sess_1", Bus: bus, Router: &fakeRouter{}, Permissions: perms})
	unsub := coord.Attach(bus)
	defer unsub()

	resolved, stop := bus.SubscribeChan(4, events.EventApprovalResolved)
	defer stop()

	bus.Publish(events.NewTypedEvent(events.SourceIterative, events.ApprovalRequiredPayload{TurnID: "t1", Request: request("ap-1", "write_file")}))
	flushBus(t, bus)
	if _, ok := coord.Pending(); !ok {
		t.Fatal("approval not registered from the bus")
	}

	bus.Publish(events.NewTypedEvent(events.SourceIterative, events.ErrorPayload{TurnID: "other"}))
	flushBus(t, bus)
	if _, ok := coord.Pending(); !ok {
		t.Fatal("another turn's end dismissed the approval")
	}

	bus.Publish(events.NewTypedEvent(events.SourceIterative, events.CancelledPayload{TurnID: "t1"}))
	select {
	case e := <-resolved:
		p := e.Payload.(events.ApprovalResolvedPayload)
		if p.ApprovalID != "ap-1" || p.Decision != "" {
			t.Fatalf("payload = %+v", p)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no dismissal event")
	}
	if _, ok := coord.Pending(); ok {
		t.Fatal("slot not cleared")
	}
}

func TestPermissionsToggleCycle(t *testing.T) {
	rec := &recorder{}
	p := NewPermissions("", nil, rec, "s")
	if p.Current() != protocol.EditModeAsk {
		t.Fatalf("default mode = %q", p.Current())
	}
	for _, want := range []protocol.EditMode{protocol.EditModeAllow, protocol.EditModePlan, protocol.EditModeAsk} {
		if got := p.Toggle(); got != want {
			t.Fatalf("Toggle = %q, want %q", got, want)
		}
	}
	if n := len(rec.ofType(events.EventEditModeChanged)); n != 3 {
		t.Fatalf("events = %d", n)
	}
}

func TestPermissionsCustomPatterns(t *testing.T) {
	p := NewPermissions(protocol.EditModeAsk, []string{"fs.*", "[invalid"}, nil, "s")
	if !p.IsWriteTool("fs.write") {
		t.Fatal("fs.write should match fs.*")
	}
	if p.IsWriteTool("write_file") {
		t.Fatal("custom patterns replace the defaults")
	}
}

func flushBus(t *testing.T, bus *events.Bus) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := bus.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
}
