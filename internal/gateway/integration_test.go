package gateway

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/dohr-michael/studio/internal/events"
	"github.com/dohr-michael/studio/internal/protocol"
	"github.com/dohr-michael/studio/internal/studio"
	"github.com/dohr-michael/studio/internal/transcript"
)

func newStudioSession(t *testing.T, g *testGateway, mode protocol.Mode, edit protocol.EditMode) *studio.Session {
	t.Helper()
	s, err := studio.New(studio.Config{
		SessionID: "sess_int",
		Mode:      mode,
		EditMode:  edit,
		SocketURL: "ws" + strings.TrimPrefix(g.http.URL, "http") + protocol.SocketPath,
		Backend:   g.client,
	})
	if err != nil {
		t.Fatalf("studio.New: %v", err)
	}
	t.Cleanup(func() { s.Close(context.Background()) })
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return s
}

func TestStudioIterativeTurnAgainstGateway(t *testing.T) {
	g := newTestGateway(t, "")
	s := newStudioSession(t, g, protocol.ModeIterative, protocol.EditModeAsk)

	approvals, unsub := s.Bus().SubscribeChan(4, events.EventApprovalRequired)
	defer unsub()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	result := make(chan events.Event, 1)
	go func() {
		e, err := s.Ask(ctx, "write main.ts")
		if err != nil {
			t.Errorf("Ask: %v", err)
		}
		result <- e
	}()

	select {
	case e := <-approvals:
		p := e.Payload.(events.ApprovalRequiredPayload)
		if err := s.Respond(ctx, p.Request.ID, protocol.DecisionAllowOnce); err != nil {
			t.Fatalf("Respond: %v", err)
		}
	case <-ctx.Done():
		t.Fatal("no approval raised")
	}

	e := <-result
	if e.Type != events.EventComplete {
		t.Fatalf("terminal event = %s", e.Type)
	}
	s.Flush(ctx)

	var kinds []transcript.Kind
	for _, m := range s.Messages() {
		kinds = append(kinds, m.Kind)
	}
	if kinds[0] != transcript.KindUser || kinds[len(kinds)-1] != transcript.KindAssistant {
		t.Fatalf("transcript kinds = %v", kinds)
	}
}

func TestStudioStreamingTurnAgainstGateway(t *testing.T) {
	g := newTestGateway(t, "")
	s := newStudioSession(t, g, protocol.ModeStreaming, protocol.EditModeAllow)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	e, err := s.Ask(ctx, "create utils.ts")
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if e.Type != events.EventComplete {
		t.Fatalf("terminal event = %s", e.Type)
	}
	s.Flush(ctx)

	msgs := s.Messages()
	last := msgs[len(msgs)-1]
	if last.Kind != transcript.KindAssistant || !strings.Contains(last.Display, "{{file:utils.ts}}") {
		t.Fatalf("assistant entry = %+v", last)
	}

	// A second session on the same id sees the turn as history.
	again := newStudioSession(t, g, protocol.ModeIterative, protocol.EditModeAsk)
	if n := len(again.Messages()); n != 2 {
		t.Fatalf("history entries = %d, want 2", n)
	}
}
