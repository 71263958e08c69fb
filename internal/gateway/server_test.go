package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dohr-michael/studio/internal/api"
	"github.com/dohr-michael/studio/internal/events"
	"github.com/dohr-michael/studio/internal/execution"
	"github.com/dohr-michael/studio/internal/protocol"
	"github.com/dohr-michael/studio/internal/sessions"
)

type testGateway struct {
	srv    *Server
	http   *httptest.Server
	store  *sessions.FileStore
	bus    *events.Bus
	client *api.Client
}

func newTestGateway(t *testing.T, token string) *testGateway {
	t.Helper()
	bus := events.NewBus(64)
	t.Cleanup(bus.Close)
	store := sessions.NewFileStore(t.TempDir())

	srv := NewServer(Config{Store: store, Bus: bus, Token: token, ChunkSize: 16})
	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.hub.Close()
		hs.Close()
	})

	c, err := api.NewClient(api.Config{BaseURL: hs.URL, Token: token})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return &testGateway{srv: srv, http: hs, store: store, bus: bus, client: c}
}

func readAll(t *testing.T, stream execution.StepStream) []protocol.Inbound {
	t.Helper()
	var out []protocol.Inbound
	for {
		msg, err := stream.Next()
		if errors.Is(err, io.EOF) {
			return out
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		out = append(out, msg)
	}
}

func TestHandleHealth(t *testing.T) {
	g := newTestGateway(t, "")

	h, err := g.client.Health(context.Background())
	if err != nil {
		t.Fatalf("Health: %v", err)
	}
	if h.Status != "ok" || h.Sockets != 0 || h.Pending != 0 {
		t.Fatalf("health = %+v", h)
	}
}

func TestAuthentication(t *testing.T) {
	g := newTestGateway(t, "secret")

	anon, _ := api.NewClient(api.Config{BaseURL: g.http.URL})
	_, err := anon.FetchMessages(context.Background(), "sess_1", 1, 10)
	var se *api.StatusError
	if !errors.As(err, &se) || se.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous err = %v", err)
	}
	if _, err := g.client.FetchMessages(context.Background(), "sess_1", 1, 10); err != nil {
		t.Fatalf("authenticated: %v", err)
	}

	resp, _ := http.Get(g.http.URL + "/api/health")
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health must stay public, got %d", resp.StatusCode)
	}
}

func TestMessagesOfUnknownSessionAreEmpty(t *testing.T) {
	g := newTestGateway(t, "")

	msgs, err := g.client.FetchAllMessages(context.Background(), "sess_new")
	if err != nil {
		t.Fatalf("FetchAllMessages: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("messages = %+v", msgs)
	}
}

func TestIterativeRunWithRESTApproval(t *testing.T) {
	g := newTestGateway(t, "")
	ctx := context.Background()

	stream, err := g.client.OpenRun(ctx, execution.RunRequest{
		SessionID: "sess_it", Message: "add utils.ts", EditMode: protocol.EditModeAsk,
	})
	if err != nil {
		t.Fatalf("OpenRun: %v", err)
	}
	defer stream.Close()

	first, err := stream.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	ar, ok := first.(protocol.ApprovalRequired)
	if !ok || ar.Request.ToolName != "write_file" || ar.Request.Parameters["path"] != "utils.ts" {
		t.Fatalf("first record = %+v", first)
	}

	if err := g.client.RespondApproval(ctx, ar.Request.ID, protocol.DecisionAllowOnce); err != nil {
		t.Fatalf("RespondApproval: %v", err)
	}
	rest := readAll(t, stream)
	if len(rest) != 2 {
		t.Fatalf("records = %+v", rest)
	}
	step, ok := rest[0].(protocol.AgentStep)
	if !ok || step.Step.Iteration != 1 || !strings.Contains(step.Step.ToolResults[0].Content, "wrote") {
		t.Fatalf("step = %+v", rest[0])
	}
	if _, ok := rest[1].(protocol.Complete); !ok {
		t.Fatalf("last record = %+v", rest[1])
	}

	history, err := g.client.FetchAllMessages(ctx, "sess_it")
	if err != nil {
		t.Fatalf("FetchAllMessages: %v", err)
	}
	if len(history) != 2 || history[0].Role != "user" || history[1].Role != "assistant" {
		t.Fatalf("history = %+v", history)
	}

	if err := g.client.RespondApproval(ctx, ar.Request.ID, protocol.DecisionAllowOnce); err == nil {
		t.Fatal("second answer to the same approval should fail")
	}
}

func TestIterativeRunEditModes(t *testing.T) {
	g := newTestGateway(t, "")
	ctx := context.Background()

	tests := []struct {
		mode   protocol.EditMode
		result string
	}{
		{protocol.EditModeAllow, "wrote"},
		{protocol.EditModePlan, "skipped"},
	}
	for _, tt := range tests {
		stream, err := g.client.OpenRun(ctx, execution.RunRequest{Message: "a.ts and b.ts", EditMode: tt.mode})
		if err != nil {
			t.Fatalf("OpenRun(%s): %v", tt.mode, err)
		}
		recs := readAll(t, stream)
		stream.Close()
		if len(recs) != 3 {
			t.Fatalf("%s: records = %+v", tt.mode, recs)
		}
		for _, r := range recs[:2] {
			step, ok := r.(protocol.AgentStep)
			if !ok || !strings.HasPrefix(step.Step.ToolResults[0].Content, tt.result) {
				t.Fatalf("%s: step = %+v", tt.mode, r)
			}
		}
	}
}

func TestStopEndsRunWithoutComplete(t *testing.T) {
	g := newTestGateway(t, "")
	ctx := context.Background()

	stream, err := g.client.OpenRun(ctx, execution.RunRequest{Message: "x.ts", EditMode: protocol.EditModeAsk})
	if err != nil {
		t.Fatalf("OpenRun: %v", err)
	}
	defer stream.Close()
	first, _ := stream.Next()
	ar := first.(protocol.ApprovalRequired)

	if err := g.client.RespondApproval(ctx, ar.Request.ID, protocol.DecisionStop); err != nil {
		t.Fatalf("RespondApproval: %v", err)
	}
	if rest := readAll(t, stream); len(rest) != 0 {
		t.Fatalf("records after stop = %+v", rest)
	}
}

func TestApprovalValidation(t *testing.T) {
	g := newTestGateway(t, "")

	resp, err := http.Post(g.http.URL+"/api/approvals/ap-1", "application/json", strings.NewReader(`{"response":"maybe"}`))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	err = g.client.RespondApproval(context.Background(), "ap-unknown", protocol.DecisionAllowOnce)
	var se *api.StatusError
	if !errors.As(err, &se) || se.Code != http.StatusNotFound {
		t.Fatalf("unknown approval err = %v", err)
	}
}

func TestRunRejectsEmptyMessage(t *testing.T) {
	g := newTestGateway(t, "")
	_, err := g.client.OpenRun(context.Background(), execution.RunRequest{Message: "  "})
	var se *api.StatusError
	if !errors.As(err, &se) || se.Code != http.StatusBadRequest {
		t.Fatalf("err = %v", err)
	}
}

func TestClearMessagesAndEvents(t *testing.T) {
	g := newTestGateway(t, "")
	ctx := context.Background()

	stream, _ := g.client.OpenRun(ctx, execution.RunRequest{SessionID: "sess_c", Message: "hi", EditMode: protocol.EditModeAllow})
	readAll(t, stream)
	stream.Close()

	if err := g.client.ClearHistory(ctx, "sess_c"); err != nil {
		t.Fatalf("ClearHistory: %v", err)
	}
	if msgs, _ := g.client.FetchAllMessages(ctx, "sess_c"); len(msgs) != 0 {
		t.Fatalf("messages after clear = %+v", msgs)
	}

	if err := g.bus.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	resp, err := http.Get(g.http.URL + "/api/events?limit=10")
	if err != nil {
		t.Fatalf("GET events: %v", err)
	}
	defer resp.Body.Close()
	var evs []map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&evs); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(evs) != 2 || evs[0]["type"] != string(events.EventUserMessage) || evs[1]["type"] != string(events.EventComplete) {
		t.Fatalf("events = %v", evs)
	}
}

func TestSessionsList(t *testing.T) {
	g := newTestGateway(t, "")
	g.store.Create("sess_l", sessions.Session{})

	resp, err := http.Get(g.http.URL + "/api/sessions")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	var list []sessions.Session
	json.NewDecoder(resp.Body).Decode(&list)
	if len(list) != 1 || list[0].ID != "sess_l" {
		t.Fatalf("list = %+v", list)
	}
}

func TestRunCancelledWhileWaitingForApproval(t *testing.T) {
	g := newTestGateway(t, "")
	ctx, cancel := context.WithCancel(context.Background())

	stream, err := g.client.OpenRun(ctx, execution.RunRequest{Message: "x.ts", EditMode: protocol.EditModeAsk})
	if err != nil {
		t.Fatalf("OpenRun: %v", err)
	}
	if _, err := stream.Next(); err != nil {
		t.Fatalf("Next: %v", err)
	}
	cancel()
	stream.Close()

	deadline := time.Now().Add(2 * time.Second)
	for g.srv.approvals.count() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("pending approval not released after the client went away")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
