package gateway

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/coder/websocket"

	"github.com/dohr-michael/studio/internal/conn"
	"github.com/dohr-michael/studio/internal/protocol"
)

// hub tracks the open sockets.
type hub struct {
	srv *Server

	mu      sync.Mutex
	clients map[*client]struct{}
}

// client is one socket. Writes are serialized; at most one turn runs at a time.
type client struct {
	hub  *hub
	conn *websocket.Conn

	writeMu sync.Mutex

	mu      sync.Mutex
	running bool
	wg      sync.WaitGroup
}

func newHub(srv *Server) *hub {
	return &hub{srv: srv, clients: make(map[*client]struct{})}
}

func (h *hub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *hub) register(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.srv.logger.Info("ws client connected", "clients", n)
}

func (h *hub) unregister(c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()
	h.srv.logger.Info("ws client disconnected", "clients", n)
}

// ServeWS upgrades the request and serves the socket until it closes.
func (h *hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // Allow any origin for dev
	})
	if err != nil {
		h.srv.logger.Error("ws accept", "error", err)
		return
	}
	ws.SetReadLimit(conn.DefaultReadLimit)

	c := &client{hub: h, conn: ws}
	h.register(c)
	defer h.unregister(c)

	ctx, cancel := context.WithCancel(r.Context())
	defer func() {
		cancel()
		c.wg.Wait()
		ws.Close(websocket.StatusNormalClosure, "")
	}()
	c.readLoop(ctx)
}

func (c *client) readLoop(ctx context.Context) {
	logger := c.hub.srv.logger
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				logger.Debug("ws read closed", "status", websocket.CloseStatus(err))
			} else if !errors.Is(err, context.Canceled) {
				logger.Debug("ws read error", "error", err)
			}
			return
		}

		msg, err := protocol.DecodeOutbound(data)
		if err != nil {
			logger.Warn("ws bad envelope", "error", err)
			c.emit(ctx, protocol.Error{Message: err.Error()})
			continue
		}
		c.handle(ctx, msg)
	}
}

func (c *client) handle(ctx context.Context, msg protocol.Outbound) {
	srv := c.hub.srv
	switch m := msg.(type) {
	case protocol.Ping:
		c.emit(ctx, protocol.Pong{})

	case protocol.ApprovalResponse:
		if err := srv.approvals.resolve(m.ApprovalID, m.Response); err != nil {
			srv.logger.Warn("approval response ignored", "approval_id", m.ApprovalID, "error", err)
			return
		}
		srv.logger.Info("approval resolved", "approval_id", m.ApprovalID, "decision", m.Response, "via", "socket")

	case protocol.TurnSubmission:
		c.mu.Lock()
		if c.running {
			c.mu.Unlock()
			c.emit(ctx, protocol.Error{Message: "a turn is already running"})
			return
		}
		c.running = true
		c.wg.Add(1)
		c.mu.Unlock()

		go func() {
			defer c.wg.Done()
			defer func() {
				c.mu.Lock()
				c.running = false
				c.mu.Unlock()
			}()
			emit := func(in protocol.Inbound) error { return c.emit(ctx, in) }
			err := srv.runTurn(ctx, turnRequest{
				SessionID: m.SessionID,
				ProjectID: m.ProjectID,
				AgentID:   m.AgentID,
				Message:   m.Message,
				EditMode:  m.EditMode,
				Mode:      protocol.ModeStreaming,
			}, emit)
			srv.finish(err, emit)
		}()
	}
}

func (c *client) emit(ctx context.Context, m protocol.Inbound) error {
	data, err := protocol.EncodeInbound(m)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.Write(ctx, websocket.MessageText, data)
}

// Close shuts down every socket.
func (h *hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		c.conn.Close(websocket.StatusGoingAway, "server shutdown")
	}
}
