// Package gateway is the development backend: it serves the persistent socket,
// the iterative run stream and the REST endpoints with a scripted agent.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/dohr-michael/studio/internal/api"
	"github.com/dohr-michael/studio/internal/events"
	"github.com/dohr-michael/studio/internal/execution"
	"github.com/dohr-michael/studio/internal/protocol"
	"github.com/dohr-michael/studio/internal/sessions"
)

const defaultChunkSize = 48

type Config struct {
	Host  string
	Port  int
	Store sessions.Store
	Bus   *events.Bus
	// Token, when set, is the bearer credential every request must present.
	Token   string
	Planner Planner
	// ChunkSize bounds one stream envelope in bytes.
	ChunkSize  int
	ChunkDelay time.Duration
	Logger     *slog.Logger
}

// Server is the studio development gateway.
type Server struct {
	cfg        Config
	logger     *slog.Logger
	httpServer *http.Server
	hub        *hub
	approvals  *approvals
}

// NewServer creates a new gateway server.
func NewServer(cfg Config) *Server {
	if cfg.Planner == nil {
		cfg.Planner = ScriptedPlanner
	}
	if cfg.ChunkSize == 0 {
		cfg.ChunkSize = defaultChunkSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		cfg:       cfg,
		logger:    logger.With("component", "gateway"),
		approvals: newApprovals(),
	}
	s.hub = newHub(s)

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	r.Get("/api/health", s.handleHealth)
	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)
		r.Get(protocol.SocketPath, s.hub.ServeWS)
		r.Get("/api/events", s.handleEvents)
		r.Get("/api/sessions", s.handleSessions)
		r.Get("/api/sessions/{id}/messages", s.handleMessages)
		r.Delete("/api/sessions/{id}/messages", s.handleClearMessages)
		r.Post("/api/approvals/{id}", s.handleApproval)
		r.Post(api.RunPath, s.handleRun)
	})

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler exposes the router, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Start begins listening. It blocks until the server is stopped.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	s.logger.Info("studio gateway listening", "addr", ln.Addr().String())
	return s.httpServer.Serve(ln)
}

// Shutdown closes every socket and stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Close()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Token != "" {
			got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || got != s.cfg.Token {
				writeError(w, http.StatusUnauthorized, "invalid credential")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, api.Health{
		Status:  "ok",
		Sockets: s.hub.count(),
		Pending: s.approvals.count(),
	})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	if limit < 1 {
		limit = 50
	}
	history := s.cfg.Bus.History(limit)
	if history == nil {
		history = []events.Event{}
	}
	writeJSON(w, http.StatusOK, history)
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	list, err := s.cfg.Store.List()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if list == nil {
		list = []*sessions.Session{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	page := queryInt(r, "page", 1)
	limit := queryInt(r, "limit", api.DefaultPageLimit)
	if page < 1 || limit < 1 {
		writeError(w, http.StatusBadRequest, "page and limit must be positive")
		return
	}

	resp := api.MessagePage{Messages: []api.HistoryMessage{}, Page: page, Limit: limit}
	if _, err := s.cfg.Store.Get(id); err != nil {
		if errors.Is(err, sessions.ErrNotFound) {
			writeJSON(w, http.StatusOK, resp)
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	msgs, more, err := s.cfg.Store.Page(id, page, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	for _, m := range msgs {
		resp.Messages = append(resp.Messages, api.HistoryMessage(m))
	}
	resp.HasMore = more
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleClearMessages(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.cfg.Store.ClearMessages(id); err != nil && !errors.Is(err, sessions.ErrNotFound) {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.logger.Info("history cleared", "session_id", id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleApproval(w http.ResponseWriter, r *http.Request) {
	var body api.ApprovalBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || !body.Response.Valid() {
		writeError(w, http.StatusBadRequest, "body must be {\"response\": allow_once|allow_all|stop}")
		return
	}
	id := chi.URLParam(r, "id")
	if err := s.approvals.resolve(id, body.Response); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	s.logger.Info("approval resolved", "approval_id", id, "decision", body.Response, "via", "rest")
	w.WriteHeader(http.StatusNoContent)
}

// handleRun serves one iterative turn as newline-delimited JSON.
func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	var req execution.RunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}
	flusher, _ := w.(http.Flusher)

	w.Header().Set("Content-Type", api.NDJSONContentType)
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	if flusher != nil {
		flusher.Flush()
	}

	emit := func(m protocol.Inbound) error {
		data, err := protocol.EncodeInbound(m)
		if err != nil {
			return err
		}
		if _, err := w.Write(append(data, '\n')); err != nil {
			return err
		}
		if flusher != nil {
			flusher.Flush()
		}
		return nil
	}

	err := s.runTurn(r.Context(), turnRequest{
		SessionID: req.SessionID,
		ProjectID: req.ProjectID,
		AgentID:   req.AgentID,
		Message:   req.Message,
		EditMode:  req.EditMode,
		Mode:      protocol.ModeIterative,
	}, emit)
	s.finish(err, emit)
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return -1
	}
	return n
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
