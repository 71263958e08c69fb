// Package api is the REST client for the studio backend: message history,
// approval responses and iterative agent runs.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/dohr-michael/studio/internal/protocol"
)

const (
	DefaultPageLimit = 50
	// maxPages bounds FetchAllMessages against a server that never reports
	// the last page.
	maxPages = 1000
)

// StatusError is returned for any non-2xx response.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s %s: %d %s", e.Method, e.Path, e.Code, http.StatusText(e.Code))
	}
	return fmt.Sprintf("%s %s: %d %s: %s", e.Method, e.Path, e.Code, http.StatusText(e.Code), e.Body)
}

// HistoryMessage is one persisted conversation message.
type HistoryMessage struct {
	ID        string    `json:"id"`
	TurnID    string    `json:"turn_id,omitempty"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// MessagePage is one page of GET /api/sessions/{id}/messages.
type MessagePage struct {
	Messages []HistoryMessage `json:"messages"`
	Page     int              `json:"page"`
	Limit    int              `json:"limit"`
	HasMore  bool             `json:"has_more"`
}

// ApprovalBody is the body of POST /api/approvals/{id}.
type ApprovalBody struct {
	Response protocol.Decision `json:"response"`
}

type Config struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Client talks to the backend over HTTP. Requests carry the credential as a
// bearer token.
type Client struct {
	base   *url.URL
	token  string
	http   *http.Client
	logger *slog.Logger
}

func NewClient(cfg Config) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("base url %q: scheme must be http or https", cfg.BaseURL)
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{base: base, token: cfg.Token, http: hc, logger: logger.With("component", "api")}, nil
}

// SetToken replaces the bearer credential used by later requests.
func (c *Client) SetToken(token string) { c.token = token }

// FetchMessages returns one page of a session's persisted history. Pages
// start at 1.
func (c *Client) FetchMessages(ctx context.Context, sessionID string, page, limit int) (MessagePage, error) {
	if page < 1 {
		page = 1
	}
	if limit <= 0 {
		limit = DefaultPageLimit
	}
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("limit", strconv.Itoa(limit))

	var out MessagePage
	err := c.do(ctx, http.MethodGet, "/api/sessions/"+url.PathEscape(sessionID)+"/messages", q, nil, &out)
	if err != nil {
		return MessagePage{}, fmt.Errorf("fetch messages: %w", err)
	}
	return out, nil
}

// FetchAllMessages walks every page of a session's history.
func (c *Client) FetchAllMessages(ctx context.Context, sessionID string) ([]HistoryMessage, error) {
	var all []HistoryMessage
	for page := 1; page <= maxPages; page++ {
		p, err := c.FetchMessages(ctx, sessionID, page, DefaultPageLimit)
		if err != nil {
			return nil, err
		}
		all = append(all, p.Messages...)
		if !p.HasMore || len(p.Messages) == 0 {
			return all, nil
		}
	}
	c.logger.Warn("history pagination stopped", "session_id", sessionID, "pages", maxPages)
	return all, nil
}

// ClearHistory deletes a session's persisted messages.
func (c *Client) ClearHistory(ctx context.Context, sessionID string) error {
	if err := c.do(ctx, http.MethodDelete, "/api/sessions/"+url.PathEscape(sessionID)+"/messages", nil, nil, nil); err != nil {
		return fmt.Errorf("clear history: %w", err)
	}
	return nil
}

// RespondApproval answers a pending tool approval over REST.
func (c *Client) RespondApproval(ctx context.Context, id string, decision protocol.Decision) error {
	if err := c.do(ctx, http.MethodPost, "/api/approvals/"+url.PathEscape(id), nil, ApprovalBody{Response: decision}, nil); err != nil {
		return fmt.Errorf("respond approval %s: %w", id, err)
	}
	return nil
}

// Health is the body of GET /api/health.
type Health struct {
	Status  string `json:"status"`
	Sockets int    `json:"sockets"`
	Pending int    `json:"pending"`
}

// Health reports whether the backend is up.
func (c *Client) Health(ctx context.Context) (Health, error) {
	var h Health
	if err := c.do(ctx, http.MethodGet, "/api/health", nil, nil, &h); err != nil {
		return Health{}, fmt.Errorf("health: %w", err)
	}
	return h, nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, query url.Values, body any) (*http.Request, error) {
	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + path
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal body: %w", err)
		}
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), r)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	req, err := c.newRequest(ctx, method, path, query, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &StatusError{
		Method: resp.Request.Method,
		Path:   resp.Request.URL.Path,
		Code:   resp.StatusCode,
		Body:   strings.TrimSpace(string(body)),
	}
}
