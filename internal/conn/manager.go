// Package conn owns the persistent socket to the agent backend: connection
// state, heartbeat and reconnect backoff.
package conn

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dohr-michael/studio/internal/clock"
	"github.com/dohr-michael/studio/internal/protocol"
)

const (
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultBaseDelay         = time.Second
	DefaultMaxDelay          = 30 * time.Second
	DefaultMaxAttempts       = 10
	DefaultDialTimeout       = 10 * time.Second
)

// Socket is one open connection.
type Socket interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close() error
}

// Dialer opens sockets.
type Dialer interface {
	Dial(ctx context.Context, url, credential string) (Socket, error)
}

// Config configures a Manager. Zero durations and counts take the defaults.
type Config struct {
	URL       string
	ProjectID string

	Dialer Dialer
	Clock  clock.Clock
	Logger *slog.Logger

	HeartbeatInterval time.Duration
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	MaxAttempts       int
	DialTimeout       time.Duration

	// OnMessage receives every inbound message except pong, on the read goroutine.
	OnMessage func(protocol.Inbound)
	// OnStateChange receives transitions in order.
	OnStateChange func(StateChange)
	// OnProtocolError receives envelopes that failed to decode. The connection
	// stays up.
	OnProtocolError func(error)
}

// Manager maintains one logical connection across reconnects. Every socket is
// tagged with a generation; callbacks from an older generation, or arriving
// after Close, are ignored.
type Manager struct {
	cfg    Config
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	state      State
	sock       Socket
	gen        uint64
	attempt    int
	alive      bool
	closing    bool
	credential string
	heartbeat  clock.Timer
	retry      clock.Timer
	queue      []StateChange
	flushing   bool
}

// NewManager creates a disconnected Manager.
func NewManager(cfg Config) *Manager {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultBaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = DefaultMaxDelay
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Dialer == nil {
		cfg.Dialer = WebSocketDialer{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:    cfg,
		logger: logger.With("component", "conn"),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Connect opens the socket with the given credential. A dial failure is
// returned and also starts the reconnect cycle. Calling Connect on a live
// Manager replaces the current socket.
func (m *Manager) Connect(ctx context.Context, credential string) error {
	m.mu.Lock()
	if m.closing {
		m.mu.Unlock()
		return ErrClosed
	}
	m.stopTimersLocked()
	if m.sock != nil {
		_ = m.sock.Close()
		m.sock = nil
	}
	m.gen++
	gen := m.gen
	m.attempt = 0
	m.credential = credential
	m.setStateLocked(StateConnecting, StateChange{})
	m.mu.Unlock()
	m.flush()

	return m.open(ctx, gen)
}

// open dials for generation gen and installs the socket if gen is still current.
func (m *Manager) open(ctx context.Context, gen uint64) error {
	m.mu.Lock()
	cred := m.credential
	m.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, m.cfg.DialTimeout)
	sock, err := m.cfg.Dialer.Dial(dialCtx, m.cfg.URL, cred)
	cancel()

	m.mu.Lock()
	if !m.isCurrentLocked(gen) {
		closing := m.closing
		m.mu.Unlock()
		if sock != nil {
			_ = sock.Close()
		}
		if closing {
			return ErrClosed
		}
		return nil
	}

	if err != nil {
		m.logger.Warn("dial failed", "url", m.cfg.URL, "attempt", m.attempt, "error", err)
		m.scheduleReconnectLocked(err)
		m.mu.Unlock()
		m.flush()
		return fmt.Errorf("dial %s: %w", m.cfg.URL, err)
	}

	m.sock = sock
	m.attempt = 0
	m.alive = true
	m.setStateLocked(StateConnected, StateChange{})
	m.scheduleHeartbeatLocked(gen)
	m.mu.Unlock()
	m.flush()

	m.logger.Info("connected", "url", m.cfg.URL)
	go m.readLoop(gen, sock)
	return nil
}

func (m *Manager) readLoop(gen uint64, sock Socket) {
	for {
		data, err := sock.Read(m.ctx)
		if err != nil {
			m.handleDrop(gen, err)
			return
		}
		if !m.isCurrent(gen) {
			return
		}

		msg, err := protocol.DecodeInbound(data)
		if err != nil {
			m.logger.Warn("protocol error", "error", err)
			if m.cfg.OnProtocolError != nil {
				m.cfg.OnProtocolError(err)
			}
			continue
		}

		if _, ok := msg.(protocol.Pong); ok {
			m.mu.Lock()
			if m.isCurrentLocked(gen) {
				m.alive = true
			}
			m.mu.Unlock()
			continue
		}

		if m.cfg.OnMessage != nil {
			m.cfg.OnMessage(msg)
		}
	}
}

func (m *Manager) handleDrop(gen uint64, cause error) {
	m.mu.Lock()
	if !m.isCurrentLocked(gen) {
		m.mu.Unlock()
		return
	}
	m.logger.Warn("connection lost", "error", cause)
	m.stopTimersLocked()
	if m.sock != nil {
		_ = m.sock.Close()
		m.sock = nil
	}
	m.scheduleReconnectLocked(cause)
	m.mu.Unlock()
	m.flush()
}

// scheduleReconnectLocked moves to Reconnecting with the next backoff delay, or
// to Failed once the attempt ceiling is reached.
func (m *Manager) scheduleReconnectLocked(cause error) {
	if m.attempt >= m.cfg.MaxAttempts {
		m.gen++
		m.logger.Error("giving up reconnecting", "attempts", m.attempt)
		m.setStateLocked(StateFailed, StateChange{
			Attempt: m.attempt,
			Err:     fmt.Errorf("%w after %d attempts: %v", ErrReconnectExhausted, m.attempt, cause),
		})
		return
	}

	delay := Backoff(m.attempt, m.cfg.BaseDelay, m.cfg.MaxDelay)
	m.attempt++
	m.gen++
	gen := m.gen
	m.setStateLocked(StateReconnecting, StateChange{Attempt: m.attempt, Delay: delay, Err: cause})
	m.retry = m.cfg.Clock.AfterFunc(delay, func() { m.reconnect(gen) })
}

func (m *Manager) reconnect(gen uint64) {
	m.mu.Lock()
	if !m.isCurrentLocked(gen) {
		m.mu.Unlock()
		return
	}
	m.retry = nil
	m.setStateLocked(StateConnecting, StateChange{Attempt: m.attempt})
	m.mu.Unlock()
	m.flush()

	_ = m.open(m.ctx, gen)
}

func (m *Manager) scheduleHeartbeatLocked(gen uint64) {
	m.heartbeat = m.cfg.Clock.AfterFunc(m.cfg.HeartbeatInterval, func() { m.beat(gen) })
}

func (m *Manager) beat(gen uint64) {
	m.mu.Lock()
	if !m.isCurrentLocked(gen) || m.state != StateConnected {
		m.mu.Unlock()
		return
	}
	sock := m.sock
	m.alive = false
	m.scheduleHeartbeatLocked(gen)
	m.mu.Unlock()

	data, err := protocol.Encode(protocol.NewPing(m.cfg.ProjectID))
	if err != nil {
		m.logger.Error("encode ping", "error", err)
		return
	}
	if err := sock.Write(m.ctx, data); err != nil {
		m.logger.Debug("ping failed", "error", err)
	}
}

// Send writes an outbound envelope on the current socket.
func (m *Manager) Send(ctx context.Context, msg protocol.Outbound) error {
	m.mu.Lock()
	if m.closing {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.state != StateConnected || m.sock == nil {
		m.mu.Unlock()
		return ErrNotConnected
	}
	sock := m.sock
	m.mu.Unlock()

	data, err := protocol.Encode(msg)
	if err != nil {
		return fmt.Errorf("encode: %w", err)
	}
	if err := sock.Write(ctx, data); err != nil {
		return fmt.Errorf("send: %w", err)
	}
	return nil
}

// Close tears the Manager down. Pending timers are stopped and late callbacks
// become no-ops. Close is idempotent.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closing {
		m.mu.Unlock()
		return nil
	}
	m.closing = true
	m.gen++
	m.stopTimersLocked()
	sock := m.sock
	m.sock = nil
	m.setStateLocked(StateDisconnected, StateChange{})
	m.mu.Unlock()

	m.cancel()
	m.flush()
	if sock != nil {
		return sock.Close()
	}
	return nil
}

// State returns the current state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Attempt returns the reconnect attempt counter.
func (m *Manager) Attempt() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempt
}

// Alive reports whether a pong (or the open itself) arrived since the last ping.
func (m *Manager) Alive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.alive
}

func (m *Manager) isCurrent(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.isCurrentLocked(gen)
}

func (m *Manager) isCurrentLocked(gen uint64) bool {
	return !m.closing && gen == m.gen
}

func (m *Manager) stopTimersLocked() {
	if m.heartbeat != nil {
		m.heartbeat.Stop()
		m.heartbeat = nil
	}
	if m.retry != nil {
		m.retry.Stop()
		m.retry = nil
	}
}

func (m *Manager) setStateLocked(to State, change StateChange) {
	change.From = m.state
	change.To = to
	m.state = to
	m.queue = append(m.queue, change)
}

// flush delivers queued transitions outside m.mu, preserving their order. Only
// one goroutine drains at a time; a concurrent caller leaves its entries to it.
func (m *Manager) flush() {
	m.mu.Lock()
	if m.flushing {
		m.mu.Unlock()
		return
	}
	m.flushing = true
	m.mu.Unlock()

	for {
		m.mu.Lock()
		if len(m.queue) == 0 {
			m.flushing = false
			m.mu.Unlock()
			return
		}
		change := m.queue[0]
		m.queue = m.queue[1:]
		m.mu.Unlock()

		if m.cfg.OnStateChange != nil {
			m.cfg.OnStateChange(change)
		}
	}
}
