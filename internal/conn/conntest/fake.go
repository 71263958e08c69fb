// Package conntest provides in-memory sockets for exercising conn.Manager.
package conntest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"

	"github.com/dohr-michael/studio/internal/conn"
	"github.com/dohr-michael/studio/internal/protocol"
)

// ErrDialRefused is the default error for scripted dial failures.
var ErrDialRefused = errors.New("dial refused")

// Dialer hands out Sockets and can be told to fail the next dials.
type Dialer struct {
	mu          sync.Mutex
	sockets     []*Socket
	failures    []error
	credentials []string
	dials       int
}

// FailNext makes the next n dials fail with err (ErrDialRefused if nil).
func (d *Dialer) FailNext(n int, err error) {
	if err == nil {
		err = ErrDialRefused
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := 0; i < n; i++ {
		d.failures = append(d.failures, err)
	}
}

func (d *Dialer) Dial(ctx context.Context, url, credential string) (conn.Socket, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	d.credentials = append(d.credentials, credential)
	if len(d.failures) > 0 {
		err := d.failures[0]
		d.failures = d.failures[1:]
		return nil, err
	}
	s := NewSocket()
	d.sockets = append(d.sockets, s)
	return s, nil
}

// Dials returns how many times Dial was called.
func (d *Dialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// Credentials returns the credential passed to every Dial call.
func (d *Dialer) Credentials() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.credentials...)
}

// Last returns the most recently opened socket, or nil.
func (d *Dialer) Last() *Socket {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.sockets) == 0 {
		return nil
	}
	return d.sockets[len(d.sockets)-1]
}

// Socket is an in-memory conn.Socket. Messages queued with Deliver are
// returned by Read; Drop simulates the server closing the connection.
type Socket struct {
	in      chan []byte
	done    chan struct{}
	once    sync.Once
	mu      sync.Mutex
	written [][]byte
}

func NewSocket() *Socket {
	return &Socket{in: make(chan []byte, 64), done: make(chan struct{})}
}

func (s *Socket) Read(ctx context.Context) ([]byte, error) {
	select {
	case data := <-s.in:
		return data, nil
	case <-s.done:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Socket) Write(ctx context.Context, data []byte) error {
	select {
	case <-s.done:
		return io.ErrClosedPipe
	default:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.written = append(s.written, append([]byte(nil), data...))
	return nil
}

func (s *Socket) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

// Drop closes the socket from the server side.
func (s *Socket) Drop() { _ = s.Close() }

// Closed reports whether the socket was closed by either side.
func (s *Socket) Closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// DeliverRaw queues raw bytes for the next Read.
func (s *Socket) DeliverRaw(data []byte) {
	select {
	case s.in <- data:
	case <-s.done:
	}
}

// Deliver encodes and queues a server message.
func (s *Socket) Deliver(msg protocol.Inbound) {
	data, err := protocol.EncodeInbound(msg)
	if err != nil {
		panic(err)
	}
	s.DeliverRaw(data)
}

// Written returns every message the client wrote.
func (s *Socket) Written() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.written...)
}

// WrittenOfType returns the written messages whose "type" tag equals t. An
// empty t matches untagged messages (turn submissions).
func (s *Socket) WrittenOfType(t protocol.MessageType) []map[string]any {
	var out []map[string]any
	for _, raw := range s.Written() {
		var m map[string]any
		if err := json.Unmarshal(raw, &m); err != nil {
			continue
		}
		typ, _ := m["type"].(string)
		if protocol.MessageType(typ) == t {
			out = append(out, m)
		}
	}
	return out
}
