// Package heartbeat maintains the liveness file of a local gateway, read by
// `studio status`.
package heartbeat

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dohr-michael/studio/internal/clock"
)

// DefaultInterval is how often the file is rewritten.
const DefaultInterval = 30 * time.Second

// Status is the liveness of the gateway behind a heartbeat file.
type Status string

const (
	StatusAlive Status = "alive"
	StatusStale Status = "stale"
	StatusDead  Status = "dead"
)

// Heartbeat is the content of the heartbeat file.
type Heartbeat struct {
	PID       int       `json:"pid"`
	Addr      string    `json:"addr"`
	StartedAt time.Time `json:"started_at"`
	Timestamp time.Time `json:"timestamp"`
}

// Uptime is the time between start and the last beat.
func (h Heartbeat) Uptime() time.Duration {
	return h.Timestamp.Sub(h.StartedAt).Truncate(time.Second)
}

// Writer rewrites the heartbeat file on every tick of its clock.
type Writer struct {
	path     string
	addr     string
	interval time.Duration
	clk      clock.Clock

	mu      sync.Mutex
	started time.Time
	timer   clock.Timer
	running bool
}

// NewWriter returns a Writer for the gateway listening on addr. A nil clock
// uses real time; interval 0 uses DefaultInterval.
func NewWriter(path, addr string, clk clock.Clock, interval time.Duration) *Writer {
	if clk == nil {
		clk = clock.Real()
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Writer{path: path, addr: addr, clk: clk, interval: interval}
}

// Start writes the first beat and schedules the next ones.
func (w *Writer) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(w.path), 0o700); err != nil {
		return fmt.Errorf("create heartbeat dir: %w", err)
	}
	w.started = w.clk.Now()
	w.running = true
	if err := w.writeLocked(); err != nil {
		w.running = false
		return err
	}
	w.timer = w.clk.AfterFunc(w.interval, w.tick)
	return nil
}

func (w *Writer) tick() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		return
	}
	// A failed beat makes the file go stale, which is what status reports.
	_ = w.writeLocked()
	w.timer = w.clk.AfterFunc(w.interval, w.tick)
}

// Stop cancels the schedule and removes the file.
func (w *Writer) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		return
	}
	w.running = false
	if w.timer != nil {
		w.timer.Stop()
	}
	os.Remove(w.path)
}

func (w *Writer) writeLocked() error {
	data, err := json.MarshalIndent(Heartbeat{
		PID:       os.Getpid(),
		Addr:      w.addr,
		StartedAt: w.started,
		Timestamp: w.clk.Now(),
	}, "", "  ")
	if err != nil {
		return err
	}
	tmp := w.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write heartbeat: %w", err)
	}
	return os.Rename(tmp, w.path)
}

// Check reads the heartbeat file. A beat older than maxAge at now is stale;
// a missing file is dead.
func Check(path string, maxAge time.Duration, now time.Time) (Status, *Heartbeat, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return StatusDead, nil, nil
		}
		return StatusDead, nil, fmt.Errorf("read heartbeat: %w", err)
	}

	var hb Heartbeat
	if err := json.Unmarshal(data, &hb); err != nil {
		return StatusDead, nil, fmt.Errorf("unmarshal heartbeat: %w", err)
	}
	if now.Sub(hb.Timestamp) > maxAge {
		return StatusStale, &hb, nil
	}
	return StatusAlive, &hb, nil
}
