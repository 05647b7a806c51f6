// Package heartbeat provides liveness detection for the orchestrator
// process. The serve loop writes a small JSON file on an interval; the
// status command reads it back and classifies the process as alive,
// stale, or dead.
package heartbeat

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// Status classifies the orchestrator process liveness.
type Status string

const (
	StatusAlive Status = "alive"
	StatusStale Status = "stale"
	StatusDead  Status = "dead"
)

// DefaultInterval is how often the beat file is rewritten.
const DefaultInterval = 30 * time.Second

// Heartbeat is the data written to the beat file.
type Heartbeat struct {
	PID          int       `json:"pid"`
	StartedAt    time.Time `json:"started_at"`
	Timestamp    time.Time `json:"timestamp"`
	Uptime       string    `json:"uptime"`
	ActiveTasks  int       `json:"active_tasks"`
	ActiveAgents int       `json:"active_agents"`
}

// Counts reports the live load recorded with each beat.
type Counts struct {
	ActiveTasks  int
	ActiveAgents int
}

// Writer periodically writes the beat file. snapshot supplies the load
// counts; a nil snapshot records zeros.
type Writer struct {
	path     string
	interval time.Duration
	snapshot func() Counts
	started  time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewWriter creates a writer that beats to path every DefaultInterval.
func NewWriter(path string, snapshot func() Counts) *Writer {
	return &Writer{
		path:     path,
		interval: DefaultInterval,
		snapshot: snapshot,
	}
}

// SetInterval overrides the beat interval. Call before Start.
func (w *Writer) SetInterval(d time.Duration) {
	if d > 0 {
		w.interval = d
	}
}

// Start writes an immediate beat and then keeps beating in the
// background until Stop.
func (w *Writer) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.cancel != nil {
		return // already running
	}

	w.started = time.Now()
	w.done = make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel

	w.write()

	go func() {
		defer close(w.done)
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				w.write()
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop ends the beat loop and removes the file, so a clean shutdown
// reads as dead rather than stale.
func (w *Writer) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.cancel == nil {
		return
	}

	w.cancel()
	<-w.done
	w.cancel = nil

	os.Remove(w.path)
}

func (w *Writer) write() {
	var counts Counts
	if w.snapshot != nil {
		counts = w.snapshot()
	}

	hb := Heartbeat{
		PID:          os.Getpid(),
		StartedAt:    w.started,
		Timestamp:    time.Now(),
		Uptime:       time.Since(w.started).Truncate(time.Second).String(),
		ActiveTasks:  counts.ActiveTasks,
		ActiveAgents: counts.ActiveAgents,
	}

	data, err := json.MarshalIndent(hb, "", "  ")
	if err != nil {
		return
	}

	// Atomic write: tmp + rename.
	tmp := w.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return
	}
	os.Rename(tmp, w.path)
}

// Check reads the beat file and classifies it. A missing file is dead;
// a beat older than maxAge is stale.
func Check(path string, maxAge time.Duration) (Status, *Heartbeat, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return StatusDead, nil, nil
		}
		return StatusDead, nil, fmt.Errorf("read heartbeat: %w", err)
	}

	var hb Heartbeat
	if err := json.Unmarshal(data, &hb); err != nil {
		return StatusDead, nil, fmt.Errorf("unmarshal heartbeat: %w", err)
	}

	if time.Since(hb.Timestamp) > maxAge {
		return StatusStale, &hb, nil
	}
	return StatusAlive, &hb, nil
}
