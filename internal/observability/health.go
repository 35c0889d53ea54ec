// Package observability implements the daemon's health-file writer and
// the structured metrics/logging emitters tools and the dispatcher use.
//
// Grounded on the slog.Info/Error call-site idiom used throughout
// internal/server/*.go — this package doesn't introduce a new logging
// library, it wraps that existing pattern with the daemon's own
// fixed-shape health snapshot and tool-call metric.
package observability

import (
	"encoding/json"
	"log/slog"
	"os"
	"sync"
	"time"
)

// Snapshot is the health file's JSON shape.
type Snapshot struct {
	PID            int     `json:"pid"`
	StartedAt      string  `json:"started_at"`
	Listening      bool    `json:"listening"`
	SessionsOpen   int     `json:"sessions_open"`
	InflightGlobal int     `json:"inflight_global"`
	LastError      *string `json:"last_error,omitempty"`
	Version        string  `json:"version"`
}

// Source supplies the live values a Snapshot is built from.
type Source struct {
	SessionsOpen   func() int
	InflightGlobal func() int
}

// HealthWriter periodically rewrites a JSON health file at path.
type HealthWriter struct {
	path      string
	version   string
	startedAt time.Time
	source    Source

	mu        sync.Mutex
	listening bool
	lastError *string
}

// NewHealthWriter builds a HealthWriter for the given path (no-op if
// path is empty).
func NewHealthWriter(path, version string, source Source) *HealthWriter {
	return &HealthWriter{path: path, version: version, startedAt: time.Now(), source: source}
}

// SetListening records whether the daemon is currently accepting
// connections.
func (h *HealthWriter) SetListening(listening bool) {
	h.mu.Lock()
	h.listening = listening
	h.mu.Unlock()
}

// RecordError sets the last-observed error surfaced in the next snapshot.
func (h *HealthWriter) RecordError(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err == nil {
		h.lastError = nil
		return
	}
	msg := err.Error()
	h.lastError = &msg
}

// CurrentSnapshot builds a Snapshot from the writer's live state without
// touching the health file, for callers (the diagnostics tool) that want
// the same values inline rather than via the filesystem.
func (h *HealthWriter) CurrentSnapshot() Snapshot {
	h.mu.Lock()
	snap := Snapshot{
		PID:       os.Getpid(),
		StartedAt: h.startedAt.Format(time.RFC3339),
		Listening: h.listening,
		Version:   h.version,
		LastError: h.lastError,
	}
	h.mu.Unlock()

	if h.source.SessionsOpen != nil {
		snap.SessionsOpen = h.source.SessionsOpen()
	}
	if h.source.InflightGlobal != nil {
		snap.InflightGlobal = h.source.InflightGlobal()
	}

	return snap
}

// Write renders and atomically replaces the health file. Failures are
// logged and swallowed — observability errors never affect the daemon's
// main flow.
func (h *HealthWriter) Write() {
	if h.path == "" {
		return
	}

	snap := h.CurrentSnapshot()

	data, err := json.Marshal(snap)
	if err != nil {
		slog.Warn("observability: marshal health snapshot failed", "error", err)
		return
	}

	tmp := h.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		slog.Warn("observability: write health file failed", "path", h.path, "error", err)
		return
	}
	if err := os.Rename(tmp, h.path); err != nil {
		slog.Warn("observability: rename health file failed", "path", h.path, "error", err)
	}
}

// Run writes the health file immediately, then every interval until stop
// is closed.
func (h *HealthWriter) Run(stop <-chan struct{}, interval time.Duration) {
	h.Write()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			h.Write()
		}
	}
}
