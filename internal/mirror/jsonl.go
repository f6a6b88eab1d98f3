// Package mirror implements the optional JSONL session mirror: a
// best-effort event-bus subscriber that appends one JSON line per observed
// conversation event to a per-session file under log_dir. It exists for
// operators who want greppable flat files alongside the Cortex store; the
// store, not the mirror, is the authoritative record.
package mirror

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"aspyx/internal/cortex"
	"aspyx/internal/events"
)

// Writer drains a DropOldest bus subscription and appends JSONL. Losing
// lines under pressure is acceptable here by design — the Cortex writer's
// Block subscription is the durable path.
type Writer struct {
	dir    string
	logger *slog.Logger
	events <-chan events.Event

	files map[string]*os.File
}

func NewWriter(dir string, bus *events.Bus, logger *slog.Logger) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Writer{
		dir:    dir,
		logger: logger.With("component", "mirror"),
		events: bus.Subscribe("jsonl-mirror", 1024, events.DropOldest),
		files:  make(map[string]*os.File),
	}
}

// Run consumes events until ctx is cancelled or the subscription closes.
func (w *Writer) Run(ctx context.Context) {
	defer w.closeAll()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.events:
			if !ok {
				return
			}
			w.handle(ev)
		}
	}
}

// line is the JSONL record shape: a type tag plus the event payload.
type line struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload"`
}

func (w *Writer) handle(ev events.Event) {
	sessionID, typ, ts := classify(ev)
	if sessionID == "" {
		return
	}
	f, err := w.fileFor(sessionID)
	if err != nil {
		w.logger.Warn("mirror file open failed", "session_id", sessionID, "error", err)
		return
	}
	enc, err := json.Marshal(line{Type: typ, Timestamp: ts, Payload: ev.Payload})
	if err != nil {
		return
	}
	if _, err := f.Write(append(enc, '\n')); err != nil {
		w.logger.Warn("mirror write failed", "session_id", sessionID, "error", err)
	}
}

// classify extracts the session id and a stable type tag from the typed
// Cortex payloads; other bus traffic (stream chunks, lifecycle markers) is
// not mirrored.
func classify(ev events.Event) (sessionID, typ string, ts time.Time) {
	switch p := ev.Payload.(type) {
	case cortex.SessionStarted:
		return p.SessionID, "session_started", p.StartedAt
	case cortex.SessionEnded:
		return p.SessionID, "session_ended", p.EndedAt
	case cortex.ApiUsageRecorded:
		return p.SessionID, "api_usage", p.Timestamp
	case cortex.ThinkingBlockRecorded:
		return p.SessionID, "thinking", p.Timestamp
	case cortex.UserPromptRecorded:
		return p.SessionID, "user_prompt", p.Timestamp
	case cortex.AssistantResponseRecorded:
		return p.SessionID, "assistant_response", p.Timestamp
	case cortex.TodoSnapshotRecorded:
		return p.SessionID, "todos", p.Timestamp
	case cortex.ToolCallRecorded:
		return p.SessionID, "tool_call", p.Timestamp
	default:
		return "", "", time.Time{}
	}
}

func (w *Writer) fileFor(sessionID string) (*os.File, error) {
	if f, ok := w.files[sessionID]; ok {
		return f, nil
	}
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return nil, err
	}
	path := filepath.Join(w.dir, fmt.Sprintf("session-%s.jsonl", sessionID))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	w.files[sessionID] = f
	return f, nil
}

func (w *Writer) closeAll() {
	for _, f := range w.files {
		f.Close()
	}
}
