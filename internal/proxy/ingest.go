package proxy

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"aspyx/internal/cortex"
	"aspyx/internal/events"
	"aspyx/internal/sse"
)

// ingest turns SSE domain events and request-body content into the typed
// Cortex event payloads (internal/cortex/events.go) and publishes them on
// the bus, so the writer actually receives session, prompt, thinking,
// tool-call and api-usage data instead of the raw sse.DomainEvent alone.
//
// Session identification: this orchestrator treats the client_id (the
// identity already resolved for routing) as the session key, consistent
// with the single long-lived CLI-to-provider connection this proxy
// fronts. A client that sends an explicit X-Session-Id header overrides
// that default, for front-ends that multiplex several logical
// conversations over one credential.
type ingestTracker struct {
	mu       sync.Mutex
	sessions map[string]string    // client_id -> session_id
	pending  map[string]time.Time // tool_use id -> call start time
}

func newIngestTracker() *ingestTracker {
	return &ingestTracker{sessions: make(map[string]string), pending: make(map[string]time.Time)}
}

// sessionFor returns the session id for clientID, publishing SessionStarted
// the first time a given client is seen.
func (o *Orchestrator) sessionFor(clientID string, r *requestMeta) string {
	t := o.ingest
	t.mu.Lock()
	defer t.mu.Unlock()

	sessionID := r.sessionHeader
	if sessionID == "" {
		if existing, ok := t.sessions[clientID]; ok {
			sessionID = existing
		} else {
			sessionID = uuid.NewString()
		}
	}

	if t.sessions[clientID] != sessionID {
		t.sessions[clientID] = sessionID
		o.Bus.Publish(events.Event{Kind: events.KindSession, Payload: cortex.SessionStarted{
			SessionID:      sessionID,
			UserID:         clientID,
			TranscriptPath: r.transcriptPath,
			StartedAt:      time.Now(),
		}})
	}
	return sessionID
}

// EndSessions publishes SessionEnded for every session this orchestrator
// opened. The server calls it once during graceful shutdown, before the
// writer's final flush.
func (o *Orchestrator) EndSessions() {
	t := o.ingest
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now()
	for _, sessionID := range t.sessions {
		o.Bus.Publish(events.Event{Kind: events.KindSession, Payload: cortex.SessionEnded{
			SessionID: sessionID,
			EndedAt:   now,
		}})
	}
	t.sessions = make(map[string]string)
}

// requestMeta carries the per-request identifiers the ingest step needs,
// pulled out of headers/body once in ServeHTTP rather than re-parsed by
// every publisher below.
type requestMeta struct {
	sessionHeader  string
	transcriptPath string
}

// publishUserPrompt extracts the last user-role message's text from an
// Anthropic-format request body and records it, skipping tool_result-only
// turns (those are recorded as ToolResultRecorded instead, see
// recordToolResults).
func (o *Orchestrator) publishUserPrompt(sessionID string, body []byte) {
	messages := gjson.GetBytes(body, "messages")
	if !messages.IsArray() {
		return
	}
	arr := messages.Array()
	for i := len(arr) - 1; i >= 0; i-- {
		msg := arr[i]
		if msg.Get("role").String() != "user" {
			continue
		}
		text := extractText(msg.Get("content"))
		if text == "" {
			return // tool-result-only turn; nothing to index as a prompt
		}
		o.Bus.Publish(events.Event{Kind: events.KindPrompt, Payload: cortex.UserPromptRecorded{
			SessionID: sessionID,
			Timestamp: time.Now(),
			Content:   text,
		}})
		return
	}
}

// recordToolResults scans an Anthropic-format request body's latest user
// message for tool_result content blocks and, for any whose matching
// tool_use was observed by this orchestrator, records the outcome. This is
// how ToolResultRecorded gets populated: results travel back to the
// provider as part of the *next* request, never on the SSE stream that
// produced the call.
func (o *Orchestrator) recordToolResults(body []byte) {
	messages := gjson.GetBytes(body, "messages")
	if !messages.IsArray() {
		return
	}
	arr := messages.Array()
	if len(arr) == 0 {
		return
	}
	last := arr[len(arr)-1]
	if last.Get("role").String() != "user" {
		return
	}
	content := last.Get("content")
	if !content.IsArray() {
		return
	}

	t := o.ingest
	for _, block := range content.Array() {
		if block.Get("type").String() != "tool_result" {
			continue
		}
		toolID := block.Get("tool_use_id").String()
		if toolID == "" {
			continue
		}

		t.mu.Lock()
		start, ok := t.pending[toolID]
		if ok {
			delete(t.pending, toolID)
		}
		t.mu.Unlock()
		if !ok {
			continue
		}

		isError := block.Get("is_error").Bool()
		resultText := extractText(block.Get("content"))
		o.Bus.Publish(events.Event{Kind: events.KindToolResult, Payload: cortex.ToolResultRecorded{
			CallID:      toolID,
			DurationMs:  time.Since(start).Milliseconds(),
			Success:     !isError,
			IsRejection: isError && looksLikeRejection(resultText),
		}})
	}
}

// looksLikeRejection recognizes the phrasing a CLI-style client uses when a
// tool call is declined by permission policy rather than failing on its
// own merits; matching on this substring is a heuristic, since the wire
// protocol carries no boolean is_rejection field.
func looksLikeRejection(text string) bool {
	return strings.Contains(text, "doesn't want to proceed") || strings.Contains(text, "permission")
}

// extractText flattens an Anthropic content value, which may be a bare
// string or an array of typed blocks, into its plain-text representation,
// considering only "text" blocks (tool_use/tool_result blocks are handled
// by their own dedicated recorders, not folded into prompt/response text).
func extractText(v gjson.Result) string {
	if v.Type == gjson.String {
		return v.String()
	}
	if !v.IsArray() {
		return ""
	}
	var out string
	for _, block := range v.Array() {
		if block.Get("type").String() == "text" {
			out += block.Get("text").String()
		}
	}
	return out
}

// onBlockStop routes a finished content block to the right Cortex payload:
// thinking and text blocks are content to index, tool_use blocks register a
// pending call (whose result arrives in a later request body).
func (o *Orchestrator) onBlockStop(sessionID string, ev sse.DomainEvent) {
	if ev.Block == nil {
		return
	}
	switch ev.Block.Kind {
	case sse.BlockThinking:
		text := ev.Block.Text.String()
		if text == "" {
			return
		}
		o.Bus.Publish(events.Event{Kind: events.KindThinking, Payload: cortex.ThinkingBlockRecorded{
			SessionID: sessionID,
			Timestamp: time.Now(),
			Content:   text,
			Tokens:    len(text) / 4, // rough estimate; exact count lives in message_delta usage, not per-block
		}})
	case sse.BlockText:
		text := ev.Block.Text.String()
		if text == "" {
			return
		}
		o.Bus.Publish(events.Event{Kind: events.KindResponse, Payload: cortex.AssistantResponseRecorded{
			SessionID: sessionID,
			Timestamp: time.Now(),
			Content:   text,
		}})
	case sse.BlockToolUse:
		o.recordToolCall(sessionID, ev)
	}
}

func (o *Orchestrator) recordToolCall(sessionID string, ev sse.DomainEvent) {
	b := ev.Block
	id := b.ToolID
	if id == "" {
		id = uuid.NewString()
	}

	t := o.ingest
	t.mu.Lock()
	t.pending[id] = time.Now()
	t.mu.Unlock()

	if b.ToolName == "TodoWrite" {
		o.publishTodoSnapshot(sessionID, ev.ToolCallJSON)
	}

	o.Bus.Publish(events.Event{Kind: events.KindToolCall, Payload: cortex.ToolCallRecorded{
		ID:        id,
		SessionID: sessionID,
		Timestamp: time.Now(),
		ToolName:  b.ToolName,
		InputJSON: ev.ToolCallJSON,
	}})
}

// publishTodoSnapshot parses a TodoWrite tool call's input (a JSON array of
// {content, status} objects) into the denormalized counts the todos table
// stores.
func (o *Orchestrator) publishTodoSnapshot(sessionID, inputJSON string) {
	todos := gjson.Get(inputJSON, "todos")
	if !todos.Exists() {
		todos = gjson.Parse(inputJSON)
	}
	if !todos.IsArray() {
		return
	}

	var pending, inProgress, completed int
	for _, item := range todos.Array() {
		switch item.Get("status").String() {
		case "pending":
			pending++
		case "in_progress":
			inProgress++
		case "completed":
			completed++
		}
	}

	o.Bus.Publish(events.Event{Kind: events.KindTodo, Payload: cortex.TodoSnapshotRecorded{
		SessionID:       sessionID,
		Timestamp:       time.Now(),
		TodosJSON:       inputJSON,
		PendingCount:    pending,
		InProgressCount: inProgress,
		CompletedCount:  completed,
	}})
}

// publishApiUsage records one upstream call's token accounting from the
// message_start model and message_delta usage fields. CostUSD is left at
// 0: an operator wiring in real billing data would populate it from their
// provider's invoicing feed rather than a hardcoded pricing table this
// proxy can't keep current.
func (o *Orchestrator) publishApiUsage(sessionID, model string, usage map[string]int64) {
	o.Bus.Publish(events.Event{Kind: events.KindApiUsage, Payload: cortex.ApiUsageRecorded{
		SessionID:           sessionID,
		Timestamp:           time.Now(),
		Model:               model,
		InputTokens:         usage["input_tokens"],
		OutputTokens:        usage["output_tokens"],
		CacheReadTokens:     usage["cache_read_input_tokens"],
		CacheCreationTokens: usage["cache_creation_input_tokens"],
		CostUSD:             0,
	}})
}
