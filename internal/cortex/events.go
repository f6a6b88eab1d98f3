package cortex

import "time"

// The following are the content-event payloads the writer consumes off
// the event bus. Producers (the proxy orchestrator and SSE tee) publish
// events.Event{Kind: events.Kind..., Payload: one of these}.

type SessionStarted struct {
	SessionID      string
	UserID         string
	TranscriptPath string
	StartedAt      time.Time
}

type SessionEnded struct {
	SessionID string
	EndedAt   time.Time
}

type ApiUsageRecorded struct {
	SessionID           string // may be empty: orphan request
	Timestamp           time.Time
	Model               string
	InputTokens         int64
	OutputTokens        int64
	CacheReadTokens     int64
	CacheCreationTokens int64
	CostUSD             float64
}

type ThinkingBlockRecorded struct {
	SessionID string
	Timestamp time.Time
	Content   string
	Tokens    int
}

type UserPromptRecorded struct {
	SessionID string
	Timestamp time.Time
	Content   string
}

type AssistantResponseRecorded struct {
	SessionID string
	Timestamp time.Time
	Content   string
}

type TodoSnapshotRecorded struct {
	SessionID       string
	Timestamp       time.Time
	TodosJSON       string
	PendingCount    int
	InProgressCount int
	CompletedCount  int
}

type ToolCallRecorded struct {
	ID        string
	SessionID string
	Timestamp time.Time
	ToolName  string
	InputJSON string
}

type ToolResultRecorded struct {
	CallID      string
	DurationMs  int64
	Success     bool
	IsRejection bool
}
