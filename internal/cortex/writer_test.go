package cortex

import (
	"context"
	"database/sql"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"aspyx/internal/events"
)

func newTestWriter(t *testing.T) (*Writer, *events.Bus) {
	t.Helper()
	bus := events.NewBus()
	w, err := NewWriter(WriterConfig{
		DBPath:          filepath.Join(t.TempDir(), "cortex.db"),
		StoreThinking:   true,
		StoreToolIO:     true,
		MaxThinkingSize: 0,
		BatchSize:       100,
		FlushInterval:   time.Second,
	}, bus, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { w.Close() })
	return w, bus
}

func apply(t *testing.T, w *Writer, payloads ...any) {
	t.Helper()
	batch := make([]events.Event, len(payloads))
	for i, p := range payloads {
		batch[i] = events.Event{Payload: p}
	}
	if err := w.flush(batch); err != nil {
		t.Fatal(err)
	}
}

func TestWriter_SessionLifecycle(t *testing.T) {
	w, _ := newTestWriter(t)
	started := time.Now().UTC()
	apply(t, w,
		SessionStarted{SessionID: "s1", UserID: "u1", TranscriptPath: "/tmp/t.jsonl", StartedAt: started},
		SessionEnded{SessionID: "s1", EndedAt: started.Add(time.Minute)},
	)

	var userID string
	var endedAt time.Time
	err := w.db.QueryRow(`SELECT user_id, ended_at FROM sessions WHERE session_id = 's1'`).Scan(&userID, &endedAt)
	if err != nil {
		t.Fatal(err)
	}
	if userID != "u1" {
		t.Errorf("user_id = %q", userID)
	}
	if endedAt.IsZero() {
		t.Error("ended_at not set")
	}
}

func TestWriter_SessionStartIdempotent(t *testing.T) {
	w, _ := newTestWriter(t)
	s := SessionStarted{SessionID: "s1", UserID: "u1", StartedAt: time.Now()}
	apply(t, w, s, s)

	var n int
	w.db.QueryRow(`SELECT COUNT(*) FROM sessions`).Scan(&n)
	if n != 1 {
		t.Errorf("sessions = %d, want 1", n)
	}
}

func TestWriter_PromptFTSRowidContract(t *testing.T) {
	w, _ := newTestWriter(t)
	apply(t, w,
		SessionStarted{SessionID: "s1", UserID: "u1", StartedAt: time.Now()},
		UserPromptRecorded{SessionID: "s1", Timestamp: time.Now(), Content: "find the flaky widget test"},
		UserPromptRecorded{SessionID: "s1", Timestamp: time.Now(), Content: "unrelated question"},
	)

	// The FTS rowid must equal the content row id.
	var id int64
	var content string
	err := w.db.QueryRow(`
		SELECT p.id, p.content FROM user_prompts p
		JOIN prompts_fts f ON f.rowid = p.id
		WHERE prompts_fts MATCH 'widget'`).Scan(&id, &content)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(content, "widget") {
		t.Errorf("Joined row content = %q", content)
	}
}

func TestWriter_ThinkingSizeCap(t *testing.T) {
	bus := events.NewBus()
	w, err := NewWriter(WriterConfig{
		DBPath: filepath.Join(t.TempDir(), "c.db"), StoreThinking: true, MaxThinkingSize: 10,
	}, bus, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	apply(t, w,
		SessionStarted{SessionID: "s", UserID: "u", StartedAt: time.Now()},
		ThinkingBlockRecorded{SessionID: "s", Timestamp: time.Now(), Content: "héllo wörld overflow"},
	)

	var content string
	w.db.QueryRow(`SELECT content FROM thinking_blocks`).Scan(&content)
	if len(content) > 10 {
		t.Errorf("content is %d bytes, want <= 10", len(content))
	}
	if !strings.HasPrefix("héllo wörld overflow", content) {
		t.Errorf("content %q is not a prefix of the original", content)
	}
}

func TestWriter_StoreThinkingDisabled(t *testing.T) {
	bus := events.NewBus()
	w, err := NewWriter(WriterConfig{DBPath: filepath.Join(t.TempDir(), "c.db"), StoreThinking: false}, bus, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	apply(t, w, ThinkingBlockRecorded{SessionID: "s", Timestamp: time.Now(), Content: "private"})
	var n int
	w.db.QueryRow(`SELECT COUNT(*) FROM thinking_blocks`).Scan(&n)
	if n != 0 {
		t.Errorf("thinking_blocks = %d, want 0", n)
	}
}

func TestWriter_ToolCallAndResult(t *testing.T) {
	w, _ := newTestWriter(t)
	apply(t, w,
		SessionStarted{SessionID: "s1", UserID: "u1", StartedAt: time.Now()},
		ToolCallRecorded{ID: "t1", SessionID: "s1", Timestamp: time.Now(), ToolName: "Bash", InputJSON: `{"command":"ls"}`},
		ToolResultRecorded{CallID: "t1", DurationMs: 120, Success: true},
	)

	var toolName, inputJSON string
	if err := w.db.QueryRow(`SELECT tool_name, input_json FROM tool_calls WHERE id = 't1'`).Scan(&toolName, &inputJSON); err != nil {
		t.Fatal(err)
	}
	if toolName != "Bash" || inputJSON != `{"command":"ls"}` {
		t.Errorf("tool call = %q, %q", toolName, inputJSON)
	}

	var success bool
	var duration int64
	if err := w.db.QueryRow(`SELECT success, duration_ms FROM tool_results WHERE call_id = 't1'`).Scan(&success, &duration); err != nil {
		t.Fatal(err)
	}
	if !success || duration != 120 {
		t.Errorf("result = %v, %d", success, duration)
	}

	var count int64
	w.db.QueryRow(`SELECT tool_call_count FROM sessions WHERE session_id = 's1'`).Scan(&count)
	if count != 1 {
		t.Errorf("tool_call_count = %d, want 1", count)
	}
}

func TestWriter_DuplicateToolCallCountsOnce(t *testing.T) {
	w, _ := newTestWriter(t)
	call := ToolCallRecorded{ID: "t1", SessionID: "s1", Timestamp: time.Now(), ToolName: "Bash"}
	apply(t, w,
		SessionStarted{SessionID: "s1", UserID: "u1", StartedAt: time.Now()},
		call, call,
	)

	var rows int
	w.db.QueryRow(`SELECT COUNT(*) FROM tool_calls`).Scan(&rows)
	if rows != 1 {
		t.Errorf("tool_calls = %d, want 1", rows)
	}
	var count int64
	w.db.QueryRow(`SELECT tool_call_count FROM sessions WHERE session_id = 's1'`).Scan(&count)
	if count != 1 {
		t.Errorf("tool_call_count = %d, want 1", count)
	}
}

func TestWriter_ApiUsageAggregatesSessionTotals(t *testing.T) {
	w, _ := newTestWriter(t)
	apply(t, w,
		SessionStarted{SessionID: "s1", UserID: "u1", StartedAt: time.Now()},
		ApiUsageRecorded{SessionID: "s1", Timestamp: time.Now(), Model: "m", InputTokens: 10, OutputTokens: 20, CacheReadTokens: 5, CostUSD: 0.01},
		ApiUsageRecorded{SessionID: "s1", Timestamp: time.Now(), Model: "m", InputTokens: 1, OutputTokens: 2},
	)

	var in, out, cacheRead int64
	var cost float64
	w.db.QueryRow(`SELECT total_input_tokens, total_output_tokens, total_cache_read_tokens, total_cost_usd
		FROM sessions WHERE session_id = 's1'`).Scan(&in, &out, &cacheRead, &cost)
	if in != 11 || out != 22 || cacheRead != 5 {
		t.Errorf("totals = %d/%d/%d", in, out, cacheRead)
	}
	if cost < 0.009 || cost > 0.011 {
		t.Errorf("cost = %v", cost)
	}
}

func TestWriter_OrphanApiUsageHasNullSession(t *testing.T) {
	w, _ := newTestWriter(t)
	apply(t, w, ApiUsageRecorded{Timestamp: time.Now(), Model: "m", InputTokens: 3})

	var n int
	w.db.QueryRow(`SELECT COUNT(*) FROM api_usage WHERE session_id IS NULL`).Scan(&n)
	if n != 1 {
		t.Errorf("orphan rows = %d, want 1", n)
	}
}

func TestWriter_RunConsumesBus(t *testing.T) {
	bus := events.NewBus()
	w, err := NewWriter(WriterConfig{
		DBPath:        filepath.Join(t.TempDir(), "c.db"),
		StoreThinking: true,
		BatchSize:     2,
		FlushInterval: 20 * time.Millisecond,
	}, bus, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go w.Run(ctx)

	bus.Publish(events.Event{Kind: events.KindSession, Payload: SessionStarted{SessionID: "s", UserID: "u", StartedAt: time.Now()}})
	bus.Publish(events.Event{Kind: events.KindPrompt, Payload: UserPromptRecorded{SessionID: "s", Timestamp: time.Now(), Content: "streamed in"}})

	deadline := time.After(2 * time.Second)
	for {
		var n int
		w.db.QueryRow(`SELECT COUNT(*) FROM user_prompts`).Scan(&n)
		if n == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("Writer never flushed the published event")
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-w.done:
	case <-time.After(time.Second):
		t.Fatal("Run did not exit on cancel")
	}
}

func TestRetention_SweepDeletesOldRows(t *testing.T) {
	w, _ := newTestWriter(t)
	old := time.Now().AddDate(0, 0, -60)
	apply(t, w,
		SessionStarted{SessionID: "s", UserID: "u", StartedAt: old},
		UserPromptRecorded{SessionID: "s", Timestamp: old, Content: "ancient history"},
		UserPromptRecorded{SessionID: "s", Timestamp: time.Now(), Content: "fresh news"},
	)

	s := NewRetentionScheduler(w.DB(), RetentionConfig{RetentionDays: 30}, nil)
	s.Sweep()

	var n int
	w.db.QueryRow(`SELECT COUNT(*) FROM user_prompts`).Scan(&n)
	if n != 1 {
		t.Fatalf("user_prompts after sweep = %d, want 1", n)
	}

	// The FTS side-index must have been swept too: searching for the old
	// content finds nothing, the fresh row still matches.
	var hits int
	w.db.QueryRow(`SELECT COUNT(*) FROM prompts_fts WHERE prompts_fts MATCH 'ancient'`).Scan(&hits)
	if hits != 0 {
		t.Errorf("stale FTS hits = %d", hits)
	}
	w.db.QueryRow(`SELECT COUNT(*) FROM prompts_fts WHERE prompts_fts MATCH 'fresh'`).Scan(&hits)
	if hits != 1 {
		t.Errorf("fresh FTS hits = %d", hits)
	}
}

func TestReaderPool_AcquireRelease(t *testing.T) {
	dir := t.TempDir()
	bus := events.NewBus()
	w, err := NewWriter(WriterConfig{DBPath: filepath.Join(dir, "c.db")}, bus, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	pool, err := NewReaderPool(filepath.Join(dir, "c.db"), 2)
	if err != nil {
		t.Fatal(err)
	}
	defer pool.Close()

	ctx := context.Background()
	a, _ := pool.Acquire(ctx)
	b, _ := pool.Acquire(ctx)

	// Third acquire must block until a release.
	timeout, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if _, err := pool.Acquire(timeout); err == nil {
		t.Error("Expected Acquire to block with an exhausted pool")
	}

	pool.Release(a)
	c, err := pool.Acquire(ctx)
	if err != nil {
		t.Fatal(err)
	}
	pool.Release(b)
	pool.Release(c)
}

func TestReaderPool_ReadsSeeCommittedWrites(t *testing.T) {
	dir := t.TempDir()
	bus := events.NewBus()
	w, err := NewWriter(WriterConfig{DBPath: filepath.Join(dir, "c.db")}, bus, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()
	apply(t, w,
		SessionStarted{SessionID: "s", UserID: "u", StartedAt: time.Now()},
		UserPromptRecorded{SessionID: "s", Timestamp: time.Now(), Content: "visible"},
	)

	pool, err := NewReaderPool(filepath.Join(dir, "c.db"), 1)
	if err != nil {
		t.Fatal(err)
	}
	defer pool.Close()

	err = pool.With(context.Background(), func(db *sql.DB) error {
		var n int
		if err := db.QueryRow(`SELECT COUNT(*) FROM user_prompts`).Scan(&n); err != nil {
			return err
		}
		if n != 1 {
			t.Errorf("reader sees %d prompts, want 1", n)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}
