package cortex

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"aspyx/internal/events"
	"aspyx/internal/util"
)

// WriterConfig mirrors the [cortex] TOML section fields the writer needs.
type WriterConfig struct {
	DBPath          string
	StoreThinking   bool
	StoreToolIO     bool
	MaxThinkingSize int
	BatchSize       int
	FlushInterval   time.Duration
}

func (c WriterConfig) effectiveBatchSize() int {
	if c.BatchSize <= 0 {
		return 100
	}
	return c.BatchSize
}

func (c WriterConfig) effectiveFlushInterval() time.Duration {
	if c.FlushInterval <= 0 {
		return time.Second
	}
	return c.FlushInterval
}

// FlushObserver receives writer flush outcomes, for metrics.
type FlushObserver interface {
	RecordWriterFlush(batchSize int, duration time.Duration)
	RecordWriterFlushFailure()
}

// Writer owns the single write connection to the Cortex store. It
// runs on a dedicated goroutine backed by a single OS thread worth of
// blocking DB work — never on the async request path — consuming events
// off a Block-policy subscription so the proxy never silently drops
// persistence under backpressure.
type Writer struct {
	db     *sql.DB
	cfg    WriterConfig
	logger *slog.Logger

	// Observer, when set, receives flush outcomes. Set before Run.
	Observer FlushObserver

	events <-chan events.Event
	done   chan struct{}
}

// NewWriter opens the write connection and applies the schema. Callers run
// Run in its own goroutine.
func NewWriter(cfg WriterConfig, bus *events.Bus, logger *slog.Logger) (*Writer, error) {
	db, err := openWriter(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	sub := bus.Subscribe("cortex-writer", 10_000, events.Block)
	return &Writer{db: db, cfg: cfg, logger: logger.With("component", "cortex.writer"), events: sub, done: make(chan struct{})}, nil
}

// DB exposes the write connection for components that must share it (e.g.
// the retention scheduler, which runs DELETEs through the same connection
// since only the writer may mutate content tables).
func (w *Writer) DB() *sql.DB { return w.db }

func (w *Writer) Close() error {
	return w.db.Close()
}

// Run drains the event subscription, batching writes by size or interval,
// until ctx is cancelled. Each flush is one transaction applied in arrival
// order.
func (w *Writer) Run(ctx context.Context) {
	defer close(w.done)

	batch := make([]events.Event, 0, w.cfg.effectiveBatchSize())
	ticker := time.NewTicker(w.cfg.effectiveFlushInterval())
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		start := time.Now()
		if err := w.flush(batch); err != nil {
			w.logger.Error("flush failed, retrying once", "error", err)
			if err := w.flush(batch); err != nil {
				w.logger.Error("flush failed twice, dropping batch", "error", err, "batch_size", len(batch))
				if w.Observer != nil {
					w.Observer.RecordWriterFlushFailure()
				}
				batch = batch[:0]
				return
			}
		}
		if w.Observer != nil {
			w.Observer.RecordWriterFlush(len(batch), time.Since(start))
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			// Drain whatever is already queued before the final flush so
			// shutdown-time events (session ends) still land.
			for {
				select {
				case ev, ok := <-w.events:
					if !ok {
						flush()
						return
					}
					batch = append(batch, ev)
				default:
					flush()
					return
				}
			}
		case ev, ok := <-w.events:
			if !ok {
				flush()
				return
			}
			batch = append(batch, ev)
			if len(batch) >= w.cfg.effectiveBatchSize() {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

// flush applies every event in batch inside one transaction, in order.
func (w *Writer) flush(batch []events.Event) error {
	tx, err := w.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, ev := range batch {
		if err := w.applyOne(tx, ev); err != nil {
			return fmt.Errorf("apply event: %w", err)
		}
	}
	return tx.Commit()
}

func (w *Writer) applyOne(tx *sql.Tx, ev events.Event) error {
	switch p := ev.Payload.(type) {
	case SessionStarted:
		_, err := tx.Exec(`INSERT INTO sessions (session_id, user_id, transcript_path, started_at) VALUES (?, ?, ?, ?)
			ON CONFLICT(session_id) DO NOTHING`, p.SessionID, p.UserID, p.TranscriptPath, p.StartedAt)
		return err
	case SessionEnded:
		_, err := tx.Exec(`UPDATE sessions SET ended_at = ? WHERE session_id = ?`, p.EndedAt, p.SessionID)
		return err
	case ApiUsageRecorded:
		return w.applyApiUsage(tx, p)
	case ThinkingBlockRecorded:
		return w.applyThinking(tx, p)
	case UserPromptRecorded:
		return w.applyPrompt(tx, p)
	case AssistantResponseRecorded:
		return w.applyResponse(tx, p)
	case TodoSnapshotRecorded:
		_, err := tx.Exec(`INSERT INTO todos (session_id, timestamp, todos_json, pending_count, in_progress_count, completed_count)
			VALUES (?, ?, ?, ?, ?, ?)`, p.SessionID, p.Timestamp, p.TodosJSON, p.PendingCount, p.InProgressCount, p.CompletedCount)
		return err
	case ToolCallRecorded:
		res, err := tx.Exec(`INSERT INTO tool_calls (id, session_id, timestamp, tool_name, input_json) VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(id) DO NOTHING`, p.ID, p.SessionID, p.Timestamp, p.ToolName, nullIfEmpty(w.cfg.StoreToolIO, p.InputJSON))
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n > 0 && p.SessionID != "" {
			_, err = tx.Exec(`UPDATE sessions SET tool_call_count = tool_call_count + 1 WHERE session_id = ?`, p.SessionID)
		}
		return err
	case ToolResultRecorded:
		_, err := tx.Exec(`INSERT INTO tool_results (call_id, duration_ms, success, is_rejection) VALUES (?, ?, ?, ?)
			ON CONFLICT(call_id) DO UPDATE SET duration_ms=excluded.duration_ms, success=excluded.success, is_rejection=excluded.is_rejection`,
			p.CallID, p.DurationMs, p.Success, p.IsRejection)
		return err
	default:
		return nil // events this writer doesn't persist (request/stream lifecycle markers)
	}
}

func nullIfEmpty(store bool, s string) any {
	if !store {
		return nil
	}
	return s
}

func (w *Writer) applyApiUsage(tx *sql.Tx, p ApiUsageRecorded) error {
	var sessionID any
	if p.SessionID != "" {
		sessionID = p.SessionID
	}
	_, err := tx.Exec(`INSERT INTO api_usage (session_id, timestamp, model, input_tokens, output_tokens, cache_read_tokens, cache_creation_tokens, cost_usd)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sessionID, p.Timestamp, p.Model, p.InputTokens, p.OutputTokens, p.CacheReadTokens, p.CacheCreationTokens, p.CostUSD)
	if err != nil {
		return err
	}
	if p.SessionID != "" {
		_, err = tx.Exec(`UPDATE sessions SET
			total_input_tokens = total_input_tokens + ?,
			total_output_tokens = total_output_tokens + ?,
			total_cache_read_tokens = total_cache_read_tokens + ?,
			total_cache_creation_tokens = total_cache_creation_tokens + ?,
			total_cost_usd = total_cost_usd + ?
			WHERE session_id = ?`,
			p.InputTokens, p.OutputTokens, p.CacheReadTokens, p.CacheCreationTokens, p.CostUSD, p.SessionID)
	}
	return err
}

// applyThinking enforces the thinking-size cap: blocks larger than
// MaxThinkingSize bytes are truncated (UTF-8 safe), never dropped. A
// MaxThinkingSize <= 0 means no cap. StoreThinking = false drops every
// thinking block.
func (w *Writer) applyThinking(tx *sql.Tx, p ThinkingBlockRecorded) error {
	if !w.cfg.StoreThinking {
		return nil
	}
	content := p.Content
	if w.cfg.MaxThinkingSize > 0 && len(content) > w.cfg.MaxThinkingSize {
		content = util.TruncateUTF8Safe(content, w.cfg.MaxThinkingSize)
	}
	res, err := tx.Exec(`INSERT INTO thinking_blocks (session_id, timestamp, content, tokens) VALUES (?, ?, ?, ?)`,
		p.SessionID, p.Timestamp, content, p.Tokens)
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	_, err = tx.Exec(`INSERT INTO thinking_fts(rowid, content) VALUES (?, ?)`, id, content)
	return err
}

func (w *Writer) applyPrompt(tx *sql.Tx, p UserPromptRecorded) error {
	res, err := tx.Exec(`INSERT INTO user_prompts (session_id, timestamp, content) VALUES (?, ?, ?)`, p.SessionID, p.Timestamp, p.Content)
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	_, err = tx.Exec(`INSERT INTO prompts_fts(rowid, content) VALUES (?, ?)`, id, p.Content)
	return err
}

func (w *Writer) applyResponse(tx *sql.Tx, p AssistantResponseRecorded) error {
	res, err := tx.Exec(`INSERT INTO assistant_responses (session_id, timestamp, content) VALUES (?, ?, ?)`, p.SessionID, p.Timestamp, p.Content)
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	_, err = tx.Exec(`INSERT INTO responses_fts(rowid, content) VALUES (?, ?)`, id, p.Content)
	return err
}
