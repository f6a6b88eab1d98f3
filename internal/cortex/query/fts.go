package query

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"
)

// ContentHit is one FTS match: the content row plus its BM25 rank (lower
// is more relevant).
type ContentHit struct {
	ID        int64
	SessionID string
	Timestamp time.Time
	Content   string
	Rank      float64
	Kind      string // "thinking" | "prompt" | "response", set on every hit
}

var contentTables = map[string]struct{ table, fts string }{
	"thinking": {"thinking_blocks", "thinking_fts"},
	"prompt":   {"user_prompts", "prompts_fts"},
	"response": {"assistant_responses", "responses_fts"},
}

func searchContent(ctx context.Context, db *sql.DB, kind, query string, mode SearchMode, limit int, userID string) ([]ContentHit, error) {
	t, ok := contentTables[kind]
	if !ok {
		return nil, fmt.Errorf("query: unknown content kind %q", kind)
	}
	ftsQuery := PrepareFTSQuery(query, mode)

	sqlQuery := fmt.Sprintf(`
		SELECT c.id, COALESCE(c.session_id, ''), c.timestamp, c.content, bm25(%s) as rank
		FROM %s c JOIN %s f ON f.rowid = c.id
		WHERE f.%s MATCH ?`, t.fts, t.table, t.fts, t.fts)
	args := []any{ftsQuery}

	if userID != "" {
		sqlQuery += ` AND c.session_id IN (SELECT session_id FROM sessions WHERE user_id = ?)`
		args = append(args, userID)
	}
	sqlQuery += ` ORDER BY rank LIMIT ?`
	args = append(args, limit)

	rows, err := db.QueryContext(ctx, sqlQuery, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hits []ContentHit
	for rows.Next() {
		var h ContentHit
		if err := rows.Scan(&h.ID, &h.SessionID, &h.Timestamp, &h.Content, &h.Rank); err != nil {
			return nil, err
		}
		h.Kind = kind
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

// SearchThinking runs an FTS search over thinking blocks.
func SearchThinking(ctx context.Context, db *sql.DB, query string, limit int, mode SearchMode) ([]ContentHit, error) {
	return searchContent(ctx, db, "thinking", query, mode, limit, "")
}

// SearchThinkingForUser is the user-scoped variant of SearchThinking.
func SearchThinkingForUser(ctx context.Context, db *sql.DB, userID, query string, limit int, mode SearchMode) ([]ContentHit, error) {
	return searchContent(ctx, db, "thinking", query, mode, limit, userID)
}

func SearchPrompts(ctx context.Context, db *sql.DB, query string, limit int, mode SearchMode) ([]ContentHit, error) {
	return searchContent(ctx, db, "prompt", query, mode, limit, "")
}

func SearchPromptsForUser(ctx context.Context, db *sql.DB, userID, query string, limit int, mode SearchMode) ([]ContentHit, error) {
	return searchContent(ctx, db, "prompt", query, mode, limit, userID)
}

func SearchResponses(ctx context.Context, db *sql.DB, query string, limit int, mode SearchMode) ([]ContentHit, error) {
	return searchContent(ctx, db, "response", query, mode, limit, "")
}

func SearchResponsesForUser(ctx context.Context, db *sql.DB, userID, query string, limit int, mode SearchMode) ([]ContentHit, error) {
	return searchContent(ctx, db, "response", query, mode, limit, userID)
}

// TodoSnapshot mirrors the todos table row.
type TodoSnapshot struct {
	SessionID       string
	Timestamp       time.Time
	TodosJSON       string
	PendingCount    int
	InProgressCount int
	CompletedCount  int
}

// SearchTodos finds todo snapshots whose JSON blob matches query textually
// (todos have no FTS side-index; this is a LIKE scan, bounded by limit).
func SearchTodos(ctx context.Context, db *sql.DB, query string, limit int) ([]TodoSnapshot, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT session_id, timestamp, todos_json, pending_count, in_progress_count, completed_count
		FROM todos WHERE todos_json LIKE ? ORDER BY timestamp DESC LIMIT ?`,
		"%"+query+"%", limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTodos(rows)
}

// GetRecentTodos returns the most recent todo snapshots for a session.
func GetRecentTodos(ctx context.Context, db *sql.DB, sessionID string, limit int) ([]TodoSnapshot, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT session_id, timestamp, todos_json, pending_count, in_progress_count, completed_count
		FROM todos WHERE session_id = ? ORDER BY timestamp DESC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTodos(rows)
}

func scanTodos(rows *sql.Rows) ([]TodoSnapshot, error) {
	var out []TodoSnapshot
	for rows.Next() {
		var t TodoSnapshot
		if err := rows.Scan(&t.SessionID, &t.Timestamp, &t.TodosJSON, &t.PendingCount, &t.InProgressCount, &t.CompletedCount); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// RecoverContext unions FTS search across thinking/prompts/responses for
// topic, re-sorted by BM25 rank ascending, truncated to limit.
func RecoverContext(ctx context.Context, db *sql.DB, topic string, limit int, mode SearchMode) ([]ContentHit, error) {
	return recoverContext(ctx, db, topic, limit, mode, "")
}

// RecoverContextForUser is the user-scoped variant of RecoverContext.
func RecoverContextForUser(ctx context.Context, db *sql.DB, userID, topic string, limit int, mode SearchMode) ([]ContentHit, error) {
	return recoverContext(ctx, db, topic, limit, mode, userID)
}

func recoverContext(ctx context.Context, db *sql.DB, topic string, limit int, mode SearchMode, userID string) ([]ContentHit, error) {
	var all []ContentHit
	for kind := range contentTables {
		hits, err := searchContent(ctx, db, kind, topic, mode, limit, userID)
		if err != nil {
			return nil, err
		}
		all = append(all, hits...)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Rank < all[j].Rank })
	if len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

// FindSessionByTranscript returns the most recent session whose
// transcript_path matches path, or nil if none.
func FindSessionByTranscript(ctx context.Context, db *sql.DB, path string) (*SessionRow, error) {
	row := db.QueryRowContext(ctx, `
		SELECT session_id, user_id, transcript_path, started_at, ended_at,
			total_input_tokens, total_output_tokens, total_cache_read_tokens, total_cache_creation_tokens,
			total_cost_usd, tool_call_count
		FROM sessions WHERE transcript_path = ? ORDER BY started_at DESC LIMIT 1`, path)
	return scanSession(row)
}
