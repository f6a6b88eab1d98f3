package query

import (
	"context"
	"database/sql"
	"time"
)

// SessionRow mirrors the sessions table.
type SessionRow struct {
	SessionID               string
	UserID                  string
	TranscriptPath          string
	StartedAt               time.Time
	EndedAt                 *time.Time
	TotalInputTokens        int64
	TotalOutputTokens       int64
	TotalCacheReadTokens    int64
	TotalCacheCreationTokens int64
	TotalCostUSD            float64
	ToolCallCount           int64
}

func scanSession(row *sql.Row) (*SessionRow, error) {
	var s SessionRow
	var transcript sql.NullString
	var endedAt sql.NullTime
	err := row.Scan(&s.SessionID, &s.UserID, &transcript, &s.StartedAt, &endedAt,
		&s.TotalInputTokens, &s.TotalOutputTokens, &s.TotalCacheReadTokens, &s.TotalCacheCreationTokens,
		&s.TotalCostUSD, &s.ToolCallCount)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	s.TranscriptPath = transcript.String
	if endedAt.Valid {
		s.EndedAt = &endedAt.Time
	}
	return &s, nil
}

// GetUserSessions returns a page of userID's sessions, most recently
// started first.
func GetUserSessions(ctx context.Context, db *sql.DB, userID string, limit, offset int) ([]SessionRow, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT session_id, user_id, transcript_path, started_at, ended_at,
			total_input_tokens, total_output_tokens, total_cache_read_tokens, total_cache_creation_tokens,
			total_cost_usd, tool_call_count
		FROM sessions WHERE user_id = ? ORDER BY started_at DESC LIMIT ? OFFSET ?`, userID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SessionRow
	for rows.Next() {
		var s SessionRow
		var transcript sql.NullString
		var endedAt sql.NullTime
		if err := rows.Scan(&s.SessionID, &s.UserID, &transcript, &s.StartedAt, &endedAt,
			&s.TotalInputTokens, &s.TotalOutputTokens, &s.TotalCacheReadTokens, &s.TotalCacheCreationTokens,
			&s.TotalCostUSD, &s.ToolCallCount); err != nil {
			return nil, err
		}
		s.TranscriptPath = transcript.String
		if endedAt.Valid {
			s.EndedAt = &endedAt.Time
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
