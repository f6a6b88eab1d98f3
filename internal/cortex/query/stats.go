package query

import (
	"context"
	"database/sql"
)

// cacheReadUsdPerMillion is the fixed rate used to compute cache_savings_usd
// for lifetime stats
const cacheReadUsdPerMillion = 2.70

// LifetimeStats is the aggregate over api_usage, global or user-scoped.
type LifetimeStats struct {
	TotalInputTokens        int64
	TotalOutputTokens       int64
	TotalCacheReadTokens    int64
	TotalCacheCreationTokens int64
	TotalTokens             int64
	TotalCostUSD            float64
	CacheSavingsUSD         float64
	RequestCount            int64

	ByModel    []ModelBreakdown
	ByToolName []ToolBreakdown
}

type ModelBreakdown struct {
	Model        string
	RequestCount int64
	TotalTokens  int64
	CostUSD      float64
}

type ToolBreakdown struct {
	ToolName        string
	CallCount       int64
	AvgDurationMs   float64
	SuccessRate     float64
	RejectionCount  int64
	ErrorCount      int64
}

// GetLifetimeStats aggregates across the entire api_usage table.
func GetLifetimeStats(ctx context.Context, db *sql.DB) (*LifetimeStats, error) {
	return lifetimeStats(ctx, db, "")
}

// GetUserLifetimeStats aggregates api_usage for sessions owned by userID.
func GetUserLifetimeStats(ctx context.Context, db *sql.DB, userID string) (*LifetimeStats, error) {
	return lifetimeStats(ctx, db, userID)
}

func lifetimeStats(ctx context.Context, db *sql.DB, userID string) (*LifetimeStats, error) {
	where := ""
	args := []any{}
	if userID != "" {
		where = ` WHERE session_id IN (SELECT session_id FROM sessions WHERE user_id = ?)`
		args = append(args, userID)
	}

	var s LifetimeStats
	row := db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0),
			COALESCE(SUM(cache_read_tokens), 0), COALESCE(SUM(cache_creation_tokens), 0),
			COALESCE(SUM(cost_usd), 0), COUNT(*)
		FROM api_usage`+where, args...)
	if err := row.Scan(&s.TotalInputTokens, &s.TotalOutputTokens, &s.TotalCacheReadTokens, &s.TotalCacheCreationTokens,
		&s.TotalCostUSD, &s.RequestCount); err != nil {
		return nil, err
	}
	s.TotalTokens = s.TotalInputTokens + s.TotalOutputTokens + s.TotalCacheReadTokens + s.TotalCacheCreationTokens
	s.CacheSavingsUSD = float64(s.TotalCacheReadTokens) / 1_000_000 * cacheReadUsdPerMillion

	byModel, err := modelBreakdown(ctx, db, where, args)
	if err != nil {
		return nil, err
	}
	s.ByModel = byModel

	byTool, err := toolBreakdown(ctx, db, userID)
	if err != nil {
		return nil, err
	}
	s.ByToolName = byTool

	return &s, nil
}

func modelBreakdown(ctx context.Context, db *sql.DB, where string, args []any) ([]ModelBreakdown, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT model, COUNT(*),
			COALESCE(SUM(input_tokens+output_tokens+cache_read_tokens+cache_creation_tokens), 0),
			COALESCE(SUM(cost_usd), 0)
		FROM api_usage`+where+`
		GROUP BY model ORDER BY COUNT(*) DESC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ModelBreakdown
	for rows.Next() {
		var m ModelBreakdown
		if err := rows.Scan(&m.Model, &m.RequestCount, &m.TotalTokens, &m.CostUSD); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func toolBreakdown(ctx context.Context, db *sql.DB, userID string) ([]ToolBreakdown, error) {
	where := ""
	args := []any{}
	if userID != "" {
		where = ` WHERE tc.session_id IN (SELECT session_id FROM sessions WHERE user_id = ?)`
		args = append(args, userID)
	}

	rows, err := db.QueryContext(ctx, `
		SELECT tc.tool_name,
			COUNT(*),
			COALESCE(AVG(tr.duration_ms), 0),
			COALESCE(AVG(CASE WHEN tr.success THEN 1.0 ELSE 0.0 END), 0),
			COALESCE(SUM(CASE WHEN tr.is_rejection THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN tr.call_id IS NOT NULL AND tr.success = 0 AND tr.is_rejection = 0 THEN 1 ELSE 0 END), 0)
		FROM tool_calls tc LEFT JOIN tool_results tr ON tr.call_id = tc.id`+where+`
		GROUP BY tc.tool_name ORDER BY COUNT(*) DESC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ToolBreakdown
	for rows.Next() {
		var t ToolBreakdown
		if err := rows.Scan(&t.ToolName, &t.CallCount, &t.AvgDurationMs, &t.SuccessRate, &t.RejectionCount, &t.ErrorCount); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// EmbeddingStats is the per-kind embedded/total progress the embedding
// status endpoint reports.
type EmbeddingStats struct {
	Kind         string
	Embedded     int64
	Total        int64
	ProgressPct  float64
}

func GetEmbeddingStats(ctx context.Context, db *sql.DB) ([]EmbeddingStats, error) {
	kinds := []struct{ name, content, embeddings string }{
		{"thinking", "thinking_blocks", "thinking_embeddings"},
		{"prompt", "user_prompts", "prompts_embeddings"},
		{"response", "assistant_responses", "responses_embeddings"},
	}
	var out []EmbeddingStats
	for _, k := range kinds {
		var total, embedded int64
		if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+k.content).Scan(&total); err != nil {
			return nil, err
		}
		if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+k.embeddings).Scan(&embedded); err != nil {
			return nil, err
		}
		pct := 0.0
		if total > 0 {
			pct = float64(embedded) / float64(total) * 100
		}
		out = append(out, EmbeddingStats{Kind: k.name, Embedded: embedded, Total: total, ProgressPct: pct})
	}
	return out, nil
}
