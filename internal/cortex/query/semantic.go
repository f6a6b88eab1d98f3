package query

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"gonum.org/v1/gonum/floats"

	"aspyx/internal/embedding"
)

// SemanticHit is one nearest-neighbor match by cosine similarity (higher is
// more relevant, unlike BM25's rank convention).
type SemanticHit struct {
	ID         int64
	SessionID  string
	Timestamp  time.Time
	Content    string
	Similarity float64
	Kind       string
}

var embeddingTables = map[string]struct{ content, embeddings string }{
	"thinking": {"thinking_blocks", "thinking_embeddings"},
	"prompt":   {"user_prompts", "prompts_embeddings"},
	"response": {"assistant_responses", "responses_embeddings"},
}

// CosineSimilarity computes cosine similarity between a and b. It is 0 when
// either vector is zero or the lengths differ
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	fa := make([]float64, len(a))
	fb := make([]float64, len(b))
	for i := range a {
		fa[i] = float64(a[i])
		fb[i] = float64(b[i])
	}
	na := floats.Norm(fa, 2)
	nb := floats.Norm(fb, 2)
	if na == 0 || nb == 0 {
		return 0
	}
	return floats.Dot(fa, fb) / (na * nb)
}

// semanticSearch fetches every embedding row for kind, computes cosine
// similarity against queryEmbedding in-process, sorts descending, and
// returns the top limit.
func semanticSearch(ctx context.Context, db *sql.DB, kind string, queryEmbedding []float32, limit int, userID string) ([]SemanticHit, error) {
	t, ok := embeddingTables[kind]
	if !ok {
		return nil, fmt.Errorf("query: unknown content kind %q", kind)
	}

	sqlQuery := fmt.Sprintf(`
		SELECT c.id, COALESCE(c.session_id, ''), c.timestamp, c.content, e.embedding
		FROM %s c JOIN %s e ON e.content_id = c.id`, t.content, t.embeddings)
	var args []any
	if userID != "" {
		sqlQuery += ` WHERE c.session_id IN (SELECT session_id FROM sessions WHERE user_id = ?)`
		args = append(args, userID)
	}

	rows, err := db.QueryContext(ctx, sqlQuery, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hits []SemanticHit
	for rows.Next() {
		var h SemanticHit
		var blob []byte
		if err := rows.Scan(&h.ID, &h.SessionID, &h.Timestamp, &h.Content, &blob); err != nil {
			return nil, err
		}
		h.Kind = kind
		h.Similarity = CosineSimilarity(embedding.FromBlob(blob), queryEmbedding)
		hits = append(hits, h)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(hits, func(i, j int) bool { return hits[i].Similarity > hits[j].Similarity })
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

func SearchThinkingSemantic(ctx context.Context, db *sql.DB, queryEmbedding []float32, limit int) ([]SemanticHit, error) {
	return semanticSearch(ctx, db, "thinking", queryEmbedding, limit, "")
}

func SearchPromptsSemantic(ctx context.Context, db *sql.DB, queryEmbedding []float32, limit int) ([]SemanticHit, error) {
	return semanticSearch(ctx, db, "prompt", queryEmbedding, limit, "")
}

func SearchResponsesSemantic(ctx context.Context, db *sql.DB, queryEmbedding []float32, limit int) ([]SemanticHit, error) {
	return semanticSearch(ctx, db, "response", queryEmbedding, limit, "")
}

// HasEmbeddings reports whether embeddings are configured and at least one
// row has been embedded — the short-circuit condition the query surface
// uses to decide whether semantic/hybrid search is even attemptable.
func HasEmbeddings(ctx context.Context, db *sql.DB) (bool, error) {
	var provider string
	err := db.QueryRowContext(ctx, `SELECT provider FROM embedding_config WHERE id = 1`).Scan(&provider)
	if err != nil && err != sql.ErrNoRows {
		return false, err
	}
	if err == sql.ErrNoRows || provider == "" || provider == "none" {
		return false, nil
	}

	var count int
	for _, t := range embeddingTables {
		var n int
		if err := db.QueryRowContext(ctx, fmt.Sprintf(`SELECT count(*) FROM %s`, t.embeddings)).Scan(&n); err != nil {
			return false, err
		}
		count += n
	}
	return count > 0, nil
}
