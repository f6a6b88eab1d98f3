package query

import (
	"context"
	"database/sql"
	"sort"
)

const rrfK = 60

// fuseScore is the reciprocal-rank-fusion score for a document at the
// given 0-indexed ranks; a rank of -1 means the document is absent from
// that list and contributes nothing.
func fuseScore(ftsRank, vecRank int) float64 {
	var s float64
	if ftsRank >= 0 {
		s += 1.0 / float64(rrfK+ftsRank)
	}
	if vecRank >= 0 {
		s += 1.0 / float64(rrfK+vecRank)
	}
	return s
}

// hybridDoc accumulates the fused view of one content row across the FTS
// and vector rank lists.
type hybridDoc struct {
	hit      ContentHit
	ftsRank  int // 0-indexed position in the FTS-sorted list; -1 if absent
	ftsScore float64
	vecRank  int // 0-indexed position in the vector-sorted list; -1 if absent
	fused    float64
}

type docKey struct {
	kind string
	id   int64
}

// RecoverContextHybrid implements Reciprocal Rank Fusion over the FTS and
// (optional) vector rank lists: for each document the fused score is
// Σ 1/(k + rank_i) over the source lists where it appears, k = 60,
// absent-list contributes 0. Falls back to FTS-only ordering if no
// queryEmbedding is supplied.
func RecoverContextHybrid(ctx context.Context, db *sql.DB, queryText string, queryEmbedding []float32, limit int, mode SearchMode) ([]ContentHit, error) {
	return recoverContextHybrid(ctx, db, queryText, queryEmbedding, limit, mode, "")
}

func RecoverContextHybridForUser(ctx context.Context, db *sql.DB, userID, queryText string, queryEmbedding []float32, limit int, mode SearchMode) ([]ContentHit, error) {
	return recoverContextHybrid(ctx, db, queryText, queryEmbedding, limit, mode, userID)
}

func recoverContextHybrid(ctx context.Context, db *sql.DB, queryText string, queryEmbedding []float32, limit int, mode SearchMode, userID string) ([]ContentHit, error) {
	docs := make(map[docKey]*hybridDoc)

	// Gather the FTS rank list across all three kinds, fetching generously
	// beyond limit so fusion has enough candidates to rerank correctly.
	fetchLimit := limit * 5
	if fetchLimit < 50 {
		fetchLimit = 50
	}

	for kind := range contentTables {
		hits, err := searchContent(ctx, db, kind, queryText, mode, fetchLimit, userID)
		if err != nil {
			return nil, err
		}
		for i, h := range hits {
			k := docKey{kind, h.ID}
			docs[k] = &hybridDoc{hit: h, ftsRank: i, ftsScore: h.Rank, vecRank: -1}
		}
	}

	if len(queryEmbedding) > 0 {
		for kind := range embeddingTables {
			hits, err := semanticSearch(ctx, db, kind, queryEmbedding, fetchLimit, userID)
			if err != nil {
				return nil, err
			}
			for i, h := range hits {
				k := docKey{kind, h.ID}
				if d, ok := docs[k]; ok {
					d.vecRank = i
				} else {
					docs[k] = &hybridDoc{
						hit:     ContentHit{ID: h.ID, SessionID: h.SessionID, Timestamp: h.Timestamp, Content: h.Content, Kind: h.Kind},
						ftsRank: -1,
						vecRank: i,
					}
				}
			}
		}
	}

	out := make([]*hybridDoc, 0, len(docs))
	for _, d := range docs {
		d.fused = fuseScore(d.ftsRank, d.vecRank)
		out = append(out, d)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].fused != out[j].fused {
			return out[i].fused > out[j].fused
		}
		// Tie-break: the document present (or better-ranked) in FTS wins,
		// then the newer one.
		if out[i].ftsRank != out[j].ftsRank {
			if out[i].ftsRank < 0 {
				return false
			}
			if out[j].ftsRank < 0 {
				return true
			}
			return out[i].ftsRank < out[j].ftsRank
		}
		return out[i].hit.Timestamp.After(out[j].hit.Timestamp)
	})

	if len(out) > limit {
		out = out[:limit]
	}

	result := make([]ContentHit, len(out))
	for i, d := range out {
		result[i] = d.hit
		result[i].Rank = d.fused
	}
	return result, nil
}
