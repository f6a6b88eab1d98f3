package proxy

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"aspyx/internal/cortex"
	"aspyx/internal/cortex/query"
	"aspyx/internal/embedding"
)

// API exposes the REST query surface, backed by the Cortex reader pool so
// queries never contend with the writer. Embedder, when set and ready, lets
// recover upgrade to hybrid retrieval by embedding the topic on the fly.
type API struct {
	Readers  *cortex.ReaderPool
	Embedder embedding.Provider
}

// Register mounts the API's handlers on mux.
func (a *API) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/stats", a.handleStats)
	mux.HandleFunc("GET /api/users/{user}/stats", a.handleUserStats)
	mux.HandleFunc("GET /api/users/{user}/sessions", a.handleUserSessions)
	mux.HandleFunc("GET /api/users/{user}/search/{kind}", a.handleCortexSearch)
	mux.HandleFunc("POST /api/search", a.handleSearch)
	mux.HandleFunc("GET /api/cortex/search/{kind}", a.handleCortexSearch)
	mux.HandleFunc("GET /api/cortex/recover", a.handleRecover)
	mux.HandleFunc("GET /api/cortex/todos/recent", a.handleRecentTodos)
	mux.HandleFunc("GET /api/embeddings/status", a.handleEmbeddingsStatus)
}

func (a *API) handleStats(w http.ResponseWriter, r *http.Request) {
	a.withReader(w, r, func(db *sql.DB) (any, error) {
		return query.GetLifetimeStats(r.Context(), db)
	})
}

func (a *API) handleUserStats(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("user")
	a.withReader(w, r, func(db *sql.DB) (any, error) {
		return query.GetUserLifetimeStats(r.Context(), db, userID)
	})
}

type searchRequest struct {
	Query     string `json:"query"`
	Mode      string `json:"mode"`
	Limit     int    `json:"limit"`
	TimeRange string `json:"time_range"`
}

func (a *API) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid request body"}`, http.StatusBadRequest)
		return
	}
	limit := req.Limit
	if limit <= 0 {
		limit = 50
	}
	mode := parseSearchMode(req.Mode)

	a.withReader(w, r, func(db *sql.DB) (any, error) {
		hits, err := query.RecoverContext(r.Context(), db, req.Query, limit, mode)
		if err != nil {
			return nil, err
		}
		return filterByTimeRange(hits, req.TimeRange), nil
	})
}

// filterByTimeRange narrows hits to the named time window. Applied
// in-process rather than pushed into the FTS query since each content
// kind's search already ran its own SQL pass; re-querying per range would
// duplicate the searchContent call sites.
func filterByTimeRange(hits []query.ContentHit, timeRange string) []query.ContentHit {
	now := time.Now()
	startOfToday := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())

	var cutoff time.Time
	var before bool
	switch timeRange {
	case "today":
		cutoff = startOfToday
	case "before_today":
		cutoff, before = startOfToday, true
	case "last_3_days":
		cutoff = now.AddDate(0, 0, -3)
	case "last_7_days":
		cutoff = now.AddDate(0, 0, -7)
	case "last_30_days":
		cutoff = now.AddDate(0, 0, -30)
	default:
		return hits
	}

	var out []query.ContentHit
	for _, h := range hits {
		if before {
			if h.Timestamp.Before(cutoff) {
				out = append(out, h)
			}
		} else if !h.Timestamp.Before(cutoff) {
			out = append(out, h)
		}
	}
	return out
}

// handleCortexSearch serves both the global and the user-scoped keyword
// search routes; the user route carries a {user} path value.
func (a *API) handleCortexSearch(w http.ResponseWriter, r *http.Request) {
	kind := r.PathValue("kind")
	userID := r.PathValue("user")
	q := r.URL.Query().Get("q")
	limit := atoiOr(r.URL.Query().Get("limit"), 50)
	mode := parseSearchMode(r.URL.Query().Get("mode"))

	a.withReader(w, r, func(db *sql.DB) (any, error) {
		switch kind {
		case "thinking":
			if userID != "" {
				return query.SearchThinkingForUser(r.Context(), db, userID, q, limit, mode)
			}
			return query.SearchThinking(r.Context(), db, q, limit, mode)
		case "prompts":
			if userID != "" {
				return query.SearchPromptsForUser(r.Context(), db, userID, q, limit, mode)
			}
			return query.SearchPrompts(r.Context(), db, q, limit, mode)
		case "responses":
			if userID != "" {
				return query.SearchResponsesForUser(r.Context(), db, userID, q, limit, mode)
			}
			return query.SearchResponses(r.Context(), db, q, limit, mode)
		case "todos":
			return query.SearchTodos(r.Context(), db, q, limit)
		default:
			return nil, fmt.Errorf("unknown search kind: %s", kind)
		}
	})
}

// handleRecover runs cross-kind context recovery: hybrid (RRF over keyword
// and vector ranks) when an embedder is ready and rows are embedded,
// keyword-only otherwise.
func (a *API) handleRecover(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("topic")
	limit := atoiOr(r.URL.Query().Get("limit"), 50)
	mode := parseSearchMode(r.URL.Query().Get("mode"))

	a.withReader(w, r, func(db *sql.DB) (any, error) {
		if a.Embedder != nil && a.Embedder.IsReady() {
			if ok, err := query.HasEmbeddings(r.Context(), db); err == nil && ok {
				if qe, err := a.Embedder.Embed(r.Context(), q); err == nil {
					return query.RecoverContextHybrid(r.Context(), db, q, qe, limit, mode)
				}
			}
		}
		return query.RecoverContext(r.Context(), db, q, limit, mode)
	})
}

func (a *API) handleUserSessions(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("user")
	limit := atoiOr(r.URL.Query().Get("limit"), 20)
	offset := atoiOr(r.URL.Query().Get("offset"), 0)
	a.withReader(w, r, func(db *sql.DB) (any, error) {
		return query.GetUserSessions(r.Context(), db, userID, limit, offset)
	})
}

func (a *API) handleRecentTodos(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session")
	limit := atoiOr(r.URL.Query().Get("limit"), 10)
	a.withReader(w, r, func(db *sql.DB) (any, error) {
		return query.GetRecentTodos(r.Context(), db, sessionID, limit)
	})
}

func (a *API) handleEmbeddingsStatus(w http.ResponseWriter, r *http.Request) {
	a.withReader(w, r, func(db *sql.DB) (any, error) {
		return query.GetEmbeddingStats(r.Context(), db)
	})
}

// withReader acquires a reader connection, runs fn, and writes its result
// (or error) as JSON.
func (a *API) withReader(w http.ResponseWriter, r *http.Request, fn func(*sql.DB) (any, error)) {
	err := a.Readers.With(r.Context(), func(db *sql.DB) error {
		result, err := fn(db)
		if err != nil {
			return err
		}
		w.Header().Set("Content-Type", "application/json")
		return json.NewEncoder(w).Encode(result)
	})
	if err != nil {
		http.Error(w, `{"error":"`+err.Error()+`"}`, http.StatusInternalServerError)
	}
}

func parseSearchMode(s string) query.SearchMode {
	switch strings.ToLower(s) {
	case "natural":
		return query.Natural
	case "raw":
		return query.Raw
	default:
		return query.Phrase
	}
}

func atoiOr(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}
