package embedding

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	_ "modernc.org/sqlite"

	"aspyx/internal/util"
)

// Command is a message sent to the indexer's command channel.
type Command int

const (
	Poll Command = iota
	Reindex
	Shutdown
)

// Config mirrors the [embeddings] TOML section.
type Config struct {
	DBPath           string
	ProviderName     string // none | local | remote
	Model            string
	Dimensions       int
	PollInterval     time.Duration
	BatchSize        int
	BatchDelay       time.Duration
	MaxContentLength int
}

func (c Config) effectivePollInterval() time.Duration {
	if c.PollInterval <= 0 {
		return 30 * time.Second
	}
	return c.PollInterval
}

func (c Config) effectiveBatchSize() int {
	if c.BatchSize <= 0 {
		return 32
	}
	return c.BatchSize
}

// BacklogObserver receives indexer progress, for metrics.
type BacklogObserver interface {
	SetIndexerBacklog(kind string, pending int64)
	RecordIndexerBatch(kind string, embedded, errored int)
}

// Indexer runs the background embedding pipeline on its own goroutine,
// pinned to a dedicated OS thread via runtime.LockOSThread so request
// handling never shares a thread with blocking embed/DB work.
type Indexer struct {
	cfg      Config
	provider Provider
	logger   *slog.Logger

	// Observer, when set, receives backlog and batch outcomes. Set
	// before Run.
	Observer BacklogObserver

	db  *sql.DB
	cmd chan Command
	done chan struct{}

	pending int64
	errors  int64
}

func NewIndexer(cfg Config, provider Provider, logger *slog.Logger) *Indexer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Indexer{
		cfg:      cfg,
		provider: provider,
		logger:   logger.With("component", "embedding.indexer"),
		cmd:      make(chan Command, 8),
		done:     make(chan struct{}),
	}
}

// Send enqueues a command for the indexer's main loop.
func (ix *Indexer) Send(cmd Command) { ix.cmd <- cmd }

// Shutdown requests the indexer stop and blocks up to 30s for it to
// acknowledge. Exceeding the deadline logs and returns a timeout error
// without killing the goroutine.
func (ix *Indexer) Shutdown() error {
	ix.cmd <- Shutdown
	select {
	case <-ix.done:
		return nil
	case <-time.After(30 * time.Second):
		ix.logger.Error("indexer shutdown timed out")
		return fmt.Errorf("embedding: indexer shutdown timed out")
	}
}

// Run opens the dedicated connection, reconciles embedding_config, and
// enters the main command loop. It returns when Shutdown is processed.
func (ix *Indexer) Run() error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(ix.done)

	db, err := sql.Open("sqlite", "file:"+ix.cfg.DBPath+"?_pragma=foreign_keys(0)")
	if err != nil {
		return fmt.Errorf("embedding: open indexer connection: %w", err)
	}
	db.SetMaxOpenConns(1)
	ix.db = db
	defer db.Close()

	if err := ix.reconcileConfig(); err != nil {
		ix.logger.Error("reconcile embedding config failed", "error", err)
	}
	if err := ix.recountPending(); err != nil {
		ix.logger.Error("recount pending failed", "error", err)
	}

	ticker := time.NewTicker(ix.cfg.effectivePollInterval())
	defer ticker.Stop()
	lastWork := time.Time{}

	for {
		select {
		case cmd := <-ix.cmd:
			switch cmd {
			case Shutdown:
				return nil
			case Reindex:
				if err := ix.clearEmbeddings(); err != nil {
					ix.logger.Error("reindex clear failed", "error", err)
				}
				if err := ix.recountPending(); err != nil {
					ix.logger.Error("recount pending failed", "error", err)
				}
			case Poll:
				if ix.provider.IsReady() && time.Since(lastWork) >= ix.cfg.effectivePollInterval() {
					ix.processBatch()
					lastWork = time.Now()
				}
			}
		case <-ticker.C:
			if ix.provider.IsReady() {
				ix.processBatch()
				lastWork = time.Now()
			}
		}
	}
}

// reconcileConfig compares the singleton embedding_config row against the
// configured provider/model/dimensions. A mismatch is the canonical
// re-index trigger: every *_embeddings row is deleted and the singleton
// updated in one transaction.
func (ix *Indexer) reconcileConfig() error {
	var provider, model string
	var dims int
	err := ix.db.QueryRow(`SELECT provider, model, dimensions FROM embedding_config WHERE id = 1`).Scan(&provider, &model, &dims)

	changed := err == sql.ErrNoRows || provider != ix.cfg.ProviderName || model != ix.cfg.Model || dims != ix.cfg.Dimensions
	if err != nil && err != sql.ErrNoRows {
		return err
	}
	if !changed {
		return nil
	}

	return ix.clearEmbeddings()
}

func (ix *Indexer) clearEmbeddings() error {
	tx, err := ix.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, table := range []string{"thinking_embeddings", "prompts_embeddings", "responses_embeddings"} {
		if _, err := tx.Exec(`DELETE FROM ` + table); err != nil {
			return err
		}
	}
	_, err = tx.Exec(`INSERT INTO embedding_config (id, provider, model, dimensions, updated_at)
		VALUES (1, ?, ?, ?, datetime('now'))
		ON CONFLICT(id) DO UPDATE SET provider=excluded.provider, model=excluded.model, dimensions=excluded.dimensions, updated_at=excluded.updated_at`,
		ix.cfg.ProviderName, ix.cfg.Model, ix.cfg.Dimensions)
	if err != nil {
		return err
	}
	return tx.Commit()
}

var pendingTables = map[string]struct{ content, embeddings string }{
	"thinking": {"thinking_blocks", "thinking_embeddings"},
	"prompt":   {"user_prompts", "prompts_embeddings"},
	"response": {"assistant_responses", "responses_embeddings"},
}

func (ix *Indexer) recountPending() error {
	var total int64
	for _, t := range pendingTables {
		var n int64
		err := ix.db.QueryRow(fmt.Sprintf(
			`SELECT COUNT(*) FROM %s c WHERE c.id NOT IN (SELECT content_id FROM %s)`, t.content, t.embeddings,
		)).Scan(&n)
		if err != nil {
			return err
		}
		total += n
	}
	ix.pending = total
	if ix.Observer != nil {
		ix.Observer.SetIndexerBacklog("all", total)
	}
	return nil
}

// PendingCount reports the last-computed pending backlog, for metrics.
func (ix *Indexer) PendingCount() int64 { return ix.pending }
func (ix *Indexer) ErrorCount() int64   { return ix.errors }

type pendingDoc struct {
	kind    string
	id      int64
	content string
}

// processBatch fetches up to BatchSize pending documents round-robin
// across the three content kinds, truncates them, embeds them, and stores
// the resulting vectors.
func (ix *Indexer) processBatch() {
	docs, err := ix.fetchPending(ix.cfg.effectiveBatchSize())
	if err != nil {
		ix.logger.Error("fetch pending failed", "error", err)
		ix.errors++
		return
	}
	if len(docs) == 0 {
		ix.pending = 0
		return
	}

	texts := make([]string, len(docs))
	for i, d := range docs {
		texts[i] = util.TruncateUTF8Safe(d.content, ix.cfg.MaxContentLength)
	}

	vectors, err := ix.provider.EmbedBatch(context.Background(), texts)
	if err != nil {
		var rle *RateLimitError
		if errors.As(err, &rle) {
			ix.logger.Warn("embedding provider rate limited", "retry_after", rle.RetryAfter)
			time.Sleep(rle.RetryAfter)
			return
		}
		ix.logger.Error("embed batch failed", "error", err)
		ix.errors++
		if ix.Observer != nil {
			ix.Observer.RecordIndexerBatch("all", 0, len(docs))
		}
		return
	}

	if err := ix.storeVectors(docs, vectors); err != nil {
		ix.logger.Error("store vectors failed", "error", err)
		ix.errors++
		return
	}
	if ix.Observer != nil {
		for _, d := range docs {
			ix.Observer.RecordIndexerBatch(d.kind, 1, 0)
		}
	}

	if ix.pending > int64(len(docs)) {
		ix.pending -= int64(len(docs))
	} else {
		ix.pending = 0
	}

	if ix.cfg.BatchDelay > 0 {
		time.Sleep(ix.cfg.BatchDelay)
	}
}

func (ix *Indexer) fetchPending(limit int) ([]pendingDoc, error) {
	var docs []pendingDoc
	perKind := limit / len(pendingTables)
	if perKind == 0 {
		perKind = 1
	}

	for kind, t := range pendingTables {
		rows, err := ix.db.Query(fmt.Sprintf(
			`SELECT c.id, c.content FROM %s c WHERE c.id NOT IN (SELECT content_id FROM %s) ORDER BY c.id LIMIT ?`,
			t.content, t.embeddings), perKind)
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			var d pendingDoc
			d.kind = kind
			if err := rows.Scan(&d.id, &d.content); err != nil {
				rows.Close()
				return nil, err
			}
			docs = append(docs, d)
			if len(docs) >= limit {
				break
			}
		}
		rows.Close()
		if len(docs) >= limit {
			break
		}
	}
	return docs, nil
}

func (ix *Indexer) storeVectors(docs []pendingDoc, vectors [][]float32) error {
	tx, err := ix.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for i, d := range docs {
		if i >= len(vectors) || vectors[i] == nil {
			continue
		}
		table := pendingTables[d.kind].embeddings
		blob := ToBlob(vectors[i])
		if _, err := tx.Exec(fmt.Sprintf(
			`INSERT OR REPLACE INTO %s (content_id, embedding, embedded_at) VALUES (?, ?, datetime('now'))`, table,
		), d.id, blob); err != nil {
			return err
		}
	}
	return tx.Commit()
}
