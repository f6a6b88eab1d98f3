package embedding

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"aspyx/internal/cortex"
	"aspyx/internal/events"
)

// fakeProvider returns a constant vector per text and records call counts.
type fakeProvider struct {
	dims    int
	ready   bool
	calls   int
	lastLen int
	err     error
}

func (f *fakeProvider) Name() string    { return "fake" }
func (f *fakeProvider) Dimensions() int { return f.dims }
func (f *fakeProvider) IsReady() bool   { return f.ready }
func (f *fakeProvider) Shutdown()       {}
func (f *fakeProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := f.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}
func (f *fakeProvider) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	f.calls++
	f.lastLen = len(texts)
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		vec := make([]float32, f.dims)
		vec[0] = float32(len(texts[i]))
		out[i] = vec
	}
	return out, nil
}

func newStoreWithContent(t *testing.T) (string, *sql.DB) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cortex.db")
	w, err := cortex.NewWriter(cortex.WriterConfig{DBPath: path}, events.NewBus(), nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { w.Close() })
	db := w.DB()

	db.Exec(`INSERT INTO sessions (session_id, user_id, started_at) VALUES ('s1', 'u1', datetime('now'))`)
	db.Exec(`INSERT INTO user_prompts (session_id, timestamp, content) VALUES ('s1', datetime('now'), 'first prompt')`)
	db.Exec(`INSERT INTO user_prompts (session_id, timestamp, content) VALUES ('s1', datetime('now'), 'second prompt')`)
	db.Exec(`INSERT INTO thinking_blocks (session_id, timestamp, content) VALUES ('s1', datetime('now'), 'a thought')`)
	db.Exec(`INSERT INTO assistant_responses (session_id, timestamp, content) VALUES ('s1', datetime('now'), 'a reply')`)
	return path, db
}

// testIndexer builds an Indexer whose connection mirrors the one Run opens,
// for direct method-level tests.
func testIndexer(t *testing.T, path string, p Provider, cfg Config) *Indexer {
	t.Helper()
	cfg.DBPath = path
	ix := NewIndexer(cfg, p, nil)
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=foreign_keys(0)")
	if err != nil {
		t.Fatal(err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	ix.db = db
	return ix
}

func TestIndexer_RecountPending(t *testing.T) {
	path, _ := newStoreWithContent(t)
	ix := testIndexer(t, path, &fakeProvider{dims: 2, ready: true}, Config{})
	if err := ix.recountPending(); err != nil {
		t.Fatal(err)
	}
	if ix.PendingCount() != 4 {
		t.Errorf("pending = %d, want 4", ix.PendingCount())
	}
}

func TestIndexer_ProcessBatchStoresVectors(t *testing.T) {
	path, db := newStoreWithContent(t)
	p := &fakeProvider{dims: 2, ready: true}
	ix := testIndexer(t, path, p, Config{BatchSize: 10})
	ix.recountPending()

	ix.processBatch()

	if p.calls != 1 {
		t.Fatalf("provider calls = %d", p.calls)
	}
	var n int
	db.QueryRow(`SELECT COUNT(*) FROM prompts_embeddings`).Scan(&n)
	if n != 2 {
		t.Errorf("prompts_embeddings = %d, want 2", n)
	}
	db.QueryRow(`SELECT COUNT(*) FROM thinking_embeddings`).Scan(&n)
	if n != 1 {
		t.Errorf("thinking_embeddings = %d, want 1", n)
	}

	var blob []byte
	db.QueryRow(`SELECT embedding FROM thinking_embeddings LIMIT 1`).Scan(&blob)
	if len(blob) != 8 { // 2 dims * 4 bytes
		t.Errorf("blob length = %d", len(blob))
	}

	// Everything embedded: a second batch finds nothing and makes no call.
	ix.processBatch()
	if p.calls != 1 {
		t.Errorf("provider called on empty pending set")
	}
	if ix.PendingCount() != 0 {
		t.Errorf("pending = %d, want 0", ix.PendingCount())
	}
}

func TestIndexer_TruncatesLongContent(t *testing.T) {
	path, db := newStoreWithContent(t)
	db.Exec(`INSERT INTO user_prompts (session_id, timestamp, content) VALUES ('s1', datetime('now'), 'cccccccccccccccccccccccc')`)

	p := &fakeProvider{dims: 1, ready: true}
	ix := testIndexer(t, path, p, Config{BatchSize: 50, MaxContentLength: 5})
	ix.processBatch()

	// The provider saw each text truncated to 5 bytes: the fake encodes
	// the text length into vec[0].
	var blobs int
	db.QueryRow(`SELECT COUNT(*) FROM prompts_embeddings pe JOIN user_prompts p ON p.id = pe.content_id WHERE p.content LIKE 'ccc%'`).Scan(&blobs)
	if blobs != 1 {
		t.Fatalf("long prompt not embedded")
	}
	var blob []byte
	db.QueryRow(`SELECT pe.embedding FROM prompts_embeddings pe JOIN user_prompts p ON p.id = pe.content_id WHERE p.content LIKE 'ccc%'`).Scan(&blob)
	if got := FromBlob(blob)[0]; got != 5 {
		t.Errorf("provider saw %v bytes, want 5", got)
	}
}

func TestIndexer_ReconcileConfigClearsOnChange(t *testing.T) {
	path, db := newStoreWithContent(t)
	db.Exec(`INSERT INTO embedding_config (id, provider, model, dimensions, updated_at) VALUES (1, 'remote', 'old-model', 2, datetime('now'))`)
	db.Exec(`INSERT INTO prompts_embeddings (content_id, embedding, embedded_at) VALUES (1, x'00000000', datetime('now'))`)

	ix := testIndexer(t, path, &fakeProvider{dims: 2, ready: true}, Config{ProviderName: "remote", Model: "new-model", Dimensions: 2})
	if err := ix.reconcileConfig(); err != nil {
		t.Fatal(err)
	}

	var n int
	db.QueryRow(`SELECT COUNT(*) FROM prompts_embeddings`).Scan(&n)
	if n != 0 {
		t.Errorf("embeddings not cleared on model change: %d rows", n)
	}
	var model string
	db.QueryRow(`SELECT model FROM embedding_config WHERE id = 1`).Scan(&model)
	if model != "new-model" {
		t.Errorf("config model = %q", model)
	}
}

func TestIndexer_ReconcileConfigUnchangedKeepsRows(t *testing.T) {
	path, db := newStoreWithContent(t)
	db.Exec(`INSERT INTO embedding_config (id, provider, model, dimensions, updated_at) VALUES (1, 'remote', 'm', 2, datetime('now'))`)
	db.Exec(`INSERT INTO prompts_embeddings (content_id, embedding, embedded_at) VALUES (1, x'00000000', datetime('now'))`)

	ix := testIndexer(t, path, &fakeProvider{dims: 2, ready: true}, Config{ProviderName: "remote", Model: "m", Dimensions: 2})
	if err := ix.reconcileConfig(); err != nil {
		t.Fatal(err)
	}

	var n int
	db.QueryRow(`SELECT COUNT(*) FROM prompts_embeddings`).Scan(&n)
	if n != 1 {
		t.Errorf("unchanged config must keep embeddings, got %d rows", n)
	}
}

func TestIndexer_ShutdownCommand(t *testing.T) {
	path, _ := newStoreWithContent(t)
	ix := NewIndexer(Config{DBPath: path, PollInterval: time.Hour}, NoopProvider{}, nil)

	done := make(chan error, 1)
	go func() { done <- ix.Run() }()

	time.Sleep(50 * time.Millisecond)
	if err := ix.Shutdown(); err != nil {
		t.Fatal(err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Shutdown")
	}
}

func TestIndexer_ErrorCountsAndContinues(t *testing.T) {
	path, _ := newStoreWithContent(t)
	p := &fakeProvider{dims: 2, ready: true, err: context.DeadlineExceeded}
	ix := testIndexer(t, path, p, Config{BatchSize: 10})
	ix.processBatch()
	if ix.ErrorCount() != 1 {
		t.Errorf("errors = %d, want 1", ix.ErrorCount())
	}
}

func TestNoopProvider_NeverReady(t *testing.T) {
	p := NoopProvider{}
	if p.IsReady() {
		t.Error("noop provider must never be ready")
	}
	if _, err := p.EmbedBatch(context.Background(), []string{"x"}); err == nil {
		t.Error("Expected error from noop EmbedBatch")
	}
}
