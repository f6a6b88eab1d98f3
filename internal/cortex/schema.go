// Package cortex implements the single-writer, multi-reader embedded store:
// a write-ahead-logged SQLite database with FTS5 keyword side indexes, plus
// the retention sweep over aged-out conversation rows.
package cortex

// SchemaVersion is the current Cortex schema version.
const SchemaVersion = 1

// Schema creates every table, FTS5 side-index, and embedding side-table.
// FTS5 tables are contentless (content='') and keyed so that FTS rowid ==
// content row id — a hard schema contract the query joins rely on.
const Schema = `
PRAGMA journal_mode=WAL;
PRAGMA foreign_keys=ON;

CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER PRIMARY KEY,
	applied_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS sessions (
	session_id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	transcript_path TEXT,
	started_at TIMESTAMP NOT NULL,
	ended_at TIMESTAMP,
	total_input_tokens INTEGER NOT NULL DEFAULT 0,
	total_output_tokens INTEGER NOT NULL DEFAULT 0,
	total_cache_read_tokens INTEGER NOT NULL DEFAULT 0,
	total_cache_creation_tokens INTEGER NOT NULL DEFAULT 0,
	total_cost_usd REAL NOT NULL DEFAULT 0,
	tool_call_count INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_id);
CREATE INDEX IF NOT EXISTS idx_sessions_transcript ON sessions(transcript_path);

CREATE TABLE IF NOT EXISTS api_usage (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT REFERENCES sessions(session_id),
	timestamp TIMESTAMP NOT NULL,
	model TEXT NOT NULL,
	input_tokens INTEGER NOT NULL DEFAULT 0,
	output_tokens INTEGER NOT NULL DEFAULT 0,
	cache_read_tokens INTEGER NOT NULL DEFAULT 0,
	cache_creation_tokens INTEGER NOT NULL DEFAULT 0,
	cost_usd REAL NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_api_usage_session ON api_usage(session_id);
CREATE INDEX IF NOT EXISTS idx_api_usage_model ON api_usage(model);
CREATE INDEX IF NOT EXISTS idx_api_usage_timestamp ON api_usage(timestamp);

CREATE TABLE IF NOT EXISTS thinking_blocks (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT REFERENCES sessions(session_id),
	timestamp TIMESTAMP NOT NULL,
	content TEXT NOT NULL,
	tokens INTEGER
);
CREATE INDEX IF NOT EXISTS idx_thinking_session ON thinking_blocks(session_id);
CREATE INDEX IF NOT EXISTS idx_thinking_timestamp ON thinking_blocks(timestamp);

CREATE VIRTUAL TABLE IF NOT EXISTS thinking_fts USING fts5(content, content='', contentless_delete=1, tokenize='porter unicode61');

CREATE TABLE IF NOT EXISTS thinking_embeddings (
	content_id INTEGER PRIMARY KEY REFERENCES thinking_blocks(id) ON DELETE CASCADE,
	embedding BLOB NOT NULL,
	embedded_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS user_prompts (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT REFERENCES sessions(session_id),
	timestamp TIMESTAMP NOT NULL,
	content TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_prompts_session ON user_prompts(session_id);
CREATE INDEX IF NOT EXISTS idx_prompts_timestamp ON user_prompts(timestamp);

CREATE VIRTUAL TABLE IF NOT EXISTS prompts_fts USING fts5(content, content='', contentless_delete=1, tokenize='porter unicode61');

CREATE TABLE IF NOT EXISTS prompts_embeddings (
	content_id INTEGER PRIMARY KEY REFERENCES user_prompts(id) ON DELETE CASCADE,
	embedding BLOB NOT NULL,
	embedded_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS assistant_responses (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT REFERENCES sessions(session_id),
	timestamp TIMESTAMP NOT NULL,
	content TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_responses_session ON assistant_responses(session_id);
CREATE INDEX IF NOT EXISTS idx_responses_timestamp ON assistant_responses(timestamp);

CREATE VIRTUAL TABLE IF NOT EXISTS responses_fts USING fts5(content, content='', contentless_delete=1, tokenize='porter unicode61');

CREATE TABLE IF NOT EXISTS responses_embeddings (
	content_id INTEGER PRIMARY KEY REFERENCES assistant_responses(id) ON DELETE CASCADE,
	embedding BLOB NOT NULL,
	embedded_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS todos (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT REFERENCES sessions(session_id),
	timestamp TIMESTAMP NOT NULL,
	todos_json TEXT NOT NULL,
	pending_count INTEGER NOT NULL DEFAULT 0,
	in_progress_count INTEGER NOT NULL DEFAULT 0,
	completed_count INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_todos_session ON todos(session_id);

CREATE TABLE IF NOT EXISTS tool_calls (
	id TEXT PRIMARY KEY,
	session_id TEXT REFERENCES sessions(session_id),
	timestamp TIMESTAMP NOT NULL,
	tool_name TEXT NOT NULL,
	input_json TEXT
);
CREATE INDEX IF NOT EXISTS idx_tool_calls_session ON tool_calls(session_id);
CREATE INDEX IF NOT EXISTS idx_tool_calls_name ON tool_calls(tool_name);

CREATE TABLE IF NOT EXISTS tool_results (
	call_id TEXT PRIMARY KEY REFERENCES tool_calls(id),
	duration_ms INTEGER,
	success BOOLEAN,
	is_rejection BOOLEAN
);

CREATE TABLE IF NOT EXISTS embedding_config (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	provider TEXT NOT NULL,
	model TEXT NOT NULL,
	dimensions INTEGER NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
`

const insertSchemaVersion = `
INSERT INTO schema_version (version, applied_at) VALUES (?, datetime('now'))
ON CONFLICT(version) DO NOTHING;
`

const getSchemaVersion = `SELECT version FROM schema_version ORDER BY version DESC LIMIT 1;`
