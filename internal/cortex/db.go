package cortex

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite" // registers the "sqlite" driver, pure Go, no cgo
)

// openWriter opens the single write connection to path, enables WAL and
// foreign keys, and applies the schema. Only one *sql.DB handle in the
// whole process should ever hold this connection open (the Writer); every
// other consumer goes through openReader.
func openWriter(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("cortex: open writer: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("cortex: apply schema: %w", err)
	}
	if _, err := db.Exec(insertSchemaVersion, SchemaVersion); err != nil {
		db.Close()
		return nil, fmt.Errorf("cortex: record schema version: %w", err)
	}
	return db, nil
}

// openReader opens an additional read-only connection against the same
// file. WAL mode lets it run concurrently with the writer's transactions.
func openReader(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", "file:"+path+"?mode=ro")
	if err != nil {
		return nil, fmt.Errorf("cortex: open reader: %w", err)
	}
	db.SetMaxOpenConns(1)
	return db, nil
}
