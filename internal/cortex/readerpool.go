package cortex

import (
	"context"
	"database/sql"
	"fmt"
)

// ReaderPool is a fixed-size pool of read-only connections. WAL mode
// lets readers run concurrently with the writer's transactions. Acquire
// blocks until a connection is available or ctx is done.
type ReaderPool struct {
	conns chan *sql.DB
	all   []*sql.DB
}

const DefaultReaderPoolSize = 4

// NewReaderPool opens size read-only connections against path.
func NewReaderPool(path string, size int) (*ReaderPool, error) {
	if size <= 0 {
		size = DefaultReaderPoolSize
	}
	p := &ReaderPool{conns: make(chan *sql.DB, size)}
	for i := 0; i < size; i++ {
		db, err := openReader(path)
		if err != nil {
			p.Close()
			return nil, fmt.Errorf("cortex: reader pool init: %w", err)
		}
		p.all = append(p.all, db)
		p.conns <- db
	}
	return p, nil
}

// Acquire blocks until a reader is free or ctx is cancelled.
func (p *ReaderPool) Acquire(ctx context.Context) (*sql.DB, error) {
	select {
	case db := <-p.conns:
		return db, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Release returns db to the pool. db must have come from Acquire on this
// pool.
func (p *ReaderPool) Release(db *sql.DB) {
	p.conns <- db
}

// With acquires a reader, runs fn, and releases it regardless of fn's
// outcome.
func (p *ReaderPool) With(ctx context.Context, fn func(*sql.DB) error) error {
	db, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	defer p.Release(db)
	return fn(db)
}

func (p *ReaderPool) Close() error {
	var firstErr error
	for _, db := range p.all {
		if err := db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
