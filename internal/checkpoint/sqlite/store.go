// Package sqlite stores checkpoints in a single-file SQLite database, one row
// per key. It suits single-host deployments that want transactional writes
// without running Postgres.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	_ "github.com/mattn/go-sqlite3" // register the sqlite3 driver

	"github.com/JakeFAU/replay-harvester/internal/harvest"
)

const schema = `CREATE TABLE IF NOT EXISTS checkpoints (
	key        TEXT PRIMARY KEY,
	boundary   INTEGER NOT NULL,
	updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
)`

// Store implements harvest.CheckpointStore on a SQLite file.
type Store struct {
	mu sync.Mutex
	db *sql.DB
}

// Open opens (creating if needed) the database at path and ensures the
// schema. ":memory:" opens a private in-memory database.
func Open(ctx context.Context, path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("checkpoint path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return nil, fmt.Errorf("create checkpoint dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection keeps ":memory:" databases shared and writers serialized.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create checkpoint table: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Load reads every checkpoint row.
func (s *Store) Load(ctx context.Context) (harvest.Checkpoints, error) {
	return load(ctx, s.db)
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func load(ctx context.Context, q querier) (harvest.Checkpoints, error) {
	rows, err := q.QueryContext(ctx, `SELECT key, boundary FROM checkpoints`)
	if err != nil {
		return nil, fmt.Errorf("select checkpoints: %w", err)
	}
	defer rows.Close()

	cps := harvest.Checkpoints{}
	for rows.Next() {
		var (
			key      string
			boundary int64
		)
		if err := rows.Scan(&key, &boundary); err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		cps[key] = boundary
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate checkpoints: %w", err)
	}
	return cps, nil
}

// Update applies mutate inside one transaction and writes the keys it
// changed.
func (s *Store) Update(ctx context.Context, mutate func(harvest.Checkpoints) error) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin checkpoint tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	before, err := load(ctx, tx)
	if err != nil {
		return err
	}
	after := before.Clone()
	if err = mutate(after); err != nil {
		return err
	}

	keys := make([]string, 0, len(after))
	for k, v := range after {
		if old, ok := before[k]; !ok || old != v {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		if _, err = tx.ExecContext(ctx,
			`INSERT INTO checkpoints (key, boundary, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
			 ON CONFLICT(key) DO UPDATE SET boundary = excluded.boundary, updated_at = excluded.updated_at`,
			k, after[k],
		); err != nil {
			return fmt.Errorf("upsert checkpoint %s: %w", k, err)
		}
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit checkpoints: %w", err)
	}
	return nil
}
