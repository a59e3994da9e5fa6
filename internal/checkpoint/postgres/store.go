// Package postgres stores checkpoints in a Postgres table, one row per key.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"regexp"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/replay-harvester/internal/harvest"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const defaultTable = "harvest_checkpoints"

// Config controls the Postgres connection pool used for checkpoint rows.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	Begin(context.Context) (pgx.Tx, error)
	Close()
}

// Store implements harvest.CheckpointStore on a table shaped
//
//	key TEXT PRIMARY KEY, boundary BIGINT NOT NULL, updated_at TIMESTAMPTZ
//
// Update runs in one transaction holding a transaction-scoped advisory lock,
// so concurrent writers (even across processes) serialize.
type Store struct {
	pool    pool
	table   string
	lockKey int64
}

// New connects to Postgres and returns a Store.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, errors.New("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s, err := NewWithPool(p, cfg.Table)
	if err != nil {
		p.Close()
		return nil, err
	}
	return s, nil
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(p pool, table string) (*Store, error) {
	if p == nil {
		return nil, errors.New("pool is required")
	}
	if table == "" {
		table = defaultTable
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte("checkpoints:" + table))
	return &Store{pool: p, table: table, lockKey: int64(h.Sum64())}, nil
}

// EnsureSchema creates the checkpoint table when missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		key TEXT PRIMARY KEY,
		boundary BIGINT NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create checkpoint table: %w", err)
	}
	return nil
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Load reads every checkpoint row.
func (s *Store) Load(ctx context.Context) (harvest.Checkpoints, error) {
	rows, err := s.pool.Query(ctx, s.selectQuery())
	if err != nil {
		return nil, fmt.Errorf("query checkpoints: %w", err)
	}
	return scanCheckpoints(rows)
}

// Update locks the document, applies mutate and upserts the keys it changed.
func (s *Store) Update(ctx context.Context, mutate func(harvest.Checkpoints) error) (err error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin checkpoint tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if _, err = tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", s.lockKey); err != nil {
		return fmt.Errorf("lock checkpoints: %w", err)
	}
	rows, err := tx.Query(ctx, s.selectQuery())
	if err != nil {
		return fmt.Errorf("query checkpoints: %w", err)
	}
	current, err := scanCheckpoints(rows)
	if err != nil {
		return err
	}
	next := current.Clone()
	if err = mutate(next); err != nil {
		return err
	}

	upsert := fmt.Sprintf(`INSERT INTO %s (key, boundary, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (key) DO UPDATE
		SET boundary = EXCLUDED.boundary, updated_at = EXCLUDED.updated_at`, s.table)
	for _, key := range changedKeys(current, next) {
		if _, err = tx.Exec(ctx, upsert, key, next[key]); err != nil {
			return fmt.Errorf("upsert checkpoint %s: %w", key, err)
		}
	}
	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit checkpoints: %w", err)
	}
	return nil
}

func (s *Store) selectQuery() string {
	return fmt.Sprintf("SELECT key, boundary FROM %s", s.table)
}

func scanCheckpoints(rows pgx.Rows) (harvest.Checkpoints, error) {
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
		return nil, fmt.Errorf("read checkpoints: %w", err)
	}
	return cps, nil
}

// changedKeys returns keys whose value differs, sorted. Keys are never
// deleted, so only additions and changes matter.
func changedKeys(before, after harvest.Checkpoints) []string {
	var keys []string
	for k, v := range after {
		if old, ok := before[k]; !ok || old != v {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}
