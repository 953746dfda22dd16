package nonce

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
)

// Dialect selects SQL placeholders.
type Dialect string

const (
	Postgres Dialect = "postgres"
	SQLite   Dialect = "sqlite"
)

type sqlQueries struct {
	schema  string
	ensure  string
	next    string
	observe string
}

var queries = map[Dialect]sqlQueries{
	Postgres: {
		schema:  `CREATE TABLE IF NOT EXISTS relayer_nonces (key_id TEXT PRIMARY KEY, nonce BIGINT NOT NULL)`,
		ensure:  `INSERT INTO relayer_nonces (key_id, nonce) VALUES ($1, 0) ON CONFLICT (key_id) DO NOTHING`,
		next:    `UPDATE relayer_nonces SET nonce = nonce + 1 WHERE key_id = $1 RETURNING nonce`,
		observe: `UPDATE relayer_nonces SET nonce = $2 WHERE key_id = $1 AND nonce < $2`,
	},
	SQLite: {
		schema:  `CREATE TABLE IF NOT EXISTS relayer_nonces (key_id TEXT PRIMARY KEY, nonce INTEGER NOT NULL)`,
		ensure:  `INSERT INTO relayer_nonces (key_id, nonce) VALUES (?1, 0) ON CONFLICT (key_id) DO NOTHING`,
		next:    `UPDATE relayer_nonces SET nonce = nonce + 1 WHERE key_id = ?1 RETURNING nonce`,
		observe: `UPDATE relayer_nonces SET nonce = ?2 WHERE key_id = ?1 AND nonce < ?2`,
	},
}

// SQLStore keeps the counter in a relayer_nonces row.
type SQLStore struct {
	db    *sql.DB
	q     sqlQueries
	keyID string
}

// NewSQLStore prepares the table and the counter row for keyID.
func NewSQLStore(ctx context.Context, db *sql.DB, dialect Dialect, keyID string) (*SQLStore, error) {
	q, ok := queries[dialect]
	if !ok {
		return nil, fmt.Errorf("nonce: unsupported sql dialect %q", dialect)
	}
	if _, err := db.ExecContext(ctx, q.schema); err != nil {
		return nil, fmt.Errorf("nonce: create table: %w", err)
	}
	if _, err := db.ExecContext(ctx, q.ensure, keyID); err != nil {
		return nil, fmt.Errorf("nonce: init counter: %w", err)
	}
	return &SQLStore{db: db, q: q, keyID: keyID}, nil
}

func (s *SQLStore) Next(ctx context.Context) (uint64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, s.q.next, s.keyID).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("nonce: counter row for %s is missing", s.keyID)
	}
	if err != nil {
		return 0, fmt.Errorf("nonce: increment: %w", err)
	}
	return uint64(n), nil //nolint:gosec // column only grows from zero
}

func (s *SQLStore) Observe(ctx context.Context, floor uint64) error {
	if floor > math.MaxInt64 {
		return fmt.Errorf("nonce: floor %d exceeds BIGINT", floor)
	}
	if _, err := s.db.ExecContext(ctx, s.q.observe, s.keyID, int64(floor)); err != nil {
		return fmt.Errorf("nonce: observe: %w", err)
	}
	return nil
}
