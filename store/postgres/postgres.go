// Package postgres provides a PostgreSQL-backed TokenStore for imagerouter.
//
// Records are stored as JSONB next to a version column; every swap is an
// UPDATE guarded by the expected version. This makes it safe for
// multi-instance deployments and keeps token state across restarts.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ineyio/imagerouter"
)

// Store is a PostgreSQL-backed TokenStore.
type Store struct {
	pool        *pgxpool.Pool
	tablePrefix string
}

var _ imagerouter.TokenStore = (*Store)(nil)

// Option configures Store.
type Option func(*Store)

// WithTablePrefix sets the table name prefix (default "imagerouter_").
func WithTablePrefix(prefix string) Option {
	return func(s *Store) { s.tablePrefix = prefix }
}

// New creates a new PostgreSQL-backed TokenStore.
func New(pool *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{
		pool:        pool,
		tablePrefix: "imagerouter_",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) tokensTable() string { return s.tablePrefix + "tokens" }
func (s *Store) cursorTable() string { return s.tablePrefix + "cursor" }

// EnsureSchema creates the required tables if they don't exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	q := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			version BIGINT NOT NULL DEFAULT 0,
			data JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE TABLE IF NOT EXISTS %s (
			name TEXT PRIMARY KEY,
			position TEXT NOT NULL DEFAULT '',
			version BIGINT NOT NULL DEFAULT 0
		);
	`, s.tokensTable(), s.cursorTable())
	_, err := s.pool.Exec(ctx, q)
	if err != nil {
		return fmt.Errorf("imagerouter/postgres: ensure schema: %w", err)
	}
	return nil
}

// Load creates new records, merges configuration into existing ones and
// deletes ids that are no longer configured, in one transaction.
func (s *Store) Load(ctx context.Context, records []imagerouter.TokenRecord) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("imagerouter/postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	ids := make([]string, 0, len(records))
	seen := make(map[string]bool, len(records))
	for _, r := range records {
		if seen[r.ID] {
			return fmt.Errorf("imagerouter/postgres: duplicate token id %q", r.ID)
		}
		seen[r.ID] = true
		ids = append(ids, r.ID)

		var data []byte
		err := tx.QueryRow(ctx,
			fmt.Sprintf(`SELECT data FROM %s WHERE id = $1 FOR UPDATE`, s.tokensTable()),
			r.ID,
		).Scan(&data)

		if errors.Is(err, pgx.ErrNoRows) {
			r.Version = 0
			payload, err := encode(r)
			if err != nil {
				return err
			}
			_, err = tx.Exec(ctx,
				fmt.Sprintf(`INSERT INTO %s (id, version, data) VALUES ($1, 0, $2)`, s.tokensTable()),
				r.ID, payload,
			)
			if err != nil {
				return fmt.Errorf("imagerouter/postgres: insert %s: %w", r.ID, err)
			}
			continue
		}
		if err != nil {
			return fmt.Errorf("imagerouter/postgres: load %s: %w", r.ID, err)
		}

		var cur imagerouter.TokenRecord
		if err := json.Unmarshal(data, &cur); err != nil {
			return fmt.Errorf("imagerouter/postgres: decode %s: %w", r.ID, err)
		}
		payload, err := encode(imagerouter.MergeConfig(cur, r))
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx,
			fmt.Sprintf(`UPDATE %s SET data = $1, version = version + 1, updated_at = now() WHERE id = $2`, s.tokensTable()),
			payload, r.ID,
		)
		if err != nil {
			return fmt.Errorf("imagerouter/postgres: merge %s: %w", r.ID, err)
		}
	}

	_, err = tx.Exec(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE NOT (id = ANY($1))`, s.tokensTable()),
		ids,
	)
	if err != nil {
		return fmt.Errorf("imagerouter/postgres: prune: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("imagerouter/postgres: commit: %w", err)
	}
	return nil
}

// Get returns the record for id.
func (s *Store) Get(ctx context.Context, id string) (imagerouter.TokenRecord, error) {
	var version int64
	var data []byte
	err := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT version, data FROM %s WHERE id = $1`, s.tokensTable()),
		id,
	).Scan(&version, &data)
	if errors.Is(err, pgx.ErrNoRows) {
		return imagerouter.TokenRecord{}, fmt.Errorf("%w: %s", imagerouter.ErrNotFound, id)
	}
	if err != nil {
		return imagerouter.TokenRecord{}, fmt.Errorf("imagerouter/postgres: get %s: %w", id, err)
	}
	return decode(version, data)
}

// CompareAndSwap stores next when the stored version equals expectedVersion.
func (s *Store) CompareAndSwap(ctx context.Context, id string, expectedVersion int64, next imagerouter.TokenRecord) (bool, error) {
	next.ID = id
	payload, err := encode(next)
	if err != nil {
		return false, err
	}
	tag, err := s.pool.Exec(ctx,
		fmt.Sprintf(`UPDATE %s SET data = $1, version = version + 1, updated_at = now()
			WHERE id = $2 AND version = $3`, s.tokensTable()),
		payload, id, expectedVersion,
	)
	if err != nil {
		return false, fmt.Errorf("imagerouter/postgres: swap %s: %w", id, err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}

	// Distinguish a conflict from a missing row.
	var exists bool
	err = s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT true FROM %s WHERE id = $1`, s.tokensTable()),
		id,
	).Scan(&exists)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, fmt.Errorf("%w: %s", imagerouter.ErrNotFound, id)
	}
	if err != nil {
		return false, fmt.Errorf("imagerouter/postgres: swap %s: %w", id, err)
	}
	return false, nil
}

// ListEligible returns the records accepted by keep, sorted by ID.
func (s *Store) ListEligible(ctx context.Context, keep func(imagerouter.TokenRecord) bool) ([]imagerouter.TokenRecord, error) {
	rows, err := s.pool.Query(ctx,
		fmt.Sprintf(`SELECT version, data FROM %s ORDER BY id`, s.tokensTable()),
	)
	if err != nil {
		return nil, fmt.Errorf("imagerouter/postgres: list: %w", err)
	}
	defer rows.Close()

	var out []imagerouter.TokenRecord
	for rows.Next() {
		var version int64
		var data []byte
		if err := rows.Scan(&version, &data); err != nil {
			return nil, fmt.Errorf("imagerouter/postgres: list: %w", err)
		}
		r, err := decode(version, data)
		if err != nil {
			return nil, err
		}
		if keep == nil || keep(r) {
			out = append(out, r)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("imagerouter/postgres: list: %w", err)
	}
	return out, nil
}

// Cursor returns the round-robin position.
func (s *Store) Cursor(ctx context.Context) (imagerouter.Cursor, error) {
	var c imagerouter.Cursor
	err := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT position, version FROM %s WHERE name = 'round_robin'`, s.cursorTable()),
	).Scan(&c.Position, &c.Version)
	if errors.Is(err, pgx.ErrNoRows) {
		return imagerouter.Cursor{}, nil
	}
	if err != nil {
		return imagerouter.Cursor{}, fmt.Errorf("imagerouter/postgres: cursor: %w", err)
	}
	return c, nil
}

// AdvanceCursor moves the round-robin position when expectedVersion matches.
func (s *Store) AdvanceCursor(ctx context.Context, expectedVersion int64, position string) (bool, error) {
	var q string
	if expectedVersion == 0 {
		q = fmt.Sprintf(`INSERT INTO %s (name, position, version) VALUES ('round_robin', $1, 1)
			ON CONFLICT (name) DO UPDATE SET position = $1, version = %[1]s.version + 1
			WHERE %[1]s.version = $2`, s.cursorTable())
	} else {
		q = fmt.Sprintf(`UPDATE %s SET position = $1, version = version + 1
			WHERE name = 'round_robin' AND version = $2`, s.cursorTable())
	}
	tag, err := s.pool.Exec(ctx, q, position, expectedVersion)
	if err != nil {
		return false, fmt.Errorf("imagerouter/postgres: advance cursor: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func encode(r imagerouter.TokenRecord) ([]byte, error) {
	r.Secret = ""
	b, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("imagerouter/postgres: encode %s: %w", r.ID, err)
	}
	return b, nil
}

func decode(version int64, data []byte) (imagerouter.TokenRecord, error) {
	var r imagerouter.TokenRecord
	if err := json.Unmarshal(data, &r); err != nil {
		return imagerouter.TokenRecord{}, fmt.Errorf("imagerouter/postgres: decode: %w", err)
	}
	r.Version = version
	return r, nil
}
