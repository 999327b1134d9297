package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgreSQLStore stores cache records in PostgreSQL.
type PostgreSQLStore struct {
	pool *pgxpool.Pool
}

// NewPostgreSQLStore creates the cache_entries table and indexes if needed.
func NewPostgreSQLStore(ctx context.Context, pool *pgxpool.Pool) (*PostgreSQLStore, error) {
	if ctx == nil {
		return nil, fmt.Errorf("context is required")
	}
	if pool == nil {
		return nil, fmt.Errorf("connection pool is required")
	}

	_, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS cache_entries (
			id TEXT PRIMARY KEY,
			token TEXT NOT NULL,
			size BIGINT NOT NULL,
			created_at BIGINT NOT NULL,
			last_access BIGINT NOT NULL,
			schema_version INTEGER NOT NULL,
			data BYTEA NOT NULL
		)
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to create cache_entries table: %w", err)
	}

	if _, err := pool.Exec(ctx, "CREATE INDEX IF NOT EXISTS idx_cache_entries_last_access ON cache_entries(last_access)"); err != nil {
		return nil, fmt.Errorf("failed to create cache_entries last_access index: %w", err)
	}

	return &PostgreSQLStore{pool: pool}, nil
}

// Name implements Store.
func (s *PostgreSQLStore) Name() string { return "postgresql" }

// Load returns the record for id.
func (s *PostgreSQLStore) Load(ctx context.Context, id string) (*Record, error) {
	var (
		rec                   Record
		createdAt, lastAccess int64
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id, token, size, created_at, last_access, schema_version, data
		FROM cache_entries WHERE id = $1
	`, id).Scan(&rec.ID, &rec.Token, &rec.Size, &createdAt, &lastAccess, &rec.SchemaVersion, &rec.Data)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query cache entry: %w", err)
	}
	rec.CreatedAt = time.Unix(0, createdAt)
	rec.LastAccess = time.Unix(0, lastAccess)
	return &rec, nil
}

// Save upserts rec.
func (s *PostgreSQLStore) Save(ctx context.Context, rec *Record) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO cache_entries (id, token, size, created_at, last_access, schema_version, data)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			token = EXCLUDED.token,
			size = EXCLUDED.size,
			created_at = EXCLUDED.created_at,
			last_access = EXCLUDED.last_access,
			schema_version = EXCLUDED.schema_version,
			data = EXCLUDED.data
	`, rec.ID, rec.Token, rec.Size, rec.CreatedAt.UnixNano(), rec.LastAccess.UnixNano(), rec.SchemaVersion, rec.Data)
	if err != nil {
		return fmt.Errorf("upsert cache entry: %w", err)
	}
	return nil
}

// Touch updates last_access for id.
func (s *PostgreSQLStore) Touch(ctx context.Context, id string, at time.Time) error {
	if _, err := s.pool.Exec(ctx, "UPDATE cache_entries SET last_access = $1 WHERE id = $2", at.UnixNano(), id); err != nil {
		return fmt.Errorf("touch cache entry: %w", err)
	}
	return nil
}

// Delete removes id.
func (s *PostgreSQLStore) Delete(ctx context.Context, id string) error {
	if _, err := s.pool.Exec(ctx, "DELETE FROM cache_entries WHERE id = $1", id); err != nil {
		return fmt.Errorf("delete cache entry: %w", err)
	}
	return nil
}

// Clear removes every record.
func (s *PostgreSQLStore) Clear(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, "DELETE FROM cache_entries"); err != nil {
		return fmt.Errorf("clear cache entries: %w", err)
	}
	return nil
}

// List returns metadata for every record.
func (s *PostgreSQLStore) List(ctx context.Context) ([]Record, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, token, size, created_at, last_access, schema_version
		FROM cache_entries
	`)
	if err != nil {
		return nil, fmt.Errorf("list cache entries: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			rec                   Record
			createdAt, lastAccess int64
		)
		if err := rows.Scan(&rec.ID, &rec.Token, &rec.Size, &createdAt, &lastAccess, &rec.SchemaVersion); err != nil {
			return nil, fmt.Errorf("scan cache entry row: %w", err)
		}
		rec.CreatedAt = time.Unix(0, createdAt)
		rec.LastAccess = time.Unix(0, lastAccess)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cache entry rows: %w", err)
	}
	return out, nil
}

// Close is a no-op; pool lifecycle is managed by storage layer.
func (s *PostgreSQLStore) Close() error {
	return nil
}
