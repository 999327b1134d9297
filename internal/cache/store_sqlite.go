package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SQLiteStore stores cache records in SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates the cache_entries table and indexes if needed.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}

	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS cache_entries (
			id TEXT PRIMARY KEY,
			token TEXT NOT NULL,
			size INTEGER NOT NULL,
			created_at INTEGER NOT NULL,
			last_access INTEGER NOT NULL,
			schema_version INTEGER NOT NULL,
			data BLOB NOT NULL
		)
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to create cache_entries table: %w", err)
	}

	if _, err := db.Exec("CREATE INDEX IF NOT EXISTS idx_cache_entries_last_access ON cache_entries(last_access)"); err != nil {
		return nil, fmt.Errorf("failed to create cache_entries last_access index: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Name implements Store.
func (s *SQLiteStore) Name() string { return "sqlite" }

// Load returns the record for id.
func (s *SQLiteStore) Load(ctx context.Context, id string) (*Record, error) {
	var (
		rec                   Record
		createdAt, lastAccess int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, token, size, created_at, last_access, schema_version, data
		FROM cache_entries WHERE id = ?
	`, id).Scan(&rec.ID, &rec.Token, &rec.Size, &createdAt, &lastAccess, &rec.SchemaVersion, &rec.Data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query cache entry: %w", err)
	}
	rec.CreatedAt = time.Unix(0, createdAt)
	rec.LastAccess = time.Unix(0, lastAccess)
	return &rec, nil
}

// Save upserts rec in a single statement.
func (s *SQLiteStore) Save(ctx context.Context, rec *Record) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cache_entries (id, token, size, created_at, last_access, schema_version, data)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			token = excluded.token,
			size = excluded.size,
			created_at = excluded.created_at,
			last_access = excluded.last_access,
			schema_version = excluded.schema_version,
			data = excluded.data
	`, rec.ID, rec.Token, rec.Size, rec.CreatedAt.UnixNano(), rec.LastAccess.UnixNano(), rec.SchemaVersion, rec.Data)
	if err != nil {
		return fmt.Errorf("upsert cache entry: %w", err)
	}
	return nil
}

// Touch updates last_access for id.
func (s *SQLiteStore) Touch(ctx context.Context, id string, at time.Time) error {
	if _, err := s.db.ExecContext(ctx, "UPDATE cache_entries SET last_access = ? WHERE id = ?", at.UnixNano(), id); err != nil {
		return fmt.Errorf("touch cache entry: %w", err)
	}
	return nil
}

// Delete removes id.
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM cache_entries WHERE id = ?", id); err != nil {
		return fmt.Errorf("delete cache entry: %w", err)
	}
	return nil
}

// Clear removes every record.
func (s *SQLiteStore) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM cache_entries"); err != nil {
		return fmt.Errorf("clear cache entries: %w", err)
	}
	return nil
}

// List returns metadata for every record.
func (s *SQLiteStore) List(ctx context.Context) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
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

// Close is a no-op; DB lifecycle is managed by storage layer.
func (s *SQLiteStore) Close() error {
	return nil
}
