// Package cache provides the durable local document cache.
//
// A Manager keeps an in-memory LRU index of entry metadata on top of a
// pluggable Store (memory, file, SQLite, PostgreSQL, MongoDB or Redis) and
// enforces item-count and byte caps on every Put. The cache is an
// optimization: store failures are logged and degrade to misses so callers
// can always fall back to the network.
package cache

import (
	"context"
	"errors"
	"time"
)

const (
	// SchemaVersion is stamped on every persisted record. Records carrying any
	// other version are ignored and removed on startup.
	SchemaVersion = 1

	// DefaultMaxBytes is the default byte cap (200MB).
	DefaultMaxBytes int64 = 200 << 20

	// DefaultMaxItems is the default entry-count cap.
	DefaultMaxItems = 80
)

// ErrNotFound is returned by a Store when no record exists for an id.
var ErrNotFound = errors.New("cache record not found")

// Metadata describes a cached entry without its payload.
type Metadata struct {
	Token      string    `json:"token"`
	Size       int64     `json:"size"`
	CreatedAt  time.Time `json:"created_at"`
	LastAccess time.Time `json:"last_access"`
}

// Record is the persisted form of an entry.
// List returns records with a nil Data field.
type Record struct {
	ID            string `json:"id"`
	Data          []byte `json:"-"`
	SchemaVersion int    `json:"schema_version"`
	Metadata
}

// Stats is a point-in-time view of the cache, for observability only.
type Stats struct {
	ItemCount  int      `json:"item_count"`
	TotalBytes int64    `json:"total_bytes"`
	IDs        []string `json:"ids"`
	MaxItems   int      `json:"max_items"`
	MaxBytes   int64    `json:"max_bytes"`
	Backend    string   `json:"backend"`
}

// Cache defines the durable local cache contract.
// Implementations must be safe for concurrent use.
type Cache interface {
	// Get returns the cached payload and refreshes the entry's last access.
	// Any store failure is reported as absent.
	Get(ctx context.Context, id string) ([]byte, bool)

	// GetMetadata returns entry metadata without reading the payload.
	GetMetadata(ctx context.Context, id string) (Metadata, bool)

	// Put inserts or replaces an entry, evicting least recently accessed
	// entries first so the caps hold after insertion.
	Put(ctx context.Context, id string, data []byte, meta Metadata) error

	// Invalidate removes an entry. Absent ids are a no-op.
	Invalidate(ctx context.Context, id string) error

	// Clear removes every entry.
	Clear(ctx context.Context) error

	// Stats reports item count, total bytes and cached ids.
	Stats(ctx context.Context) Stats

	// Close releases any resources held by the cache.
	Close() error
}

// Store is a persistence backend for cache records.
// Save must replace a record atomically: a concurrent Load observes either
// the previous record or the new one, never a mix.
type Store interface {
	// Name identifies the backend in logs and stats.
	Name() string

	// Load returns the full record or ErrNotFound.
	Load(ctx context.Context, id string) (*Record, error)

	// Save inserts or replaces a record.
	Save(ctx context.Context, rec *Record) error

	// Touch updates a record's last access time. Missing ids are ignored.
	Touch(ctx context.Context, id string, at time.Time) error

	// Delete removes a record. Missing ids are ignored.
	Delete(ctx context.Context, id string) error

	// Clear removes every record.
	Clear(ctx context.Context) error

	// List returns metadata for every record, without payloads.
	List(ctx context.Context) ([]Record, error)

	// Close releases resources owned by the store.
	Close() error
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
