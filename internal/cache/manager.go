package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"docpipe/internal/core"
	"docpipe/internal/observability"
)

// Config holds Manager limits and collaborators.
type Config struct {
	// MaxBytes caps the total payload size (default 200MB).
	MaxBytes int64
	// MaxItems caps the number of entries (default 80).
	MaxItems int
	// Logger defaults to slog.Default().
	Logger *slog.Logger
	// Now defaults to time.Now; tests inject a fake clock.
	Now func() time.Time
}

// Manager implements Cache over a Store with strict LRU-by-access eviction.
//
// Mutations (Put, Invalidate, Clear, eviction) are serialized by mu. Payload
// reads in Get happen outside the lock; the Store's atomic Save guarantees
// they observe a whole record.
type Manager struct {
	mu    sync.Mutex
	store Store
	index *lruIndex

	maxBytes int64
	maxItems int
	logger   *slog.Logger
	now      func() time.Time
}

// NewManager creates a Manager and loads the index from the store. Records
// from an incompatible schema are deleted. If the store cannot be listed the
// manager starts empty and keeps operating.
func NewManager(ctx context.Context, store Store, cfg Config) (*Manager, error) {
	if store == nil {
		return nil, fmt.Errorf("cache store is required")
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = DefaultMaxBytes
	}
	if cfg.MaxItems <= 0 {
		cfg.MaxItems = DefaultMaxItems
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	m := &Manager{
		store:    store,
		index:    newLRUIndex(),
		maxBytes: cfg.MaxBytes,
		maxItems: cfg.MaxItems,
		logger:   cfg.Logger.With("component", "cache", "backend", store.Name()),
		now:      cfg.Now,
	}
	m.loadIndex(ctx)
	return m, nil
}

func (m *Manager) loadIndex(ctx context.Context) {
	records, err := m.store.List(ctx)
	if err != nil {
		m.logger.Warn("failed to list cache records, starting empty", "error", err)
		return
	}

	valid := make([]Record, 0, len(records))
	for _, rec := range records {
		if rec.SchemaVersion != SchemaVersion {
			m.logger.Info("dropping cache record from incompatible schema",
				"id", rec.ID, "schema_version", rec.SchemaVersion)
			if err := m.store.Delete(ctx, rec.ID); err != nil {
				m.logger.Warn("failed to delete incompatible record", "id", rec.ID, "error", err)
			}
			continue
		}
		valid = append(valid, rec)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.index.rebuild(valid)
	// Caps may have been lowered since the records were written
	m.evictLocked(ctx, 0, 0)
	m.publishLocked()

	m.logger.Info("cache index loaded", "items", m.index.len(), "bytes", m.index.totalBytes)
}

// Get returns the cached payload for id and refreshes its last access.
func (m *Manager) Get(ctx context.Context, id string) ([]byte, bool) {
	m.mu.Lock()
	meta, ok := m.index.get(id)
	m.mu.Unlock()
	if !ok {
		observability.CacheRequests.WithLabelValues("miss").Inc()
		return nil, false
	}

	rec, err := m.store.Load(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			m.forget(id, meta)
			observability.CacheRequests.WithLabelValues("miss").Inc()
			return nil, false
		}
		m.logger.Warn("cache read failed, treating as miss", "id", id, "error", err)
		observability.CacheRequests.WithLabelValues("error").Inc()
		return nil, false
	}
	if rec.SchemaVersion != SchemaVersion || int64(len(rec.Data)) != rec.Size {
		m.logger.Warn("discarding unreadable cache record", "id", id,
			"schema_version", rec.SchemaVersion, "size", rec.Size, "len", len(rec.Data))
		_ = m.Invalidate(ctx, id)
		observability.CacheRequests.WithLabelValues("miss").Inc()
		return nil, false
	}

	at := m.now()
	m.mu.Lock()
	touched := m.index.touch(id, at)
	m.mu.Unlock()
	if touched {
		if err := m.store.Touch(ctx, id, at); err != nil {
			m.logger.Debug("failed to persist access time", "id", id, "error", err)
		}
	}

	observability.CacheRequests.WithLabelValues("hit").Inc()
	return rec.Data, true
}

// forget drops an index entry whose record vanished from the store, unless
// it was replaced in the meantime.
func (m *Manager) forget(id string, seen Metadata) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.index.get(id); ok && cur.Token == seen.Token && cur.CreatedAt.Equal(seen.CreatedAt) {
		m.index.remove(id)
		m.publishLocked()
	}
}

// GetMetadata returns metadata from the index without touching the store.
func (m *Manager) GetMetadata(_ context.Context, id string) (Metadata, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.index.get(id)
}

// Put stores data under id. Least recently accessed entries are evicted
// until both caps hold for the new entry. An entry larger than MaxBytes is
// still stored once everything else has been evicted.
func (m *Manager) Put(ctx context.Context, id string, data []byte, meta Metadata) error {
	if id == "" {
		return fmt.Errorf("cache id is required")
	}

	now := m.now()
	meta.Size = int64(len(data))
	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = now
	}
	meta.LastAccess = now

	m.mu.Lock()
	defer m.mu.Unlock()

	// A replaced entry no longer counts against the caps
	m.index.remove(id)
	m.evictLocked(ctx, meta.Size, 1)

	rec := &Record{
		ID:            id,
		Data:          data,
		SchemaVersion: SchemaVersion,
		Metadata:      meta,
	}
	if err := m.store.Save(ctx, rec); err != nil {
		m.logger.Warn("cache write failed", "id", id, "size", meta.Size, "error", err)
		if delErr := m.store.Delete(ctx, id); delErr != nil {
			m.logger.Debug("failed to clear stale record after write failure", "id", id, "error", delErr)
		}
		m.publishLocked()
		return core.NewStorageError(id, "cache write failed", err)
	}

	m.index.add(id, meta)
	m.publishLocked()
	return nil
}

// evictLocked evicts oldest-accessed entries until adding incomingItems
// entries totalling incomingBytes keeps both caps, or the cache is empty.
func (m *Manager) evictLocked(ctx context.Context, incomingBytes int64, incomingItems int) {
	for m.index.totalBytes+incomingBytes > m.maxBytes || m.index.len()+incomingItems > m.maxItems {
		victim, ok := m.index.oldest()
		if !ok {
			return
		}
		meta, _ := m.index.remove(victim)
		if err := m.store.Delete(ctx, victim); err != nil {
			m.logger.Warn("failed to delete evicted record", "id", victim, "error", err)
		}
		observability.CacheEvictions.Inc()
		m.logger.Debug("evicted cache entry", "id", victim, "size", meta.Size, "last_access", meta.LastAccess)
	}
}

// Invalidate removes id from the cache. Absent ids are a no-op.
func (m *Manager) Invalidate(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.index.remove(id)
	m.publishLocked()
	if err := m.store.Delete(ctx, id); err != nil {
		m.logger.Warn("cache invalidate failed", "id", id, "error", err)
		return core.NewStorageError(id, "cache invalidate failed", err)
	}
	return nil
}

// Clear removes every entry.
func (m *Manager) Clear(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.index.rebuild(nil)
	m.publishLocked()
	if err := m.store.Clear(ctx); err != nil {
		m.logger.Warn("cache clear failed", "error", err)
		return core.NewStorageError("", "cache clear failed", err)
	}
	return nil
}

// Stats reports the current index contents.
func (m *Manager) Stats(_ context.Context) Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		ItemCount:  m.index.len(),
		TotalBytes: m.index.totalBytes,
		IDs:        m.index.ids(),
		MaxItems:   m.maxItems,
		MaxBytes:   m.maxBytes,
		Backend:    m.store.Name(),
	}
}

// Close closes the underlying store.
func (m *Manager) Close() error {
	return m.store.Close()
}

func (m *Manager) publishLocked() {
	observability.CacheBytes.Set(float64(m.index.totalBytes))
	observability.CacheItems.Set(float64(m.index.len()))
}
