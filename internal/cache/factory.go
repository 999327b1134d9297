package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"docpipe/config"
	"docpipe/internal/storage"
)

// Result holds the initialized cache and any resources it owns.
type Result struct {
	Cache   *Manager
	Storage storage.Storage
}

// Close releases resources held by the cache.
func (r *Result) Close() error {
	var errs []error
	if r.Cache != nil {
		if err := r.Cache.Close(); err != nil {
			errs = append(errs, fmt.Errorf("cache close: %w", err))
		}
	}
	if r.Storage != nil {
		if err := r.Storage.Close(); err != nil {
			errs = append(errs, fmt.Errorf("storage close: %w", err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("close errors: %w", errors.Join(errs...))
	}
	return nil
}

// New creates the cache manager and its store from app configuration.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Result, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}

	var (
		store  Store
		shared storage.Storage
		err    error
	)
	switch cfg.Cache.Backend {
	case "memory":
		store = NewMemoryStore()
	case "", "file":
		store, err = NewFileStore(cfg.Cache.Dir)
	case "redis":
		store, err = NewRedisStore(RedisConfig{
			URL:    cfg.Cache.Redis.URL,
			Prefix: cfg.Cache.Redis.Prefix,
			TTL:    cfg.Cache.Redis.TTL,
		})
	case storage.TypeSQLite, storage.TypePostgreSQL, storage.TypeMongoDB:
		storageCfg := buildStorageConfig(cfg)
		// The backend name selects the database; storage.type only fills gaps
		storageCfg.Type = cfg.Cache.Backend
		shared, err = storage.New(ctx, storageCfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create storage: %w", err)
		}
		store, err = createStore(ctx, shared)
		if err != nil {
			_ = shared.Close()
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown cache backend: %s", cfg.Cache.Backend)
	}
	if err != nil {
		return nil, err
	}

	manager, err := NewManager(ctx, store, Config{
		MaxBytes: cfg.Cache.MaxBytes,
		MaxItems: cfg.Cache.MaxItems,
		Logger:   logger,
	})
	if err != nil {
		_ = store.Close()
		if shared != nil {
			_ = shared.Close()
		}
		return nil, err
	}

	return &Result{Cache: manager, Storage: shared}, nil
}

// NewWithSharedStorage creates a cache on top of an existing connection.
// The caller keeps ownership of shared.
func NewWithSharedStorage(ctx context.Context, shared storage.Storage, cfg Config) (*Result, error) {
	if shared == nil {
		return nil, fmt.Errorf("shared storage is required")
	}
	store, err := createStore(ctx, shared)
	if err != nil {
		return nil, err
	}
	manager, err := NewManager(ctx, store, cfg)
	if err != nil {
		return nil, err
	}
	return &Result{Cache: manager}, nil
}

func buildStorageConfig(cfg *config.Config) storage.Config {
	storageCfg := storage.Config{
		Type: cfg.Storage.Type,
		SQLite: storage.SQLiteConfig{
			Path: cfg.Storage.SQLite.Path,
		},
		PostgreSQL: storage.PostgreSQLConfig{
			URL:      cfg.Storage.PostgreSQL.URL,
			MaxConns: cfg.Storage.PostgreSQL.MaxConns,
		},
		MongoDB: storage.MongoDBConfig{
			URL:      cfg.Storage.MongoDB.URL,
			Database: cfg.Storage.MongoDB.Database,
		},
	}

	if storageCfg.Type == "" {
		storageCfg.Type = storage.TypeSQLite
	}
	if storageCfg.SQLite.Path == "" {
		storageCfg.SQLite.Path = storage.DefaultSQLitePath
	}
	if storageCfg.MongoDB.Database == "" {
		storageCfg.MongoDB.Database = storage.DefaultMongoDatabase
	}
	return storageCfg
}

func createStore(ctx context.Context, store storage.Storage) (Store, error) {
	switch store.Type() {
	case storage.TypeSQLite:
		return NewSQLiteStore(store.SQLiteDB())
	case storage.TypePostgreSQL:
		pool := store.PostgreSQLPool()
		if pool == nil {
			return nil, fmt.Errorf("PostgreSQL pool is nil")
		}
		return NewPostgreSQLStore(ctx, pool)
	case storage.TypeMongoDB:
		db := store.MongoDatabase()
		if db == nil {
			return nil, fmt.Errorf("MongoDB database is nil")
		}
		return NewMongoDBStore(db)
	default:
		return nil, fmt.Errorf("unknown storage type: %s", store.Type())
	}
}

// pingTimeout bounds Health checks against the shared connection.
const pingTimeout = 3 * time.Second

// Health reports whether the cache's backing connection is reachable.
// Backends without a shared connection are always healthy.
func (r *Result) Health(ctx context.Context) error {
	if r.Storage == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	return r.Storage.Ping(ctx)
}
