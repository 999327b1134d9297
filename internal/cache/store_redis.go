package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix namespaces every key written by RedisStore.
const DefaultRedisPrefix = "docpipe"

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is the Redis connection URL (e.g., "redis://localhost:6379" or "redis://:password@host:6379/0")
	URL string

	// Prefix namespaces keys (defaults to "docpipe")
	Prefix string

	// TTL expires records that are not rewritten or touched. Zero keeps
	// records until they are evicted.
	TTL time.Duration
}

// RedisStore keeps one hash per record plus a set of known ids.
// This lets several instances behind a load balancer share a cache.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	store := newRedisStoreWithClient(client, cfg.Prefix, cfg.TTL)
	slog.Info("redis cache store connected", "prefix", store.prefix, "ttl", store.ttl)
	return store, nil
}

func newRedisStoreWithClient(client *redis.Client, prefix string, ttl time.Duration) *RedisStore {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisStore{client: client, prefix: prefix, ttl: ttl}
}

// Name implements Store.
func (s *RedisStore) Name() string { return "redis" }

func (s *RedisStore) docKey(id string) string { return s.prefix + ":doc:" + id }
func (s *RedisStore) idsKey() string          { return s.prefix + ":ids" }

// Load returns the record for id.
func (s *RedisStore) Load(ctx context.Context, id string) (*Record, error) {
	fields, err := s.client.HGetAll(ctx, s.docKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get cache entry from redis: %w", err)
	}
	if len(fields) == 0 {
		// Expired or never written; keep the id set in sync.
		s.client.SRem(ctx, s.idsKey(), id)
		return nil, ErrNotFound
	}
	rec, err := parseRedisRecord(id, fields)
	if err != nil {
		return nil, err
	}
	rec.Data = []byte(fields["data"])
	return rec, nil
}

func parseRedisRecord(id string, fields map[string]string) (*Record, error) {
	size, err := strconv.ParseInt(fields["size"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("failed to parse cache entry size: %w", err)
	}
	createdAt, err := strconv.ParseInt(fields["created_at"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("failed to parse cache entry created_at: %w", err)
	}
	lastAccess, err := strconv.ParseInt(fields["last_access"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("failed to parse cache entry last_access: %w", err)
	}
	version, err := strconv.Atoi(fields["schema_version"])
	if err != nil {
		return nil, fmt.Errorf("failed to parse cache entry schema_version: %w", err)
	}
	return &Record{
		ID:            id,
		SchemaVersion: version,
		Metadata: Metadata{
			Token:      fields["token"],
			Size:       size,
			CreatedAt:  time.Unix(0, createdAt),
			LastAccess: time.Unix(0, lastAccess),
		},
	}, nil
}

// Save replaces the record hash in a single transaction.
func (s *RedisStore) Save(ctx context.Context, rec *Record) error {
	key := s.docKey(rec.ID)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		pipe.HSet(ctx, key,
			"token", rec.Token,
			"size", rec.Size,
			"created_at", rec.CreatedAt.UnixNano(),
			"last_access", rec.LastAccess.UnixNano(),
			"schema_version", rec.SchemaVersion,
			"data", rec.Data,
		)
		if s.ttl > 0 {
			pipe.Expire(ctx, key, s.ttl)
		}
		pipe.SAdd(ctx, s.idsKey(), rec.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to set cache entry in redis: %w", err)
	}
	return nil
}

// Touch updates last_access and refreshes the TTL.
func (s *RedisStore) Touch(ctx context.Context, id string, at time.Time) error {
	key := s.docKey(id)
	n, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("failed to touch cache entry in redis: %w", err)
	}
	if n == 0 {
		return nil
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, "last_access", at.UnixNano())
		if s.ttl > 0 {
			pipe.Expire(ctx, key, s.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to touch cache entry in redis: %w", err)
	}
	return nil
}

// Delete removes id.
func (s *RedisStore) Delete(ctx context.Context, id string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.docKey(id))
		pipe.SRem(ctx, s.idsKey(), id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete cache entry from redis: %w", err)
	}
	return nil
}

// Clear removes every record written under the prefix.
func (s *RedisStore) Clear(ctx context.Context) error {
	ids, err := s.client.SMembers(ctx, s.idsKey()).Result()
	if err != nil {
		return fmt.Errorf("failed to list cache entries in redis: %w", err)
	}
	keys := make([]string, 0, len(ids)+1)
	for _, id := range ids {
		keys = append(keys, s.docKey(id))
	}
	keys = append(keys, s.idsKey())
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("failed to clear cache entries in redis: %w", err)
	}
	return nil
}

// List returns metadata for every record still present.
func (s *RedisStore) List(ctx context.Context) ([]Record, error) {
	ids, err := s.client.SMembers(ctx, s.idsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list cache entries in redis: %w", err)
	}

	metaFields := []string{"token", "size", "created_at", "last_access", "schema_version"}
	cmds := make([]*redis.SliceCmd, len(ids))
	_, err = s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HMGet(ctx, s.docKey(id), metaFields...)
		}
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to read cache entries from redis: %w", err)
	}

	out := make([]Record, 0, len(ids))
	var stale []any
	for i, id := range ids {
		vals, err := cmds[i].Result()
		if err != nil || len(vals) != len(metaFields) || vals[0] == nil {
			stale = append(stale, id)
			continue
		}
		fields := make(map[string]string, len(metaFields))
		for j, name := range metaFields {
			if str, ok := vals[j].(string); ok {
				fields[name] = str
			}
		}
		rec, err := parseRedisRecord(id, fields)
		if err != nil {
			stale = append(stale, id)
			continue
		}
		out = append(out, *rec)
	}
	if len(stale) > 0 {
		s.client.SRem(ctx, s.idsKey(), stale...)
	}
	return out, nil
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}
