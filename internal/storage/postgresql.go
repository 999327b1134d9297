package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const defaultPostgresConns = 10

type postgresStorage struct {
	handles
}

// NewPostgreSQL opens a connection pool to cfg.URL.
func NewPostgreSQL(ctx context.Context, cfg PostgreSQLConfig) (Storage, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("postgresql url is required for the postgresql cache backend")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid postgresql url: %w", err)
	}
	poolCfg.MaxConns = defaultPostgresConns
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgresql pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgresql unreachable: %w", err)
	}
	return &postgresStorage{handles{pool: pool}}, nil
}

func (s *postgresStorage) Type() string { return TypePostgreSQL }

func (s *postgresStorage) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

func (s *postgresStorage) Close() error {
	s.pool.Close()
	return nil
}
