// Package storage opens the database connection that a database-backed
// document cache runs on. One connection is opened per process.
package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.mongodb.org/mongo-driver/v2/mongo"
)

// Backend names accepted in Config.Type.
const (
	TypeSQLite     = "sqlite"
	TypePostgreSQL = "postgresql"
	TypeMongoDB    = "mongodb"
)

// DefaultSQLitePath is where the SQLite cache database lives when no path is
// configured.
const DefaultSQLitePath = ".cache/docpipe.db"

// DefaultMongoDatabase names the database holding the document collection.
const DefaultMongoDatabase = "docpipe"

// Config selects a backend and carries the settings of each.
type Config struct {
	Type string

	SQLite     SQLiteConfig
	PostgreSQL PostgreSQLConfig
	MongoDB    MongoDBConfig
}

// SQLiteConfig locates the database file. ":memory:" keeps it in memory.
type SQLiteConfig struct {
	Path string
}

// PostgreSQLConfig points at a PostgreSQL server. MaxConns defaults to 10.
type PostgreSQLConfig struct {
	URL      string
	MaxConns int
}

// MongoDBConfig points at a MongoDB deployment.
type MongoDBConfig struct {
	URL      string
	Database string
}

// Storage is an open connection to one backend. Only the accessor matching
// Type returns a non-nil handle.
type Storage interface {
	Type() string

	SQLiteDB() *sql.DB
	PostgreSQLPool() *pgxpool.Pool
	MongoDatabase() *mongo.Database

	// Ping reports whether the backend still answers.
	Ping(ctx context.Context) error
	Close() error
}

// New connects to the backend named by cfg.Type and verifies it answers.
func New(ctx context.Context, cfg Config) (Storage, error) {
	switch cfg.Type {
	case TypeSQLite:
		return NewSQLite(cfg.SQLite)
	case TypePostgreSQL:
		return NewPostgreSQL(ctx, cfg.PostgreSQL)
	case TypeMongoDB:
		return NewMongoDB(ctx, cfg.MongoDB)
	default:
		return nil, fmt.Errorf("unknown storage type %q (want %s, %s or %s)",
			cfg.Type, TypeSQLite, TypePostgreSQL, TypeMongoDB)
	}
}

// handles implements the accessors of Storage for every backend; each
// backend sets only its own field.
type handles struct {
	db   *sql.DB
	pool *pgxpool.Pool
	mdb  *mongo.Database
}

func (h handles) SQLiteDB() *sql.DB { return h.db }
func (h handles) PostgreSQLPool() *pgxpool.Pool { return h.pool }
func (h handles) MongoDatabase() *mongo.Database { return h.mdb }
