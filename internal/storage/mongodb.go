package storage

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

type mongoStorage struct {
	handles
	client *mongo.Client
}

// NewMongoDB connects to cfg.URL and selects cfg.Database, or
// DefaultMongoDatabase when it is empty.
func NewMongoDB(ctx context.Context, cfg MongoDBConfig) (Storage, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("mongodb url is required for the mongodb cache backend")
	}
	name := cfg.Database
	if name == "" {
		name = DefaultMongoDatabase
	}

	client, err := mongo.Connect(options.Client().ApplyURI(cfg.URL))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongodb: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("mongodb unreachable: %w", err)
	}
	return &mongoStorage{handles: handles{mdb: client.Database(name)}, client: client}, nil
}

func (s *mongoStorage) Type() string { return TypeMongoDB }

func (s *mongoStorage) Ping(ctx context.Context) error { return s.client.Ping(ctx, nil) }

func (s *mongoStorage) Close() error { return s.client.Disconnect(context.Background()) }
