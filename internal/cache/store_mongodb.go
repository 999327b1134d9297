package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

type mongoCacheDocument struct {
	ID            string `bson:"_id"`
	Token         string `bson:"token"`
	Size          int64  `bson:"size"`
	CreatedAt     int64  `bson:"created_at"`
	LastAccess    int64  `bson:"last_access"`
	SchemaVersion int    `bson:"schema_version"`
	Data          []byte `bson:"data,omitempty"`
}

func (d *mongoCacheDocument) record() *Record {
	return &Record{
		ID:            d.ID,
		Data:          d.Data,
		SchemaVersion: d.SchemaVersion,
		Metadata: Metadata{
			Token:      d.Token,
			Size:       d.Size,
			CreatedAt:  time.Unix(0, d.CreatedAt),
			LastAccess: time.Unix(0, d.LastAccess),
		},
	}
}

// MongoDBStore stores cache records in MongoDB.
type MongoDBStore struct {
	collection *mongo.Collection
}

// NewMongoDBStore creates collection indexes if needed.
func NewMongoDBStore(database *mongo.Database) (*MongoDBStore, error) {
	if database == nil {
		return nil, fmt.Errorf("database is required")
	}

	coll := database.Collection("cache_entries")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	indexes := []mongo.IndexModel{
		{Keys: bson.D{{Key: "last_access", Value: 1}}},
	}
	if _, err := coll.Indexes().CreateMany(ctx, indexes); err != nil {
		return nil, fmt.Errorf("create cache_entries indexes: %w", err)
	}

	return &MongoDBStore{collection: coll}, nil
}

// Name implements Store.
func (s *MongoDBStore) Name() string { return "mongodb" }

// Load returns the record for id.
func (s *MongoDBStore) Load(ctx context.Context, id string) (*Record, error) {
	var doc mongoCacheDocument
	err := s.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query cache entry: %w", err)
	}
	return doc.record(), nil
}

// Save replaces the whole document, inserting it if absent.
func (s *MongoDBStore) Save(ctx context.Context, rec *Record) error {
	doc := mongoCacheDocument{
		ID:            rec.ID,
		Token:         rec.Token,
		Size:          rec.Size,
		CreatedAt:     rec.CreatedAt.UnixNano(),
		LastAccess:    rec.LastAccess.UnixNano(),
		SchemaVersion: rec.SchemaVersion,
		Data:          rec.Data,
	}
	_, err := s.collection.ReplaceOne(ctx, bson.M{"_id": rec.ID}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("upsert cache entry: %w", err)
	}
	return nil
}

// Touch updates last_access for id.
func (s *MongoDBStore) Touch(ctx context.Context, id string, at time.Time) error {
	_, err := s.collection.UpdateOne(ctx,
		bson.M{"_id": id},
		bson.M{"$set": bson.M{"last_access": at.UnixNano()}},
	)
	if err != nil {
		return fmt.Errorf("touch cache entry: %w", err)
	}
	return nil
}

// Delete removes id.
func (s *MongoDBStore) Delete(ctx context.Context, id string) error {
	if _, err := s.collection.DeleteOne(ctx, bson.M{"_id": id}); err != nil {
		return fmt.Errorf("delete cache entry: %w", err)
	}
	return nil
}

// Clear removes every record.
func (s *MongoDBStore) Clear(ctx context.Context) error {
	if _, err := s.collection.DeleteMany(ctx, bson.M{}); err != nil {
		return fmt.Errorf("clear cache entries: %w", err)
	}
	return nil
}

// List returns metadata for every record; payloads are projected out.
func (s *MongoDBStore) List(ctx context.Context) ([]Record, error) {
	opts := options.Find().SetProjection(bson.M{"data": 0})
	cursor, err := s.collection.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, fmt.Errorf("list cache entries: %w", err)
	}
	defer cursor.Close(ctx)

	var out []Record
	for cursor.Next(ctx) {
		var doc mongoCacheDocument
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode cache entry document: %w", err)
		}
		out = append(out, *doc.record())
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("iterate cache entries cursor: %w", err)
	}
	return out, nil
}

// Close is a no-op; Mongo client lifecycle is managed by storage layer.
func (s *MongoDBStore) Close() error {
	return nil
}
