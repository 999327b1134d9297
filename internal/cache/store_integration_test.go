//go:build integration

package cache

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/mongodb"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// Run with: go test -tags=integration ./internal/cache/...

func TestPostgreSQLStore_Conformance(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	container, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("docpipe_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	url, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	pool, err := pgxpool.New(ctx, url)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	store, err := NewPostgreSQLStore(ctx, pool)
	require.NoError(t, err)
	runStoreConformance(t, store)
}

func TestMongoDBStore_Conformance(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	container, err := mongodb.Run(ctx, "mongo:7")
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	url, err := container.ConnectionString(ctx)
	require.NoError(t, err)
	client, err := mongo.Connect(options.Client().ApplyURI(url))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Disconnect(context.Background()) })
	require.NoError(t, client.Ping(ctx, nil))

	store, err := NewMongoDBStore(client.Database("docpipe_test"))
	require.NoError(t, err)
	runStoreConformance(t, store)
}

func TestRedisStore_Conformance(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections"),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	endpoint, err := container.Endpoint(ctx, "")
	require.NoError(t, err)

	store, err := NewRedisStore(RedisConfig{URL: fmt.Sprintf("redis://%s/0", endpoint), Prefix: "docpipe-test"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	runStoreConformance(t, store)

	// Expired hashes disappear from List
	expiring := newRedisStoreWithClient(redis.NewClient(&redis.Options{Addr: endpoint}), "docpipe-ttl", time.Second)
	t.Cleanup(func() { _ = expiring.Close() })
	require.NoError(t, expiring.Save(ctx, &Record{ID: "short", Data: []byte("x"), SchemaVersion: SchemaVersion,
		Metadata: Metadata{Size: 1, CreatedAt: time.Now(), LastAccess: time.Now()}}))
	require.Eventually(t, func() bool {
		list, err := expiring.List(ctx)
		return err == nil && len(list) == 0
	}, 5*time.Second, 100*time.Millisecond)
}
