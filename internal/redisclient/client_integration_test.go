//go:build integration

package redisclient

import (
	"context"
	"fmt"
	"testing"
	"time"

	"farm-market/internal/models"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func setupRedis(t *testing.T) *Client {
	t.Helper()
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(30 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "6379")
	require.NoError(t, err)

	rdb := redis.NewClient(&redis.Options{Addr: fmt.Sprintf("%s:%s", host, port.Port())})
	c := NewClientFromRedis(rdb)
	t.Cleanup(func() { c.Close() })
	require.NoError(t, c.Ping(ctx))
	return c
}

func TestIdempotencyLifecycle(t *testing.T) {
	c := setupRedis(t)
	ctx := context.Background()

	claim, err := c.Claim(ctx, "user:key", time.Minute)
	require.NoError(t, err)
	assert.True(t, claim.Acquired)

	claim, err = c.Claim(ctx, "user:key", time.Minute)
	require.NoError(t, err)
	assert.False(t, claim.Acquired)
	assert.Equal(t, uuid.Nil, claim.OrderID)

	orderID := uuid.New()
	require.NoError(t, c.Bind(ctx, "user:key", orderID, time.Minute))
	require.NoError(t, c.Release(ctx, "user:key"), "release does not drop a bound key")

	claim, err = c.Claim(ctx, "user:key", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, orderID, claim.OrderID)

	_, err = c.Claim(ctx, "user:other", time.Minute)
	require.NoError(t, err)
	require.NoError(t, c.Release(ctx, "user:other"))
	claim, err = c.Claim(ctx, "user:other", time.Minute)
	require.NoError(t, err)
	assert.True(t, claim.Acquired)
}

func TestCatalogCacheVersioning(t *testing.T) {
	c := setupRedis(t)
	ctx := context.Background()

	v0, err := c.CatalogVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), v0)

	page := &models.ProductPage{Page: 1, Limit: 10, TotalPages: 1, TotalProducts: 1,
		Products: []models.Product{{ID: uuid.New(), Name: "Carrots"}}}
	require.NoError(t, c.SetProductPage(ctx, v0, "k", page, time.Minute))

	got, hit, err := c.GetProductPage(ctx, v0, "k")
	require.NoError(t, err)
	require.True(t, hit)
	assert.Equal(t, "Carrots", got.Products[0].Name)

	require.NoError(t, c.InvalidateCatalog(ctx))
	v1, err := c.CatalogVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), v1)

	_, hit, err = c.GetProductPage(ctx, v1, "k")
	require.NoError(t, err)
	assert.False(t, hit)
}

func TestLockOwnership(t *testing.T) {
	c := setupRedis(t)
	ctx := context.Background()

	token, ok, err := c.AcquireLock(ctx, "reconcile:1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = c.AcquireLock(ctx, "reconcile:1", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.ReleaseLock(ctx, "reconcile:1", "someone-else"))
	_, ok, err = c.AcquireLock(ctx, "reconcile:1", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "foreign token does not release the lock")

	require.NoError(t, c.ReleaseLock(ctx, "reconcile:1", token))
	_, ok, err = c.AcquireLock(ctx, "reconcile:1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}
