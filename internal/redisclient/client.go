package redisclient

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"farm-market/internal/models"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

//go:embed scripts/claim_idempotency.lua
var claimIdempotencyScript string

//go:embed scripts/compare_and_delete.lua
var compareAndDeleteScript string

const (
	inFlightMarker    = "pending"
	catalogVersionKey = "catalog:version"
)

type Client struct {
	rdb          *redis.Client
	claimScript  *redis.Script
	deleteScript *redis.Script
}

// NewClient creates a new Redis client with Lua scripts loaded
func NewClient(addr, password string, db int) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return NewClientFromRedis(rdb), nil
}

// NewClientFromRedis wraps an existing connection
func NewClientFromRedis(rdb *redis.Client) *Client {
	return &Client{
		rdb:          rdb,
		claimScript:  redis.NewScript(claimIdempotencyScript),
		deleteScript: redis.NewScript(compareAndDeleteScript),
	}
}

// Ping verifies the server is reachable
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

func idempotencyKey(key string) string {
	return "idempotency:" + key
}

// Claim atomically reserves an idempotency key for one placement. A key that
// is already bound reports its order id; a key held by an in-flight request
// reports neither acquired nor an order.
func (c *Client) Claim(ctx context.Context, key string, ttl time.Duration) (models.IdempotencyClaim, error) {
	res, err := c.claimScript.Run(ctx, c.rdb, []string{idempotencyKey(key)}, inFlightMarker, ttl.Milliseconds()).Text()
	if err != nil {
		return models.IdempotencyClaim{}, fmt.Errorf("claim idempotency script failed: %w", err)
	}

	switch res {
	case "":
		return models.IdempotencyClaim{Acquired: true}, nil
	case inFlightMarker:
		return models.IdempotencyClaim{}, nil
	}

	orderID, err := uuid.Parse(res)
	if err != nil {
		return models.IdempotencyClaim{}, fmt.Errorf("unexpected idempotency value %q: %w", res, err)
	}
	return models.IdempotencyClaim{OrderID: orderID}, nil
}

// Bind records the order produced under a claimed key
func (c *Client) Bind(ctx context.Context, key string, orderID uuid.UUID, ttl time.Duration) error {
	return c.rdb.Set(ctx, idempotencyKey(key), orderID.String(), ttl).Err()
}

// Release drops an in-flight claim. Bound keys are left alone.
func (c *Client) Release(ctx context.Context, key string) error {
	return c.deleteScript.Run(ctx, c.rdb, []string{idempotencyKey(key)}, inFlightMarker).Err()
}

// CatalogVersion returns the current product catalog version
func (c *Client) CatalogVersion(ctx context.Context) (int64, error) {
	v, err := c.rdb.Get(ctx, catalogVersionKey).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return v, err
}

func productPageKey(version int64, key string) string {
	return fmt.Sprintf("catalog:products:%d:%s", version, key)
}

// GetProductPage reads a cached listing page for the given catalog version
func (c *Client) GetProductPage(ctx context.Context, version int64, key string) (*models.ProductPage, bool, error) {
	raw, err := c.rdb.Get(ctx, productPageKey(version, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var page models.ProductPage
	if err := json.Unmarshal(raw, &page); err != nil {
		return nil, false, fmt.Errorf("failed to decode cached page: %w", err)
	}
	return &page, true, nil
}

// SetProductPage caches a listing page under the catalog version it was
// read at. Pages of older versions are never read again and expire.
func (c *Client) SetProductPage(ctx context.Context, version int64, key string, page *models.ProductPage, ttl time.Duration) error {
	raw, err := json.Marshal(page)
	if err != nil {
		return fmt.Errorf("failed to encode page: %w", err)
	}
	return c.rdb.Set(ctx, productPageKey(version, key), raw, ttl).Err()
}

// InvalidateCatalog bumps the catalog version
func (c *Client) InvalidateCatalog(ctx context.Context) error {
	return c.rdb.Incr(ctx, catalogVersionKey).Err()
}

// AcquireLock takes a distributed lock and returns the token needed to
// release it
func (c *Client) AcquireLock(ctx context.Context, lockKey string, ttl time.Duration) (string, bool, error) {
	token := uuid.New().String()
	ok, err := c.rdb.SetNX(ctx, "lock:"+lockKey, token, ttl).Result()
	if err != nil {
		return "", false, err
	}
	return token, ok, nil
}

// ReleaseLock releases a lock only if token still owns it
func (c *Client) ReleaseLock(ctx context.Context, lockKey, token string) error {
	return c.deleteScript.Run(ctx, c.rdb, []string{"lock:" + lockKey}, token).Err()
}
