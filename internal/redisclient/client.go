package redisclient

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strconv"
	"time"

	"inventory-service/internal/models"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

//go:embed scripts/put_snapshot.lua
var putSnapshotScript string

//go:embed scripts/release_lock.lua
var releaseLockScript string

// ErrLockNotHeld is returned by ReleaseLock when the lock expired or belongs
// to another holder.
var ErrLockNotHeld = errors.New("lock not held")

type Client struct {
	rdb           *redis.Client
	putScript     *redis.Script
	releaseScript *redis.Script
	snapshotTTL   time.Duration
}

// NewClient creates a new Redis client with Lua scripts loaded
func NewClient(addr, password string, db int, snapshotTTL time.Duration) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return NewClientFromRedis(rdb, snapshotTTL), nil
}

// NewClientFromRedis wraps an existing go-redis client
func NewClientFromRedis(rdb *redis.Client, snapshotTTL time.Duration) *Client {
	return &Client{
		rdb:           rdb,
		putScript:     redis.NewScript(putSnapshotScript),
		releaseScript: redis.NewScript(releaseLockScript),
		snapshotTTL:   snapshotTTL,
	}
}

// GetClient returns the underlying Redis client
func (c *Client) GetClient() *redis.Client {
	return c.rdb
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping checks the Redis connection
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

func snapshotKey(itemKey, locationID string) string {
	return fmt.Sprintf("inventory:%s:%s", itemKey, locationID)
}

// PutSnapshot stores a record snapshot unless a newer revision is cached
func (c *Client) PutSnapshot(ctx context.Context, rec *models.InventoryRecord) error {
	_, err := c.putScript.Run(ctx, c.rdb,
		[]string{snapshotKey(rec.ItemKey, rec.LocationID)},
		rec.Revision, rec.ID, rec.OnHand, rec.Reserved,
		optionalField(rec.SafetyStock), optionalField(rec.ReorderPoint),
		rec.CreatedAt.UnixNano(), rec.UpdatedAt.UnixNano(), c.snapshotTTL.Milliseconds(),
	).Result()
	if err != nil {
		return fmt.Errorf("put snapshot script failed: %w", err)
	}
	return nil
}

// GetSnapshot retrieves a cached record snapshot. A cache miss is reported as
// models.ErrNotFound.
func (c *Client) GetSnapshot(ctx context.Context, itemKey, locationID string) (*models.InventoryRecord, error) {
	result, err := c.rdb.HGetAll(ctx, snapshotKey(itemKey, locationID)).Result()
	if err != nil {
		return nil, err
	}
	if len(result) == 0 {
		return nil, fmt.Errorf("%w: no snapshot for %s/%s", models.ErrNotFound, itemKey, locationID)
	}

	fields := make(map[string]int64, 6)
	for _, name := range []string{"id", "on_hand", "reserved", "revision", "created_at", "updated_at"} {
		v, err := strconv.ParseInt(result[name], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("corrupt snapshot field %s for %s/%s: %w", name, itemKey, locationID, err)
		}
		fields[name] = v
	}

	rec := &models.InventoryRecord{
		ID:         fields["id"],
		ItemKey:    itemKey,
		LocationID: locationID,
		OnHand:     fields["on_hand"],
		Reserved:   fields["reserved"],
		Revision:   fields["revision"],
		CreatedAt:  time.Unix(0, fields["created_at"]).UTC(),
		UpdatedAt:  time.Unix(0, fields["updated_at"]).UTC(),
	}
	if rec.SafetyStock, err = parseOptional(result["safety_stock"]); err != nil {
		return nil, fmt.Errorf("corrupt snapshot field safety_stock for %s/%s: %w", itemKey, locationID, err)
	}
	if rec.ReorderPoint, err = parseOptional(result["reorder_point"]); err != nil {
		return nil, fmt.Errorf("corrupt snapshot field reorder_point for %s/%s: %w", itemKey, locationID, err)
	}
	return rec, nil
}

func optionalField(v *int64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatInt(*v, 10)
}

func parseOptional(s string) (*int64, error) {
	if s == "" {
		return nil, nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func lockKey(key string) string {
	return fmt.Sprintf("lock:%s", key)
}

// AcquireLock acquires a distributed lock. The returned token identifies the
// holder and must be passed to ReleaseLock.
func (c *Client) AcquireLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	token := uuid.NewString()
	ok, err := c.rdb.SetNX(ctx, lockKey(key), token, ttl).Result()
	if err != nil || !ok {
		return "", false, err
	}
	return token, true, nil
}

// ReleaseLock releases a distributed lock if it is still held under token
func (c *Client) ReleaseLock(ctx context.Context, key, token string) error {
	deleted, err := c.releaseScript.Run(ctx, c.rdb, []string{lockKey(key)}, token).Int64()
	if err != nil {
		return fmt.Errorf("release lock script failed: %w", err)
	}
	if deleted == 0 {
		return fmt.Errorf("%w: %s", ErrLockNotHeld, key)
	}
	return nil
}
