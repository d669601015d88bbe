package security

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
)

// RedisCache is a Cache backed by redis, for deployments running several
// bot instances against one permission graph. Redis failures degrade to
// cache misses rather than failing the permission check; invalidation
// failures are logged loudly because a missed invalidation means a stale
// grant set on another instance.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
	log    *logrus.Logger
}

// NewRedisCache connects to redis and verifies the connection. A zero ttl
// means entries never expire and rely purely on explicit invalidation.
func NewRedisCache(url string, ttl time.Duration, log *logrus.Logger) (*RedisCache, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	if log == nil {
		log = logrus.New()
	}
	return &RedisCache{client: client, ttl: ttl, log: log}, nil
}

func grantsKey(nodeID int64) string {
	return fmt.Sprintf("perm:grants:%d", nodeID)
}

func parentsKey(nodeID int64) string {
	return fmt.Sprintf("perm:parents:%d", nodeID)
}

func (c *RedisCache) get(ctx context.Context, key string, out interface{}) bool {
	data, err := c.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return false
	}
	if err != nil {
		c.log.WithError(err).Warnf("redis get failed for %s, treating as miss", key)
		return false
	}
	if err := json.Unmarshal([]byte(data), out); err != nil {
		c.log.WithError(err).Warnf("corrupt cache entry %s, dropping", key)
		c.client.Del(ctx, key)
		return false
	}
	return true
}

func (c *RedisCache) set(ctx context.Context, key string, val interface{}) {
	data, err := json.Marshal(val)
	if err != nil {
		c.log.WithError(err).Warnf("failed to marshal cache entry %s", key)
		return
	}
	if err := c.client.Set(ctx, key, data, c.ttl).Err(); err != nil {
		c.log.WithError(err).Warnf("redis set failed for %s", key)
	}
}

func (c *RedisCache) invalidate(ctx context.Context, key string) {
	if err := c.client.Del(ctx, key).Err(); err != nil {
		c.log.WithError(err).Errorf("redis invalidation failed for %s, other instances may serve stale permissions", key)
	}
}

// Grants returns the cached grant set for a node.
func (c *RedisCache) Grants(ctx context.Context, nodeID int64) ([]Permission, bool) {
	var grants []Permission
	if !c.get(ctx, grantsKey(nodeID), &grants) {
		return nil, false
	}
	return grants, true
}

// SetGrants populates a node's grant entry.
func (c *RedisCache) SetGrants(ctx context.Context, nodeID int64, grants []Permission) {
	c.set(ctx, grantsKey(nodeID), grants)
}

// InvalidateGrants drops a single node's grant entry.
func (c *RedisCache) InvalidateGrants(ctx context.Context, nodeID int64) {
	c.invalidate(ctx, grantsKey(nodeID))
}

// Parents returns the cached direct parent-group list for a node.
func (c *RedisCache) Parents(ctx context.Context, nodeID int64) ([]int64, bool) {
	var parents []int64
	if !c.get(ctx, parentsKey(nodeID), &parents) {
		return nil, false
	}
	return parents, true
}

// SetParents populates a node's parent entry.
func (c *RedisCache) SetParents(ctx context.Context, nodeID int64, parents []int64) {
	c.set(ctx, parentsKey(nodeID), parents)
}

// InvalidateParents drops a single node's parent entry.
func (c *RedisCache) InvalidateParents(ctx context.Context, nodeID int64) {
	c.invalidate(ctx, parentsKey(nodeID))
}

// Close releases the redis connection.
func (c *RedisCache) Close() error {
	return c.client.Close()
}
