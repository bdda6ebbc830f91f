// Package cache caches group memberships in Redis in front of a slower directory.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/upb/authgate/config"
	"github.com/upb/authgate/observability"
	"github.com/upb/authgate/repositories"
	"go.uber.org/zap"
)

const keyPrefix = "authgate:groups:"

// DefaultTTL bounds how long a membership change can go unnoticed
const DefaultTTL = 60 * time.Second

// Store is the subset of the Redis client used by the cache
type Store interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// NewClient opens a Redis client and verifies the connection
func NewClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis addr is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return client, nil
}

// GroupCache is a read-through cache over a GroupRepository. Redis failures
// never fail a lookup; the wrapped repository is consulted instead.
type GroupCache struct {
	store  Store
	next   repositories.GroupRepository
	ttl    time.Duration
	logger *zap.Logger
}

// NewGroupCache wraps next with a cache entry lifetime of ttl
func NewGroupCache(store Store, next repositories.GroupRepository, ttl time.Duration, logger *zap.Logger) *GroupCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &GroupCache{store: store, next: next, ttl: ttl, logger: logger}
}

// GroupsForAccount returns the cached groups of the account, loading them on a miss.
// Empty memberships are cached as well.
func (c *GroupCache) GroupsForAccount(ctx context.Context, accountID string) ([]string, error) {
	key := keyPrefix + accountID

	cached, err := c.store.Get(ctx, key).Result()
	switch {
	case err == nil:
		var groups []string
		if jsonErr := json.Unmarshal([]byte(cached), &groups); jsonErr == nil {
			observability.GroupCacheLookupsTotal.WithLabelValues("hit").Inc()
			return groups, nil
		}
		c.logger.Warn("discarding corrupt group cache entry", zap.String("account_id", accountID))
		observability.GroupCacheLookupsTotal.WithLabelValues("miss").Inc()
	case errors.Is(err, redis.Nil):
		observability.GroupCacheLookupsTotal.WithLabelValues("miss").Inc()
	default:
		observability.GroupCacheLookupsTotal.WithLabelValues("error").Inc()
		c.logger.Warn("group cache read failed", zap.String("account_id", accountID), zap.Error(err))
		return c.next.GroupsForAccount(ctx, accountID)
	}

	groups, err := c.next.GroupsForAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if groups == nil {
		groups = []string{}
	}

	payload, _ := json.Marshal(groups)
	if err := c.store.Set(ctx, key, payload, c.ttl).Err(); err != nil {
		c.logger.Warn("group cache write failed", zap.String("account_id", accountID), zap.Error(err))
	}

	return groups, nil
}

// Invalidate drops the cached groups of the account
func (c *GroupCache) Invalidate(ctx context.Context, accountID string) error {
	if err := c.store.Del(ctx, keyPrefix+accountID).Err(); err != nil {
		return fmt.Errorf("failed to invalidate group cache: %w", err)
	}
	return nil
}
