package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	redis "github.com/redis/go-redis/v9"

	"orderflow/backend/internal/domain"
)

const activePolicyKey = "orderflow:policy:active"

type RedisPolicyCache struct {
	client redis.UniversalClient
}

func NewRedisPolicyCache(addr string, password string, db int) *RedisPolicyCache {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	return &RedisPolicyCache{client: client}
}

// NewRedisPolicyCacheWithClient wraps an existing client, e.g. a cluster client.
func NewRedisPolicyCacheWithClient(client redis.UniversalClient) *RedisPolicyCache {
	return &RedisPolicyCache{client: client}
}

func (c *RedisPolicyCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisPolicyCache) Close() error {
	return c.client.Close()
}

func (c *RedisPolicyCache) Get(ctx context.Context) (*domain.CancellationPolicy, bool, error) {
	val, err := c.client.Get(ctx, activePolicyKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var policy domain.CancellationPolicy
	if err := json.Unmarshal(val, &policy); err != nil {
		return nil, false, err
	}
	return &policy, true, nil
}

func (c *RedisPolicyCache) Set(ctx context.Context, policy *domain.CancellationPolicy, ttl time.Duration) error {
	if policy == nil {
		return nil
	}
	payload, err := json.Marshal(policy)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, activePolicyKey, payload, ttl).Err()
}

func (c *RedisPolicyCache) Invalidate(ctx context.Context) error {
	return c.client.Del(ctx, activePolicyKey).Err()
}
