package balance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const cachePrefix = "balance:v1:"

// Balance is the derived balance of an account and the account version it reflects.
type Balance struct {
	AccountID string    `json:"account_id"`
	Amount    int64     `json:"amount"`
	Currency  string    `json:"currency"`
	Version   int64     `json:"version"`
	Seq       int64     `json:"seq"`
	AsOf      time.Time `json:"as_of"`
}

// Cache stores derived balances. Set must never replace a value with one of an
// older version, so concurrent refreshes can race freely.
type Cache interface {
	Get(ctx context.Context, accountID string) (Balance, bool, error)
	Set(ctx context.Context, b Balance) error
	Delete(ctx context.Context, accountID string) error
}

// MemoryCache keeps balances in process memory.
type MemoryCache struct {
	mu    sync.RWMutex
	items map[string]Balance
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{items: make(map[string]Balance)}
}

func (c *MemoryCache) Get(_ context.Context, accountID string) (Balance, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	b, ok := c.items[accountID]
	return b, ok, nil
}

func (c *MemoryCache) Set(_ context.Context, b Balance) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.items[b.AccountID]; ok && cur.Version > b.Version {
		return nil
	}
	c.items[b.AccountID] = b
	return nil
}

func (c *MemoryCache) Delete(_ context.Context, accountID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, accountID)
	return nil
}

// setIfNewer stores the balance unless the cached version is ahead.
// KEYS[1] hash key, ARGV[1] version, ARGV[2] payload, ARGV[3] ttl in ms.
var setIfNewer = redis.NewScript(`
local current = redis.call('HGET', KEYS[1], 'version')
if current and tonumber(current) > tonumber(ARGV[1]) then
  return 0
end
redis.call('HSET', KEYS[1], 'version', ARGV[1], 'data', ARGV[2])
if tonumber(ARGV[3]) > 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[3])
end
return 1
`)

// RedisCache shares balances across API instances.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisCache builds a cache whose entries expire after ttl (zero keeps them).
func NewRedisCache(client *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{client: client, ttl: ttl}
}

func (c *RedisCache) Get(ctx context.Context, accountID string) (Balance, bool, error) {
	raw, err := c.client.HGet(ctx, cachePrefix+accountID, "data").Result()
	if errors.Is(err, redis.Nil) {
		return Balance{}, false, nil
	}
	if err != nil {
		return Balance{}, false, fmt.Errorf("balance cache get: %w", err)
	}
	var b Balance
	if err := json.Unmarshal([]byte(raw), &b); err != nil {
		return Balance{}, false, fmt.Errorf("balance cache decode: %w", err)
	}
	return b, true, nil
}

func (c *RedisCache) Set(ctx context.Context, b Balance) error {
	payload, err := json.Marshal(b)
	if err != nil {
		return err
	}
	if err := setIfNewer.Run(ctx, c.client, []string{cachePrefix + b.AccountID}, b.Version, payload, c.ttl.Milliseconds()).Err(); err != nil {
		return fmt.Errorf("balance cache set: %w", err)
	}
	return nil
}

func (c *RedisCache) Delete(ctx context.Context, accountID string) error {
	if err := c.client.Del(ctx, cachePrefix+accountID).Err(); err != nil {
		return fmt.Errorf("balance cache delete: %w", err)
	}
	return nil
}
