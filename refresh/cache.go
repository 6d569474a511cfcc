package refresh

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goCache "github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"

	"github.com/xraph/tally"
	"github.com/xraph/tally/subscription"
)

// DefaultTTL is how long a cached entry is served before it is reloaded.
const DefaultTTL = 30 * time.Second

// Entry is the cached view of one user's subscription.
type Entry struct {
	Subscription *subscription.Subscription `json:"subscription,omitempty"`
	// Outcome is set when the entry was produced by a reconciliation; it is
	// empty when the entry was read from the mirror alone.
	Outcome   tally.SyncOutcome `json:"outcome,omitempty"`
	FetchedAt time.Time         `json:"fetched_at"`
}

// Cache stores entries keyed by user id.
type Cache interface {
	Get(ctx context.Context, userID string) (*Entry, bool, error)
	Set(ctx context.Context, userID string, e *Entry) error
	Delete(ctx context.Context, userID string) error
}

// ──────────────────────────────────────────────────
// In-memory
// ──────────────────────────────────────────────────

// MemoryCache implements Cache using github.com/patrickmn/go-cache.
type MemoryCache struct {
	cache *goCache.Cache
	ttl   time.Duration
}

var _ Cache = (*MemoryCache)(nil)

// NewMemoryCache creates a process-local cache whose entries expire after ttl.
func NewMemoryCache(ttl time.Duration) *MemoryCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryCache{
		cache: goCache.New(ttl, 2*ttl),
		ttl:   ttl,
	}
}

func (c *MemoryCache) Get(_ context.Context, userID string) (*Entry, bool, error) {
	v, ok := c.cache.Get(userID)
	if !ok {
		return nil, false, nil
	}
	e, ok := v.(*Entry)
	return e, ok, nil
}

func (c *MemoryCache) Set(_ context.Context, userID string, e *Entry) error {
	c.cache.Set(userID, e, c.ttl)
	return nil
}

func (c *MemoryCache) Delete(_ context.Context, userID string) error {
	c.cache.Delete(userID)
	return nil
}

// ──────────────────────────────────────────────────
// Redis
// ──────────────────────────────────────────────────

// RedisCache implements Cache on Redis so several replicas share entries.
// Entries are stored as JSON under "<prefix><userID>".
type RedisCache struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

var _ Cache = (*RedisCache)(nil)

// NewRedisCache wraps an existing client.
func NewRedisCache(client redis.UniversalClient, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisCache{client: client, prefix: "tally:subscription:", ttl: ttl}
}

func (c *RedisCache) key(userID string) string { return c.prefix + userID }

func (c *RedisCache) Get(ctx context.Context, userID string) (*Entry, bool, error) {
	data, err := c.client.Get(ctx, c.key(userID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("refresh: redis get: %w", err)
	}
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, false, fmt.Errorf("refresh: decode entry: %w", err)
	}
	return &e, true, nil
}

func (c *RedisCache) Set(ctx context.Context, userID string, e *Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("refresh: encode entry: %w", err)
	}
	if err := c.client.Set(ctx, c.key(userID), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("refresh: redis set: %w", err)
	}
	return nil
}

func (c *RedisCache) Delete(ctx context.Context, userID string) error {
	if err := c.client.Del(ctx, c.key(userID)).Err(); err != nil {
		return fmt.Errorf("refresh: redis del: %w", err)
	}
	return nil
}
