// Package redis provides a Redis implementation of entitlement.Cache.
// Entries are JSON documents under user:{id}:subscription.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Elisa-Alvarez/Starlight/pkg/entitlement"
)

// Cache implements entitlement.Cache using Redis
type Cache struct {
	client redis.UniversalClient
	config Config
}

// Config holds Redis cache configuration
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: none)
	KeyPrefix string

	// DefaultTTL is used when SetEntitlement is called with ttl <= 0 (default: 5 minutes)
	DefaultTTL time.Duration

	// OpTimeout bounds each Redis call (default: 500ms)
	OpTimeout time.Duration

	Logger entitlement.Logger
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		DefaultTTL: 5 * time.Minute,
		OpTimeout:  500 * time.Millisecond,
	}
}

// New creates a new Redis cache.
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring
func New(client redis.UniversalClient, config Config) (*Cache, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if config.DefaultTTL <= 0 {
		config.DefaultTTL = 5 * time.Minute
	}
	if config.OpTimeout <= 0 {
		config.OpTimeout = 500 * time.Millisecond
	}
	if config.Logger == nil {
		config.Logger = &entitlement.NoopLogger{}
	}
	return &Cache{client: client, config: config}, nil
}

// Key returns the cache key of a user's subscription
func (c *Cache) Key(userID string) string {
	return c.config.KeyPrefix + "user:" + userID + ":subscription"
}

// cachedEntitlement is the stored JSON form
type cachedEntitlement struct {
	UserID       string     `json:"userId"`
	SubscriberID string     `json:"subscriberId,omitempty"`
	Tier         string     `json:"tier"`
	ProductID    string     `json:"productId,omitempty"`
	ExpiresAt    *time.Time `json:"expiresAt,omitempty"`
	TrialEndsAt  *time.Time `json:"trialEndsAt,omitempty"`
	DailyCount   int        `json:"dailyCount"`
	WindowDate   string     `json:"windowDate"`
	Timezone     string     `json:"timezone"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
}

func toCached(ent *entitlement.Entitlement) cachedEntitlement {
	return cachedEntitlement{
		UserID:       ent.UserID,
		SubscriberID: ent.SubscriberID,
		Tier:         string(ent.Tier),
		ProductID:    ent.ProductID,
		ExpiresAt:    ent.ExpiresAt,
		TrialEndsAt:  ent.TrialEndsAt,
		DailyCount:   ent.DailyCount,
		WindowDate:   ent.WindowDate,
		Timezone:     ent.Timezone,
		CreatedAt:    ent.CreatedAt,
		UpdatedAt:    ent.UpdatedAt,
	}
}

func (c cachedEntitlement) entitlement() *entitlement.Entitlement {
	return &entitlement.Entitlement{
		UserID:       c.UserID,
		SubscriberID: c.SubscriberID,
		Tier:         entitlement.Tier(c.Tier),
		ProductID:    c.ProductID,
		ExpiresAt:    c.ExpiresAt,
		TrialEndsAt:  c.TrialEndsAt,
		DailyCount:   c.DailyCount,
		WindowDate:   c.WindowDate,
		Timezone:     c.Timezone,
		CreatedAt:    c.CreatedAt,
		UpdatedAt:    c.UpdatedAt,
	}
}

// GetEntitlement implements entitlement.Cache.
// Redis errors and undecodable entries are reported as misses.
func (c *Cache) GetEntitlement(ctx context.Context, userID string) (*entitlement.Entitlement, bool) {
	ctx, cancel := context.WithTimeout(ctx, c.config.OpTimeout)
	defer cancel()

	data, err := c.client.Get(ctx, c.Key(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false
	}
	if err != nil {
		c.config.Logger.Warn("redis cache read failed",
			entitlement.Field{Key: "user_id", Value: userID},
			entitlement.Field{Key: "error", Value: err.Error()},
		)
		return nil, false
	}

	var cached cachedEntitlement
	if err := json.Unmarshal(data, &cached); err != nil || !entitlement.Tier(cached.Tier).Valid() {
		return nil, false
	}
	return cached.entitlement(), true
}

// SetEntitlement implements entitlement.Cache
func (c *Cache) SetEntitlement(ctx context.Context, ent *entitlement.Entitlement, ttl time.Duration) {
	if ent == nil || ent.UserID == "" {
		return
	}
	if ttl <= 0 {
		ttl = c.config.DefaultTTL
	}
	data, err := json.Marshal(toCached(ent))
	if err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, c.config.OpTimeout)
	defer cancel()

	if err := c.client.Set(ctx, c.Key(ent.UserID), data, ttl).Err(); err != nil {
		c.config.Logger.Warn("redis cache write failed",
			entitlement.Field{Key: "user_id", Value: ent.UserID},
			entitlement.Field{Key: "error", Value: err.Error()},
		)
	}
}

// InvalidateEntitlement implements entitlement.Cache
func (c *Cache) InvalidateEntitlement(ctx context.Context, userID string) error {
	ctx, cancel := context.WithTimeout(ctx, c.config.OpTimeout)
	defer cancel()

	if err := c.client.Del(ctx, c.Key(userID)).Err(); err != nil {
		return fmt.Errorf("failed to invalidate entitlement: %w", err)
	}
	return nil
}

// Ping checks the Redis connection
func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
