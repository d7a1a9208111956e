// Package tiered provides a two-level entitlement cache: a fast in-process
// Hot cache in front of a shared Cold cache such as Redis.
package tiered

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Elisa-Alvarez/Starlight/pkg/entitlement"
)

// Config configures the tiered cache
type Config struct {
	// Hot is the L1 cache, local to the process (e.g., entitlement.LRUCache)
	Hot entitlement.Cache

	// Cold is the L2 cache shared between instances (e.g., Redis)
	Cold entitlement.Cache

	// HotTTL caps how long an entry stays in Hot, so other instances'
	// invalidations are observed within this bound. Default: 30s
	HotTTL time.Duration

	// AsyncColdWrites makes Cold writes non-blocking.
	// Invalidations are always synchronous.
	AsyncColdWrites bool

	// SyncBufferSize is the size of the buffered channel for async writes.
	// Default: 1000
	SyncBufferSize int

	// AsyncErrorHandler is called when an async write fails or is dropped
	AsyncErrorHandler func(error)
}

// Cache implements entitlement.Cache over a Hot and a Cold cache.
// Reads go Hot then Cold (populating Hot); writes and invalidations go to both.
type Cache struct {
	hot  entitlement.Cache
	cold entitlement.Cache
	conf Config

	syncQueue chan func()
	shutdown  chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New creates a new tiered cache
func New(config Config) (*Cache, error) {
	if config.Hot == nil || config.Cold == nil {
		return nil, errors.New("tiered cache: both hot and cold caches are required")
	}
	if config.HotTTL <= 0 {
		config.HotTTL = 30 * time.Second
	}
	if config.SyncBufferSize <= 0 {
		config.SyncBufferSize = 1000
	}

	c := &Cache{
		hot:       config.Hot,
		cold:      config.Cold,
		conf:      config,
		syncQueue: make(chan func(), config.SyncBufferSize),
		shutdown:  make(chan struct{}),
	}
	if config.AsyncColdWrites {
		c.startWorker()
	}
	return c, nil
}

// Close drains pending async writes and stops the worker
func (c *Cache) Close() error {
	c.closeOnce.Do(func() {
		close(c.shutdown)
		c.wg.Wait()
	})
	return nil
}

// startWorker runs the background write loop.
// Writes are applied in order so a later Set is never overwritten by an earlier one.
func (c *Cache) startWorker() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			select {
			case job := <-c.syncQueue:
				job()
			case <-c.shutdown:
				for {
					select {
					case job := <-c.syncQueue:
						job()
					default:
						return
					}
				}
			}
		}
	}()
}

// GetEntitlement implements entitlement.Cache
func (c *Cache) GetEntitlement(ctx context.Context, userID string) (*entitlement.Entitlement, bool) {
	if ent, ok := c.hot.GetEntitlement(ctx, userID); ok {
		return ent, true
	}
	ent, ok := c.cold.GetEntitlement(ctx, userID)
	if !ok {
		return nil, false
	}
	c.hot.SetEntitlement(ctx, ent, c.conf.HotTTL)
	return ent, true
}

// SetEntitlement implements entitlement.Cache
func (c *Cache) SetEntitlement(ctx context.Context, ent *entitlement.Entitlement, ttl time.Duration) {
	hotTTL := ttl
	if hotTTL <= 0 || hotTTL > c.conf.HotTTL {
		hotTTL = c.conf.HotTTL
	}
	c.hot.SetEntitlement(ctx, ent, hotTTL)

	if !c.conf.AsyncColdWrites {
		c.cold.SetEntitlement(ctx, ent, ttl)
		return
	}

	snapshot := ent.Clone()
	detached := context.WithoutCancel(ctx)
	select {
	case c.syncQueue <- func() { c.cold.SetEntitlement(detached, snapshot, ttl) }:
	default:
		if c.conf.AsyncErrorHandler != nil {
			c.conf.AsyncErrorHandler(fmt.Errorf("tiered cache: write queue full, dropped write for %s", ent.UserID))
		}
	}
}

// InvalidateEntitlement implements entitlement.Cache.
// Cold is invalidated first so Hot cannot be refilled from a stale Cold entry.
func (c *Cache) InvalidateEntitlement(ctx context.Context, userID string) error {
	coldErr := c.cold.InvalidateEntitlement(ctx, userID)
	hotErr := c.hot.InvalidateEntitlement(ctx, userID)
	return errors.Join(coldErr, hotErr)
}
