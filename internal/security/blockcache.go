package security

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultCacheTTL is how long a block-cache snapshot is trusted before a
// background refresh from the store is triggered.
const DefaultCacheTTL = 5 * time.Minute

// refreshTimeout bounds how long a cache refresh may hold a store
// connection.
const refreshTimeout = 10 * time.Second

// BlockCache is the in-memory set of blocked identifiers consulted on
// every request. Lookups never block on a refresh: when the TTL has
// elapsed a refresh is kicked off asynchronously and the stale set keeps
// serving until it completes. Add and Remove update the set synchronously
// so the acting identifier is covered before the next scheduled refresh.
type BlockCache struct {
	store  Store
	ttl    time.Duration
	logger *slog.Logger

	mu          sync.RWMutex
	blocked     map[string]struct{}
	lastRefresh time.Time

	refreshing atomic.Bool
}

// NewBlockCache creates a block cache backed by the given store. A zero
// ttl falls back to DefaultCacheTTL.
func NewBlockCache(store Store, ttl time.Duration, logger *slog.Logger) *BlockCache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &BlockCache{
		store:   store,
		ttl:     ttl,
		logger:  logger,
		blocked: make(map[string]struct{}),
	}
}

// IsBlocked reports whether the identifier is in the cached block set.
// Triggers an asynchronous refresh when the snapshot is older than the
// TTL; the current answer is served from the existing snapshot either way.
func (c *BlockCache) IsBlocked(id string) bool {
	c.mu.RLock()
	_, blocked := c.blocked[id]
	stale := time.Since(c.lastRefresh) > c.ttl
	c.mu.RUnlock()

	if stale {
		go c.refreshIfIdle()
	}
	return blocked
}

// Add inserts the identifier into the cached set. Called synchronously
// when a block is committed.
func (c *BlockCache) Add(id string) {
	c.mu.Lock()
	c.blocked[id] = struct{}{}
	c.mu.Unlock()
}

// Remove deletes the identifier from the cached set. Called synchronously
// when an unblock is committed.
func (c *BlockCache) Remove(id string) {
	c.mu.Lock()
	delete(c.blocked, id)
	c.mu.Unlock()
}

// Refresh reloads the cached set from the store. Idempotent and safe to
// call concurrently with lookups. A store failure leaves the existing
// snapshot in place rather than clearing it.
func (c *BlockCache) Refresh(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, refreshTimeout)
	defer cancel()

	ids, err := c.store.ActiveBlockedIdentifiers(ctx)
	if err != nil {
		c.logger.Warn("block cache refresh failed, keeping stale snapshot", "error", err)
		return err
	}

	next := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		next[id] = struct{}{}
	}

	c.mu.Lock()
	c.blocked = next
	c.lastRefresh = time.Now()
	c.mu.Unlock()
	return nil
}

// Size returns the number of cached blocked identifiers.
func (c *BlockCache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.blocked)
}

// refreshIfIdle runs a refresh unless one is already in flight.
func (c *BlockCache) refreshIfIdle() {
	if !c.refreshing.CompareAndSwap(false, true) {
		return
	}
	defer c.refreshing.Store(false)

	if err := c.Refresh(context.Background()); err != nil {
		// Already logged in Refresh; next lookup will retry after the TTL.
		return
	}
}
