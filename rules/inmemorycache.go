package rules

import (
	"context"
	"sync"
	"time"
)

// InMemoryRulesCache is a simple in-memory implementation of
// ActiveRulesCache, keyed by agency. Thread-safe for concurrent access.
type InMemoryRulesCache struct {
	entries map[string]*cacheEntry
	config  CacheConfig
	mu      sync.RWMutex
}

type cacheEntry struct {
	rules    []*Rule
	cachedAt time.Time
}

// NewInMemoryRulesCache creates a new in-memory rules cache.
func NewInMemoryRulesCache(config CacheConfig) *InMemoryRulesCache {
	return &InMemoryRulesCache{
		entries: make(map[string]*cacheEntry),
		config:  config,
	}
}

// Get retrieves cached rules for the agency. Returns nil if the entry is
// missing or expired.
func (c *InMemoryRulesCache) Get(ctx context.Context, agencyID string) []*Rule {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[agencyID]
	if !ok {
		return nil
	}
	if c.config.TTL > 0 && time.Since(entry.cachedAt) > c.config.TTL {
		return nil
	}

	// Return copy to prevent external modifications
	rulesCopy := make([]*Rule, len(entry.rules))
	copy(rulesCopy, entry.rules)
	return rulesCopy
}

// Set stores the agency's rules in cache.
func (c *InMemoryRulesCache) Set(ctx context.Context, agencyID string, rules []*Rule) {
	c.mu.Lock()
	defer c.mu.Unlock()

	stored := make([]*Rule, len(rules))
	copy(stored, rules)
	c.entries[agencyID] = &cacheEntry{rules: stored, cachedAt: time.Now()}
}

// Invalidate clears the agency's entry.
func (c *InMemoryRulesCache) Invalidate(ctx context.Context, agencyID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.entries, agencyID)
}
