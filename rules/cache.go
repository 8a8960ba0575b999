package rules

import (
	"context"
	"time"
)

// ActiveRulesCache caches the evaluation-candidate rules per agency so the
// engine does not hit the database for every inbound signal. Implementations
// exist for in-memory use and Redis.
type ActiveRulesCache interface {
	// Get returns the cached rules for the agency, or nil on miss/expiry.
	Get(ctx context.Context, agencyID string) []*Rule

	// Set stores the agency's rules.
	Set(ctx context.Context, agencyID string, rules []*Rule)

	// Invalidate drops the agency's entry, forcing a refresh on next Get.
	Invalidate(ctx context.Context, agencyID string)
}

// CacheConfig holds configuration for cache behavior.
type CacheConfig struct {
	// TTL is the time-to-live for cached entries. Zero means no expiration
	// (manual invalidation only) for the in-memory cache; the Redis cache
	// substitutes a default because unbounded keys would leak.
	TTL time.Duration
}

// DefaultCacheConfig returns sensible defaults for rule caching.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{TTL: 0}
}
