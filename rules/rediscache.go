package rules

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisCacheDefaultTTL bounds Redis entries when no TTL is configured so
// stale rule lists cannot outlive a crashed invalidation path.
const redisCacheDefaultTTL = 30 * time.Second

// RedisRulesCache implements ActiveRulesCache on Redis so multiple engine
// instances share one view of the candidate rules. Cache failures degrade
// to a miss; the caller falls through to the store.
type RedisRulesCache struct {
	client *redis.Client
	config CacheConfig
	logger *slog.Logger
}

// NewRedisRulesCache creates a Redis-backed rules cache.
func NewRedisRulesCache(client *redis.Client, config CacheConfig, logger *slog.Logger) *RedisRulesCache {
	if config.TTL <= 0 {
		config.TTL = redisCacheDefaultTTL
	}
	return &RedisRulesCache{
		client: client,
		config: config,
		logger: logger,
	}
}

func rulesCacheKey(agencyID string) string {
	return "rules:active:" + agencyID
}

// Get retrieves cached rules for the agency. Any Redis or decode failure
// is treated as a miss.
func (c *RedisRulesCache) Get(ctx context.Context, agencyID string) []*Rule {
	data, err := c.client.Get(ctx, rulesCacheKey(agencyID)).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.logger.Warn("rules cache read failed", "agency_id", agencyID, "error", err)
		}
		return nil
	}

	var rules []*Rule
	if err := json.Unmarshal(data, &rules); err != nil {
		c.logger.Warn("rules cache entry corrupt, dropping", "agency_id", agencyID, "error", err)
		c.client.Del(ctx, rulesCacheKey(agencyID))
		return nil
	}
	return rules
}

// Set stores the agency's rules with the configured TTL.
func (c *RedisRulesCache) Set(ctx context.Context, agencyID string, rules []*Rule) {
	data, err := json.Marshal(rules)
	if err != nil {
		c.logger.Warn("rules cache encode failed", "agency_id", agencyID, "error", err)
		return
	}
	if err := c.client.Set(ctx, rulesCacheKey(agencyID), data, c.config.TTL).Err(); err != nil {
		c.logger.Warn("rules cache write failed", "agency_id", agencyID, "error", err)
	}
}

// Invalidate drops the agency's entry.
func (c *RedisRulesCache) Invalidate(ctx context.Context, agencyID string) {
	if err := c.client.Del(ctx, rulesCacheKey(agencyID)).Err(); err != nil {
		c.logger.Warn("rules cache invalidate failed", "agency_id", agencyID, "error", err)
	}
}
