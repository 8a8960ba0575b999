// Package config loads service configuration from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds the settings shared by the API server and the evaluator
// worker.
type Config struct {
	DatabaseURL string `env:"DATABASE_URL,required"`
	Port        int    `env:"PORT" envDefault:"8080"`

	// RedisAddr enables the shared Redis rules cache when set; empty falls
	// back to the per-process in-memory cache.
	RedisAddr     string `env:"REDIS_ADDR"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`

	KafkaBrokers     []string `env:"KAFKA_BROKERS" envSeparator:","`
	KafkaTopic       string   `env:"KAFKA_TOPIC" envDefault:"signals"`
	KafkaGroupID     string   `env:"KAFKA_GROUP_ID" envDefault:"rule-evaluator"`
	KafkaActionTopic string   `env:"KAFKA_ACTION_TOPIC" envDefault:"rule-actions"`

	RulesCacheTTL         time.Duration `env:"RULES_CACHE_TTL" envDefault:"30s"`
	ActionDispatchTimeout time.Duration `env:"ACTION_DISPATCH_TIMEOUT" envDefault:"10s"`
}

// Load parses the environment into a Config.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	return cfg, nil
}
