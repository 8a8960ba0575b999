// The evaluator worker consumes signals from Kafka and runs them through
// the evaluation engine. It shares configuration and wiring with the API
// server but owns no HTTP surface beyond health and metrics.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/agencyhub/ruleengine/evaluation"
	"github.com/agencyhub/ruleengine/ingest"
	"github.com/agencyhub/ruleengine/internal/config"
	"github.com/agencyhub/ruleengine/internal/logger"
	"github.com/agencyhub/ruleengine/internal/metrics"
	"github.com/agencyhub/ruleengine/rules"
	"github.com/agencyhub/ruleengine/signals"
)

func main() {
	log, logShutdown, err := logger.New("ruleengine-evaluator")
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger setup failed: %v\n", err)
		os.Exit(1)
	}
	defer logShutdown(context.Background())

	cfg, err := config.Load()
	if err != nil {
		log.Error("configuration invalid", "error", err)
		os.Exit(1)
	}
	if len(cfg.KafkaBrokers) == 0 {
		log.Error("KAFKA_BROKERS is required for the evaluator worker")
		os.Exit(1)
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		log.Error("open database failed", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	if err := db.Ping(); err != nil {
		log.Error("ping database failed", "error", err)
		os.Exit(1)
	}

	m := metrics.New()
	ruleStore := rules.NewPostgresRuleStore(db)
	signalStore := signals.NewPostgresStore(db)

	var cache rules.ActiveRulesCache
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer client.Close()
		cache = rules.NewRedisRulesCache(client, rules.CacheConfig{TTL: cfg.RulesCacheTTL}, log)
	} else {
		cache = rules.NewInMemoryRulesCache(rules.CacheConfig{TTL: cfg.RulesCacheTTL})
	}

	dispatch := evaluation.NewDispatchRegistry()
	dispatch.Register("log", evaluation.NewLogDispatcher(log))
	dispatch.Register("webhook", evaluation.NewWebhookDispatcher(nil))
	kafkaDispatcher := evaluation.NewKafkaDispatcher(cfg.KafkaBrokers, cfg.KafkaActionTopic)
	defer kafkaDispatcher.Close()
	dispatch.Register("kafka", kafkaDispatcher)

	engine, err := evaluation.NewEngine(ruleStore, signalStore, dispatch, log, evaluation.EngineConfig{
		Cache:         cache,
		Metrics:       m,
		ActionTimeout: cfg.ActionDispatchTimeout,
	})
	if err != nil {
		log.Error("engine setup failed", "error", err)
		os.Exit(1)
	}

	consumer, err := ingest.NewConsumer(ingest.ConsumerConfig{
		Brokers: cfg.KafkaBrokers,
		Topic:   cfg.KafkaTopic,
		GroupID: cfg.KafkaGroupID,
	}, signalStore, engine, m, log)
	if err != nil {
		log.Error("consumer setup failed", "error", err)
		os.Exit(1)
	}
	defer consumer.Close()

	// Health and metrics sidecar.
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := db.PingContext(r.Context()); err != nil {
			http.Error(w, "unhealthy", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	mux.Handle("/metrics", m.Handler())
	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: mux,
	}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("metrics server failed", "error", err)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		<-sigChan
		log.Info("shutting down")
		cancel()
	}()

	if err := consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("consumer exited", "error", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	httpServer.Shutdown(shutdownCtx)
}
