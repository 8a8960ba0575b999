package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/agencyhub/ruleengine/evaluation"
	"github.com/agencyhub/ruleengine/internal/config"
	"github.com/agencyhub/ruleengine/internal/logger"
	"github.com/agencyhub/ruleengine/internal/metrics"
	"github.com/agencyhub/ruleengine/rules"
	"github.com/agencyhub/ruleengine/signals"
)

func main() {
	log, logShutdown, err := logger.New("ruleengine-server")
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
		log.Info("using Redis rules cache", "addr", cfg.RedisAddr)
	} else {
		cache = rules.NewInMemoryRulesCache(rules.CacheConfig{TTL: cfg.RulesCacheTTL})
	}

	dispatch := evaluation.NewDispatchRegistry()
	dispatch.Register("log", evaluation.NewLogDispatcher(log))
	dispatch.Register("webhook", evaluation.NewWebhookDispatcher(nil))
	if len(cfg.KafkaBrokers) > 0 {
		kafkaDispatcher := evaluation.NewKafkaDispatcher(cfg.KafkaBrokers, cfg.KafkaActionTopic)
		defer kafkaDispatcher.Close()
		dispatch.Register("kafka", kafkaDispatcher)
	}

	engine, err := evaluation.NewEngine(ruleStore, signalStore, dispatch, log, evaluation.EngineConfig{
		Cache:         cache,
		Metrics:       m,
		ActionTimeout: cfg.ActionDispatchTimeout,
	})
	if err != nil {
		log.Error("engine setup failed", "error", err)
		os.Exit(1)
	}

	validator := rules.NewValidator()
	recorder := rules.NewAuditRecorder()
	server := NewServer(
		rules.NewDefinitionService(ruleStore, recorder, validator, cache),
		rules.NewVersioningService(ruleStore, recorder, validator, cache),
		engine,
		signalStore,
		db,
		m,
		log,
	)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      server,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info("server starting", "port", cfg.Port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Error("shutdown error", "error", err)
	}
}
