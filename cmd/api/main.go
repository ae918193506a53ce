package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/kwamkid/aoochat-sub002/internal/config"
	"github.com/kwamkid/aoochat-sub002/internal/database"
	"github.com/kwamkid/aoochat-sub002/internal/dedup"
	"github.com/kwamkid/aoochat-sub002/internal/handlers"
	"github.com/kwamkid/aoochat-sub002/internal/ingest"
	"github.com/kwamkid/aoochat-sub002/internal/logger"
	"github.com/kwamkid/aoochat-sub002/internal/platform"
	"github.com/kwamkid/aoochat-sub002/internal/profile"
)

func main() {
	// 1. Load config (optional YAML file + env overrides), failing fast.
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	zlog, err := logger.New(cfg.Log)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer zlog.Sync()

	// 2. Open storage per the configured driver and run migrations.
	store, err := database.Open(cfg.Database, zlog)
	if err != nil {
		zlog.Fatal("database", zap.Error(err))
	}
	defer store.Close()

	retention := time.Duration(cfg.RetentionHours) * time.Hour

	// 3. Idempotency guard: Redis when configured, in-process otherwise.
	var guard ingest.Guard
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
		})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := client.Ping(ctx).Err(); err != nil {
			cancel()
			zlog.Fatal("redis", zap.Error(err))
		}
		cancel()
		guard = dedup.NewRedisGuard(client, retention)
		zlog.Info("idempotency guard: redis", zap.String("addr", cfg.Redis.Addr))
	} else {
		guard = dedup.NewMemoryGuard(retention)
		zlog.Info("idempotency guard: in-process")
	}

	// 4. Adapters, reconciler, dispatcher.
	registry := platform.NewRegistry(cfg, zlog)
	reconciler := ingest.NewReconciler(store, profile.NewFetcher(cfg), zlog)
	dispatcher := ingest.NewDispatcher(registry, guard, store, reconciler, cfg.MaxInFlight, zlog)
	zlog.Info("platforms enabled", zap.Any("platforms", registry.Platforms()))

	// 5. Background eviction of processed-event records.
	sweeper := ingest.NewSweeper(store, guard, retention, time.Hour, zlog)
	sweeper.Start()
	defer sweeper.Stop()

	// 6. Routes.
	r := mux.NewRouter()
	r.HandleFunc("/health", handlers.HealthCheck).Methods(http.MethodGet)
	r.HandleFunc("/webhooks/{platform}", handlers.VerifyWebhook(dispatcher, zlog)).Methods(http.MethodGet)
	r.HandleFunc("/webhooks/{platform}", handlers.ReceiveWebhook(dispatcher, zlog)).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/conversations", handlers.ListConversations(store, zlog)).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/conversations/{id}/messages", handlers.ListMessages(store, zlog)).Methods(http.MethodGet)

	// 7. Serve.
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	zlog.Info("server listening", zap.String("addr", cfg.ListenAddr))
	if err := srv.ListenAndServe(); err != nil {
		zlog.Fatal("server", zap.Error(err))
	}
}
