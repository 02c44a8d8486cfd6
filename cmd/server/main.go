package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Ircam-Amplify/Stereo-to-Spatial/internal/api"
	"github.com/Ircam-Amplify/Stereo-to-Spatial/internal/audit"
	"github.com/Ircam-Amplify/Stereo-to-Spatial/internal/blob"
	"github.com/Ircam-Amplify/Stereo-to-Spatial/internal/config"
	"github.com/Ircam-Amplify/Stereo-to-Spatial/internal/ircam"
	"github.com/Ircam-Amplify/Stereo-to-Spatial/internal/pipeline"
	"github.com/Ircam-Amplify/Stereo-to-Spatial/internal/ratelimit"
	"github.com/Ircam-Amplify/Stereo-to-Spatial/internal/session"
	"github.com/Ircam-Amplify/Stereo-to-Spatial/internal/telemetry"
)

func main() {
	cfg := config.Load()
	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	var store blob.Store
	if cfg.ArtifactS3Bucket != "" {
		s3Store, err := blob.NewS3Store(ctx, cfg)
		if err != nil {
			logger.Error("init s3 store", "error", err)
			os.Exit(1)
		}
		store = s3Store
	} else {
		localStore, err := blob.NewLocalStore(filepath.Join(cfg.DataDir, "artifacts"))
		if err != nil {
			logger.Error("init local store", "error", err)
			os.Exit(1)
		}
		store = localStore
	}

	auditLog, err := audit.Open(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Error("open audit log", "error", err)
		os.Exit(1)
	}
	defer auditLog.Close()

	var limiter *ratelimit.TokenBucket
	if cfg.RedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		limiter = ratelimit.NewTokenBucket(redisClient, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)
	}

	client := ircam.New(cfg, logger)
	registry := session.NewRegistry(logger)
	pipe := pipeline.New(client, registry, store, auditLog, logger)

	uploadsDir := filepath.Join(cfg.DataDir, "uploads")
	sweeper := session.NewSweeper(registry, store, uploadsDir, cfg.SessionTTL, cfg.SweepInterval, logger)
	go func() {
		if err := sweeper.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("sweeper stopped", "error", err)
		}
	}()

	server := api.New(cfg, pipe, registry, store, limiter, logger)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			logger.Error("metrics listener", "error", err)
		}
	}()

	logger.Info("api listening", "port", cfg.HTTPPort, "ttl", cfg.SessionTTL, "sweep", cfg.SweepInterval)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("listen", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
