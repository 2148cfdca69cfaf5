package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"exhibition-bot/internal/api"
	"exhibition-bot/internal/config"
	"exhibition-bot/internal/models"
	"exhibition-bot/internal/photostore"
	"exhibition-bot/internal/ratelimit"
	"exhibition-bot/internal/store"
	"exhibition-bot/internal/supervisor"
	"exhibition-bot/internal/telegram"
	"exhibition-bot/internal/worker"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	logger := setupLogger(cfg.Env)
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		sig := <-ch
		logger.Info("received shutdown signal", "signal", sig.String())
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Error("connect postgres", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	// Storage unreachable at startup is fatal for the whole process: no
	// tenant is started against a database we cannot read.
	if err := st.Ping(ctx); err != nil {
		logger.Error("ping postgres", "error", err)
		os.Exit(1)
	}
	if err := st.RunMigrations(ctx); err != nil {
		logger.Error("migrations", "error", err)
		os.Exit(1)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	limiter := ratelimit.NewTokenBucket(redisClient, cfg.SendLimitCapacity, cfg.SendLimitRefill, cfg.SendLimitTTL)

	photos, err := photostore.New(ctx, cfg)
	if err != nil {
		logger.Error("init photo store", "error", err)
		os.Exit(1)
	}

	sup := supervisor.New(supervisor.Options{
		Source: st,
		NewRunner: func(t models.Tenant) supervisor.Runner {
			return worker.New(worker.Options{
				Tenant:         t,
				Transport:      telegram.NewBotClient(telegram.ClientOptions{BaseURL: cfg.TelegramBaseURL, Token: t.BotToken}),
				Store:          st,
				Photos:         photos,
				Limiter:        limiter,
				Logger:         logger,
				SyncInterval:   cfg.SyncInterval,
				PollTimeout:    cfg.PollTimeout,
				PollRetryDelay: cfg.PollRetryDelay,
				ThumbWidth:     cfg.ThumbWidth,
				MaxPhotoBytes:  cfg.PhotoMaxBytes,
			})
		},
		Policy:             supervisor.RestartPolicy{Delay: cfg.RestartDelay, MaxRestarts: cfg.MaxRestarts},
		Logger:             logger,
		ReconcileInterval:  cfg.ReconcileInterval,
		StabilityThreshold: cfg.StabilityThreshold,
		StopTimeout:        cfg.WorkerStopTimeout,
		SingleTenantID:     cfg.SingleTenantID,
	})

	adminServer := &http.Server{
		Addr:    cfg.AdminAddr,
		Handler: api.NewAdmin(sup).Router(),
	}
	go func() {
		logger.Info("admin listening", "addr", cfg.AdminAddr)
		if err := adminServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("admin server stopped", "error", err)
		}
	}()

	logger.Info("bot supervisor starting",
		"reconcile_interval", cfg.ReconcileInterval,
		"sync_interval", cfg.SyncInterval,
		"max_restarts", cfg.MaxRestarts,
	)
	if err := sup.Run(ctx); err != nil {
		logger.Error("supervisor failed", "error", err)
		os.Exit(1)
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = adminServer.Shutdown(shutdownCtx)
}

func setupLogger(env string) *slog.Logger {
	level := slog.LevelInfo
	if env == "dev" {
		level = slog.LevelDebug
	}
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	return slog.New(handler)
}
