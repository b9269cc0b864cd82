package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	redis "github.com/redis/go-redis/v9"

	"github.com/Siuumanth/CodeBay/internal/app/migrate"
	"github.com/Siuumanth/CodeBay/internal/broker"
	httpx "github.com/Siuumanth/CodeBay/internal/http"
	"github.com/Siuumanth/CodeBay/internal/launcher"
	"github.com/Siuumanth/CodeBay/internal/repository/postgres"
	"github.com/Siuumanth/CodeBay/internal/service/deploy"
	"github.com/Siuumanth/CodeBay/internal/service/logs"
	"github.com/Siuumanth/CodeBay/internal/service/project"
	"github.com/Siuumanth/CodeBay/internal/service/webhook"
	"github.com/Siuumanth/CodeBay/internal/ws"
	"github.com/Siuumanth/CodeBay/pkg/config"
	"github.com/Siuumanth/CodeBay/pkg/logger"
)

func main() {
	cfg := config.LoadAPIConfig()
	log := logger.New("api", slog.LevelInfo)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	runner, err := migrate.New(pool, cfg.DatabaseURL, cfg.MigrationsDir, log)
	if err != nil {
		log.Error("failed to configure migrations", "error", err)
		os.Exit(1)
	}
	defer runner.Close()
	if err := runner.Ping(ctx); err != nil {
		log.Error("database ping failed", "error", err)
		os.Exit(1)
	}
	if err := runner.Ensure(ctx); err != nil {
		log.Error("migrations failed", "error", err)
		os.Exit(1)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	if err := redisClient.Ping(pingCtx).Err(); err != nil {
		cancel()
		log.Error("redis ping failed", "addr", cfg.RedisAddr, "error", err)
		os.Exit(1)
	}
	cancel()
	defer redisClient.Close()

	repo := postgres.New(pool)
	hub := ws.NewHub()
	registry := broker.NewRegistry(redisClient, cfg.LogChannelPrefix, log)
	defer registry.Close()

	launch, err := buildLauncher(cfg, log)
	if err != nil {
		log.Error("failed to configure launcher", "error", err)
		os.Exit(1)
	}

	deploySvc := deploy.New(repo, repo, registry, launch, log, cfg)
	projectSvc := project.New(repo, repo, log)
	logSvc := logs.New(repo, registry, log)
	webhookSvc := webhook.New(repo, repo, deploySvc, log, cfg.SecretEncryptionKey)

	// Inbound broker messages fan out to live viewers, get persisted and
	// drive the coordinator's status classification, in that order. The
	// dispatch context is detached from the signal context so in-flight
	// lines still persist while the server drains.
	registry.Bind(func(slug string, payload []byte) {
		dispatchCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		hub.Broadcast(slug, payload)
		line := logs.Line(payload)
		logSvc.Record(dispatchCtx, slug, "builder", line)
		deploySvc.Observe(dispatchCtx, slug, line)
	})

	limiter := httpx.NewMemoryRateLimiter()
	if addr := strings.TrimSpace(cfg.RateLimitRedisAddr); addr != "" {
		redisLimiter, err := httpx.NewRedisRateLimiter(addr, cfg.RateLimitRedisPass, cfg.RateLimitRedisDB, log)
		if err != nil {
			log.Warn("redis rate limiter unavailable", "error", err)
		} else {
			limiter = redisLimiter
		}
	}

	router := httpx.NewRouter(log, deploySvc, projectSvc, logSvc, webhookSvc, hub, limiter, cfg.BuilderAuthToken, pool.Ping)
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("api server starting", "addr", cfg.Addr)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		log.Info("api server stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}

// buildLauncher selects the launch backend: local Docker containers or
// a remote builder service.
func buildLauncher(cfg config.APIConfig, log *slog.Logger) (launcher.Launcher, error) {
	switch cfg.LauncherMode {
	case "http":
		return launcher.NewHTTPLauncher(cfg.BuilderURL, cfg.BuilderAuthToken, log), nil
	default:
		docker, err := launcher.NewDockerLauncher(cfg.DockerHost, cfg.BuilderImage, log)
		if err != nil {
			return nil, err
		}
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := docker.Ping(pingCtx); err != nil {
			log.Warn("docker daemon not reachable yet", "error", err)
		}
		return docker, nil
	}
}
