package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Siuumanth/CodeBay/internal/proxy"
	"github.com/Siuumanth/CodeBay/pkg/config"
	"github.com/Siuumanth/CodeBay/pkg/logger"
)

func main() {
	cfg := config.LoadProxyConfig()
	log := logger.New("proxy", slog.LevelInfo)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	resolver, err := proxy.New(cfg.StorageBaseURL, log)
	if err != nil {
		log.Error("invalid storage base url", "url", cfg.StorageBaseURL, "error", err)
		os.Exit(1)
	}

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           resolver,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("reverse proxy starting", "addr", cfg.Addr, "storage", cfg.StorageBaseURL)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		log.Info("reverse proxy stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}
