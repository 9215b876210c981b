package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/crankbird/crankmesh/internal/config"
	"github.com/crankbird/crankmesh/internal/infra/db"
	httpinfra "github.com/crankbird/crankmesh/internal/infra/http"
)

func main() {
	cfg := config.FromEnv()
	initLogger(cfg.LogLevel)

	store, err := db.NewStore(cfg)
	if err != nil {
		log.Fatalf("failed to init store: %v", err)
	}
	if store != nil && store.DB != nil {
		if err := store.Migrate(); err != nil {
			log.Fatalf("failed to migrate: %v", err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := httpinfra.NewServer(cfg, store)
	if err := srv.Run(ctx); err != nil {
		log.Fatalf("server exited: %v", err)
	}
}

func initLogger(level string) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
}
