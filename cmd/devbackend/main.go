package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/better-wallet/inpage-provider/internal/config"
	"github.com/better-wallet/inpage-provider/internal/devbackend"
	"github.com/better-wallet/inpage-provider/internal/logger"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	if err := logger.Init(); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}

	backend, err := devbackend.New(devbackend.Options{
		Logger:      slog.Default(),
		ChannelName: cfg.JSONRPCChannel,
		ChainID:     uint64(cfg.DevChainID),
		Accounts:    cfg.DevAccounts,
		Locked:      cfg.DevLocked,
	})
	if err != nil {
		slog.Error("failed to create dev backend", "error", err)
		os.Exit(1)
	}

	server := devbackend.NewServer(cfg.DevBackendAddr, backend, slog.Default())

	// Start server in a goroutine
	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- server.Start()
	}()

	// Setup signal handling for graceful shutdown
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if err != nil {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}

	case sig := <-shutdown:
		slog.Info("received shutdown signal", "signal", sig.String())

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			slog.Error("error during shutdown", "error", err)
			slog.Warn("forcing shutdown")
		}

		slog.Info("server stopped")
	}
}
