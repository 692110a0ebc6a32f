package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/better-wallet/inpage-provider/internal/config"
	"github.com/better-wallet/inpage-provider/internal/inject"
	"github.com/better-wallet/inpage-provider/internal/logger"
	"github.com/better-wallet/inpage-provider/internal/provider"
	"github.com/better-wallet/inpage-provider/internal/transport"
	"github.com/better-wallet/inpage-provider/pkg/types"
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

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Connect to the wallet backend
	dialCtx, cancel := context.WithTimeout(ctx, time.Duration(cfg.DialTimeoutSeconds)*time.Second)
	ws, err := transport.DialWebSocket(dialCtx, cfg.BackendURL, nil)
	cancel()
	if err != nil {
		slog.Error("failed to connect to wallet backend", "url", cfg.BackendURL, "error", err)
		os.Exit(1)
	}

	slog.Info("connected to wallet backend", "url", cfg.BackendURL)

	registry := prometheus.NewRegistry()

	opts := inject.DefaultOptions()
	opts.Logger = slog.Default()
	opts.JSONRPCStreamName = cfg.JSONRPCChannel
	opts.MaxEventListeners = cfg.MaxEventListeners
	opts.ShouldSetOnWindow = cfg.SetOnWindow
	opts.ShouldSendMetadata = cfg.SendMetadata
	opts.SiteMetadata = types.SiteMetadata{Name: cfg.SiteName}
	if cfg.SiteIcon != "" {
		opts.SiteMetadata.Icon = &cfg.SiteIcon
	}
	if cfg.RateLimitRPS > 0 {
		opts.RateLimit = &inject.RateLimitOptions{RPS: cfg.RateLimitRPS, Burst: cfg.RateLimitBurst}
	}
	opts.MetricsRegisterer = registry

	p, err := inject.Inject(ctx, ws, opts)
	if err != nil {
		slog.Error("failed to inject provider", "error", err)
		os.Exit(1)
	}

	watch(p)

	var metricsServer *http.Server
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		metricsServer = &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           mux,
			ReadHeaderTimeout: 15 * time.Second,
		}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("metrics server error", "error", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		slog.Info("received shutdown signal")
	case <-p.Done():
		slog.Warn("provider stopped")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("error during shutdown", "error", err)
		}
	}
	if err := ws.Close(); err != nil {
		slog.Debug("transport close failed", "error", err)
	}

	slog.Info("provider stopped")
}

// watch logs the provider's public events.
func watch(p *provider.Provider) {
	p.On(provider.EventConnect, func(args ...any) {
		slog.Info("provider connected", "info", args[0])
	})
	p.On(provider.EventDisconnect, func(args ...any) {
		slog.Warn("provider disconnected", "error", args[0])
	})
	p.On(provider.EventChainChanged, func(args ...any) {
		slog.Info("chain changed", "chain_id", args[0])
	})
	p.On(provider.EventAccountsChanged, func(args ...any) {
		slog.Info("accounts changed", "accounts", args[0])
	})
	p.On(provider.EventMessage, func(args ...any) {
		slog.Debug("provider message", "message", args[0])
	})
}
