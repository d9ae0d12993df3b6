package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"chatrelay-api/internal/broadcast"
	"chatrelay-api/internal/config"
	"chatrelay-api/internal/debug"
	"chatrelay-api/internal/handler"
	"chatrelay-api/internal/middleware"
	"chatrelay-api/internal/pipeline"
	"chatrelay-api/internal/provider"
	"chatrelay-api/internal/recentcache"
	"chatrelay-api/internal/store"
)

const shutdownTimeout = 30 * time.Second

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	configPath := flag.String("config", "", "Path to config.json/config.yaml")
	flag.Parse()

	cfg, resolvedCfgPath, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}
	slog.Info("Config loaded", "path", resolvedCfgPath)

	if cfg.DebugEnabled {
		debug.CleanupAllLogs()
		slog.Info("Debug log directory cleaned")
	}

	st, err := store.New(store.Options{
		StoreMode:     cfg.StoreMode,
		RedisAddr:     cfg.RedisAddr,
		RedisPassword: cfg.RedisPassword,
		RedisDB:       cfg.RedisDB,
		RedisPrefix:   cfg.RedisPrefix,
		SQLitePath:    cfg.SQLitePath,
	})
	if err != nil {
		slog.Error("Failed to initialize store", "error", err)
		os.Exit(1)
	}
	defer st.Close()
	slog.Info("Store initialized", "mode", cfg.StoreMode)

	var cacheStats *recentcache.Stats
	if cfg.RecentCacheSize > 0 {
		cacheStats = recentcache.NewStats()
		base := recentcache.NewMemoryCache(cfg.RecentCacheSize, time.Duration(cfg.RecentCacheTTLSeconds)*time.Second)
		st.SetRecentCache(recentcache.NewInstrumentedCache(base, cacheStats))
		slog.Info("Recent-message cache enabled", "size", cfg.RecentCacheSize, "ttl_seconds", cfg.RecentCacheTTLSeconds)
	}

	gen := provider.New(provider.Options{
		BaseURL:        cfg.ProviderBaseURL,
		APIKey:         cfg.ProviderAPIKey,
		Model:          cfg.ProviderModel,
		Timeout:        time.Duration(cfg.ProviderTimeout) * time.Second,
		TLSImpersonate: cfg.ProviderTLSImpersonate,
	})

	caster := broadcast.New(cfg.SubscriberBuffer)
	pipe := pipeline.New(cfg, gen, st, caster)
	h := handler.New(cfg, pipe, st, caster)

	mux := http.NewServeMux()
	limiter := middleware.NewConcurrencyLimiter(cfg.ConcurrencyLimit, time.Duration(cfg.ConcurrencyTimeout)*time.Second)
	h.Register(mux, limiter)
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           middleware.Chain(middleware.TraceMiddleware, middleware.LoggingMiddleware)(mux),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	ctx, cancelBackground := context.WithCancel(context.Background())
	defer cancelBackground()
	go runJanitor(ctx, cfg, caster, cacheStats, limiter)

	idleConnsClosed := make(chan struct{})
	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		sig := <-quit
		slog.Info("Received signal, starting graceful shutdown", "signal", sig)

		cancelBackground()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("Server shutdown error", "error", err)
		}

		// In-flight streamed turns keep running after the listener closes;
		// wait for them so their final chunks get persisted.
		pipe.Wait()
		close(idleConnsClosed)
	}()

	slog.Info("Server running", "port", cfg.Port)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		slog.Error("Server start failed", "error", err)
		os.Exit(1)
	}

	<-idleConnsClosed
	slog.Info("Server shutdown gracefully")
}
