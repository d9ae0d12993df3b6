package main

import (
	"context"
	"log/slog"
	"time"

	"chatrelay-api/internal/broadcast"
	"chatrelay-api/internal/config"
	"chatrelay-api/internal/middleware"
	"chatrelay-api/internal/recentcache"
)

const defaultJanitorInterval = 5 * time.Minute
const minJanitorInterval = 10 * time.Second

// janitorInterval clamps the configured sweep interval to something sane.
func janitorInterval(cfg *config.Config) time.Duration {
	d := time.Duration(cfg.JanitorIntervalSeconds) * time.Second
	if d <= 0 {
		return defaultJanitorInterval
	}
	if d < minJanitorInterval {
		return minJanitorInterval
	}
	return d
}

// runJanitor periodically sweeps empty broadcast chat sets and logs cache and
// limiter stats. It exits when ctx is cancelled.
func runJanitor(ctx context.Context, cfg *config.Config, caster *broadcast.Broadcaster, stats *recentcache.Stats, limiter *middleware.ConcurrencyLimiter) {
	interval := janitorInterval(cfg)
	slog.Info("Janitor started", "interval", interval.String())

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("Janitor stopped")
			return
		case <-ticker.C:
			swept := caster.SweepIdle()
			attrs := []any{"swept_chats", swept}
			if stats != nil {
				hits, misses := stats.Snapshot()
				attrs = append(attrs, "cache_hits", hits, "cache_misses", misses)
			}
			if limiter != nil {
				attrs = append(attrs, "active_requests", limiter.Active(), "rejected_requests", limiter.Rejected())
			}
			slog.Debug("Janitor sweep", attrs...)
		}
	}
}
