// Package metrics provides Prometheus metrics for the chatrelay API.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "chatrelay"

var (
	// RequestsTotal counts total HTTP requests by method, path, and status.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	// RequestDuration measures request latency in seconds.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"method", "path"},
	)

	// TurnsTotal counts completed conversation turns by mode and outcome.
	TurnsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Total number of conversation turns.",
		},
		[]string{"mode", "status"}, // mode: "stream" or "sync"
	)

	// ActiveTurns tracks streamed turns currently in flight.
	ActiveTurns = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_turns",
			Help:      "Current number of in-flight streamed turns.",
		},
	)

	// ChunksPublished counts stream chunks fanned out to subscribers.
	ChunksPublished = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunks_published_total",
			Help:      "Total number of stream chunks published.",
		},
	)

	// ChunksDropped counts chunks dropped because a subscriber buffer was full.
	ChunksDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunks_dropped_total",
			Help:      "Total number of chunks dropped on slow subscribers.",
		},
	)

	// SubscribersActive tracks currently connected subscribers.
	SubscribersActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "subscribers_active",
			Help:      "Current number of live subscribers.",
		},
	)

	// ProviderDuration measures provider call latency by operation.
	ProviderDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provider_request_duration_seconds",
			Help:      "Text-generation provider request duration in seconds.",
			Buckets:   []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
		[]string{"op"}, // "stream", "generate", "title"
	)

	// DedupSkips counts persisted writes suppressed by the dedup guard. The
	// identity path replaces rather than skips, so only the content-window
	// path increments this.
	DedupSkips = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dedup_skips_total",
			Help:      "Total duplicate saves suppressed, by dedup path.",
		},
		[]string{"path"}, // "content_window"
	)

	// TitleTasks counts title follow-up outcomes.
	TitleTasks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "title_tasks_total",
			Help:      "Total title follow-up tasks by result.",
		},
		[]string{"result"}, // "set", "skipped", "exists", "error"
	)

	// CacheHits counts recent-message cache operations.
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_operations_total",
			Help:      "Total cache operations.",
		},
		[]string{"cache", "result"},
	)

	// ErrorsTotal counts errors by type.
	ErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Total errors by type.",
		},
		[]string{"type"},
	)
)
