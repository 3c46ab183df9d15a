package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Agent run metrics
	AgentRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fsoa_agent_runs_total",
			Help: "Total number of agent runs",
		},
		[]string{"status"}, // completed, failed, skipped
	)

	AgentRunDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fsoa_agent_run_duration_seconds",
			Help:    "Agent run duration in seconds",
			Buckets: []float64{0.5, 1, 5, 15, 30, 60, 120, 300},
		},
	)

	OpportunitiesProcessed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fsoa_opportunities_processed_total",
			Help: "Total number of opportunities evaluated",
		},
	)

	// Notification metrics
	NotificationsDispatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fsoa_notifications_dispatched_total",
			Help: "Total number of notification dispatch outcomes",
		},
		[]string{"type", "outcome"}, // outcome: sent, transient_failure, permanent_failure
	)

	NotificationTasksCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fsoa_notification_tasks_created_total",
			Help: "Total number of notification tasks created",
		},
		[]string{"type"},
	)

	WebhookCallDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fsoa_webhook_call_duration_seconds",
			Help:    "Webhook POST duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
	)

	// Analytics source metrics
	AnalyticsCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fsoa_analytics_calls_total",
			Help: "Total number of analytics report queries",
		},
		[]string{"outcome"}, // ok, error, breaker_open
	)

	AnalyticsCallDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fsoa_analytics_call_duration_seconds",
			Help:    "Analytics report query duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		},
	)

	// Cache metrics
	CacheRefreshesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fsoa_cache_refreshes_total",
			Help: "Total number of wholesale opportunity cache refreshes",
		},
	)

	CachedOpportunitiesGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fsoa_cached_opportunities",
			Help: "Number of opportunities in the cache after the last refresh",
		},
	)

	StaleServesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fsoa_cache_stale_serves_total",
			Help: "Times stale cache data was served because the analytics source failed",
		},
	)
)
