package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EventsHandled tracks first-delivery outcomes per source channel
	EventsHandled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tollgate_events_handled_total",
			Help: "Total number of freshly delivered events by outcome",
		},
		[]string{"channel", "outcome"},
	)

	// RetriesProcessed tracks retry worker outcomes per source channel
	RetriesProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tollgate_retries_processed_total",
			Help: "Total number of retry envelopes processed by outcome",
		},
		[]string{"channel", "outcome"},
	)

	// EnvelopesQuarantined tracks envelopes sent to quarantine
	EnvelopesQuarantined = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tollgate_envelopes_quarantined_total",
			Help: "Total number of envelopes published to quarantine",
		},
		[]string{"channel", "reason"},
	)

	// QuarantineAttempts records the attempt count at quarantine time
	QuarantineAttempts = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tollgate_quarantine_attempts",
			Help:    "Attempt count of envelopes when quarantined",
			Buckets: prometheus.LinearBuckets(1, 1, 10),
		},
		[]string{"channel"},
	)

	// PublishErrors tracks failures emitting to retry or quarantine channels
	PublishErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tollgate_publish_errors_total",
			Help: "Total number of failed retry/quarantine publishes",
		},
		[]string{"channel"},
	)

	// BudgetDecisions tracks reservation outcomes
	BudgetDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tollgate_budget_decisions_total",
			Help: "Total number of budget reservation decisions",
		},
		[]string{"decision"},
	)

	// BudgetReservedCredits tracks credits reserved by approved decisions
	BudgetReservedCredits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tollgate_budget_reserved_credits_total",
			Help: "Total credits reserved by approved decisions",
		},
	)

	// BudgetInsertCollisions counts lazy counter inserts that lost a race
	BudgetInsertCollisions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tollgate_budget_insert_collisions_total",
			Help: "Counter inserts that collided with a concurrent insert",
		},
	)

	// BudgetReleaseClamped counts releases that would have driven the reservation negative
	BudgetReleaseClamped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tollgate_budget_release_clamped_total",
			Help: "Releases clamped at zero reserved budget",
		},
	)

	// UsageCommitted tracks credits committed from usage logs
	UsageCommitted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tollgate_usage_committed_credits_total",
			Help: "Total credits committed into used value",
		},
	)

	// CacheLookups tracks lookup cache hits and misses
	CacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tollgate_cache_lookups_total",
			Help: "Lookup cache hits and misses",
		},
		[]string{"kind", "result"},
	)

	// DBConnectionPoolUsage tracks database pool usage percentage
	DBConnectionPoolUsage = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tollgate_db_connection_pool_usage_percent",
			Help: "Database connection pool usage percentage",
		},
	)
)
