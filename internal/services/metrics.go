package services

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Sync-domain collectors. Registered on the default registry so the
// existing /metrics endpoint exposes them alongside the HTTP metrics.
var (
	syncsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "syncs_total",
		Help: "Tenant-level sync runs by terminal status.",
	}, []string{"status"})

	syncRecordsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sync_records_total",
		Help: "Records processed per entity type and diff outcome.",
	}, []string{"entity", "op"})

	syncDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sync_duration_seconds",
		Help:    "Duration of entity-level syncs.",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	}, []string{"entity"})

	syncEntityFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sync_entity_failures_total",
		Help: "Entity-level sync attempts that ended in an error.",
	}, []string{"entity"})
)
