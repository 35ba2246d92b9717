// Package metrics exposes the engine's Prometheus instrumentation
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PagesProcessed counts fetched pages per object type
	PagesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledgersync_pages_processed_total",
		Help: "Pages fetched and applied, by object type",
	}, []string{"object"})

	// RowsUpserted counts rows written through the guard
	RowsUpserted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledgersync_rows_upserted_total",
		Help: "Rows applied by the write path, by table",
	}, []string{"table"})

	// GuardRejected counts writes dropped by timestamp protection
	GuardRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledgersync_guard_rejected_total",
		Help: "Writes dropped by the timestamp-protection guard, by table",
	}, []string{"table"})

	// WebhookEvents counts processed webhook events by type and outcome
	WebhookEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledgersync_webhook_events_total",
		Help: "Webhook events processed, by event type and outcome",
	}, []string{"type", "outcome"})

	// ObjectSyncDuration observes wall time per completed object sync
	ObjectSyncDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledgersync_object_sync_seconds",
		Help:    "Wall time of completed object syncs",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	}, []string{"object"})
)
