// Package metrics defines the Prometheus instrumentation for the controller.
// Collectors are registered on the default registry via promauto and served
// by the /metrics endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// JobsTotal counts finished jobs by action and terminal status.
	JobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "labmesh_jobs_total",
		Help: "Finished jobs by action and terminal status",
	}, []string{"action", "status"})

	// JobDuration tracks wall-clock job execution time.
	JobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "labmesh_job_duration_seconds",
		Help:    "Job execution time from dispatch to completion",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~1h
	}, []string{"action"})

	// JobRetries counts retry attempts after transient dispatch failures.
	JobRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "labmesh_job_retries_total",
		Help: "Job retry attempts",
	})

	// AgentsOnline tracks the number of agents currently considered online.
	AgentsOnline = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "labmesh_agents_online",
		Help: "Agents currently online",
	})

	// AgentsSweptOffline counts agents marked offline by the staleness sweep.
	AgentsSweptOffline = promauto.NewCounter(prometheus.CounterOpts{
		Name: "labmesh_agents_swept_offline_total",
		Help: "Agents marked offline for missing heartbeats",
	})

	// WebhookDeliveries counts delivery attempts by outcome.
	WebhookDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "labmesh_webhook_deliveries_total",
		Help: "Webhook delivery attempts by outcome",
	}, []string{"outcome"}) // success, failure

	// ReconcileDuration tracks the duration of a full reconciliation pass.
	ReconcileDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "labmesh_reconcile_duration_seconds",
		Help:    "Duration of one reconciliation pass across all agents",
		Buckets: prometheus.DefBuckets,
	})

	// ReconcileDrift counts detected divergences between recorded and
	// observed state, by kind.
	ReconcileDrift = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "labmesh_reconcile_drift_total",
		Help: "State divergences found during reconciliation",
	}, []string{"kind"}) // lab_state, node_state, orphan, adopted

	// EnforcementActions counts corrective actions taken by the state
	// enforcer.
	EnforcementActions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "labmesh_enforcement_actions_total",
		Help: "Corrective actions enqueued by the desired-state enforcer",
	}, []string{"action"})

	// ImageSyncs counts image distribution operations by outcome.
	ImageSyncs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "labmesh_image_syncs_total",
		Help: "Image pull/push distribution operations by outcome",
	}, []string{"mode", "outcome"}) // mode: pull, push

	// WSConnections tracks currently connected WebSocket clients.
	WSConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "labmesh_ws_connections",
		Help: "Currently connected WebSocket clients",
	})
)
