package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects the service's Prometheus metrics.
//
// All recording methods are safe to call on a nil *Metrics, which lets
// components run without metrics in tests.
//
// Usage:
//
//	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
//	metrics.ResourceCreated("private")
//	metrics.SetDeletionQueueDepth(queue.Len())
type Metrics struct {
	// ResourcesCreated counts channels created on request.
	// Labels: visibility (private|public)
	ResourcesCreated *prometheus.CounterVec

	// InviteesDenied counts invitees excluded by the mandatory role list.
	InviteesDenied prometheus.Counter

	// OccupancyEvents counts store updates issued for membership transitions.
	// Labels: op (join|leave)
	OccupancyEvents *prometheus.CounterVec

	// DriftCorrections counts stored occupancy values overwritten by a recount.
	DriftCorrections prometheus.Counter

	// ReconcileTicks counts reconciler phases that ran.
	// Labels: phase (drift|idle)
	ReconcileTicks *prometheus.CounterVec

	// ReconcileDuration measures a full reconciler tick in seconds.
	ReconcileDuration prometheus.Histogram

	// Deletions counts deletion executor outcomes.
	// Labels: outcome (deleted|already_gone|skipped_occupied|skipped_absent|failed)
	Deletions *prometheus.CounterVec

	// DeletionQueueDepth is the number of pending deletion requests.
	DeletionQueueDepth prometheus.Gauge

	// TrackedResources is the number of rows in the resource store.
	TrackedResources prometheus.Gauge

	// StoreErrors counts failed store operations.
	// Labels: op
	StoreErrors *prometheus.CounterVec

	// PlatformRequestDuration measures chat platform REST calls in seconds.
	// Labels: op, status (success|error)
	PlatformRequestDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all collectors with reg.
// Passing a fresh prometheus.NewRegistry() isolates tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ResourcesCreated: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ephemera_resources_created_total",
				Help: "Total number of ephemeral voice channels created",
			},
			[]string{"visibility"},
		),
		InviteesDenied: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "ephemera_invitees_denied_total",
				Help: "Total number of invitees denied by the mandatory role list",
			},
		),
		OccupancyEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ephemera_occupancy_events_total",
				Help: "Total number of occupancy updates issued from membership transitions",
			},
			[]string{"op"},
		),
		DriftCorrections: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "ephemera_drift_corrections_total",
				Help: "Total number of occupancy counts corrected from the platform",
			},
		),
		ReconcileTicks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ephemera_reconcile_ticks_total",
				Help: "Total number of reconciler phases executed",
			},
			[]string{"phase"},
		),
		ReconcileDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "ephemera_reconcile_duration_seconds",
				Help:    "Duration of a reconciler tick in seconds",
				Buckets: []float64{.005, .01, .05, .1, .5, 1, 5, 30},
			},
		),
		Deletions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ephemera_deletions_total",
				Help: "Total number of deletion requests processed by outcome",
			},
			[]string{"outcome"},
		),
		DeletionQueueDepth: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "ephemera_deletion_queue_depth",
				Help: "Number of deletion requests waiting to be processed",
			},
		),
		TrackedResources: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "ephemera_tracked_resources",
				Help: "Number of ephemeral channels currently tracked",
			},
		),
		StoreErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ephemera_store_errors_total",
				Help: "Total number of failed resource store operations",
			},
			[]string{"op"},
		),
		PlatformRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ephemera_platform_request_duration_seconds",
				Help:    "Duration of chat platform API requests in seconds",
				Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"op", "status"},
		),
	}
}

// ResourceCreated records a successful channel creation.
func (m *Metrics) ResourceCreated(visibility string) {
	if m == nil {
		return
	}
	m.ResourcesCreated.WithLabelValues(visibility).Inc()
	m.TrackedResources.Inc()
}

// InviteeDenied records n invitees rejected by eligibility.
func (m *Metrics) InviteeDenied(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.InviteesDenied.Add(float64(n))
}

// OccupancyEvent records a join or leave passed to the store.
func (m *Metrics) OccupancyEvent(op string) {
	if m == nil {
		return
	}
	m.OccupancyEvents.WithLabelValues(op).Inc()
}

// DriftCorrected records a stored count replaced by the authoritative one.
func (m *Metrics) DriftCorrected() {
	if m == nil {
		return
	}
	m.DriftCorrections.Inc()
}

// ReconcilePhase records that a reconciler phase ran.
func (m *Metrics) ReconcilePhase(phase string) {
	if m == nil {
		return
	}
	m.ReconcileTicks.WithLabelValues(phase).Inc()
}

// ReconcileFinished records the duration of a reconciler tick.
func (m *Metrics) ReconcileFinished(durationSeconds float64) {
	if m == nil {
		return
	}
	m.ReconcileDuration.Observe(durationSeconds)
}

// DeletionFinished records the outcome of one deletion request.
func (m *Metrics) DeletionFinished(outcome string) {
	if m == nil {
		return
	}
	m.Deletions.WithLabelValues(outcome).Inc()
	if outcome == "deleted" || outcome == "already_gone" {
		m.TrackedResources.Dec()
	}
}

// SetDeletionQueueDepth updates the pending deletion gauge.
func (m *Metrics) SetDeletionQueueDepth(n int) {
	if m == nil {
		return
	}
	m.DeletionQueueDepth.Set(float64(n))
}

// SetTrackedResources sets the tracked channel gauge, typically at startup.
func (m *Metrics) SetTrackedResources(n int) {
	if m == nil {
		return
	}
	m.TrackedResources.Set(float64(n))
}

// StoreError records a failed store operation.
func (m *Metrics) StoreError(op string) {
	if m == nil {
		return
	}
	m.StoreErrors.WithLabelValues(op).Inc()
}

// RecordPlatformRequest records the latency of a platform API call.
func (m *Metrics) RecordPlatformRequest(op, status string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.PlatformRequestDuration.WithLabelValues(op, status).Observe(durationSeconds)
}
