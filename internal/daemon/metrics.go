package daemon

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics aggregates the daemon's Prometheus instrumentation. All record
// methods are nil-safe so managers can run without metrics in tests.
type Metrics struct {
	registry *prometheus.Registry

	ordersCreated      *prometheus.CounterVec
	orderTransitions   *prometheus.CounterVec
	orderDuration      *prometheus.HistogramVec
	heartbeats         prometheus.Counter
	registrations      prometheus.Counter
	detectionFailures  prometheus.Counter
	capabilitiesMerged prometheus.Counter
	routeVerifications *prometheus.CounterVec
	deploymentsCreated *prometheus.CounterVec
	deploymentsDone    *prometheus.CounterVec
	stepOutcomes       *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		ordersCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fleetdeck",
			Subsystem: "orders",
			Name:      "created_total",
			Help:      "Orders created, by category.",
		}, []string{"category"}),
		orderTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fleetdeck",
			Subsystem: "orders",
			Name:      "transitions_total",
			Help:      "Order state transitions, by resulting status.",
		}, []string{"status"}),
		orderDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "fleetdeck",
			Subsystem: "orders",
			Name:      "duration_seconds",
			Help:      "Time from order creation to terminal state.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}, []string{"category"}),
		heartbeats: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fleetdeck",
			Subsystem: "runners",
			Name:      "heartbeats_total",
			Help:      "Heartbeats accepted from agents.",
		}),
		registrations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fleetdeck",
			Subsystem: "runners",
			Name:      "registrations_total",
			Help:      "Agent registrations, including re-registrations.",
		}),
		detectionFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fleetdeck",
			Subsystem: "capabilities",
			Name:      "detection_failures_total",
			Help:      "Detection orders whose output could not be parsed.",
		}),
		capabilitiesMerged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fleetdeck",
			Subsystem: "capabilities",
			Name:      "reconciled_total",
			Help:      "Capability facts merged from completed orders.",
		}),
		routeVerifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fleetdeck",
			Subsystem: "routes",
			Name:      "verifications_total",
			Help:      "Route verification dispatches and outcomes.",
		}, []string{"outcome"}),
		deploymentsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fleetdeck",
			Subsystem: "deployments",
			Name:      "created_total",
			Help:      "Deployments planned, by deploy type.",
		}, []string{"deploy_type"}),
		deploymentsDone: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fleetdeck",
			Subsystem: "deployments",
			Name:      "finished_total",
			Help:      "Deployments finished, by outcome.",
		}, []string{"outcome"}),
		stepOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fleetdeck",
			Subsystem: "deployments",
			Name:      "step_outcomes_total",
			Help:      "Deployment step outcomes, by step type and status.",
		}, []string{"step_type", "status"}),
	}
	registry.MustRegister(
		m.ordersCreated,
		m.orderTransitions,
		m.orderDuration,
		m.heartbeats,
		m.registrations,
		m.detectionFailures,
		m.capabilitiesMerged,
		m.routeVerifications,
		m.deploymentsCreated,
		m.deploymentsDone,
		m.stepOutcomes,
	)
	return m
}

func (m *Metrics) RecordOrderCreated(category string) {
	if m == nil {
		return
	}
	m.ordersCreated.WithLabelValues(category).Inc()
}

func (m *Metrics) RecordOrderTransition(status string) {
	if m == nil {
		return
	}
	m.orderTransitions.WithLabelValues(status).Inc()
}

func (m *Metrics) ObserveOrderDuration(category string, seconds float64) {
	if m == nil {
		return
	}
	m.orderDuration.WithLabelValues(category).Observe(seconds)
}

func (m *Metrics) RecordHeartbeat() {
	if m == nil {
		return
	}
	m.heartbeats.Inc()
}

func (m *Metrics) RecordRegistration() {
	if m == nil {
		return
	}
	m.registrations.Inc()
}

func (m *Metrics) RecordDetectionFailure() {
	if m == nil {
		return
	}
	m.detectionFailures.Inc()
}

func (m *Metrics) RecordCapabilityReconciled(count int) {
	if m == nil {
		return
	}
	m.capabilitiesMerged.Add(float64(count))
}

func (m *Metrics) RecordRouteVerification(outcome string) {
	if m == nil {
		return
	}
	m.routeVerifications.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordDeploymentCreated(deployType string) {
	if m == nil {
		return
	}
	m.deploymentsCreated.WithLabelValues(deployType).Inc()
}

func (m *Metrics) RecordDeploymentFinished(outcome string) {
	if m == nil {
		return
	}
	m.deploymentsDone.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordStepOutcome(stepType, status string) {
	if m == nil {
		return
	}
	m.stepOutcomes.WithLabelValues(stepType, status).Inc()
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
