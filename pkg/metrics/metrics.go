// Package metrics exposes the engine's Prometheus metrics: lifecycle
// operation latency, allocator exhaustion, and lock/status wait outcomes.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Lifecycle operation metrics
	InstanceCreateDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "instanced_instance_create_duration_seconds",
			Help:    "Time taken to create an instance in seconds, by kind",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300},
		},
		[]string{"kind"},
	)

	InstanceStartDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "instanced_instance_start_duration_seconds",
			Help:    "Time taken to start an instance in seconds, by kind",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	InstancesCreated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "instanced_instances_created_total",
			Help: "Total number of instances created, by kind",
		},
		[]string{"kind"},
	)

	InstancesFailed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "instanced_instances_failed_total",
			Help: "Total number of instance lifecycle operations that failed, by kind and op",
		},
		[]string{"kind", "op"},
	)

	// Allocator metrics
	AllocatorExhaustedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "instanced_allocator_exhausted_total",
			Help: "Total number of allocator exhaustion events, by resource",
		},
		[]string{"resource"},
	)

	// Wait-primitive metrics
	WaitTimeoutsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "instanced_wait_timeouts_total",
			Help: "Total number of wait-primitive timeouts, by primitive",
		},
		[]string{"primitive"},
	)

	WaitDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "instanced_wait_duration_seconds",
			Help:    "Time spent in a wait primitive, by primitive",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"primitive"},
	)

	// Domain validation metrics
	DomainValidationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "instanced_domain_validations_total",
			Help: "Total number of domain validations, by result",
		},
		[]string{"result"},
	)

	// Routing config metrics
	RoutingConfigBuildDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "instanced_routing_config_build_duration_seconds",
			Help:    "Time taken to build a routing config snapshot in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	RoutingConfigRoutersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "instanced_routing_config_routers_total",
			Help: "Number of routers emitted in the last routing config build, by protocol",
		},
		[]string{"protocol"},
	)
)

func init() {
	prometheus.MustRegister(InstanceCreateDuration)
	prometheus.MustRegister(InstanceStartDuration)
	prometheus.MustRegister(InstancesCreated)
	prometheus.MustRegister(InstancesFailed)
	prometheus.MustRegister(AllocatorExhaustedTotal)
	prometheus.MustRegister(WaitTimeoutsTotal)
	prometheus.MustRegister(WaitDuration)
	prometheus.MustRegister(DomainValidationsTotal)
	prometheus.MustRegister(RoutingConfigBuildDuration)
	prometheus.MustRegister(RoutingConfigRoutersTotal)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
