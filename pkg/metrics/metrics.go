// Package metrics provides Prometheus metrics for the Willow service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// OperationsInitiated tracks delete operations admitted by the service
	OperationsInitiated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "willow",
			Subsystem: "operations",
			Name:      "initiated_total",
			Help:      "Total number of delete operations admitted",
		},
		[]string{"cascade"},
	)

	// OperationsFinished tracks operations reaching a terminal status
	OperationsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "willow",
			Subsystem: "operations",
			Name:      "finished_total",
			Help:      "Total number of delete operations reaching a terminal status",
		},
		[]string{"status"},
	)

	// OperationDuration tracks time from claim to terminal status
	OperationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "willow",
			Subsystem: "operations",
			Name:      "duration_seconds",
			Help:      "Duration of delete operations from claim to terminal status",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
	)

	// OperationsInFlight tracks operations currently held by workers
	OperationsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "willow",
			Subsystem: "operations",
			Name:      "in_flight",
			Help:      "Number of delete operations currently being processed",
		},
	)

	// EntitiesDeleted tracks soft deletes performed by workers
	EntitiesDeleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "willow",
			Subsystem: "entities",
			Name:      "deleted_total",
			Help:      "Total number of entity soft deletes by outcome",
		},
		[]string{"outcome"},
	)

	// RateLimitRejections tracks admissions refused by the per-principal cap
	RateLimitRejections = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "willow",
			Subsystem: "ratelimit",
			Name:      "rejections_total",
			Help:      "Total number of initiate requests refused by the concurrency cap",
		},
	)

	// OperationsSwept tracks expired records removed by the TTL sweep
	OperationsSwept = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "willow",
			Subsystem: "operations",
			Name:      "swept_total",
			Help:      "Total number of expired operation records removed",
		},
	)

	// KafkaMessagesPublished tracks Kafka messages published
	KafkaMessagesPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "willow",
			Subsystem: "kafka",
			Name:      "messages_published_total",
			Help:      "Total number of messages published to Kafka",
		},
		[]string{"topic", "status"},
	)
)

// RecordOperationFinished records a terminal operation and its duration.
func RecordOperationFinished(status string, durationSeconds float64) {
	OperationsFinished.WithLabelValues(status).Inc()
	OperationDuration.Observe(durationSeconds)
}

// RecordEntityDelete records one soft-delete attempt outcome.
func RecordEntityDelete(outcome string) {
	EntitiesDeleted.WithLabelValues(outcome).Inc()
}
