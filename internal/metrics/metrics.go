package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Message loop metrics
	MessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "targetoic_messages_total",
			Help: "Total number of Singer messages consumed",
		},
		[]string{"type"}, // type: SCHEMA, RECORD, STATE
	)

	RecordsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "targetoic_records_total",
			Help: "Total number of records processed",
		},
		[]string{"stream", "status"}, // status: buffered, rejected
	)

	ValidationErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "targetoic_validation_errors_total",
			Help: "Total number of record validation errors",
		},
		[]string{"stream"},
	)

	BufferedRecords = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "targetoic_buffered_records",
			Help: "Records currently buffered and not yet drained",
		},
		[]string{"stream"},
	)

	// Delivery metrics
	BatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "targetoic_batches_total",
			Help: "Total number of batches delivered to OIC",
		},
		[]string{"stream", "status"}, // status: success, failed
	)

	BatchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "targetoic_batch_size",
			Help:    "Number of records per delivered batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		},
	)

	DeliveryDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "targetoic_delivery_duration_seconds",
			Help:    "Time taken to deliver a batch including retries",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
	)

	DeliveryRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "targetoic_delivery_retries_total",
			Help: "Total number of batch delivery retries",
		},
	)

	DeadLetteredBatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "targetoic_dead_lettered_batches_total",
			Help: "Batches written to the dead letter sink after exhausting retries",
		},
		[]string{"stream"},
	)

	// Token metrics
	TokenRefreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "targetoic_token_refreshes_total",
			Help: "Total number of OAuth2 token endpoint round trips",
		},
		[]string{"status"}, // status: success, failed
	)

	TokenInvalidations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "targetoic_token_invalidations_total",
			Help: "Times the cached token was invalidated after an auth failure",
		},
	)

	// State metrics
	StatesEmitted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "targetoic_states_emitted_total",
			Help: "Total number of state messages emitted downstream",
		},
	)

	StatesPending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "targetoic_states_pending",
			Help: "State messages held back waiting for deliveries to complete",
		},
	)
)
