package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	RequestsProcessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch2_requests_processed_total",
			Help: "Total number of processed requests by outcome.",
		},
		[]string{"outcome"}, // completed, failed, expired, skipped
	)

	DeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch2_deliveries_total",
			Help: "Total number of outbound delivery attempts by result.",
		},
		[]string{"result"}, // ok, error
	)

	DeliveryLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dispatch2_delivery_latency_seconds",
			Help:    "Latency of outbound delivery calls per destination server.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"server"},
	)

	PollCyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch2_poll_cycles_total",
			Help: "Total number of poll cycles by result.",
		},
		[]string{"result"}, // fetched, empty, backpressure, out_of_window, error
	)

	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dispatch2_queue_depth",
			Help: "Current depth of the in-process work queue.",
		},
	)

	PendingSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dispatch2_pending_size",
			Help: "Current size of the pending request set.",
		},
	)
)

func MustRegister(reg *prometheus.Registry) {
	reg.MustRegister(
		RequestsProcessedTotal,
		DeliveriesTotal,
		DeliveryLatency,
		PollCyclesTotal,
		QueueDepth,
		PendingSize,
	)
}

// RecordOutcome increments the processed-requests counter for an outcome
func RecordOutcome(outcome string) {
	RequestsProcessedTotal.WithLabelValues(outcome).Inc()
}

// RecordDelivery records one outbound delivery attempt and its latency
func RecordDelivery(result, server string, seconds float64) {
	DeliveriesTotal.WithLabelValues(result).Inc()
	DeliveryLatency.WithLabelValues(server).Observe(seconds)
}

// RecordPollCycle increments the poll-cycle counter for a result
func RecordPollCycle(result string) {
	PollCyclesTotal.WithLabelValues(result).Inc()
}

// UpdateQueueDepth sets the work-queue depth gauge
func UpdateQueueDepth(depth float64) {
	QueueDepth.Set(depth)
}

// UpdatePendingSize sets the pending-set size gauge
func UpdatePendingSize(size float64) {
	PendingSize.Set(size)
}
