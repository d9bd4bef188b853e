package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	PendingTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harbor_push_pending_total",
			Help: "Push tasks offered to the buffer by admission result.",
		},
		[]string{"result"}, // new, replace, skip, denied
	)

	CommitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harbor_push_commits_total",
			Help: "Push tasks drained from the buffer and handed to the transport.",
		},
		[]string{"result"}, // ok, failed
	)

	ClearedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "harbor_push_cleared_total",
			Help: "Buffered push tasks discarded because push was disabled.",
		},
	)

	DrainSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "harbor_push_drain_seconds",
			Help:    "Duration of one shard drain pass.",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		},
	)

	BufferSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "harbor_push_buffer_size",
			Help: "Live entries across all buffer shards.",
		},
	)

	DeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harbor_push_deliveries_total",
			Help: "Push deliveries performed by the push worker by status.",
		},
		[]string{"status"},
	)

	DeliveryLatencySeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "harbor_push_delivery_latency_seconds",
			Help:    "Latency of push deliveries to client endpoints.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"status"},
	)

	RetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harbor_push_retries_total",
			Help: "Push delivery retries by reason.",
		},
		[]string{"reason"}, // http_5xx, timeout, network, other
	)

	DLQTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harbor_push_dlq_total",
			Help: "Pushes moved to the dead letter topic by reason.",
		},
		[]string{"reason"},
	)

	WorkerBacklog = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "harbor_push_worker_backlog",
			Help: "Messages waiting on the push worker channel, from nsqd stats.",
		},
		[]string{"topic", "channel"},
	)
)

func MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(
		PendingTotal, CommitsTotal, ClearedTotal, DrainSeconds, BufferSize,
		DeliveriesTotal, DeliveryLatencySeconds, RetriesTotal, DLQTotal, WorkerBacklog,
	)
}

// RecordPending counts one admission outcome
func RecordPending(result string) {
	PendingTotal.WithLabelValues(result).Inc()
}

// RecordDrain records one drain pass
func RecordDrain(committed, failed int, took time.Duration) {
	if committed > 0 {
		CommitsTotal.WithLabelValues("ok").Add(float64(committed))
	}
	if failed > 0 {
		CommitsTotal.WithLabelValues("failed").Add(float64(failed))
	}
	DrainSeconds.Observe(took.Seconds())
}

// RecordCleared counts tasks dropped while push was disabled
func RecordCleared(n int) {
	if n > 0 {
		ClearedTotal.Add(float64(n))
	}
}

func UpdateBufferSize(n int) {
	BufferSize.Set(float64(n))
}

// RecordDelivery records a push worker delivery attempt
func RecordDelivery(status string, latency time.Duration) {
	DeliveriesTotal.WithLabelValues(status).Inc()
	DeliveryLatencySeconds.WithLabelValues(status).Observe(latency.Seconds())
}

func RecordRetry(reason string) {
	RetriesTotal.WithLabelValues(reason).Inc()
}

func RecordDLQ(reason string) {
	DLQTotal.WithLabelValues(reason).Inc()
}

// UpdateWorkerBacklog sets the channel depth reported by nsqd
func UpdateWorkerBacklog(topic, channel string, depth int64) {
	WorkerBacklog.WithLabelValues(topic, channel).Set(float64(depth))
}
