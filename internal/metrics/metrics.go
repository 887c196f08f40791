package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics of the delivery core.
type Metrics struct {
	ConnectionsActive   prometheus.Gauge
	Handshakes          *prometheus.CounterVec
	MessagesSubmitted   *prometheus.CounterVec
	Pushes              *prometheus.CounterVec
	Redeliveries        prometheus.Counter
	RedeliveryExhausted prometheus.Counter
	Acks                prometheus.Counter
	StoreRetries        prometheus.Counter
	BacklogSize         prometheus.Gauge
	SubmitDuration      prometheus.Histogram
}

// New creates the metrics and registers them on reg. Tests pass a fresh
// prometheus.NewRegistry() so repeated construction does not collide.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ConnectionsActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "chat_connections_active",
			Help: "Connections currently registered in presence on this node",
		}),
		Handshakes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_handshakes_total",
			Help: "Handshakes by outcome",
		}, []string{"result"}),
		MessagesSubmitted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_messages_submitted_total",
			Help: "Submitted messages by receipt status",
		}, []string{"status"}),
		Pushes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_pushes_total",
			Help: "Pushes to connections by result",
		}, []string{"result"}),
		Redeliveries: f.NewCounter(prometheus.CounterOpts{
			Name: "chat_redeliveries_total",
			Help: "Redeliveries triggered by ack timeouts",
		}),
		RedeliveryExhausted: f.NewCounter(prometheus.CounterOpts{
			Name: "chat_redelivery_exhausted_total",
			Help: "Deliveries returned to PENDING after the retry budget ran out",
		}),
		Acks: f.NewCounter(prometheus.CounterOpts{
			Name: "chat_acks_total",
			Help: "Deliveries marked ACKED",
		}),
		StoreRetries: f.NewCounter(prometheus.CounterOpts{
			Name: "chat_store_retries_total",
			Help: "Failed store writes that were retried",
		}),
		BacklogSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "chat_store_backlog_size",
			Help: "Messages waiting for the store to come back",
		}),
		SubmitDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "chat_submit_duration_ms",
			Help:    "Latency of message submission in milliseconds",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 25, 50, 100, 250, 1000},
		}),
	}
}
