// Package metrics holds the relay's prometheus collectors. MustRegister
// curries every vector with the service name and registers it once at boot.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"service", "method", "path", "status"},
	)

	HTTPRequestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"service", "method", "path"},
	)

	DeltasPushedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deltas_pushed_total",
			Help: "Total number of pushed deltas by outcome.",
		},
		[]string{"service", "result"},
	)

	DeltaCiphertextBytes = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "delta_ciphertext_bytes",
			Help:    "Inline ciphertext sizes for accepted deltas.",
			Buckets: prometheus.ExponentialBuckets(64, 2, 10),
		},
		[]string{"service"},
	)

	DeltasServedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deltas_served_total",
			Help: "Total number of deltas handed to clients.",
		},
		[]string{"service", "transport"},
	)

	SubscribersConnected = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "subscribers_connected",
			Help: "Currently connected subscribe streams.",
		},
		[]string{"service"},
	)
)

func MustRegister(serviceName string) {
	HTTPRequestsTotal = HTTPRequestsTotal.MustCurryWith(prometheus.Labels{"service": serviceName})
	HTTPRequestDurationSeconds = HTTPRequestDurationSeconds.MustCurryWith(prometheus.Labels{"service": serviceName}).(*prometheus.HistogramVec)
	DeltasPushedTotal = DeltasPushedTotal.MustCurryWith(prometheus.Labels{"service": serviceName})
	DeltaCiphertextBytes = DeltaCiphertextBytes.MustCurryWith(prometheus.Labels{"service": serviceName}).(*prometheus.HistogramVec)
	DeltasServedTotal = DeltasServedTotal.MustCurryWith(prometheus.Labels{"service": serviceName})
	SubscribersConnected = SubscribersConnected.MustCurryWith(prometheus.Labels{"service": serviceName})

	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDurationSeconds,
		DeltasPushedTotal,
		DeltaCiphertextBytes,
		DeltasServedTotal,
		SubscribersConnected,
	)
}
