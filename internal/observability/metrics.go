package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	SubmitLatency          *prometheus.HistogramVec
	SubmitTimeoutsTotal    *prometheus.CounterVec
	MessagesProcessedTotal *prometheus.CounterVec
	PendingBatchSize       *prometheus.GaugeVec
	LiberatedSlotsTotal    *prometheus.CounterVec
	RebindsTotal           *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	return &Metrics{
		SubmitLatency: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "smpp_submit_latency_seconds",
				Help:    "Latency between submit_sm and submit_sm_resp",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"service"},
		),
		SubmitTimeoutsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "smpp_submit_timeouts_total",
				Help: "Submits whose window slot was cancelled after the response threshold",
			},
			[]string{"service"},
		),
		MessagesProcessedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sms_messages_processed_total",
				Help: "Outcome updates applied to outbound messages",
			},
			[]string{"service", "status"},
		),
		PendingBatchSize: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "sms_pending_batch_size",
				Help: "Size of the last claimed batch of pending messages",
			},
			[]string{"service"},
		),
		LiberatedSlotsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "smpp_window_liberated_slots_total",
				Help: "Stale window slots cancelled by the window monitor",
			},
			[]string{"service"},
		),
		RebindsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "smpp_rebinds_total",
				Help: "Session rebinds triggered by persistent window degradation",
			},
			[]string{"service"},
		),
	}
}

// Handler exposes the default prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
