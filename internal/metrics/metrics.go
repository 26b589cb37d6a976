// Package metrics exposes the Prometheus counters and histograms shared
// across the orchestrator's components. A single Registry is constructed in
// main and passed by reference to anything that needs to record a sample.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry bundles every metric the orchestrator emits.
type Registry struct {
	PipelineTransitions *prometheus.CounterVec
	LedgerTransactions  *prometheus.CounterVec
	ProviderPolls       *prometheus.CounterVec
	VisionFanoutSeconds prometheus.Histogram
	HTTPRequestSeconds  *prometheus.HistogramVec
}

// New registers and returns a Registry against reg. Pass
// prometheus.NewRegistry() in production, or prometheus.NewPedanticRegistry()
// in tests that want to assert on metric values in isolation.
func New(reg prometheus.Registerer) *Registry {
	f := promauto.With(reg)
	return &Registry{
		PipelineTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pipeline_transitions_total",
			Help: "Count of pipeline status transitions.",
		}, []string{"from", "to"}),
		LedgerTransactions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_transactions_total",
			Help: "Count of credit ledger transactions by type.",
		}, []string{"type"}),
		ProviderPolls: f.NewCounterVec(prometheus.CounterOpts{
			Name: "provider_poll_total",
			Help: "Count of mesh-provider polls by provider and reported state.",
		}, []string{"provider", "state"}),
		VisionFanoutSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "vision_fanout_duration_seconds",
			Help:    "Wall time of the four-angle staggered vision fan-out.",
			Buckets: prometheus.LinearBuckets(1, 1, 15),
		}),
		HTTPRequestSeconds: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Command API request duration.",
			Buckets: prometheus.DefBuckets,
		}, []string{"command", "status"}),
	}
}
