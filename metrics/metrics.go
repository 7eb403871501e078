// Package metrics exposes the proxy's Prometheus series: request counters by
// mode and outcome, retries by error class, attempts-per-request and
// response-duration histograms, and a gauge of the largest in-flight
// continuation seen so far.
package metrics

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// RequestMode distinguishes the two client-facing surfaces (§6).
type RequestMode string

const (
	ModeStreaming    RequestMode = "streaming"
	ModeNonStreaming RequestMode = "non_streaming"
)

// Outcome classifies how a request finally resolved. The client always
// receives HTTP 200 on the sentinel-protocol path (§7), so these are the
// proxy's own view of success, not an HTTP status.
type Outcome string

const (
	OutcomeSuccess     Outcome = "success"
	OutcomeExhausted   Outcome = "exhausted"
	OutcomePassthrough Outcome = "passthrough"
	OutcomeBypassed    Outcome = "bypassed"
	OutcomeAborted     Outcome = "aborted"
)

// ErrorClass labels the retry counter by which budget an attempt consumed
// (§4.1, §7).
type ErrorClass string

const (
	ErrorClassRetryableStatus    ErrorClass = "retryable_status"
	ErrorClassNonRetryableStatus ErrorClass = "non_retryable_status"
	ErrorClassNetworkFault       ErrorClass = "network_fault"
	ErrorClassIncompleteStream   ErrorClass = "incomplete_stream"
	ErrorClassGhostLoop          ErrorClass = "ghost_loop"
)

// Registry groups every series this proxy publishes. A process normally
// holds exactly one, built with NewRegistry against the default Prometheus
// registerer.
type Registry struct {
	RequestsTotal  *prometheus.CounterVec
	RetriesTotal   *prometheus.CounterVec
	Attempts       prometheus.Histogram
	ResponseTime   *prometheus.HistogramVec
	MaxAccumulated prometheus.Gauge

	maxSeen int64
}

// NewRegistry constructs the series and registers them against reg. Pass
// prometheus.DefaultRegisterer in production and a fresh
// prometheus.NewRegistry() in tests that want isolation from the package
// global and from other tests in the same process.
func NewRegistry(reg prometheus.Registerer) *Registry {
	factory := promauto.With(reg)

	return &Registry{
		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sentinel_proxy",
			Name:      "requests_total",
			Help:      "Client requests handled, labeled by mode and outcome.",
		}, []string{"mode", "outcome"}),

		RetriesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sentinel_proxy",
			Name:      "retries_total",
			Help:      "Upstream retries issued, labeled by error class.",
		}, []string{"class"}),

		Attempts: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "sentinel_proxy",
			Name:      "attempts_per_request",
			Help:      "Number of upstream attempts (including the first) per client request.",
			Buckets:   []float64{1, 2, 3, 5, 8, 13, 21, 34, 55, 89},
		}),

		ResponseTime: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "sentinel_proxy",
			Name:      "response_duration_seconds",
			Help:      "Wall-clock time from first client byte to terminal event, labeled by mode.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"mode"}),

		MaxAccumulated: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "sentinel_proxy",
			Name:      "max_accumulated_text_bytes",
			Help:      "Largest accumulated-text continuation carried by any request so far.",
		}),
	}
}

// ObserveAccumulated reports a candidate continuation size; the gauge only
// ever moves upward, tracking the largest value seen in the process
// lifetime rather than the current in-flight request's size. Safe for
// concurrent use across requests.
func (r *Registry) ObserveAccumulated(size int) {
	for {
		current := atomic.LoadInt64(&r.maxSeen)
		if int64(size) <= current {
			return
		}
		if atomic.CompareAndSwapInt64(&r.maxSeen, current, int64(size)) {
			r.MaxAccumulated.Set(float64(size))
			return
		}
	}
}
