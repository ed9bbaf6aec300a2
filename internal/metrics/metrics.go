// Package metrics holds the Prometheus collectors of the calendar engine.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder groups the collectors. A nil *Recorder is valid and records nothing.
type Recorder struct {
	occurrences *prometheus.CounterVec
	truncated   prometheus.Counter
	conflicts   prometheus.Counter
	syncs       *prometheus.CounterVec
	rpcLatency  *prometheus.HistogramVec
	gatherer    prometheus.Gatherer
}

// New registers the collectors on reg.
func New(reg *prometheus.Registry) *Recorder {
	f := promauto.With(reg)
	return &Recorder{
		occurrences: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gophcal_occurrences_expanded_total",
			Help: "Occurrences produced by expansion, by event kind",
		}, []string{"kind"}),
		truncated: f.NewCounter(prometheus.CounterOpts{
			Name: "gophcal_expansion_truncated_total",
			Help: "Expansions cut at the per-master occurrence cap",
		}),
		conflicts: f.NewCounter(prometheus.CounterOpts{
			Name: "gophcal_scheduling_conflicts_total",
			Help: "Writes rejected by the conflict check",
		}),
		syncs: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gophcal_sync_attempts_total",
			Help: "External calendar sync attempts by adapter and result",
		}, []string{"adapter", "result"}),
		rpcLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gophcal_rpc_duration_seconds",
			Help:    "RPC handling latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "code"}),
		gatherer: reg,
	}
}

// Occurrences counts expanded occurrences; kind is "single" or "recurring".
func (r *Recorder) Occurrences(kind string, n int) {
	if r == nil || n == 0 {
		return
	}
	r.occurrences.WithLabelValues(kind).Add(float64(n))
}

// Truncated counts one capped expansion.
func (r *Recorder) Truncated() {
	if r == nil {
		return
	}
	r.truncated.Inc()
}

// Conflict counts one rejected write.
func (r *Recorder) Conflict() {
	if r == nil {
		return
	}
	r.conflicts.Inc()
}

// Sync counts one sync attempt.
func (r *Recorder) Sync(adapter string, err error) {
	if r == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	r.syncs.WithLabelValues(adapter, result).Inc()
}

// RPC observes one handled call.
func (r *Recorder) RPC(method, code string, d time.Duration) {
	if r == nil {
		return
	}
	r.rpcLatency.WithLabelValues(method, code).Observe(d.Seconds())
}

// Handler exposes the registry over HTTP.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(r.gatherer, promhttp.HandlerOpts{})
}
