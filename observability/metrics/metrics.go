// Package metrics exposes the dispatcher's per-group counters as Prometheus
// metrics. Each dispatcher task reports into a shared Recorder; scraping
// reads from prometheus' own registry rather than any dispatcher-owned
// state, so the hot delivery path only ever does a label-vector Inc/Observe
// and never touches anything scrape-shaped. This mirrors the
// pull-via-snapshot discipline the pack's own eventbus Prometheus collector
// documents, applied here as direct counters/histograms instead of a custom
// Collector since the dispatcher's per-group state isn't safe to snapshot
// from an arbitrary scrape goroutine.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder is what dispatcher.Task and qosmachine.Machine report into.
// Callers that don't want metrics pass a nil *Recorder; both of those
// check for nil and skip instrumentation.
type Recorder struct {
	registry *prometheus.Registry

	recordsDelivered  *prometheus.CounterVec
	recordsAbandoned  *prometheus.CounterVec
	subscriberRetries *prometheus.CounterVec
	commitLatency     *prometheus.HistogramVec
	pubrelRetries     *prometheus.CounterVec
}

// New returns a Recorder backed by a fresh, private Prometheus registry.
func New() *Recorder {
	reg := prometheus.NewRegistry()

	r := &Recorder{
		registry: reg,
		recordsDelivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sharedispatch",
			Name:      "records_delivered_total",
			Help:      "Records committed as delivered, per (topic, group).",
		}, []string{"topic", "group"}),
		recordsAbandoned: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sharedispatch",
			Name:      "records_abandoned_total",
			Help:      "Records abandoned after exhausting the subscriber rotation, per (topic, group).",
		}, []string{"topic", "group"}),
		subscriberRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sharedispatch",
			Name:      "subscriber_retries_total",
			Help:      "Times the round-robin cursor rotated past a failed subscriber, per (topic, group).",
		}, []string{"topic", "group"}),
		commitLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "sharedispatch",
			Name:      "offset_commit_seconds",
			Help:      "Time spent in CommitOffset, including retry backoff, per (topic, group).",
			Buckets:   prometheus.DefBuckets,
		}, []string{"topic", "group"}),
		pubrelRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sharedispatch",
			Name:      "pubrel_retries_total",
			Help:      "PUBREL retransmissions sent while finishing a QoS2 handshake.",
		}, []string{"client_id"}),
	}

	reg.MustRegister(r.recordsDelivered, r.recordsAbandoned, r.subscriberRetries, r.commitLatency, r.pubrelRetries)
	return r
}

// RecordDelivered increments the delivered counter for (topic, group).
func (r *Recorder) RecordDelivered(topic, group string) {
	r.recordsDelivered.WithLabelValues(topic, group).Inc()
}

// RecordAbandoned increments the abandoned counter for (topic, group).
func (r *Recorder) RecordAbandoned(topic, group string) {
	r.recordsAbandoned.WithLabelValues(topic, group).Inc()
}

// RecordSubscriberRetry increments the retry counter for (topic, group).
func (r *Recorder) RecordSubscriberRetry(topic, group string) {
	r.subscriberRetries.WithLabelValues(topic, group).Inc()
}

// ObserveCommitLatency records how long a CommitOffset call (including any
// internal retry backoff) took for (topic, group).
func (r *Recorder) ObserveCommitLatency(topic, group string, d time.Duration) {
	r.commitLatency.WithLabelValues(topic, group).Observe(d.Seconds())
}

// RecordPubrelRetry increments the PUBREL-retransmission counter for a
// client's QoS2 tail.
func (r *Recorder) RecordPubrelRetry(clientID string) {
	r.pubrelRetries.WithLabelValues(clientID).Inc()
}

// Handler returns the HTTP handler to mount for Prometheus scraping.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
