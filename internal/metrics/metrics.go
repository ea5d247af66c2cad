// Package metrics exposes the pipeline's Prometheus instrumentation on a
// private registry, served over HTTP and optionally pushed to a gateway at
// run boundaries.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/push"
	"go.uber.org/zap"
)

// Set owns every collector the pipeline emits. Counters broken down by
// record kind carry a "domain" label.
type Set struct {
	registry *prometheus.Registry
	log      *zap.SugaredLogger

	pushURL string
	pushJob string

	RecordsProcessed *prometheus.CounterVec
	RecordsValid     *prometheus.CounterVec
	RecordsInvalid   *prometheus.CounterVec

	ErasureProcessed  prometheus.Counter
	ErasureFailed     prometheus.Counter
	RecordsAnonymized prometheus.Counter

	MessagesConsumed  *prometheus.CounterVec
	MessagesPublished *prometheus.CounterVec
	PublishFailures   *prometheus.CounterVec

	PartitionsFailed   prometheus.Counter
	ProcessingDuration *prometheus.HistogramVec
}

func NewSet(log *zap.SugaredLogger) *Set {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Set{
		registry: reg,
		log:      log,
		RecordsProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "records_processed_total",
			Help: "Records read from inputs, by record domain.",
		}, []string{"domain"}),
		RecordsValid: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "records_valid_total",
			Help: "Records that passed validation, by record domain.",
		}, []string{"domain"}),
		RecordsInvalid: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "records_invalid_total",
			Help: "Records routed to quarantine, by record domain.",
		}, []string{"domain"}),
		ErasureProcessed: factory.NewCounter(prometheus.CounterOpts{
			Name: "erasure_requests_processed_total",
			Help: "Erasure requests applied against reference data.",
		}),
		ErasureFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "erasure_requests_failed_total",
			Help: "Erasure requests that could not be applied.",
		}),
		RecordsAnonymized: factory.NewCounter(prometheus.CounterOpts{
			Name: "records_anonymized_total",
			Help: "Customer records anonymized by erasure requests.",
		}),
		MessagesConsumed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "messages_consumed_total",
			Help: "Messages consumed from the bus, by topic.",
		}, []string{"topic"}),
		MessagesPublished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "messages_published_total",
			Help: "Processed messages republished, by topic.",
		}, []string{"topic"}),
		PublishFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "publish_failures_total",
			Help: "Republish attempts that failed, by topic.",
		}, []string{"topic"}),
		PartitionsFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "partitions_failed_total",
			Help: "Partitions whose processing aborted.",
		}),
		ProcessingDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "processing_duration_seconds",
			Help:    "Wall time spent processing, by stage.",
			Buckets: prometheus.DefBuckets,
		}, []string{"stage"}),
	}
}

// Handler serves the registry for scraping.
func (s *Set) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}

// EnablePush arms gateway pushes. Without it Push is a no-op.
func (s *Set) EnablePush(url, job string) {
	s.pushURL = url
	s.pushJob = job
}

// Push sends the registry to the configured gateway. Failures are logged
// and swallowed: metrics delivery never fails a run.
func (s *Set) Push() {
	if s.pushURL == "" {
		return
	}
	if err := push.New(s.pushURL, s.pushJob).Gatherer(s.registry).Push(); err != nil {
		s.log.Warnw("Metrics push failed", "gateway", s.pushURL, "error", err)
	}
}
