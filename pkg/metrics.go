package bucketindex

// metrics.go is a thin abstraction over Prometheus so bucketindex can be used
// with or without metrics. When the caller passes a *prometheus.Registry via
// New(..., WithMetrics(reg)), labeled metrics are created and registered.
// Otherwise a no-op sink is used and the hot path does not pay for metric
// updates.
//
// All metrics are bucket-level; aggregation (sum/rate) is left to the
// Prometheus side.
//
// ┌──────────────────────────────┬───────┬────────┐
// │ Metric                       │ Type  │ Labels │
// ├───────────────────────────────┼───────┼────────┤
// │ bucketindex_finds_total       │ Ctr   │ bucket, hit │
// │ bucketindex_inserts_total     │ Ctr   │ bucket │
// │ bucketindex_updates_total     │ Ctr   │ bucket │
// │ bucketindex_deletes_total     │ Ctr   │ bucket │
// │ bucketindex_grows_total       │ Ctr   │ bucket, axis │
// └──────────────────────────────┴───────┴────────┘

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Voskan/bucketindex/internal/bucket"
)

// metricsSink is the internal interface abstracting away the concrete
// backend (Prometheus vs noop). Map only knows about this.
type metricsSink interface {
	forBucket(ix int) bucket.MetricsSink
}

/* ---------------- No-op implementation ---------------- */

type noopSink struct{}

func (noopSink) forBucket(int) bucket.MetricsSink { return noopBucketMetrics{} }

type noopBucketMetrics struct{}

func (noopBucketMetrics) ObserveFind(bool)   {}
func (noopBucketMetrics) ObserveInsert()     {}
func (noopBucketMetrics) ObserveUpdate()     {}
func (noopBucketMetrics) ObserveDelete()     {}
func (noopBucketMetrics) ObserveGrow(string) {}

/* ---------------- Prometheus implementation ---------------- */

type promSink struct {
	finds   *prometheus.CounterVec
	inserts *prometheus.CounterVec
	updates *prometheus.CounterVec
	deletes *prometheus.CounterVec
	grows   *prometheus.CounterVec
}

func newPromSink(reg *prometheus.Registry) *promSink {
	ps := &promSink{
		finds: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "bucketindex",
				Name:      "finds_total",
				Help:      "Number of key lookups, by outcome.",
			}, []string{"bucket", "hit"}),
		inserts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "bucketindex",
				Name:      "inserts_total",
				Help:      "Number of successful inserts/overwrites.",
			}, []string{"bucket"}),
		updates: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "bucketindex",
				Name:      "updates_total",
				Help:      "Number of Update calls.",
			}, []string{"bucket"}),
		deletes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "bucketindex",
				Name:      "deletes_total",
				Help:      "Number of keys deleted.",
			}, []string{"bucket"}),
		grows: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "bucketindex",
				Name:      "grows_total",
				Help:      "Number of storage grows, by axis.",
			}, []string{"bucket", "axis"}),
	}
	reg.MustRegister(ps.finds, ps.inserts, ps.updates, ps.deletes, ps.grows)
	return ps
}

func (ps *promSink) forBucket(ix int) bucket.MetricsSink {
	return &promBucketMetrics{sink: ps, bucket: strconv.Itoa(ix)}
}

type promBucketMetrics struct {
	sink   *promSink
	bucket string
}

func (m *promBucketMetrics) ObserveFind(hit bool) {
	m.sink.finds.WithLabelValues(m.bucket, strconv.FormatBool(hit)).Inc()
}
func (m *promBucketMetrics) ObserveInsert() { m.sink.inserts.WithLabelValues(m.bucket).Inc() }
func (m *promBucketMetrics) ObserveUpdate() { m.sink.updates.WithLabelValues(m.bucket).Inc() }
func (m *promBucketMetrics) ObserveDelete() { m.sink.deletes.WithLabelValues(m.bucket).Inc() }
func (m *promBucketMetrics) ObserveGrow(axis string) {
	m.sink.grows.WithLabelValues(m.bucket, axis).Inc()
}

/* ---------------- Factory ---------------- */

func newMetricsSink(reg *prometheus.Registry) metricsSink {
	if reg == nil {
		return noopSink{}
	}
	return newPromSink(reg)
}
