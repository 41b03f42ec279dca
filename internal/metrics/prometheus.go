package metrics

import (
	"time"

	"github.com/devrev/pairdb/changelog/internal/logfile"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the changelog
type Metrics struct {
	// Log metrics, labelled by store kind (replica, cnindex)
	AppendsTotal        *prometheus.CounterVec
	AppendBytesTotal    *prometheus.CounterVec
	AppendDuration      *prometheus.HistogramVec
	RotationsTotal      *prometheus.CounterVec
	PurgedSegmentsTotal *prometheus.CounterVec
	PurgedRecordsTotal  *prometheus.CounterVec
	CursorsOpenedTotal  *prometheus.CounterVec

	// Environment metrics
	ReplicaDBs          prometheus.Gauge
	IndexedChangesTotal prometheus.Counter
	IndexerErrorsTotal  prometheus.Counter
	PurgeRunsTotal      prometheus.Counter
	PurgeRunDuration    prometheus.Histogram
	PurgeErrorsTotal    prometheus.Counter

	// Disk metrics
	DiskAvailableBytes prometheus.Gauge
	DiskUsagePercent   prometheus.Gauge
}

// NewMetrics creates all metrics and registers them with reg
func NewMetrics(nodeID string, reg prometheus.Registerer) *Metrics {
	labels := prometheus.Labels{"node_id": nodeID}
	factory := promauto.With(reg)
	store := []string{"store"}

	return &Metrics{
		AppendsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "pairdb",
			Subsystem:   "changelog",
			Name:        "appends_total",
			Help:        "Total number of records appended",
			ConstLabels: labels,
		}, store),
		AppendBytesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "pairdb",
			Subsystem:   "changelog",
			Name:        "append_bytes_total",
			Help:        "Total bytes appended including framing",
			ConstLabels: labels,
		}, store),
		AppendDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   "pairdb",
			Subsystem:   "changelog",
			Name:        "append_duration_seconds",
			Help:        "Append latency including fsync",
			Buckets:     prometheus.ExponentialBuckets(0.00005, 2, 16),
			ConstLabels: labels,
		}, store),
		RotationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "pairdb",
			Subsystem:   "changelog",
			Name:        "segment_rotations_total",
			Help:        "Total number of segment rotations",
			ConstLabels: labels,
		}, store),
		PurgedSegmentsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "pairdb",
			Subsystem:   "changelog",
			Name:        "purged_segments_total",
			Help:        "Total number of segments deleted by purge",
			ConstLabels: labels,
		}, store),
		PurgedRecordsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "pairdb",
			Subsystem:   "changelog",
			Name:        "purged_records_total",
			Help:        "Total number of records deleted by purge",
			ConstLabels: labels,
		}, store),
		CursorsOpenedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "pairdb",
			Subsystem:   "changelog",
			Name:        "cursors_opened_total",
			Help:        "Total number of cursors opened",
			ConstLabels: labels,
		}, store),

		ReplicaDBs: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "pairdb",
			Subsystem:   "changelog",
			Name:        "replica_dbs",
			Help:        "Number of open replica changelogs",
			ConstLabels: labels,
		}),
		IndexedChangesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "pairdb",
			Subsystem:   "changelog",
			Name:        "indexed_changes_total",
			Help:        "Total number of changes assigned a change number",
			ConstLabels: labels,
		}),
		IndexerErrorsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "pairdb",
			Subsystem:   "changelog",
			Name:        "indexer_errors_total",
			Help:        "Total number of failed indexing passes",
			ConstLabels: labels,
		}),
		PurgeRunsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "pairdb",
			Subsystem:   "changelog",
			Name:        "purge_runs_total",
			Help:        "Total number of purge runs",
			ConstLabels: labels,
		}),
		PurgeRunDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "pairdb",
			Subsystem:   "changelog",
			Name:        "purge_run_duration_seconds",
			Help:        "Duration of purge runs",
			Buckets:     prometheus.DefBuckets,
			ConstLabels: labels,
		}),
		PurgeErrorsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "pairdb",
			Subsystem:   "changelog",
			Name:        "purge_errors_total",
			Help:        "Total number of failed replica purges",
			ConstLabels: labels,
		}),

		DiskAvailableBytes: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "pairdb",
			Subsystem:   "changelog",
			Name:        "disk_available_bytes",
			Help:        "Available bytes on the changelog filesystem",
			ConstLabels: labels,
		}),
		DiskUsagePercent: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "pairdb",
			Subsystem:   "changelog",
			Name:        "disk_usage_percent",
			Help:        "Used percentage of the changelog filesystem",
			ConstLabels: labels,
		}),
	}
}

// LogObserver returns a logfile.Observer feeding the log metrics of one store kind
func (m *Metrics) LogObserver(store string) logfile.Observer {
	return &logObserver{
		appends:   m.AppendsTotal.WithLabelValues(store),
		bytes:     m.AppendBytesTotal.WithLabelValues(store),
		duration:  m.AppendDuration.WithLabelValues(store),
		rotations: m.RotationsTotal.WithLabelValues(store),
		segments:  m.PurgedSegmentsTotal.WithLabelValues(store),
		records:   m.PurgedRecordsTotal.WithLabelValues(store),
		cursors:   m.CursorsOpenedTotal.WithLabelValues(store),
	}
}

type logObserver struct {
	appends   prometheus.Counter
	bytes     prometheus.Counter
	duration  prometheus.Observer
	rotations prometheus.Counter
	segments  prometheus.Counter
	records   prometheus.Counter
	cursors   prometheus.Counter
}

func (o *logObserver) ObserveAppend(elapsed time.Duration, bytes int) {
	o.appends.Inc()
	o.bytes.Add(float64(bytes))
	o.duration.Observe(elapsed.Seconds())
}

func (o *logObserver) ObserveRotation() {
	o.rotations.Inc()
}

func (o *logObserver) ObservePurge(segments int, records int64) {
	o.segments.Add(float64(segments))
	o.records.Add(float64(records))
}

func (o *logObserver) ObserveCursorOpen() {
	o.cursors.Inc()
}
