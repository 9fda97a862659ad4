// Package metrics exposes Prometheus collectors for the
// materializer, the event importer, and report queries.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	MetricJobsTotal       = "talkmetrics_jobs_total"
	MetricJobsDuration    = "talkmetrics_jobs_duration_seconds"
	MetricJobErrorsTotal  = "talkmetrics_job_errors_total"
	MetricRecordsInserted = "talkmetrics_report_records_inserted_total"
	MetricQueryDuration   = "talkmetrics_report_query_duration_seconds"
)

// Job types.
const (
	JobMaterializeIncremental = "materialize_incremental"
	JobMaterializeBackfill    = "materialize_backfill"
	JobEventImport            = "event_import"
)

const (
	StatusSuccess = "success"
	StatusFailure = "failure"
)

// Metrics holds the collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	jobsTotal       *prometheus.CounterVec
	jobsDuration    *prometheus.HistogramVec
	jobErrors       *prometheus.CounterVec
	recordsInserted *prometheus.CounterVec
	queryDuration   *prometheus.HistogramVec
}

// New creates unregistered collectors; call Register to expose
// them.
func New() *Metrics {
	return &Metrics{
		jobsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricJobsTotal,
				Help: "Background job runs by type and status",
			},
			[]string{"job_type", "status"},
		),
		jobsDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    MetricJobsDuration,
				Help:    "Background job duration in seconds by type",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 120, 600},
			},
			[]string{"job_type"},
		),
		jobErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricJobErrorsTotal,
				Help: "Background job errors by type and error kind",
			},
			[]string{"job_type", "error_type"},
		),
		recordsInserted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricRecordsInserted,
				Help: "Report records written by the materializer",
			},
			[]string{"job_type"},
		),
		queryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    MetricQueryDuration,
				Help:    "Report query duration in seconds by report",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"report", "status"},
		),
	}
}

// Register registers every collector with reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range m.Collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// Collectors returns all collectors.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.jobsTotal,
		m.jobsDuration,
		m.jobErrors,
		m.recordsInserted,
		m.queryDuration,
	}
}

// ObserveJob records one finished job run. errorType is ignored
// when err is nil.
func (m *Metrics) ObserveJob(
	jobType string, started time.Time, err error, errorType string,
) {
	if m == nil {
		return
	}
	status := StatusSuccess
	if err != nil {
		status = StatusFailure
		m.jobErrors.WithLabelValues(jobType, errorType).Inc()
	}
	m.jobsTotal.WithLabelValues(jobType, status).Inc()
	m.jobsDuration.WithLabelValues(jobType).
		Observe(time.Since(started).Seconds())
}

// AddInserted counts records written by a job.
func (m *Metrics) AddInserted(jobType string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.recordsInserted.WithLabelValues(jobType).Add(float64(n))
}

// ObserveQuery records one report query.
func (m *Metrics) ObserveQuery(report string, started time.Time, err error) {
	if m == nil {
		return
	}
	status := StatusSuccess
	if err != nil {
		status = StatusFailure
	}
	m.queryDuration.WithLabelValues(report, status).
		Observe(time.Since(started).Seconds())
}
