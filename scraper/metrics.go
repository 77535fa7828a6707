package scraper

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles Prometheus collectors for the scraper.
type Metrics struct {
	Registry              *prometheus.Registry
	PagesTotal            *prometheus.CounterVec
	RequestDuration       prometheus.Histogram
	RecordsExtractedTotal prometheus.Counter
	RecordsSkippedTotal   prometheus.Counter
	RetriesTotal          *prometheus.CounterVec
	ErrorsTotal           *prometheus.CounterVec
}

// NewMetrics constructs and registers all metrics on a dedicated registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	pages := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scraper_pages_total",
			Help: "Catalog pages requested, by outcome.",
		},
		[]string{"outcome"},
	)
	requestDuration := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "scraper_request_duration_seconds",
			Help:    "Page fetch latency including retries.",
			Buckets: prometheus.DefBuckets,
		},
	)
	extracted := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "scraper_records_extracted_total",
			Help: "Total number of records extracted from listings.",
		},
	)
	skipped := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "scraper_records_skipped_total",
			Help: "Listings skipped because a required field was missing.",
		},
	)
	retries := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scraper_retries_total",
			Help: "Total number of retry attempts scheduled, by reason.",
		},
		[]string{"reason"},
	)
	errorsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scraper_errors_total",
			Help: "Total number of scraper errors by type.",
		},
		[]string{"error_type"},
	)

	registry.MustRegister(pages, requestDuration, extracted, skipped, retries, errorsTotal)

	return &Metrics{
		Registry:              registry,
		PagesTotal:            pages,
		RequestDuration:       requestDuration,
		RecordsExtractedTotal: extracted,
		RecordsSkippedTotal:   skipped,
		RetriesTotal:          retries,
		ErrorsTotal:           errorsTotal,
	}
}

// IncPage counts a page by outcome: ok, empty, fetch_error, repeated, or the
// category of the status that ended pagination (not_found, forbidden, ...).
func (m *Metrics) IncPage(outcome string) {
	if m == nil {
		return
	}
	m.PagesTotal.WithLabelValues(outcome).Inc()
}

// ObserveDuration records a page fetch duration.
func (m *Metrics) ObserveDuration(d time.Duration) {
	if m == nil {
		return
	}
	m.RequestDuration.Observe(d.Seconds())
}

// AddRecords increments the extracted records counter.
func (m *Metrics) AddRecords(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.RecordsExtractedTotal.Add(float64(n))
}

// IncSkipped increments the skipped records counter.
func (m *Metrics) IncSkipped() {
	if m == nil {
		return
	}
	m.RecordsSkippedTotal.Inc()
}

// IncRetries increments the retries counter for a reason label.
func (m *Metrics) IncRetries(reason string) {
	if m == nil {
		return
	}
	m.RetriesTotal.WithLabelValues(reason).Inc()
}

// IncError increments the errors counter for a type label.
func (m *Metrics) IncError(errorType string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(errorType).Inc()
}
