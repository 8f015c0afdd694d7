package sync

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the ingestion collectors. A nil *Metrics records
// nothing.
type Metrics struct {
	files    *prometheus.CounterVec
	entries  prometheus.Counter
	inFlight prometheus.Gauge
	duration prometheus.Histogram
	batches  *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg.
// A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		files: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ccrelay",
			Subsystem: "ingest",
			Name:      "files_total",
			Help:      "Log files handled, by outcome.",
		}, []string{"status"}),
		entries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ccrelay",
			Subsystem: "ingest",
			Name:      "entries_total",
			Help:      "Log entries seen in successfully processed files.",
		}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ccrelay",
			Subsystem: "ingest",
			Name:      "files_in_flight",
			Help:      "Log files currently being processed.",
		}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "ccrelay",
			Subsystem: "ingest",
			Name:      "file_duration_seconds",
			Help:      "Time spent processing one log file.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
		}),
		batches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ccrelay",
			Subsystem: "ingest",
			Name:      "batch_runs_total",
			Help:      "Batch runs, by result.",
		}, []string{"result"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.files, m.entries, m.inFlight, m.duration, m.batches,
		)
	}
	return m
}

func (m *Metrics) fileStarted() {
	if m == nil {
		return
	}
	m.inFlight.Inc()
}

func (m *Metrics) fileFinished(fr FileResult, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.inFlight.Dec()
	m.files.WithLabelValues(string(fr.Status)).Inc()
	if fr.Status == OutcomeSuccess {
		m.entries.Add(float64(fr.EntriesProcessed))
		m.duration.Observe(elapsed.Seconds())
	}
}

// fileSkipped counts a file classified without processing.
func (m *Metrics) fileSkipped() {
	if m == nil {
		return
	}
	m.files.WithLabelValues(string(OutcomeSkipped)).Inc()
}

func (m *Metrics) batchFinished(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.batches.WithLabelValues(result).Inc()
}
