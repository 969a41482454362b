package sink

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics instruments a sink. All methods are nil-safe so instrumentation can
// be disabled by leaving Config.Metrics unset.
type Metrics struct {
	recordsWritten  prometheus.Counter
	recordsFailed   prometheus.Counter
	batchesFlushed  prometheus.Counter
	batchesFailed   prometheus.Counter
	recordsFlushed  prometheus.Counter
	inflightBatches prometheus.Gauge
}

func NewMetrics(prefix string) *Metrics {
	return &Metrics{
		recordsWritten: promauto.NewCounter(prometheus.CounterOpts{
			Name: prefix + "records_written",
			Help: "Number of records accepted by Write",
		}),
		recordsFailed: promauto.NewCounter(prometheus.CounterOpts{
			Name: prefix + "records_failed",
			Help: "Number of records that permanently failed after retries",
		}),
		batchesFlushed: promauto.NewCounter(prometheus.CounterOpts{
			Name: prefix + "batches_flushed",
			Help: "Number of batches dispatched for submission",
		}),
		batchesFailed: promauto.NewCounter(prometheus.CounterOpts{
			Name: prefix + "batches_failed",
			Help: "Number of batches whose submission failed after retries",
		}),
		recordsFlushed: promauto.NewCounter(prometheus.CounterOpts{
			Name: prefix + "records_flushed",
			Help: "Number of records dispatched for submission",
		}),
		inflightBatches: promauto.NewGauge(prometheus.GaugeOpts{
			Name: prefix + "inflight_batches",
			Help: "Number of batches currently being submitted",
		}),
	}
}

func (m *Metrics) RecordWritten() {
	if m == nil {
		return
	}
	m.recordsWritten.Inc()
}

func (m *Metrics) RecordsFailed(n int) {
	if m == nil {
		return
	}
	m.recordsFailed.Add(float64(n))
}

func (m *Metrics) BatchFlushed(numRecords int) {
	if m == nil {
		return
	}
	m.batchesFlushed.Inc()
	m.recordsFlushed.Add(float64(numRecords))
}

func (m *Metrics) BatchFailed() {
	if m == nil {
		return
	}
	m.batchesFailed.Inc()
}

func (m *Metrics) SubmissionStarted() {
	if m == nil {
		return
	}
	m.inflightBatches.Inc()
}

func (m *Metrics) SubmissionFinished() {
	if m == nil {
		return
	}
	m.inflightBatches.Dec()
}
