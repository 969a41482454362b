package pool

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics instruments a pool. All methods are nil-safe.
type Metrics struct {
	failovers       prometheus.Counter
	recoveries      prometheus.Counter
	poolFailures    prometheus.Counter
	retryBufferSize prometheus.Gauge
}

func NewMetrics(prefix string) *Metrics {
	return &Metrics{
		failovers: promauto.NewCounter(prometheus.CounterOpts{
			Name: prefix + "failovers",
			Help: "Number of times the current sink changed because of a failure signal",
		}),
		recoveries: promauto.NewCounter(prometheus.CounterOpts{
			Name: prefix + "recoveries",
			Help: "Number of optimistic recoveries back to the preferred sink",
		}),
		poolFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: prefix + "pool_failures",
			Help: "Number of transitions into the all-sinks-failing state",
		}),
		retryBufferSize: promauto.NewGauge(prometheus.GaugeOpts{
			Name: prefix + "retry_buffer_size",
			Help: "Number of displaced records pending redelivery",
		}),
	}
}

func (m *Metrics) Failover() {
	if m == nil {
		return
	}
	m.failovers.Inc()
}

func (m *Metrics) Recovery() {
	if m == nil {
		return
	}
	m.recoveries.Inc()
}

func (m *Metrics) PoolFailure() {
	if m == nil {
		return
	}
	m.poolFailures.Inc()
}

func (m *Metrics) SetRetryBufferSize(n int) {
	if m == nil {
		return
	}
	m.retryBufferSize.Set(float64(n))
}
