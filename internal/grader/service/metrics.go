package service

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the grading pipeline's Prometheus collectors. A nil *Metrics
// records nothing.
type Metrics struct {
	inflight   prometheus.Gauge
	queueDepth prometheus.Gauge
	completed  *prometheus.CounterVec
	stageTime  *prometheus.HistogramVec
	rejected   prometheus.Counter
}

// NewMetrics registers the collectors on reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hive_grading_inflight",
			Help: "Grading attempts registered and not yet completed.",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hive_grading_queue_depth",
			Help: "Admitted attempts waiting for a worker.",
		}),
		completed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hive_grading_completed_total",
			Help: "Completed attempts by final stage and outcome.",
		}, []string{"stage", "outcome"}),
		stageTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "hive_grading_stage_seconds",
			Help:    "Wall time per pipeline stage.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}, []string{"stage"}),
		rejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hive_grading_rejected_total",
			Help: "Submissions rejected because the grading queue was full.",
		}),
	}
	for _, c := range []prometheus.Collector{m.inflight, m.queueDepth, m.completed, m.stageTime, m.rejected} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) incInflight() {
	if m != nil {
		m.inflight.Inc()
	}
}

func (m *Metrics) decInflight() {
	if m != nil {
		m.inflight.Dec()
	}
}

func (m *Metrics) setQueueDepth(n int64) {
	if m != nil {
		m.queueDepth.Set(float64(n))
	}
}

func (m *Metrics) incRejected() {
	if m != nil {
		m.rejected.Inc()
	}
}

func (m *Metrics) observeStage(stage string, d time.Duration) {
	if m != nil {
		m.stageTime.WithLabelValues(stage).Observe(d.Seconds())
	}
}

func (m *Metrics) incCompleted(stage, outcome string) {
	if m != nil {
		m.completed.WithLabelValues(stage, outcome).Inc()
	}
}
