// Package observer exports sandbox outcomes as Prometheus metrics.
package observer

import (
	"strconv"
	"time"

	"github.com/pipixiangz/ppxoj-code-sandbox/internal/sandbox/result"
	"github.com/pipixiangz/ppxoj-code-sandbox/internal/sandbox/runner"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "code_sandbox"

// Metrics implements the pipeline observer and counts service-level events.
type Metrics struct {
	submissions        *prometheus.CounterVec
	submissionDuration *prometheus.HistogramVec
	caseDuration       *prometheus.HistogramVec
	casePeakMemory     *prometheus.HistogramVec
	caseTimeouts       *prometheus.CounterVec
	activeRuns         prometheus.Gauge
	rejected           *prometheus.CounterVec
}

// NewMetrics registers the collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		submissions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "submissions_total",
			Help:      "Submissions evaluated, by strategy, status and reason.",
		}, []string{"strategy", "status", "reason"}),
		submissionDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "submission_duration_ms",
			Help:      "Wall time of a whole pipeline run in milliseconds.",
			Buckets:   []float64{50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000},
		}, []string{"strategy"}),
		caseDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "case_duration_ms",
			Help:      "Elapsed time of a single case in milliseconds.",
			Buckets:   []float64{10, 50, 100, 250, 500, 1000, 2500, 5000},
		}, []string{"strategy"}),
		casePeakMemory: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "case_peak_memory_bytes",
			Help:      "Peak memory sampled during a case.",
			Buckets:   prometheus.ExponentialBuckets(1<<20, 2, 8),
		}, []string{"strategy"}),
		caseTimeouts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "case_timeouts_total",
			Help:      "Cases killed at their deadline.",
		}, []string{"strategy"}),
		activeRuns: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_runs",
			Help:      "Pipeline runs currently holding a worker slot.",
		}),
		rejected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rejected_total",
			Help:      "Requests refused before evaluation.",
		}, []string{"reason"}),
	}
}

func (m *Metrics) CaseFinished(strategy string, res runner.CaseResult) {
	m.caseDuration.WithLabelValues(strategy).Observe(float64(res.ElapsedMs))
	if res.PeakMemoryBytes != nil {
		m.casePeakMemory.WithLabelValues(strategy).Observe(float64(*res.PeakMemoryBytes))
	}
	if res.TimedOut {
		m.caseTimeouts.WithLabelValues(strategy).Inc()
	}
}

func (m *Metrics) SubmissionFinished(strategy string, v result.Verdict, elapsed time.Duration) {
	m.submissions.WithLabelValues(strategy, strconv.Itoa(int(v.Status)), string(v.Reason)).Inc()
	m.submissionDuration.WithLabelValues(strategy).Observe(float64(elapsed.Milliseconds()))
}

// RunStarted and RunFinished track occupied worker slots.
func (m *Metrics) RunStarted() {
	m.activeRuns.Inc()
}

func (m *Metrics) RunFinished() {
	m.activeRuns.Dec()
}

// Rejected counts a request refused with reason (rate_limit, busy, unauthorized).
func (m *Metrics) Rejected(reason string) {
	m.rejected.WithLabelValues(reason).Inc()
}
