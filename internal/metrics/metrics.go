package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "conveyor"

// Metrics holds the scheduler's prometheus collectors. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	transitions   *prometheus.CounterVec
	cycleDuration *prometheus.HistogramVec
	cycleErrors   *prometheus.CounterVec
	jobsReset     *prometheus.CounterVec
	submissions   *prometheus.CounterVec
	jobsDeleted   prometheus.Counter
	isLeader      prometheus.Gauge
}

// New registers all collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		transitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transitions_total",
			Help:      "Successful job state transitions.",
		}, []string{"from", "to"}),
		cycleDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Duration of one control loop cycle.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
		}, []string{"loop"}),
		cycleErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycle_errors_total",
			Help:      "Control loop cycles that returned an error.",
		}, []string{"loop"}),
		jobsReset: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_reset_total",
			Help:      "Stuck jobs reclaimed by the resetting loop, by the state they were stuck in.",
		}, []string{"from"}),
		submissions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "submissions_total",
			Help:      "Backend submissions by outcome.",
		}, []string{"outcome"}),
		jobsDeleted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_deleted_total",
			Help:      "Jobs removed by the deletion loop.",
		}),
		isLeader: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "is_leader",
			Help:      "1 when this instance holds the leader token.",
		}),
	}
}

func (m *Metrics) ObserveTransition(from, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(from, to).Inc()
}

func (m *Metrics) ObserveCycle(loop string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.cycleDuration.WithLabelValues(loop).Observe(d.Seconds())
	if err != nil {
		m.cycleErrors.WithLabelValues(loop).Inc()
	}
}

func (m *Metrics) ObserveReset(from string, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.jobsReset.WithLabelValues(from).Add(float64(n))
}

// Submission outcomes.
const (
	OutcomeSubmitted = "submitted"
	OutcomeBusiness  = "business_error"
	OutcomeTransient = "transient_error"
)

func (m *Metrics) ObserveSubmission(outcome string) {
	if m == nil {
		return
	}
	m.submissions.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveDeleted() {
	if m == nil {
		return
	}
	m.jobsDeleted.Inc()
}

func (m *Metrics) SetLeader(leader bool) {
	if m == nil {
		return
	}
	if leader {
		m.isLeader.Set(1)
	} else {
		m.isLeader.Set(0)
	}
}
