package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// Engine metrics
	RunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netremedy_runs_total",
			Help: "Total number of engine runs by outcome",
		},
		[]string{"outcome"},
	)

	RunDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "netremedy_run_duration_seconds",
			Help:    "Wall-clock duration of engine runs in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		},
	)

	AttemptsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "netremedy_attempts_total",
			Help: "Total number of failed validations that opened a retry cycle",
		},
	)

	// Validator metrics
	ValidationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netremedy_validations_total",
			Help: "Total number of connectivity validations by status",
		},
		[]string{"status"},
	)

	ValidationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "netremedy_validation_duration_seconds",
			Help:    "Probe lifecycle duration in seconds, including teardown",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Remediation metrics
	ActionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netremedy_remediation_actions_total",
			Help: "Total number of remediation actions by kind and verdict",
		},
		[]string{"action", "verdict"},
	)

	InspectionErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netremedy_inspection_errors_total",
			Help: "Total number of node probes that could not be read",
		},
		[]string{"probe"},
	)

	// Collector metrics
	CollectorFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "netremedy_collector_failures_total",
			Help: "Total number of diagnostics sub-collectors that failed",
		},
	)
)

func init() {
	prometheus.MustRegister(RunsTotal)
	prometheus.MustRegister(RunDuration)
	prometheus.MustRegister(AttemptsTotal)
	prometheus.MustRegister(ValidationsTotal)
	prometheus.MustRegister(ValidationDuration)
	prometheus.MustRegister(ActionsTotal)
	prometheus.MustRegister(InspectionErrorsTotal)
	prometheus.MustRegister(CollectorFailuresTotal)
}

// WriteTextfile dumps every registered metric in the node_exporter textfile format
func WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, prometheus.DefaultGatherer)
}

// Timer measures an elapsed duration for a histogram
type Timer struct {
	start time.Time
}

// NewTimer starts a timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the time elapsed since the timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ObserveDuration records the elapsed time in seconds on h
func (t *Timer) ObserveDuration(h prometheus.Observer) {
	h.Observe(t.Duration().Seconds())
}
