package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"sigs.k8s.io/controller-runtime/pkg/metrics"
)

// Collector records lab session metrics
type Collector struct {
	sessionsStarted  *prometheus.CounterVec
	sessionsEnded    *prometheus.CounterVec
	sessionErrors    *prometheus.CounterVec
	sessionsActive   prometheus.Gauge
	deployDuration   *prometheus.HistogramVec
	readinessWait    prometheus.Histogram
	sweepActions     *prometheus.CounterVec
	reconcileResults *prometheus.CounterVec
}

// NewCollector creates collectors registered with reg. A nil reg uses the
// controller-runtime registry served on the manager's metrics endpoint.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = metrics.Registry
	}

	c := &Collector{
		sessionsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lab_sessions_started_total",
				Help: "Total number of lab sessions admitted",
			},
			[]string{"template"},
		),
		sessionsEnded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lab_sessions_ended_total",
				Help: "Total number of lab sessions that reached a terminal status",
			},
			[]string{"status", "reason"},
		),
		sessionErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lab_session_errors_total",
				Help: "Total number of lab session errors by type",
			},
			[]string{"error_type"},
		),
		sessionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "lab_sessions_active",
				Help: "Number of currently running lab sessions",
			},
		),
		deployDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "lab_session_deploy_duration_seconds",
				Help:    "Time from admission to running or failed",
				Buckets: []float64{1, 5, 10, 20, 30, 45, 60, 90, 120, 180},
			},
			[]string{"result"},
		),
		readinessWait: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "lab_session_readiness_wait_seconds",
				Help:    "Time spent waiting for workloads to report ready",
				Buckets: prometheus.DefBuckets,
			},
		),
		sweepActions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lab_session_sweep_total",
				Help: "Sessions acted on by the background sweep",
			},
			[]string{"action"},
		),
		reconcileResults: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lab_workload_reconcile_total",
				Help: "Workload watcher reconciliations by outcome",
			},
			[]string{"result"},
		),
	}

	reg.MustRegister(
		c.sessionsStarted,
		c.sessionsEnded,
		c.sessionErrors,
		c.sessionsActive,
		c.deployDuration,
		c.readinessWait,
		c.sweepActions,
		c.reconcileResults,
	)

	return c
}

// RecordSessionStarted records an admitted session
func (c *Collector) RecordSessionStarted(template string) {
	if template == "" {
		template = "default"
	}
	c.sessionsStarted.WithLabelValues(template).Inc()
}

// RecordSessionRunning records a session reaching running
func (c *Collector) RecordSessionRunning() {
	c.sessionsActive.Inc()
}

// RecordSessionEnded records a terminal transition. wasRunning tells whether
// the active gauge must be decremented.
func (c *Collector) RecordSessionEnded(status, reason string, wasRunning bool) {
	c.sessionsEnded.WithLabelValues(status, reason).Inc()
	if wasRunning {
		c.sessionsActive.Dec()
	}
}

// SetActiveSessions resets the active gauge, used after a restart
func (c *Collector) SetActiveSessions(n int) {
	c.sessionsActive.Set(float64(n))
}

// RecordError records an error by type
func (c *Collector) RecordError(errorType string) {
	c.sessionErrors.WithLabelValues(errorType).Inc()
}

// RecordDeployDuration records a full deployment attempt
func (c *Collector) RecordDeployDuration(result string, d time.Duration) {
	c.deployDuration.WithLabelValues(result).Observe(d.Seconds())
}

// RecordReadinessWait records time spent in the readiness prober
func (c *Collector) RecordReadinessWait(d time.Duration) {
	c.readinessWait.Observe(d.Seconds())
}

// RecordSweep records a sweep action (expired, purged, orphan)
func (c *Collector) RecordSweep(action string, n int) {
	c.sweepActions.WithLabelValues(action).Add(float64(n))
}

// RecordReconcile records a workload watcher outcome
func (c *Collector) RecordReconcile(result string) {
	c.reconcileResults.WithLabelValues(result).Inc()
}

// Timer provides timing functionality for operations
type Timer struct {
	start     time.Time
	collector *Collector
}

// NewTimer creates a new timer
func (c *Collector) NewTimer() *Timer {
	return &Timer{
		start:     time.Now(),
		collector: c,
	}
}

// Elapsed returns the time since the timer started
func (t *Timer) Elapsed() time.Duration {
	return time.Since(t.start)
}

// RecordDeploy observes the deployment duration with result
func (t *Timer) RecordDeploy(result string) {
	t.collector.RecordDeployDuration(result, t.Elapsed())
}

// RecordReadiness observes the readiness wait
func (t *Timer) RecordReadiness() {
	t.collector.RecordReadinessWait(t.Elapsed())
}
