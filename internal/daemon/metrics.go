package daemon

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	commandsCreated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "courier",
			Subsystem: "commands",
			Name:      "created_total",
			Help:      "Commands accepted, by type.",
		},
		[]string{"type"},
	)
	commandTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "courier",
			Subsystem: "commands",
			Name:      "transitions_total",
			Help:      "Committed command status transitions.",
		},
		[]string{"event", "to"},
	)
	commandsRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "courier",
			Subsystem: "commands",
			Name:      "rejected_total",
			Help:      "Events rejected by the state machine guard.",
		},
		[]string{"event"},
	)
	enqueueFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "courier",
			Subsystem: "queue",
			Name:      "enqueue_failures_total",
			Help:      "Enqueue attempts that failed after all retries.",
		},
	)
	queueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "courier",
			Subsystem: "queue",
			Name:      "depth",
			Help:      "Entries waiting per agent, sampled each sweep.",
		},
		[]string{"agent"},
	)
	sweepOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "courier",
			Subsystem: "monitor",
			Name:      "sweep_outcomes_total",
			Help:      "Overdue commands handled by the timeout monitor.",
		},
		[]string{"outcome"},
	)
	sweepDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "courier",
			Subsystem: "monitor",
			Name:      "sweep_duration_seconds",
			Help:      "Timeout sweep duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
	)
	executionsFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "courier",
			Subsystem: "executions",
			Name:      "finished_total",
			Help:      "Ad-hoc executions reaching a terminal status.",
		},
		[]string{"kind", "status"},
	)
	executionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "courier",
			Subsystem: "executions",
			Name:      "duration_seconds",
			Help:      "Ad-hoc execution run time in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"kind"},
	)
	executionsRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "courier",
			Subsystem: "executions",
			Name:      "running",
			Help:      "Ad-hoc executions currently holding a runner slot.",
		},
	)
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "courier",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"method", "route", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "courier",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			commandsCreated, commandTransitions, commandsRejected,
			enqueueFailures, queueDepth,
			sweepOutcomes, sweepDuration,
			executionsFinished, executionDuration, executionsRunning,
			httpRequests, httpDuration,
		)
	})
}

func recordCommandCreated(cmdType string) {
	RegisterMetrics()
	commandsCreated.WithLabelValues(cmdType).Inc()
}

func recordTransition(event, to string) {
	RegisterMetrics()
	commandTransitions.WithLabelValues(event, to).Inc()
}

func recordRejected(event string) {
	RegisterMetrics()
	commandsRejected.WithLabelValues(event).Inc()
}

func recordEnqueueFailure() {
	RegisterMetrics()
	enqueueFailures.Inc()
}

func recordQueueDepths(depths map[string]int) {
	RegisterMetrics()
	for agent, n := range depths {
		queueDepth.WithLabelValues(agent).Set(float64(n))
	}
}

func recordSweep(retried, timedOut, failed int, duration time.Duration) {
	RegisterMetrics()
	sweepOutcomes.WithLabelValues("retried").Add(float64(retried))
	sweepOutcomes.WithLabelValues("timed_out").Add(float64(timedOut))
	sweepOutcomes.WithLabelValues("error").Add(float64(failed))
	sweepDuration.Observe(duration.Seconds())
}

func recordExecutionFinished(kind, status string, duration time.Duration) {
	RegisterMetrics()
	executionsFinished.WithLabelValues(kind, status).Inc()
	if duration > 0 {
		executionDuration.WithLabelValues(kind).Observe(duration.Seconds())
	}
}

func recordRunning(delta float64) {
	RegisterMetrics()
	executionsRunning.Add(delta)
}

// RecordHTTPRequest is called by the API middleware once per request.
func RecordHTTPRequest(method, route string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(method, route, statusLabel).Inc()
	httpDuration.WithLabelValues(method, route, statusLabel).Observe(duration.Seconds())
}
