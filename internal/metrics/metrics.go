// Package metrics defines Prometheus metrics for the guardian daemon.
//
// All metrics live in Registry, which the web server exposes on /metrics.
//
// Metric naming follows Prometheus conventions:
//   - guardian_ prefix for all custom metrics
//   - _total suffix for counters
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Registry holds every guardian metric plus the Go and process collectors.
var Registry = prometheus.NewRegistry()

var (
	// CandidatesTotal counts candidates by source and aggregator verdict.
	CandidatesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guardian_candidates_total",
			Help: "Total candidates submitted by source and verdict.",
		},
		[]string{"source", "verdict"},
	)

	// RaisesTotal counts raise decisions by trigger source.
	RaisesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guardian_raises_total",
			Help: "Total raise decisions by trigger source.",
		},
		[]string{"source"},
	)

	// AlertTransitionsTotal counts alert lifecycle transitions by target status.
	AlertTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guardian_alert_transitions_total",
			Help: "Total alert lifecycle transitions by resulting status.",
		},
		[]string{"status"},
	)

	// AlertActive is 1 while an alert is active.
	AlertActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "guardian_alert_active",
			Help: "Whether an alert is currently active (1) or not (0).",
		},
	)

	// EscalationsTotal counts watchdog levels reached.
	EscalationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guardian_watchdog_escalations_total",
			Help: "Total watchdog escalation levels reached.",
		},
		[]string{"level"},
	)

	// WatchdogLevel is the current escalation level, or -1 when disarmed.
	WatchdogLevel = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "guardian_watchdog_level",
			Help: "Current watchdog escalation level (-1 when disarmed).",
		},
	)

	// CheckInsTotal counts accepted watchdog check-ins.
	CheckInsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "guardian_watchdog_checkins_total",
			Help: "Total accepted watchdog check-ins.",
		},
	)

	// SourceEnabled is 1 for enabled signal sources and 0 for disabled ones.
	SourceEnabled = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "guardian_source_enabled",
			Help: "Whether a signal source is enabled.",
		},
		[]string{"source"},
	)

	// DispatchAttemptsTotal counts notifier calls by message kind.
	DispatchAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guardian_dispatch_attempts_total",
			Help: "Total dispatch attempts by message kind.",
		},
		[]string{"kind"},
	)

	// DispatchFailuresTotal counts messages abandoned after all retries.
	DispatchFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guardian_dispatch_failures_total",
			Help: "Total dispatch messages abandoned after retries by kind.",
		},
		[]string{"kind"},
	)

	// DispatchDroppedTotal counts messages dropped because the queue was full.
	DispatchDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "guardian_dispatch_dropped_total",
			Help: "Total dispatch messages dropped on a full queue.",
		},
	)

	// PersistRetriesTotal counts persistence retries by operation.
	PersistRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guardian_persist_retries_total",
			Help: "Total persistence retries by operation.",
		},
		[]string{"op"},
	)

	// PersistFailuresTotal counts persistence writes abandoned after retries.
	PersistFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guardian_persist_failures_total",
			Help: "Total persistence writes abandoned after retries by operation.",
		},
		[]string{"op"},
	)

	// BrokerConnected is 1 while the MQTT client is connected.
	BrokerConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "guardian_broker_connected",
			Help: "Whether the MQTT broker connection is up.",
		},
	)
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		CandidatesTotal,
		RaisesTotal,
		AlertTransitionsTotal,
		AlertActive,
		EscalationsTotal,
		WatchdogLevel,
		CheckInsTotal,
		SourceEnabled,
		DispatchAttemptsTotal,
		DispatchFailuresTotal,
		DispatchDroppedTotal,
		PersistRetriesTotal,
		PersistFailuresTotal,
		BrokerConnected,
	)
	WatchdogLevel.Set(-1)
}

// RecordCandidate records one aggregator decision.
func RecordCandidate(source, verdict string) {
	CandidatesTotal.WithLabelValues(source, verdict).Inc()
}

// RecordRaise records a raise decision.
func RecordRaise(source string) {
	RaisesTotal.WithLabelValues(source).Inc()
}

// RecordAlertStatus records a lifecycle transition into status.
func RecordAlertStatus(status string, active bool) {
	AlertTransitionsTotal.WithLabelValues(status).Inc()
	if active {
		AlertActive.Set(1)
	} else {
		AlertActive.Set(0)
	}
}

// RecordEscalation records a watchdog level being reached.
func RecordEscalation(level string) {
	EscalationsTotal.WithLabelValues(level).Inc()
}

// SetWatchdogLevel sets the current level; pass -1 when disarmed.
func SetWatchdogLevel(level int) {
	WatchdogLevel.Set(float64(level))
}

// SetSourceEnabled records a source's availability.
func SetSourceEnabled(source string, enabled bool) {
	v := 0.0
	if enabled {
		v = 1
	}
	SourceEnabled.WithLabelValues(source).Set(v)
}

// SetBrokerConnected records broker connectivity.
func SetBrokerConnected(connected bool) {
	if connected {
		BrokerConnected.Set(1)
	} else {
		BrokerConnected.Set(0)
	}
}
