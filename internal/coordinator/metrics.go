package coordinator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	outcomeApplied = "applied"
	outcomeFailed  = "failed"
	outcomeIgnored = "ignored"
)

// Metrics exposes coordinator activity counters. A nil *Metrics records nothing.
type Metrics struct {
	commands           *prometheus.CounterVec
	updates            *prometheus.CounterVec
	initialSyncAttempt prometheus.Counter
	updateStreamErrors prometheus.Counter
	queueDepth         prometheus.Gauge
}

// NewMetrics registers the coordinator collectors on registerer.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	factory := promauto.With(registerer)
	return &Metrics{
		commands: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "chatsync",
				Subsystem: "coordinator",
				Name:      "commands_total",
				Help:      "Commands handled by the coordinator loop",
			},
			[]string{"kind", "outcome"},
		),
		updates: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "chatsync",
				Subsystem: "coordinator",
				Name:      "updates_total",
				Help:      "Remote updates handled by the coordinator loop",
			},
			[]string{"kind", "outcome"},
		),
		initialSyncAttempt: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "chatsync",
			Subsystem: "coordinator",
			Name:      "initial_sync_attempts_total",
			Help:      "Bulk conversation fetch attempts",
		}),
		updateStreamErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "chatsync",
			Subsystem: "coordinator",
			Name:      "update_stream_errors_total",
			Help:      "Failures while waiting for the next remote update",
		}),
		queueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "chatsync",
			Subsystem: "coordinator",
			Name:      "command_queue_depth",
			Help:      "Commands waiting in the bounded queue",
		}),
	}
}

func (m *Metrics) observeCommand(kind CommandKind, outcome string) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(string(kind), outcome).Inc()
}

func (m *Metrics) observeUpdate(kind string, outcome string) {
	if m == nil {
		return
	}
	m.updates.WithLabelValues(kind, outcome).Inc()
}

func (m *Metrics) observeInitialSyncAttempt() {
	if m == nil {
		return
	}
	m.initialSyncAttempt.Inc()
}

func (m *Metrics) observeUpdateStreamError() {
	if m == nil {
		return
	}
	m.updateStreamErrors.Inc()
}

func (m *Metrics) setQueueDepth(depth int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(depth))
}
