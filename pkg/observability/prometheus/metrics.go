// Package prometheus exports runtime counters for scraping. It implements
// the registry's Metrics interface so the registry itself stays free of any
// metrics dependency.
package prometheus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/stateflowio/stateflow/pkg/fsm"
)

// RegistryMetrics is the prometheus sink for registry counters.
type RegistryMetrics struct {
	created        prometheus.Counter
	evicted        prometheus.Counter
	rehydrated     prometheus.Counter
	archived       prometheus.Counter
	queueOverflows prometheus.Counter
	liveMachines   prometheus.Gauge

	transitions        *prometheus.CounterVec
	transitionDuration prometheus.Histogram
}

// NewRegistryMetrics registers the runtime metrics with reg. instance labels
// every series, so several registries can share one scrape endpoint.
func NewRegistryMetrics(reg prometheus.Registerer, instance string) *RegistryMetrics {
	if instance == "" {
		instance = "default"
	}
	factory := promauto.With(prometheus.WrapRegistererWith(prometheus.Labels{"instance": instance}, reg))

	return &RegistryMetrics{
		created: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "stateflow",
			Name:      "machines_created_total",
			Help:      "Machines created through the registry.",
		}),
		evicted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "stateflow",
			Name:      "machines_evicted_total",
			Help:      "Machines persisted and evicted into offline states.",
		}),
		rehydrated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "stateflow",
			Name:      "machines_rehydrated_total",
			Help:      "Machines restored from the persistence provider.",
		}),
		archived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "stateflow",
			Name:      "machines_archived_total",
			Help:      "Completed machines moved to history.",
		}),
		queueOverflows: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "stateflow",
			Name:      "mailbox_overflows_total",
			Help:      "Events rejected because a machine mailbox was full.",
		}),
		liveMachines: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "stateflow",
			Name:      "machines_live",
			Help:      "Machines currently resident in memory.",
		}),
		transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stateflow",
			Name:      "transitions_total",
			Help:      "Fire outcomes by kind.",
		}, []string{"kind"}),
		transitionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "stateflow",
			Name:      "transition_duration_seconds",
			Help:      "Wall time of one Fire call including user actions.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
		}),
	}
}

func (m *RegistryMetrics) MachineCreated()    { m.created.Inc() }
func (m *RegistryMetrics) MachineEvicted()    { m.evicted.Inc() }
func (m *RegistryMetrics) MachineRehydrated() { m.rehydrated.Inc() }
func (m *RegistryMetrics) MachineArchived()   { m.archived.Inc() }
func (m *RegistryMetrics) QueueOverflow()     { m.queueOverflows.Inc() }
func (m *RegistryMetrics) SetLiveMachines(n int) {
	m.liveMachines.Set(float64(n))
}

func (m *RegistryMetrics) TransitionCommitted(duration time.Duration, kind fsm.ResultKind) {
	m.transitions.WithLabelValues(kindLabel(kind)).Inc()
	if kind == fsm.ResultTransitioned {
		m.transitionDuration.Observe(duration.Seconds())
	}
}

func kindLabel(kind fsm.ResultKind) string {
	switch kind {
	case fsm.ResultTransitioned:
		return "transitioned"
	case fsm.ResultStayed:
		return "stayed"
	default:
		return "ignored"
	}
}
