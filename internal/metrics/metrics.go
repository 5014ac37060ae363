// Package metrics provides Prometheus instrumentation for the edit history engine.
package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// Operation labels for OperationsTotal.
const (
	OpApply           = "apply"
	OpUndo            = "undo"
	OpRedo            = "redo"
	OpReset           = "reset"
	OpRestoreEvent    = "restore_event"
	OpRestoreSnapshot = "restore_snapshot"
	OpSnapshotCreate  = "snapshot_create"
	OpSnapshotDelete  = "snapshot_delete"
)

// Metrics holds the engine's collectors.
type Metrics struct {
	// EventsAppended counts edit events written to the log.
	EventsAppended prometheus.Counter

	// OperationsTotal counts engine operations by kind and result.
	OperationsTotal *prometheus.CounterVec

	// CheckpointsWritten counts auto-checkpoint upserts.
	CheckpointsWritten prometheus.Counter

	// CheckpointsInvalidated counts auto-checkpoints deleted by flag changes.
	CheckpointsInvalidated prometheus.Counter

	// PayloadsSkipped counts events ignored during replay because their
	// payload could not be parsed.
	PayloadsSkipped prometheus.Counter

	// ReplayEvents observes how many events each replay folded.
	ReplayEvents prometheus.Histogram
}

// New builds the collectors and registers them with reg. A nil reg leaves
// them unregistered, which is what tests and embedded callers usually want.
func New(namespace string, reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		EventsAppended: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_appended_total",
			Help:      "Edit events appended to the log",
		}),
		OperationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "History operations by kind and result",
		}, []string{"operation", "result"}),
		CheckpointsWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkpoints_written_total",
			Help:      "Auto-checkpoints written",
		}),
		CheckpointsInvalidated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkpoints_invalidated_total",
			Help:      "Auto-checkpoints deleted after flag mutations",
		}),
		PayloadsSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replay_payloads_skipped_total",
			Help:      "Events skipped during replay because the payload did not parse",
		}),
		ReplayEvents: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "replay_events_folded",
			Help:      "Events folded per replay after the checkpoint offset",
			Buckets:   []float64{0, 1, 5, 10, 20, 50, 100, 500, 1000},
		}),
	}

	if reg == nil {
		return m, nil
	}

	for _, c := range m.collectors() {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}
	return m, nil
}

// Nop returns unregistered collectors.
func Nop() *Metrics {
	m, _ := New("", nil)
	return m
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.EventsAppended,
		m.OperationsTotal,
		m.CheckpointsWritten,
		m.CheckpointsInvalidated,
		m.PayloadsSkipped,
		m.ReplayEvents,
	}
}

// ObserveOperation records one operation outcome.
func (m *Metrics) ObserveOperation(op string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.OperationsTotal.WithLabelValues(op, result).Inc()
}
