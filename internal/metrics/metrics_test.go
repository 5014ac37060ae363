package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRegisters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := New("edithistory", reg)
	require.NoError(t, err)

	m.EventsAppended.Inc()
	m.ReplayEvents.Observe(3)

	n, err := testutil.GatherAndCount(reg, "edithistory_events_appended_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestNewTwiceOnSameRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := New("edithistory", reg)
	require.NoError(t, err)

	_, err = New("edithistory", reg)
	var are prometheus.AlreadyRegisteredError
	assert.ErrorAs(t, err, &are)
}

func TestObserveOperation(t *testing.T) {
	m := Nop()

	m.ObserveOperation(OpUndo, nil)
	m.ObserveOperation(OpUndo, nil)
	m.ObserveOperation(OpUndo, errors.New("boom"))

	assert.Equal(t, 2.0, testutil.ToFloat64(m.OperationsTotal.WithLabelValues(OpUndo, "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.OperationsTotal.WithLabelValues(OpUndo, "error")))
}
