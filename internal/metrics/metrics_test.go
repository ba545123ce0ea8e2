package metrics_test

import (
	"testing"

	"github.com/adred-codev/maelstrom-nodes/internal/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestNewRegistersAllCollectors(t *testing.T) {
	m := metrics.New()

	m.MessagesReceived.Inc()
	m.MessagesReceived.Inc()
	m.MessagesSent.Inc()
	m.StepErrors.Inc()
	m.RPCTimeouts.Inc()
	m.StepDuration.Observe(0.01)

	require.Equal(t, float64(2), testutil.ToFloat64(m.MessagesReceived))
	require.Equal(t, float64(1), testutil.ToFloat64(m.MessagesSent))
	require.Equal(t, float64(1), testutil.ToFloat64(m.StepErrors))
	require.Equal(t, float64(1), testutil.ToFloat64(m.RPCTimeouts))

	count, err := testutil.GatherAndCount(m.Gatherer())
	require.NoError(t, err)
	require.Equal(t, 5, count, "all five collectors must be registered against this Registry's gatherer")
}

func TestRegistriesAreIsolated(t *testing.T) {
	a := metrics.New()
	b := metrics.New()

	a.MessagesReceived.Inc()

	require.Equal(t, float64(1), testutil.ToFloat64(a.MessagesReceived))
	require.Equal(t, float64(0), testutil.ToFloat64(b.MessagesReceived))

	countA, err := testutil.GatherAndCount(a.Gatherer(), "maelstrom_node_messages_received_total")
	require.NoError(t, err)
	require.Equal(t, 1, countA)
}
