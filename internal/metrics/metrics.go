// Package metrics holds the in-process prometheus collectors every node
// binary updates. Nothing here is exposed over HTTP — Maelstrom nodes have
// no listening port, so these collectors exist purely to be read back in
// tests via prometheus/client_golang/prometheus/testutil.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry isolates each node's collectors from the global
// prometheus.DefaultRegisterer, so multiple Handlers under test in the same
// process don't collide on metric names.
type Registry struct {
	reg *prometheus.Registry

	MessagesReceived prometheus.Counter
	MessagesSent     prometheus.Counter
	StepErrors       prometheus.Counter
	RPCTimeouts      prometheus.Counter
	StepDuration     prometheus.Histogram
}

// New constructs a fresh, independently-registered set of collectors for
// one node process.
func New() *Registry {
	reg := prometheus.NewRegistry()
	m := &Registry{
		reg: reg,
		MessagesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "maelstrom_node_messages_received_total",
			Help: "Total number of message events the dispatch loop handed to handler.Step.",
		}),
		MessagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "maelstrom_node_messages_sent_total",
			Help: "Total number of outbound messages written to stdout.",
		}),
		StepErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "maelstrom_node_step_errors_total",
			Help: "Total number of handler.Step calls that returned an error.",
		}),
		RPCTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "maelstrom_node_rpc_timeouts_total",
			Help: "Total number of nested synchronous RPCs that exceeded their deadline.",
		}),
		StepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "maelstrom_node_step_duration_seconds",
			Help:    "Wall-clock duration of a single handler.Step call.",
			Buckets: []float64{.00005, .0001, .0005, .001, .005, .01, .05, .1, .5, 1},
		}),
	}
	reg.MustRegister(m.MessagesReceived, m.MessagesSent, m.StepErrors, m.RPCTimeouts, m.StepDuration)
	return m
}

// Gatherer exposes the underlying prometheus.Registry for tests that want
// to gather/compare against it directly.
func (m *Registry) Gatherer() prometheus.Gatherer { return m.reg }
