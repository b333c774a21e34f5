package cluster

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics tracks the cluster's observability counters: the remote-call
// ledger plus gauges for connected peers and locally hosted servers. The
// plain atomics back the Calls snapshot used in-process; the prometheus
// collectors feed the daemon's /metrics endpoint.
type Metrics struct {
	initiated atomic.Uint64
	resolved  atomic.Uint64
	rejected  atomic.Uint64
	timedOut  atomic.Uint64

	promInitiated prometheus.Counter
	promResolved  prometheus.Counter
	promRejected  prometheus.Counter
	promTimedOut  prometheus.Counter

	connectedPeers prometheus.Gauge
	localServers   prometheus.Gauge
}

// CallStats is a snapshot of the remote-call counters.
type CallStats struct {
	Initiated uint64
	Resolved  uint64
	Rejected  uint64
	TimedOut  uint64
}

// newMetrics builds the metric set for one node.
func newMetrics(nodeID string) *Metrics {
	labels := prometheus.Labels{"node_id": nodeID}

	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "gensys",
			Subsystem:   "cluster",
			Name:        name,
			Help:        help,
			ConstLabels: labels,
		})
	}
	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "gensys",
			Subsystem:   "cluster",
			Name:        name,
			Help:        help,
			ConstLabels: labels,
		})
	}

	return &Metrics{
		promInitiated: counter("remote_calls_initiated_total",
			"Remote calls initiated from this node."),
		promResolved: counter("remote_calls_resolved_total",
			"Remote calls resolved with a reply."),
		promRejected: counter("remote_calls_rejected_total",
			"Remote calls rejected with an error."),
		promTimedOut: counter("remote_calls_timed_out_total",
			"Remote calls that hit their reply deadline."),
		connectedPeers: gauge("connected_peers",
			"Peers with a live, authenticated link."),
		localServers: gauge("local_servers",
			"Dynamic servers hosted on this node."),
	}
}

// Collectors returns every collector for registration with a prometheus
// registry.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.promInitiated, m.promResolved, m.promRejected,
		m.promTimedOut, m.connectedPeers, m.localServers,
	}
}

// Calls returns the remote-call counter snapshot.
func (m *Metrics) Calls() CallStats {
	return CallStats{
		Initiated: m.initiated.Load(),
		Resolved:  m.resolved.Load(),
		Rejected:  m.rejected.Load(),
		TimedOut:  m.timedOut.Load(),
	}
}

func (m *Metrics) callInitiated() {
	m.initiated.Add(1)
	m.promInitiated.Inc()
}

func (m *Metrics) callResolved() {
	m.resolved.Add(1)
	m.promResolved.Inc()
}

func (m *Metrics) callRejected() {
	m.rejected.Add(1)
	m.promRejected.Inc()
}

func (m *Metrics) callTimedOut() {
	m.timedOut.Add(1)
	m.promTimedOut.Inc()
}

func (m *Metrics) setConnectedPeers(n int) {
	m.connectedPeers.Set(float64(n))
}

func (m *Metrics) setLocalServers(n int) {
	m.localServers.Set(float64(n))
}
