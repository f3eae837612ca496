// Package metrics exposes Prometheus counters and gauges for the DHCP
// engine: messages received by type, replies sent by type, pool
// exhaustion, and current lease-table size by status. Collectors are
// scoped to one [Metrics] value owned by the engine, rather than
// registered against a single process-global registry, so a process
// embedding more than one DHCP engine doesn't collide on metric names.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"dhcpv4d/internal/lease"
	"dhcpv4d/internal/wire"
)

// Metrics is the set of collectors for one DHCP engine instance.
type Metrics struct {
	messagesReceived *prometheus.CounterVec
	repliesSent      *prometheus.CounterVec
	poolExhausted    prometheus.Counter
	leasesByStatus   *prometheus.GaugeVec
}

// New creates a Metrics value and registers its collectors with registry.
func New(registry *prometheus.Registry) (m *Metrics) {
	m = &Metrics{
		messagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dhcpv4d",
			Name:      "messages_received_total",
			Help:      "Number of inbound DHCP messages by type.",
		}, []string{"type"}),
		repliesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dhcpv4d",
			Name:      "replies_sent_total",
			Help:      "Number of DHCP replies sent by type, including drop and nak.",
		}, []string{"type"}),
		poolExhausted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dhcpv4d",
			Name:      "pool_exhausted_total",
			Help:      "Number of times an allocation request found no free address.",
		}),
		leasesByStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "dhcpv4d",
			Name:      "leases",
			Help:      "Current number of lease records by status.",
		}, []string{"status"}),
	}

	registry.MustRegister(m.messagesReceived, m.repliesSent, m.poolExhausted, m.leasesByStatus)

	return m
}

// ObserveMessage records one inbound message of the given type.
func (m *Metrics) ObserveMessage(typ wire.MessageType) {
	if m == nil {
		return
	}

	m.messagesReceived.WithLabelValues(typ.String()).Inc()
}

// ReplyDrop labels a reply outcome that isn't itself a [wire.MessageType]
// value: the engine chose to silently drop the datagram.
const ReplyDrop = "drop"

// ObserveReply records one outbound reply, either a [wire.MessageType]'s
// string form or the [ReplyDrop] label.
func (m *Metrics) ObserveReply(label string) {
	if m == nil {
		return
	}

	m.repliesSent.WithLabelValues(label).Inc()
}

// ObservePoolExhausted records one pool-exhaustion event.
func (m *Metrics) ObservePoolExhausted() {
	if m == nil {
		return
	}

	m.poolExhausted.Inc()
}

// SetLeaseCounts sets the leases-by-status gauge from a fresh table
// snapshot.
func (m *Metrics) SetLeaseCounts(leases []*lease.Lease) {
	if m == nil {
		return
	}

	counts := map[lease.Status]int{}
	for _, l := range leases {
		counts[l.Status]++
	}

	for _, st := range []lease.Status{lease.Created, lease.Offered, lease.Bound, lease.Released} {
		m.leasesByStatus.WithLabelValues(st.String()).Set(float64(counts[st]))
	}
}
