// Package metrics exposes the stack's counters as Prometheus
// instruments. Spec §1/§6 treats MIB/counter accounting as "opaque
// hooks" out of scope for the protocol logic itself, but ambient
// observability is carried regardless of what a Non-goal excludes —
// this package is that hook's concrete backing, grounded on the
// teacher's promauto pattern (client/doublezerod/internal/liveness/metrics.go).
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	LabelInterface = "iface"
	LabelProtocol  = "protocol"
	LabelReason    = "reason"
	LabelState     = "state"
)

var (
	ARPCacheEntries = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "corestack_arp_cache_entries",
			Help: "Current number of ARP cache entries by state",
		},
		[]string{LabelInterface, LabelState},
	)

	ARPRequestsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "corestack_arp_requests_sent_total",
			Help: "ARP requests transmitted",
		},
		[]string{LabelInterface},
	)

	ARPQueueDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "corestack_arp_queue_dropped_total",
			Help: "Frames dropped from an ARP wait queue (overflow or resolution exhausted)",
		},
		[]string{LabelInterface, LabelReason},
	)

	IPv4InputDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "corestack_ipv4_input_dropped_total",
			Help: "IPv4 datagrams dropped on ingress",
		},
		[]string{LabelInterface, LabelReason},
	)

	IPv4ReassemblyActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "corestack_ipv4_reassembly_active",
			Help: "In-progress fragment reassembly descriptors",
		},
		[]string{LabelInterface},
	)

	IPv4ReassemblyExpired = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "corestack_ipv4_reassembly_expired_total",
			Help: "Fragment reassembly descriptors dropped on expiry",
		},
		[]string{LabelInterface},
	)

	IPv4FragmentsEmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "corestack_ipv4_fragments_emitted_total",
			Help: "IPv4 fragments emitted on egress",
		},
		[]string{LabelInterface},
	)

	TCPSockets = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "corestack_tcp_sockets",
			Help: "Current number of TCP sockets by state",
		},
		[]string{LabelState},
	)

	TCPRetransmits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "corestack_tcp_retransmits_total",
			Help: "TCP segment retransmissions",
		},
		[]string{},
	)

	TCPFastRetransmits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "corestack_tcp_fast_retransmits_total",
			Help: "TCP fast retransmissions triggered by duplicate ACKs",
		},
		[]string{},
	)

	NATSessions = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "corestack_nat_sessions",
			Help: "Current number of NAT sessions by protocol",
		},
		[]string{LabelProtocol},
	)

	NATSessionsEvicted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "corestack_nat_sessions_evicted_total",
			Help: "NAT sessions evicted for table pressure or expiry",
		},
		[]string{LabelProtocol, LabelReason},
	)

	NATTranslationDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "corestack_nat_translation_dropped_total",
			Help: "Packets dropped during NAT translation",
		},
		[]string{LabelReason},
	)

	LinkTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "corestack_link_transitions_total",
			Help: "Interface link-carrier up/down transitions observed by the scheduler",
		},
		[]string{LabelInterface, LabelState},
	)

	EthernetInputDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "corestack_ethernet_input_dropped_total",
			Help: "Ethernet frames dropped before reaching a protocol stack",
		},
		[]string{LabelInterface, LabelReason},
	)
)
