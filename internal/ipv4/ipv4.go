// Package ipv4 implements the forwarding-pipeline core (§4.E–4.G):
// ingress validation and dispatch, fragment reassembly, and egress
// fragmentation. It sits directly on internal/wire's hand-rolled
// IPv4Header codec and internal/checksum's RFC 1071 routines, and
// resolves next-hop link addresses through internal/arp.
//
// The dispatch-by-protocol-number table is grounded on the teacher's
// liveness.Scheduler, which keys its own event table by a small closed
// eventType enum and switches on it in one place (scheduler.go's
// Run loop) rather than scattering per-type logic across callers;
// here the enum is the IANA protocol number instead of an internal
// event type, the dispatch table plays the same role REDESIGN FLAGS
// asks for in place of the original's giant tagged-union switch.
package ipv4

import (
	"encoding/binary"
	"net"

	"github.com/jonboulle/clockwork"

	"github.com/nimblenet/corestack/internal/arp"
	"github.com/nimblenet/corestack/internal/checksum"
	"github.com/nimblenet/corestack/internal/iface"
	"github.com/nimblenet/corestack/internal/metrics"
	"github.com/nimblenet/corestack/internal/netbuf"
	"github.com/nimblenet/corestack/internal/stackerr"
	"github.com/nimblenet/corestack/internal/wire"
)

const (
	ProtoICMP = 1
	ProtoTCP  = 6
	ProtoUDP  = 17
)

// Handler processes a fully reassembled IPv4 payload for one
// protocol. ttl is the datagram's TTL as received (post-decrement is
// the egress path's concern, not ingress dispatch).
type Handler func(ifc *iface.Interface, src, dst [4]byte, ttl uint8, payload []byte)

// ErrorReporter emits an ICMP error message back toward src in
// response to a dropped datagram; internal/icmp supplies the concrete
// implementation. Kept as an interface so internal/ipv4 never imports
// internal/icmp directly (icmp imports ipv4 for egress, not the other
// way around).
type ErrorReporter interface {
	DestUnreachable(ifc *iface.Interface, originalHeader []byte, originalPayload []byte, code uint8)
	TimeExceeded(ifc *iface.Interface, originalHeader []byte, originalPayload []byte, code uint8)
}

// ForwardHandler is offered every datagram that is either not
// addressed to any local interface, or addressed to exactly this
// interface's own configured unicast address (never broadcast or
// multicast), before the stack applies its own local-delivery or
// silent-drop behavior per §4.E. The latter case is what lets
// internal/nat's inbound translation see traffic for the public
// interface's real address, which is the normal case for NAPT rather
// than the exception. handled reports whether the handler accepted
// (and is responsible for disposing of, by forwarding, translating,
// or dropping) the datagram — false means no forwarding policy is
// installed, or the handler declined and the datagram falls back to
// local dispatch (if addressed to us) or the usual silent drop.
type ForwardHandler func(ifc *iface.Interface, hdr *wire.IPv4Header, payload []byte) (handled bool)

// Stack is the IPv4 layer: a protocol dispatch table, a resolver for
// ARP lookups keyed by interface, and a reassembly engine.
type Stack struct {
	handlers map[uint8]Handler
	errs     ErrorReporter
	reasm    *Reassembler
	clock    clockwork.Clock
	forward  ForwardHandler

	arpCaches map[string]*arp.Cache // keyed by interface name
}

// New constructs an IPv4 Stack. arpCaches maps each live interface
// name to its ARP cache (internal/stack owns construction order and
// wires this in once interfaces exist).
func New(clock clockwork.Clock, errs ErrorReporter, arpCaches map[string]*arp.Cache) *Stack {
	return &Stack{
		handlers:  make(map[uint8]Handler),
		errs:      errs,
		reasm:     NewReassembler(clock),
		clock:     clock,
		arpCaches: arpCaches,
	}
}

// RegisterHandler installs the handler for an upper-layer protocol
// number, replacing any previous registration.
func (s *Stack) RegisterHandler(protocol uint8, h Handler) {
	s.handlers[protocol] = h
}

// RegisterForwardHandler installs the policy consulted for datagrams
// not addressed to this interface and for datagrams addressed to the
// interface's own valid unicast address; broadcast and multicast
// datagrams are never offered to it. Only internal/nat calls this; a
// Stack with no forward handler drops non-local datagrams and delivers
// local ones exactly as before NAT existed.
func (s *Stack) RegisterForwardHandler(h ForwardHandler) {
	s.forward = h
}

// FlushInterfaceDown discards any in-progress fragment reassembly for
// ifaceName. The stack's scheduler calls this alongside the ARP
// cache's own FlushInterfaceDown on a link-down transition, per §4.C.
func (s *Stack) FlushInterfaceDown(ifaceName string) {
	s.reasm.FlushInterfaceDown(ifaceName)
}

// ARPCacheFor returns the ARP cache bound to the named interface, so
// that protocol handlers (internal/icmp's echo responder, internal/nat's
// forwarding path) can call Output without needing their own reference
// to interface wiring.
func (s *Stack) ARPCacheFor(ifaceName string) *arp.Cache {
	return s.arpCaches[ifaceName]
}

// Input validates and processes one ingress datagram per §4.E:
//   - header length / total length / version sanity
//   - checksum verification
//   - destination-address classification (ours, multicast we joined,
//     broadcast, or not-ours → silently dropped, no ICMP per §4.E)
//   - forward-handler consultation, for datagrams not-ours or addressed
//     to our own unicast address, when internal/nat has installed one
//   - TTL expiry → ICMP Time Exceeded (unless the datagram is itself
//     an ICMP error, per the recursion guard in internal/wire.IsError)
//   - fragment reassembly when MF is set or FragOffset != 0
//   - dispatch to the registered protocol handler, or ICMP Protocol
//     Unreachable if none is registered
func (s *Stack) Input(ifc *iface.Interface, buf *netbuf.Buffer) error {
	raw := netbuf.Bytes(buf)
	hdr, err := wire.UnmarshalIPv4Header(raw)
	if err != nil {
		metrics.IPv4InputDropped.WithLabelValues(ifc.Name(), "malformed_header").Inc()
		return stackerr.Wrap("ipv4.input", stackerr.KindInvalidPacket, err)
	}

	hlen := hdr.HeaderLen()
	if int(hdr.TotalLength) > len(raw) || int(hdr.TotalLength) < hlen {
		metrics.IPv4InputDropped.WithLabelValues(ifc.Name(), "bad_total_length").Inc()
		return stackerr.New("ipv4.input", stackerr.KindInvalidLength)
	}
	datagram := raw[:hdr.TotalLength]

	if !checksum.Verify(datagram[:hlen]) {
		metrics.IPv4InputDropped.WithLabelValues(ifc.Name(), "bad_checksum").Inc()
		return stackerr.New("ipv4.input", stackerr.KindInvalidPacket)
	}

	dst := net.IP(hdr.Dst[:])
	local := s.destinationIsLocal(ifc, dst)

	// A forward handler gets first refusal not only over transit traffic
	// (dst is nobody we know) but also over traffic addressed to this
	// interface's own unicast address: NAPT's public IP is a real,
	// configured address on the public interface, so inbound-translated
	// traffic arrives exactly that way, not as "not for us". Broadcast
	// and multicast destinations are never offered — those stay purely
	// local regardless of what a forward handler is installed for.
	if s.forward != nil && !dst.IsMulticast() && !dst.Equal(net.IPv4bcast) {
		a := ifc.Addr()
		ownUnicast := local && a.State == iface.AddrValid && dst.Equal(a.Address)
		if !local || ownUnicast {
			if s.forward(ifc, hdr, datagram[hlen:]) {
				return nil
			}
		}
	}

	if !local {
		metrics.IPv4InputDropped.WithLabelValues(ifc.Name(), "not_for_us").Inc()
		return nil
	}

	payload := datagram[hlen:]

	if hdr.MF || hdr.FragOffset != 0 {
		complete, cHdr, cPayload := s.reasm.Add(ifc.Name(), hdr, payload)
		if !complete {
			metrics.IPv4ReassemblyActive.WithLabelValues(ifc.Name()).Set(float64(s.reasm.ActiveCount(ifc.Name())))
			return nil
		}
		hdr = cHdr
		payload = cPayload
	}

	if hdr.TTL == 0 {
		if hdr.Protocol != ProtoICMP || !wire.IsError(firstByte(payload)) {
			s.errs.TimeExceeded(ifc, datagram[:hlen], payload, wire.ICMPTimeExceededTTL)
		}
		metrics.IPv4InputDropped.WithLabelValues(ifc.Name(), "ttl_expired").Inc()
		return nil
	}

	h, ok := s.handlers[hdr.Protocol]
	if !ok {
		if hdr.Protocol != ProtoICMP || !wire.IsError(firstByte(payload)) {
			s.errs.DestUnreachable(ifc, datagram[:hlen], payload, wire.ICMPCodeProtoUnreachable)
		}
		metrics.IPv4InputDropped.WithLabelValues(ifc.Name(), "protocol_unreachable").Inc()
		return nil
	}

	h(ifc, hdr.Src, hdr.Dst, hdr.TTL, payload)
	return nil
}

func firstByte(b []byte) uint8 {
	if len(b) == 0 {
		return 0
	}
	return b[0]
}

// destinationIsLocal reports whether dst addresses this interface
// directly, the all-ones broadcast, the subnet broadcast, or a
// multicast group the interface has joined.
func (s *Stack) destinationIsLocal(ifc *iface.Interface, dst net.IP) bool {
	if dst.IsMulticast() {
		var g [4]byte
		copy(g[:], dst.To4())
		return ifc.MulticastRefCount(g) > 0
	}
	if dst.Equal(net.IPv4bcast) {
		return true
	}
	a := ifc.Addr()
	if a.State != iface.AddrValid {
		return false
	}
	if dst.Equal(a.Address) {
		return true
	}
	bcast := make(net.IP, 4)
	binary.BigEndian.PutUint32(bcast, binary.BigEndian.Uint32(a.Address.To4())|^binary.BigEndian.Uint32(net.IP(a.Mask).To4()))
	return dst.Equal(bcast)
}
