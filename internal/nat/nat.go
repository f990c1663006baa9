// Package nat implements the NAPT translator (§4.J): classification
// of inbound-vs-outbound traffic crossing the boundary between one
// public interface and any number of private interfaces, static
// port-forward rules, and a session table for dynamically-created
// TCP/UDP/ICMP translations. Classification keys on the datagram's
// destination rather than its arrival interface: anything addressed
// to the public interface's own address goes through inbound
// translation, whether it truly arrived from the internet or is a
// private host hairpinning through its own rule-forwarded public
// address to reach another private host (§4.J outbound step 4);
// everything else arriving on a private interface is outbound.
//
// internal/ipv4 has no notion of forwarding on its own — §4.E's input
// path either delivers a datagram to this host or silently drops it.
// This package installs itself as ipv4.Stack's ForwardHandler, the one
// hook ipv4 exposes for exactly this purpose, so the two packages stay
// decoupled the same way internal/tcp and internal/udp attach as
// protocol Handlers rather than ipv4 knowing about transports above it.
//
// The session table's bounded/timed-eviction shape is grounded on
// internal/arp.Cache and internal/ipv4.Reassembler, both themselves
// grounded on jellydator/ttlcache in place of the teacher's plain maps
// (the teacher has no NAT-shaped component at all; liveness.Session's
// per-peer, mutex-guarded lifecycle is the closest analogue and is
// what Session.touch's independent locking follows).
package nat

import (
	"context"
	"encoding/binary"
	"net"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/jonboulle/clockwork"

	"github.com/nimblenet/corestack/internal/checksum"
	"github.com/nimblenet/corestack/internal/iface"
	"github.com/nimblenet/corestack/internal/ipv4"
	"github.com/nimblenet/corestack/internal/metrics"
	"github.com/nimblenet/corestack/internal/udp"
	"github.com/nimblenet/corestack/internal/wire"
)

const (
	tcpSessionTTL  = 2 * time.Hour
	udpSessionTTL  = 5 * time.Minute
	icmpSessionTTL = 30 * time.Second
)

var linkLocalNet = &net.IPNet{IP: net.IPv4(169, 254, 0, 0).To4(), Mask: net.CIDRMask(16, 32)}

func isLinkLocal(ip net.IP) bool { return linkLocalNet.Contains(ip) }

// Stack is the NAT translator bound to one internal/ipv4.Stack and
// one designated public interface; every other registered interface
// is treated as private.
type Stack struct {
	mu sync.Mutex

	ip          *ipv4.Stack
	errs        ipv4.ErrorReporter
	clock       clockwork.Clock
	publicIface string
	rules       []PortForwardRule

	ifaces map[string]*iface.Interface // name -> interface, both public and private

	sessions    *ttlcache.Cache[privateKey, *Session]
	publicIndex map[publicKey]*Session

	tcpPorts, udpPorts, icmpIDs *idPool

	send ipv4.LinkSender
}

// New constructs a Stack and registers it as ip's forward handler.
// publicPortLow/High bounds the dynamically-allocated TCP/UDP port
// range; public ICMP query IDs are allocated from 1–65535 regardless.
func New(ip *ipv4.Stack, clock clockwork.Clock, errs ipv4.ErrorReporter, publicIface string, publicPortLow, publicPortHigh uint16, rules []PortForwardRule) *Stack {
	s := &Stack{
		ip:          ip,
		errs:        errs,
		clock:       clock,
		publicIface: publicIface,
		rules:       rules,
		ifaces:      make(map[string]*iface.Interface),
		publicIndex: make(map[publicKey]*Session),
		tcpPorts:    newIDPool(publicPortLow, publicPortHigh),
		udpPorts:    newIDPool(publicPortLow, publicPortHigh),
		icmpIDs:     newIDPool(1, 65535),
		send:        directLinkSend,
	}
	s.sessions = ttlcache.New[privateKey, *Session](
		ttlcache.WithTTL[privateKey, *Session](udpSessionTTL),
	)
	s.sessions.OnEviction(func(_ context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[privateKey, *Session]) {
		sess := item.Value()
		s.mu.Lock()
		if cur, ok := s.publicIndex[sess.publicKey()]; ok && cur == sess {
			delete(s.publicIndex, sess.publicKey())
		}
		s.poolFor(sess.Protocol).release(sess, sess.PublicID)
		s.mu.Unlock()

		metrics.NATSessions.WithLabelValues(kindFor(sess.Protocol).String()).Dec()
		label := "evicted"
		if reason == ttlcache.EvictionReasonExpired {
			label = "expired"
		}
		metrics.NATSessionsEvicted.WithLabelValues(kindFor(sess.Protocol).String(), label).Inc()
	})
	go s.sessions.Start()

	ip.RegisterForwardHandler(s.handleForward)
	return s
}

// Close stops the session table's TTL janitor goroutine.
func (s *Stack) Close() { s.sessions.Stop() }

// RegisterInterface makes ifc known to the translator, as either the
// public interface or one of potentially several private interfaces;
// internal/stack calls this once per interface as it brings them up.
func (s *Stack) RegisterInterface(ifc *iface.Interface) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ifaces[ifc.Name()] = ifc
}

func (s *Stack) ifaceByName(name string) *iface.Interface {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ifaces[name]
}

func (s *Stack) isOwnAddress(ip net.IP) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ifc := range s.ifaces {
		a := ifc.Addr()
		if a.State == iface.AddrValid && a.Address.Equal(ip) {
			return true
		}
	}
	return false
}

// isPublicAddress reports whether ip is the public interface's own
// configured address — the one address hairpinning and genuine
// inbound traffic both translate against, regardless of which
// interface a datagram carrying it actually arrived on.
func (s *Stack) isPublicAddress(ip net.IP) bool {
	publicIfc := s.ifaceByName(s.publicIface)
	if publicIfc == nil {
		return false
	}
	a := publicIfc.Addr()
	return a.State == iface.AddrValid && a.Address.Equal(ip)
}

func (s *Stack) poolFor(protocol uint8) *idPool {
	switch protocol {
	case ipv4.ProtoTCP:
		return s.tcpPorts
	case ipv4.ProtoUDP:
		return s.udpPorts
	default:
		return s.icmpIDs
	}
}

func ttlFor(protocol uint8) time.Duration {
	switch protocol {
	case ipv4.ProtoTCP:
		return tcpSessionTTL
	case ipv4.ProtoUDP:
		return udpSessionTTL
	default:
		return icmpSessionTTL
	}
}

// Rules returns the configured port-forward rules.
func (s *Stack) Rules() []PortForwardRule {
	return append([]PortForwardRule(nil), s.rules...)
}

// Sessions returns a point-in-time snapshot of every live session,
// for the host control API / stackctl's NAT table view.
func (s *Stack) Sessions() []Snapshot {
	var out []Snapshot
	for _, k := range s.sessions.Keys() {
		item := s.sessions.Get(k)
		if item == nil {
			continue
		}
		out = append(out, item.Value().snapshot())
	}
	return out
}

// transportID is the (ports, or ICMP identifier+type) extracted from
// a datagram's transport payload, enough to classify and key a
// translation without the protocol-specific parsing leaking into the
// classification logic itself.
type transportID struct {
	srcPort, dstPort uint16
	icmpID           uint16
	icmpType         uint8
	isICMP           bool
}

func extractTransportID(protocol uint8, payload []byte) (transportID, bool) {
	switch protocol {
	case ipv4.ProtoTCP:
		hdr, err := wire.UnmarshalTCPHeader(payload)
		if err != nil {
			return transportID{}, false
		}
		return transportID{srcPort: hdr.SrcPort, dstPort: hdr.DstPort}, true
	case ipv4.ProtoUDP:
		hdr, err := udp.UnmarshalHeader(payload)
		if err != nil {
			return transportID{}, false
		}
		return transportID{srcPort: hdr.SrcPort, dstPort: hdr.DstPort}, true
	case ipv4.ProtoICMP:
		msg, err := wire.UnmarshalICMPMessage(payload)
		if err != nil {
			return transportID{}, false
		}
		return transportID{icmpID: msg.Identifier, icmpType: msg.Type, isICMP: true}, true
	default:
		return transportID{}, false
	}
}

// icmpReplyTypeFor maps an ICMP query type to the reply type a
// session created for it expects on the way back in.
func icmpReplyTypeFor(queryType uint8) (uint8, bool) {
	switch queryType {
	case wire.ICMPTypeEchoRequest:
		return wire.ICMPTypeEchoReply, true
	case wire.ICMPTypeTimestampReq:
		return wire.ICMPTypeTimestampReply, true
	case wire.ICMPTypeAddrMaskReq:
		return wire.ICMPTypeAddrMaskReply, true
	}
	return 0, false
}

func firstByteOf(b []byte) uint8 {
	if len(b) == 0 {
		return 0
	}
	return b[0]
}

// handleForward is ipv4.Stack's ForwardHandler: the first thing every
// non-local datagram, and every datagram addressed to the arriving
// interface's own unicast address, sees instead of a silent drop or
// local delivery.
func (s *Stack) handleForward(ifc *iface.Interface, hdr *wire.IPv4Header, payload []byte) bool {
	src := net.IP(hdr.Src[:])
	dst := net.IP(hdr.Dst[:])
	if isLinkLocal(src) || isLinkLocal(dst) {
		return false
	}
	if hdr.MF || hdr.FragOffset != 0 {
		// Only the first fragment carries a transport header to key a
		// translation on; forwarding later fragments would need to
		// remember the first fragment's decision per §4.F-style
		// reassembly bookkeeping, which this translator does not
		// do, so every fragment is dropped here.
		metrics.NATTranslationDropped.WithLabelValues("fragmented").Inc()
		return true
	}
	if hdr.TTL <= 1 {
		if !wire.IsError(firstByteOf(payload)) {
			s.errs.TimeExceeded(ifc, hdr.Marshal(), payload, wire.ICMPTimeExceededTTL)
		}
		metrics.NATTranslationDropped.WithLabelValues("ttl_expired").Inc()
		return true
	}

	// Traffic addressed to the public address goes through inbound
	// translation (rule or session table) regardless of which interface
	// it arrived on: arriving on the public interface, that's ordinary
	// inbound traffic; arriving on a private interface, that's a private
	// host hairpinning through its own rule-forwarded public address
	// (§4.J outbound step 4) rather than reaching the internet at all.
	if s.isPublicAddress(dst) {
		return s.translateInbound(ifc, hdr, payload)
	}
	if ifc.Name() == s.publicIface {
		// Transit traffic arriving on the WAN link addressed to neither
		// us nor (by construction, since it reached this handler) any
		// locally-joined group has nowhere this translator can send it.
		metrics.NATTranslationDropped.WithLabelValues("invalid_session").Inc()
		return true
	}
	return s.translateOutbound(ifc, hdr, payload)
}

// translateInbound implements §4.J's inbound translation: port-forward
// rules first, then the session table, dropping with "invalid session"
// if neither matches.
func (s *Stack) translateInbound(ifc *iface.Interface, hdr *wire.IPv4Header, payload []byte) bool {
	tid, ok := extractTransportID(hdr.Protocol, payload)
	if !ok {
		metrics.NATTranslationDropped.WithLabelValues("unsupported_protocol").Inc()
		return true
	}
	srcIP := net.IP(hdr.Src[:])
	ttl := hdr.TTL - 1

	if !tid.isICMP {
		for _, r := range s.rules {
			if r.Protocol != hdr.Protocol || !r.matchesPublic(tid.dstPort) {
				continue
			}
			target := s.ifaceByName(r.PrivateInterface)
			if target == nil {
				metrics.NATTranslationDropped.WithLabelValues("no_private_interface").Inc()
				return true
			}
			privateIP := net.IP(r.PrivateIP[:])
			s.rewriteAndEmit(target, hdr.Protocol, ttl, payload, srcIP, privateIP, tid.srcPort, r.publicToPrivatePort(tid.dstPort), 0, false)
			return true
		}
	}

	pk := publicKey{protocol: hdr.Protocol, remoteID: tid.srcPort}
	copy(pk.remoteIP[:], srcIP.To4())
	if tid.isICMP {
		pk.publicID = tid.icmpID
	} else {
		pk.publicID = tid.dstPort
	}

	s.mu.Lock()
	sess, found := s.publicIndex[pk]
	s.mu.Unlock()
	if !found {
		metrics.NATTranslationDropped.WithLabelValues("invalid_session").Inc()
		return true
	}
	if tid.isICMP && tid.icmpType != sess.ReplyType {
		metrics.NATTranslationDropped.WithLabelValues("invalid_session").Inc()
		return true
	}

	target := s.ifaceByName(sess.PrivateIface)
	if target == nil {
		metrics.NATTranslationDropped.WithLabelValues("no_private_interface").Inc()
		return true
	}

	sess.touch(s.clock.Now())
	s.sessions.Set(sess.privateKey(), sess, ttlFor(hdr.Protocol))

	privateIP := net.IP(sess.PrivateIP[:])
	var newDstPort, newICMPID uint16
	if tid.isICMP {
		newICMPID = sess.PrivateID
	} else {
		newDstPort = sess.PrivateID
	}
	s.rewriteAndEmit(target, hdr.Protocol, ttl, payload, srcIP, privateIP, tid.srcPort, newDstPort, newICMPID, tid.isICMP)
	return true
}

// translateOutbound implements §4.J's outbound translation: drop
// traffic addressed to this host, then port-forward rules, then an
// existing or newly-created session.
func (s *Stack) translateOutbound(ifc *iface.Interface, hdr *wire.IPv4Header, payload []byte) bool {
	tid, ok := extractTransportID(hdr.Protocol, payload)
	if !ok {
		metrics.NATTranslationDropped.WithLabelValues("unsupported_protocol").Inc()
		return true
	}
	srcIP := net.IP(hdr.Src[:])
	dstIP := net.IP(hdr.Dst[:])
	ttl := hdr.TTL - 1

	if s.isOwnAddress(dstIP) {
		metrics.NATTranslationDropped.WithLabelValues("to_router").Inc()
		return true
	}

	publicIfc := s.ifaceByName(s.publicIface)
	if publicIfc == nil {
		metrics.NATTranslationDropped.WithLabelValues("no_public_interface").Inc()
		return true
	}
	publicAddr := publicIfc.Addr()
	if publicAddr.State != iface.AddrValid {
		metrics.NATTranslationDropped.WithLabelValues("public_address_unconfigured").Inc()
		return true
	}
	publicIP := publicAddr.Address

	if !tid.isICMP {
		for _, r := range s.rules {
			if r.Protocol == hdr.Protocol && r.matchesPrivate(ifc.Name(), hdr.Src, tid.srcPort) {
				publicPort := r.PublicPortLow + (tid.srcPort - r.PrivatePortLow)
				s.rewriteAndEmit(publicIfc, hdr.Protocol, ttl, payload, publicIP, dstIP, publicPort, tid.dstPort, 0, false)
				return true
			}
		}
	}

	pk := privateKey{protocol: hdr.Protocol, privateIface: ifc.Name(), privateIP: hdr.Src, remoteIP: hdr.Dst}
	if tid.isICMP {
		pk.privateID = tid.icmpID
	} else {
		pk.privateID = tid.srcPort
		pk.remoteID = tid.dstPort
	}

	var sess *Session
	if item := s.sessions.Get(pk); item != nil {
		sess = item.Value()
		sess.touch(s.clock.Now())
		s.sessions.Set(pk, sess, ttlFor(hdr.Protocol))
	}

	if sess == nil {
		if tid.isICMP {
			if _, isQuery := icmpReplyTypeFor(tid.icmpType); !isQuery {
				metrics.NATTranslationDropped.WithLabelValues("invalid_session").Inc()
				return true
			}
		}
		sess = s.createSession(hdr.Protocol, ifc.Name(), hdr.Src, pk.privateID, hdr.Dst, pk.remoteID, tid.icmpType)
	}

	var newSrcPort, newICMPID uint16
	if tid.isICMP {
		newICMPID = sess.PublicID
	} else {
		newSrcPort = sess.PublicID
	}
	s.rewriteAndEmit(publicIfc, hdr.Protocol, ttl, payload, publicIP, dstIP, newSrcPort, tid.dstPort, newICMPID, tid.isICMP)
	return true
}

func (s *Stack) createSession(protocol uint8, ifaceName string, privateIP [4]byte, privateID uint16, remoteIP [4]byte, remoteID uint16, icmpType uint8) *Session {
	now := s.clock.Now()
	sess := &Session{
		Protocol: protocol, PrivateIface: ifaceName, PrivateIP: privateIP, PrivateID: privateID,
		RemoteIP: remoteIP, RemoteID: remoteID, CreatedAt: now, LastUsed: now,
	}
	if kindFor(protocol) == kindICMP {
		sess.ReplyType, _ = icmpReplyTypeFor(icmpType)
	}

	s.mu.Lock()
	id, evicted := s.poolFor(protocol).allocate(sess)
	sess.PublicID = id
	s.publicIndex[sess.publicKey()] = sess
	s.mu.Unlock()

	if evicted != nil {
		s.sessions.Delete(evicted.privateKey())
	}
	s.sessions.Set(sess.privateKey(), sess, ttlFor(protocol))
	metrics.NATSessions.WithLabelValues(kindFor(protocol).String()).Inc()
	return sess
}

// rewriteAndEmit patches payload's ports/ICMP-ID and checksum for the
// new (srcIP, dstIP, srcPort-or-ICMPID, dstPort) quadruple and hands
// the datagram to egress via the normal ARP-resolving Output path.
func (s *Stack) rewriteAndEmit(egress *iface.Interface, protocol uint8, ttl uint8, payload []byte, srcIP, dstIP net.IP, srcPort, dstPort, icmpID uint16, isICMP bool) {
	rewritten := append([]byte(nil), payload...)
	switch protocol {
	case ipv4.ProtoTCP:
		binary.BigEndian.PutUint16(rewritten[0:2], srcPort)
		binary.BigEndian.PutUint16(rewritten[2:4], dstPort)
		rewritten[16], rewritten[17] = 0, 0
		sum := checksum.TransportChecksum(srcIP, dstIP, ipv4.ProtoTCP, uint16(len(rewritten)), rewritten)
		rewritten[16], rewritten[17] = byte(sum>>8), byte(sum)
	case ipv4.ProtoUDP:
		binary.BigEndian.PutUint16(rewritten[0:2], srcPort)
		binary.BigEndian.PutUint16(rewritten[2:4], dstPort)
		rewritten[6], rewritten[7] = 0, 0
		sum := checksum.TransportChecksum(srcIP, dstIP, ipv4.ProtoUDP, uint16(len(rewritten)), rewritten)
		rewritten[6], rewritten[7] = byte(sum>>8), byte(sum)
	case ipv4.ProtoICMP:
		binary.BigEndian.PutUint16(rewritten[4:6], icmpID)
		rewritten[2], rewritten[3] = 0, 0
		sum := checksum.Compute(rewritten)
		rewritten[2], rewritten[3] = byte(sum>>8), byte(sum)
	}

	cache := s.ip.ARPCacheFor(egress.Name())
	if err := ipv4.Output(egress, cache, s.send, srcIP, dstIP, protocol, ttl, false, rewritten); err != nil {
		metrics.NATTranslationDropped.WithLabelValues("output_error").Inc()
	}
}

func directLinkSend(ifc *iface.Interface, dstMAC net.HardwareAddr, etherType uint16, payload []byte) error {
	frame := make([]byte, 0, 14+len(payload))
	frame = append(frame, dstMAC...)
	frame = append(frame, ifc.HardwareAddr()...)
	frame = append(frame, byte(etherType>>8), byte(etherType))
	frame = append(frame, payload...)
	return ifc.Driver().SendFrame(frame)
}
