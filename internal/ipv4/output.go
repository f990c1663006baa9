package ipv4

import (
	"net"
	"sync/atomic"

	"github.com/nimblenet/corestack/internal/arp"
	"github.com/nimblenet/corestack/internal/checksum"
	"github.com/nimblenet/corestack/internal/iface"
	"github.com/nimblenet/corestack/internal/metrics"
	"github.com/nimblenet/corestack/internal/netbuf"
	"github.com/nimblenet/corestack/internal/stackerr"
	"github.com/nimblenet/corestack/internal/wire"
)

// LinkSender transmits a fully-formed Ethernet frame; the concrete
// implementation lives in internal/stack, which knows how to prepend
// the link-layer header for the destination MAC internal/arp
// resolved.
type LinkSender func(ifc *iface.Interface, dstMAC net.HardwareAddr, etherType uint16, payload []byte) error

var datagramID uint32 // process-wide IPv4 identification counter (§4.G)

func nextID() uint16 {
	return uint16(atomic.AddUint32(&datagramID, 1))
}

// Output builds and transmits one IPv4 datagram, fragmenting it to
// the interface's MTU if needed (§4.G). ttl and df are taken from the
// caller (TCP/UDP/ICMP/NAT all set these per their own policy); src
// must be the interface's own valid address or a NAT-rewritten
// address already known to be routable through ifc.
func Output(ifc *iface.Interface, arpCache *arp.Cache, send LinkSender, src, dst net.IP, protocol uint8, ttl uint8, df bool, payload []byte) error {
	mtu := ifc.MTU()
	maxPayloadPerFrag := (mtu - wire.IPv4MinHeaderLen) &^ 7 // round down to multiple of 8

	if len(payload) <= maxPayloadPerFrag {
		return emitOne(ifc, arpCache, send, src, dst, protocol, ttl, df, false, 0, payload, nextID())
	}

	if df {
		return stackerr.New("ipv4.output", stackerr.KindMessageTooLong)
	}

	id := nextID()
	for off := 0; off < len(payload); off += maxPayloadPerFrag {
		end := off + maxPayloadPerFrag
		mf := true
		if end >= len(payload) {
			end = len(payload)
			mf = false
		}
		if err := emitOne(ifc, arpCache, send, src, dst, protocol, ttl, false, mf, off, payload[off:end], id); err != nil {
			return err
		}
		metrics.IPv4FragmentsEmitted.WithLabelValues(ifc.Name()).Inc()
	}
	return nil
}

func emitOne(ifc *iface.Interface, arpCache *arp.Cache, send LinkSender, src, dst net.IP, protocol uint8, ttl uint8, df, mf bool, byteOffset int, payload []byte, id uint16) error {
	hdr := &wire.IPv4Header{
		Version:     4,
		IHL:         5,
		TotalLength: uint16(wire.IPv4MinHeaderLen + len(payload)),
		ID:          id,
		DF:          df,
		MF:          mf,
		FragOffset:  uint16(byteOffset / 8),
		TTL:         ttl,
		Protocol:    protocol,
	}
	copy(hdr.Src[:], src.To4())
	copy(hdr.Dst[:], dst.To4())

	b := hdr.Marshal()
	hdr.HeaderChecksum = checksum.Compute(b)
	binaryPutChecksum(b, hdr.HeaderChecksum)

	buf := netbuf.Alloc(0)
	netbuf.Append(buf, b)
	netbuf.Append(buf, payload)
	datagram := netbuf.Bytes(buf)

	nextHopMAC, nextHop, err := resolveNextHop(ifc, arpCache, dst, datagram)
	if err != nil {
		if stackerr.Is(err, stackerr.KindInProgress) {
			return nil // queued; delivered once ARP completes
		}
		return err
	}
	_ = nextHop
	return send(ifc, nextHopMAC, 0x0800, datagram)
}

// binaryPutChecksum overwrites the checksum field (bytes 10:12) of a
// marshaled IPv4 header in place, avoiding a second full Marshal call
// just to fix up the one field Marshal can't know in advance.
func binaryPutChecksum(b []byte, sum uint16) {
	b[10] = byte(sum >> 8)
	b[11] = byte(sum)
}

// resolveNextHop picks the link-layer destination for dst: the
// broadcast/multicast MAC directly, or an ARP-resolved unicast MAC
// for the next hop. This stack has no dynamic routing (explicit
// Non-goal): when the interface's address is valid, dst lies outside
// its subnet and a gateway is configured, the gateway is resolved in
// place of dst; otherwise dst itself is. The returned net.IP is the
// address that was resolved.
func resolveNextHop(ifc *iface.Interface, arpCache *arp.Cache, dst net.IP, frame []byte) (net.HardwareAddr, net.IP, error) {
	if dst.Equal(net.IPv4bcast) {
		return net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}, dst, nil
	}
	if dst.IsMulticast() {
		var g [4]byte
		copy(g[:], dst.To4())
		return iface.MulticastMAC(g), dst, nil
	}

	a := ifc.Addr()
	target := dst
	if a.State == iface.AddrValid && !a.Network().Contains(dst) && a.Gateway != nil {
		target = a.Gateway
	}

	var key [4]byte
	copy(key[:], target.To4())
	if mac, ok := arpCache.Lookup(key); ok {
		return mac, target, nil
	}
	_, err := arpCache.Resolve(key, frame)
	return nil, target, err
}
