package nat

import (
	"net"
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/nimblenet/corestack/internal/arp"
	"github.com/nimblenet/corestack/internal/checksum"
	"github.com/nimblenet/corestack/internal/iface"
	"github.com/nimblenet/corestack/internal/icmp"
	"github.com/nimblenet/corestack/internal/ipv4"
	"github.com/nimblenet/corestack/internal/netbuf"
	"github.com/nimblenet/corestack/internal/udp"
	"github.com/nimblenet/corestack/internal/wire"
)

func netbufFrom(b []byte) *netbuf.Buffer { return netbuf.FromBytes(b) }

// recordingErrReporter captures ipv4.ErrorReporter calls instead of
// transmitting anything, so tests can assert a Time Exceeded fired
// without needing a fourth host to receive it.
type recordingErrReporter struct {
	timeExceeded []uint8
}

func (r *recordingErrReporter) DestUnreachable(*iface.Interface, []byte, []byte, uint8) {}
func (r *recordingErrReporter) TimeExceeded(_ *iface.Interface, _ []byte, _ []byte, code uint8) {
	r.timeExceeded = append(r.timeExceeded, code)
}

// linkedDriver hands every sent Ethernet frame straight to a fixed
// peer interface's IPv4 Input, synchronously, stripping the 14-byte
// Ethernet header — the same point-to-point fixture internal/tcp's
// tests use to stand in for internal/stack's frame dispatch.
type linkedDriver struct {
	peerIfc *iface.Interface
	peerIP  *ipv4.Stack
}

func (d *linkedDriver) SendFrame(frame []byte) error {
	return d.peerIP.Input(d.peerIfc, netbufFrom(frame[14:]))
}
func (d *linkedDriver) SetMACFilter(net.HardwareAddr, bool) error { return nil }
func (d *linkedDriver) LinkUp() bool                              { return true }

func linkedPair(aMAC, bMAC net.HardwareAddr, aName, bName string) (*linkedDriver, *linkedDriver, *iface.Interface, *iface.Interface) {
	aDrv, bDrv := &linkedDriver{}, &linkedDriver{}
	aIfc := iface.New(aName, 1, aDrv, 1500, aMAC)
	bIfc := iface.New(bName, 1, bDrv, 1500, bMAC)
	return aDrv, bDrv, aIfc, bIfc
}

func ip4(a, b, c, d byte) net.IP { return net.IPv4(a, b, c, d) }

func bytes4(ip net.IP) [4]byte {
	var b [4]byte
	copy(b[:], ip.To4())
	return b
}

func rawLinkSend(ifc *iface.Interface, dstMAC net.HardwareAddr, etherType uint16, payload []byte) error {
	frame := make([]byte, 0, 14+len(payload))
	frame = append(frame, dstMAC...)
	frame = append(frame, ifc.HardwareAddr()...)
	frame = append(frame, byte(etherType>>8), byte(etherType))
	frame = append(frame, payload...)
	return ifc.Driver().SendFrame(frame)
}

// harness wires a private host and a public host, each linked
// point-to-point to one of a NAT router's two interfaces:
//
//	privateHost --- priv | router | pub --- publicHost
type harness struct {
	clock clockwork.FakeClock

	privateHostIfc *iface.Interface
	privateHostIP  *ipv4.Stack

	routerPrivIfc, routerPubIfc *iface.Interface
	routerIP                    *ipv4.Stack
	nat                         *Stack
	errs                        *recordingErrReporter

	publicHostIfc *iface.Interface
	publicHostIP  *ipv4.Stack
}

var (
	privateHostAddr = ip4(10, 0, 0, 5)
	routerPrivAddr  = ip4(10, 0, 0, 1)
	routerPubAddr   = ip4(203, 0, 113, 1)
	publicHostAddr  = ip4(198, 51, 100, 9)
)

func newHarness(t *testing.T, rules []PortForwardRule) *harness {
	t.Helper()
	clock := clockwork.NewFakeClock()

	privateHostMAC := net.HardwareAddr{0x02, 0, 0, 0, 0, 1}
	routerPrivMAC := net.HardwareAddr{0x02, 0, 0, 0, 0, 2}
	routerPubMAC := net.HardwareAddr{0x02, 0, 0, 0, 0, 3}
	publicHostMAC := net.HardwareAddr{0x02, 0, 0, 0, 0, 4}

	privateHostDrv, routerPrivDrv, privateHostIfc, routerPrivIfc := linkedPair(privateHostMAC, routerPrivMAC, "eth0", "priv")
	routerPubDrv, publicHostDrv, routerPubIfc, publicHostIfc := linkedPair(routerPubMAC, publicHostMAC, "pub", "eth0")

	privateHostIfc.Configure(privateHostAddr, net.CIDRMask(24, 32), routerPrivAddr)
	routerPrivIfc.Configure(routerPrivAddr, net.CIDRMask(24, 32), nil)
	routerPubIfc.Configure(routerPubAddr, net.CIDRMask(24, 32), nil)
	publicHostIfc.Configure(publicHostAddr, net.CIDRMask(24, 32), nil)
	privateHostIfc.MarkValid()
	routerPrivIfc.MarkValid()
	routerPubIfc.MarkValid()
	publicHostIfc.MarkValid()

	noProbe := func([4]byte) error { return nil }
	privateHostArp := arp.New("eth0", clock, noProbe)
	routerPrivArp := arp.New("priv", clock, noProbe)
	routerPubArp := arp.New("pub", clock, noProbe)
	publicHostArp := arp.New("eth0", clock, noProbe)
	privateHostArp.Permanent(bytes4(routerPrivAddr), routerPrivMAC)
	routerPrivArp.Permanent(bytes4(privateHostAddr), privateHostMAC)
	routerPubArp.Permanent(bytes4(publicHostAddr), publicHostMAC)
	publicHostArp.Permanent(bytes4(routerPubAddr), routerPubMAC)

	errs := &recordingErrReporter{}
	privateHostIP := ipv4.New(clock, errs, map[string]*arp.Cache{"eth0": privateHostArp})
	routerIP := ipv4.New(clock, errs, map[string]*arp.Cache{"priv": routerPrivArp, "pub": routerPubArp})
	publicHostIP := ipv4.New(clock, errs, map[string]*arp.Cache{"eth0": publicHostArp})

	privateHostDrv.peerIfc, privateHostDrv.peerIP = routerPrivIfc, routerIP
	routerPrivDrv.peerIfc, routerPrivDrv.peerIP = privateHostIfc, privateHostIP
	routerPubDrv.peerIfc, routerPubDrv.peerIP = publicHostIfc, publicHostIP
	publicHostDrv.peerIfc, publicHostDrv.peerIP = routerPubIfc, routerIP

	natStack := New(routerIP, clock, errs, "pub", 40000, 40003, rules)
	natStack.RegisterInterface(routerPrivIfc)
	natStack.RegisterInterface(routerPubIfc)

	return &harness{
		clock:          clock,
		privateHostIfc: privateHostIfc, privateHostIP: privateHostIP,
		routerPrivIfc: routerPrivIfc, routerPubIfc: routerPubIfc, routerIP: routerIP, nat: natStack, errs: errs,
		publicHostIfc: publicHostIfc, publicHostIP: publicHostIP,
	}
}

func TestStaticPortForwardDeliversInboundUDP(t *testing.T) {
	rule := PortForwardRule{
		Protocol: ipv4.ProtoUDP, PublicPortLow: 9000, PublicPortHigh: 9000,
		PrivateInterface: "priv", PrivateIP: bytes4(privateHostAddr), PrivatePortLow: 9000,
	}
	h := newHarness(t, []PortForwardRule{rule})

	privateUDP := udp.New(h.privateHostIP)
	sock, err := privateUDP.Bind(9000)
	require.NoError(t, err)

	publicUDP := udp.New(h.publicHostIP)
	require.NoError(t, publicUDP.SendTo(h.publicHostIfc, 6000, 9000, routerPubAddr, []byte("hello")))

	dg, ok := sock.Recv()
	require.True(t, ok)
	require.Equal(t, "hello", string(dg.Data))
	require.True(t, dg.SrcIP.Equal(publicHostAddr))
	require.Equal(t, uint16(6000), dg.SrcPort)
}

func TestDynamicOutboundSessionAllocatesPublicPortAndMatchesReply(t *testing.T) {
	h := newHarness(t, nil)

	privateUDP := udp.New(h.privateHostIP)
	privSock, err := privateUDP.Bind(5000)
	require.NoError(t, err)

	publicUDP := udp.New(h.publicHostIP)
	pubSock, err := publicUDP.Bind(7000)
	require.NoError(t, err)

	require.NoError(t, privateUDP.SendTo(h.privateHostIfc, 5000, 7000, publicHostAddr, []byte("ping")))

	dg, ok := pubSock.Recv()
	require.True(t, ok)
	require.Equal(t, "ping", string(dg.Data))
	require.True(t, dg.SrcIP.Equal(routerPubAddr))
	require.GreaterOrEqual(t, dg.SrcPort, uint16(40000))
	require.LessOrEqual(t, dg.SrcPort, uint16(40003))

	sessions := h.nat.Sessions()
	require.Len(t, sessions, 1)
	require.Equal(t, dg.SrcPort, sessions[0].PublicID)

	require.NoError(t, publicUDP.SendTo(h.publicHostIfc, 7000, dg.SrcPort, routerPubAddr, []byte("pong")))

	reply, ok := privSock.Recv()
	require.True(t, ok)
	require.Equal(t, "pong", string(reply.Data))
	require.True(t, reply.SrcIP.Equal(publicHostAddr))
	require.Equal(t, uint16(7000), reply.SrcPort)
}

func TestICMPEchoRoundTripThroughNAT(t *testing.T) {
	h := newHarness(t, nil)
	icmp.New(h.publicHostIP) // auto-replies to Echo Request with Echo Reply

	replies := make(chan *wire.ICMPMessage, 1)
	h.privateHostIP.RegisterHandler(ipv4.ProtoICMP, func(_ *iface.Interface, _, _ [4]byte, _ uint8, payload []byte) {
		msg, err := wire.UnmarshalICMPMessage(payload)
		if err == nil {
			replies <- msg
		}
	})

	sendEcho(t, h.privateHostIP, h.privateHostIfc, publicHostAddr, 4321, 1, []byte("ping"))

	select {
	case msg := <-replies:
		require.Equal(t, wire.ICMPTypeEchoReply, msg.Type)
		require.Equal(t, uint16(4321), msg.Identifier)
		require.Equal(t, "ping", string(msg.Body))
	default:
		t.Fatal("private host never saw an Echo Reply")
	}

	sessions := h.nat.Sessions()
	require.Len(t, sessions, 1)
	require.Equal(t, ipv4.ProtoICMP, sessions[0].Protocol)
}

// sendEcho builds and transmits an ICMP Echo Request the same way
// internal/icmp.Responder.reply does, since this package has no reason
// to depend on internal/icmp just to construct one.
func sendEcho(t *testing.T, ip *ipv4.Stack, ifc *iface.Interface, dst net.IP, id, seq uint16, body []byte) {
	t.Helper()
	msg := &wire.ICMPMessage{Type: wire.ICMPTypeEchoRequest, Identifier: id, Sequence: seq, Body: body}
	b := msg.Marshal()
	sum := checksum.Compute(b)
	b[2], b[3] = byte(sum>>8), byte(sum)

	a := ifc.Addr()
	cache := ip.ARPCacheFor(ifc.Name())
	require.NoError(t, ipv4.Output(ifc, cache, rawLinkSend, a.Address, dst, ipv4.ProtoICMP, 64, false, b))
}

func TestForwardedTrafficAtTTLOneTriggersTimeExceeded(t *testing.T) {
	h := newHarness(t, nil)

	msg := &wire.ICMPMessage{Type: wire.ICMPTypeEchoRequest, Identifier: 1, Sequence: 1, Body: []byte("x")}
	b := msg.Marshal()
	sum := checksum.Compute(b)
	b[2], b[3] = byte(sum>>8), byte(sum)

	cache := h.privateHostIP.ARPCacheFor(h.privateHostIfc.Name())
	require.NoError(t, ipv4.Output(h.privateHostIfc, cache, rawLinkSend, privateHostAddr, publicHostAddr, ipv4.ProtoICMP, 1, false, b))

	require.Len(t, h.errs.timeExceeded, 1)
	require.Equal(t, wire.ICMPTimeExceededTTL, h.errs.timeExceeded[0])
}

// TestHairpinningReachesOtherPrivateHostThroughPublicAddress builds its
// own three-interface router (rather than extending harness, whose
// internal/ipv4.Stack fixes its ARP-cache set at construction) so a
// second private host can reach another private host by addressing
// the router's public IP, the way it would if it only knew the
// externally-advertised address.
func TestHairpinningReachesOtherPrivateHostThroughPublicAddress(t *testing.T) {
	clock := clockwork.NewFakeClock()
	errs := &recordingErrReporter{}

	hostAMAC := net.HardwareAddr{0x02, 0, 0, 0, 1, 1}
	routerAMAC := net.HardwareAddr{0x02, 0, 0, 0, 1, 2}
	routerPubMAC := net.HardwareAddr{0x02, 0, 0, 0, 1, 3}
	routerBMAC := net.HardwareAddr{0x02, 0, 0, 0, 1, 4}
	hostBMAC := net.HardwareAddr{0x02, 0, 0, 0, 1, 5}

	hostADrv, routerADrv, hostAIfc, routerAIfc := linkedPair(hostAMAC, routerAMAC, "eth0", "priv1")
	routerBDrv, hostBDrv, routerBIfc, hostBIfc := linkedPair(routerBMAC, hostBMAC, "priv2", "eth0")
	routerPubDrv := &linkedDriver{} // never actually dials out in this test
	routerPubIfc := iface.New("pub", 1, routerPubDrv, 1500, routerPubMAC)

	hostAAddr := ip4(10, 0, 0, 5)
	routerAAddr := ip4(10, 0, 0, 1)
	pubAddr := ip4(203, 0, 113, 1)
	routerBAddr := ip4(10, 0, 1, 1)
	hostBAddr := ip4(10, 0, 1, 7)

	mask := net.CIDRMask(24, 32)
	hostAIfc.Configure(hostAAddr, mask, routerAAddr)
	routerAIfc.Configure(routerAAddr, mask, nil)
	routerPubIfc.Configure(pubAddr, mask, nil)
	routerBIfc.Configure(routerBAddr, mask, nil)
	hostBIfc.Configure(hostBAddr, mask, routerBAddr)
	for _, ifc := range []*iface.Interface{hostAIfc, routerAIfc, routerPubIfc, routerBIfc, hostBIfc} {
		ifc.MarkValid()
	}

	noProbe := func([4]byte) error { return nil }
	hostAArp := arp.New("eth0", clock, noProbe)
	routerAArp := arp.New("priv1", clock, noProbe)
	routerPubArp := arp.New("pub", clock, noProbe)
	routerBArp := arp.New("priv2", clock, noProbe)
	hostBArp := arp.New("eth0", clock, noProbe)
	hostAArp.Permanent(bytes4(routerAAddr), routerAMAC)
	routerAArp.Permanent(bytes4(hostAAddr), hostAMAC)
	routerBArp.Permanent(bytes4(hostBAddr), hostBMAC)
	hostBArp.Permanent(bytes4(routerBAddr), routerBMAC)

	hostAIP := ipv4.New(clock, errs, map[string]*arp.Cache{"eth0": hostAArp})
	routerIP := ipv4.New(clock, errs, map[string]*arp.Cache{"priv1": routerAArp, "pub": routerPubArp, "priv2": routerBArp})
	hostBIP := ipv4.New(clock, errs, map[string]*arp.Cache{"eth0": hostBArp})

	hostADrv.peerIfc, hostADrv.peerIP = routerAIfc, routerIP
	routerADrv.peerIfc, routerADrv.peerIP = hostAIfc, hostAIP
	routerBDrv.peerIfc, routerBDrv.peerIP = hostBIfc, hostBIP
	hostBDrv.peerIfc, hostBDrv.peerIP = routerBIfc, routerIP

	rule := PortForwardRule{
		Protocol: ipv4.ProtoUDP, PublicPortLow: 9001, PublicPortHigh: 9001,
		PrivateInterface: "priv2", PrivateIP: bytes4(hostBAddr), PrivatePortLow: 9001,
	}
	natStack := New(routerIP, clock, errs, "pub", 40000, 40003, []PortForwardRule{rule})
	natStack.RegisterInterface(routerAIfc)
	natStack.RegisterInterface(routerPubIfc)
	natStack.RegisterInterface(routerBIfc)

	hostBUDP := udp.New(hostBIP)
	hostBSock, err := hostBUDP.Bind(9001)
	require.NoError(t, err)

	hostAUDP := udp.New(hostAIP)
	require.NoError(t, hostAUDP.SendTo(hostAIfc, 5555, 9001, pubAddr, []byte("hairpin")))

	dg, ok := hostBSock.Recv()
	require.True(t, ok)
	require.Equal(t, "hairpin", string(dg.Data))
	require.True(t, dg.SrcIP.Equal(hostAAddr))
	require.Equal(t, uint16(5555), dg.SrcPort)
}
