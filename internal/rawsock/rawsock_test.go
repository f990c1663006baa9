package rawsock

import (
	"net"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/nimblenet/corestack/internal/arp"
	"github.com/nimblenet/corestack/internal/checksum"
	"github.com/nimblenet/corestack/internal/iface"
	"github.com/nimblenet/corestack/internal/ipv4"
	"github.com/nimblenet/corestack/internal/netbuf"
	"github.com/nimblenet/corestack/internal/wire"
)

type fakeDriver struct{}

func (fakeDriver) SendFrame([]byte) error                   { return nil }
func (fakeDriver) SetMACFilter(net.HardwareAddr, bool) error { return nil }
func (fakeDriver) LinkUp() bool                              { return true }

type fakeErrReporter struct{ destUnreach int }

func (f *fakeErrReporter) DestUnreachable(*iface.Interface, []byte, []byte, uint8) { f.destUnreach++ }
func (f *fakeErrReporter) TimeExceeded(*iface.Interface, []byte, []byte, uint8)    {}

func buildDatagram(t *testing.T, src, dst net.IP, protocol uint8, payload []byte) []byte {
	t.Helper()
	hdr := &wire.IPv4Header{Version: 4, IHL: 5, TotalLength: uint16(20 + len(payload)), TTL: 64, Protocol: protocol}
	copy(hdr.Src[:], src.To4())
	copy(hdr.Dst[:], dst.To4())
	b := hdr.Marshal()
	sum := checksum.Compute(b)
	b[10], b[11] = byte(sum>>8), byte(sum)
	return append(b, payload...)
}

func TestOpenReceivesUnclaimedProtocol(t *testing.T) {
	errs := &fakeErrReporter{}
	ip := ipv4.New(clockwork.NewFakeClock(), errs, map[string]*arp.Cache{})
	rs := New(ip)
	sock, err := rs.Open(47) // GRE, arbitrary unclaimed protocol
	require.NoError(t, err)

	_, err = rs.Open(47)
	require.Error(t, err, "re-opening an already-claimed protocol must fail")

	ifc := iface.New("eth0", 1, fakeDriver{}, 1500, net.HardwareAddr{0x02, 0, 0, 0, 0, 1})
	ifc.Configure(net.IPv4(10, 0, 0, 1), net.CIDRMask(24, 32), nil)
	ifc.MarkValid()

	dg := buildDatagram(t, net.IPv4(10, 0, 0, 2), net.IPv4(10, 0, 0, 1), 47, []byte("payload"))
	require.NoError(t, ip.Input(ifc, netbuf.FromBytes(dg)))

	select {
	case got := <-sock.queue:
		require.Equal(t, []byte("payload"), got.Payload)
		require.Equal(t, "eth0", got.Interface)
	case <-time.After(time.Second):
		t.Fatal("datagram not delivered")
	}
	require.Equal(t, 0, errs.destUnreach, "a claimed raw protocol must not generate Protocol Unreachable")
}

func TestCloseStopsDeliveryWithoutProtocolUnreachable(t *testing.T) {
	errs := &fakeErrReporter{}
	ip := ipv4.New(clockwork.NewFakeClock(), errs, map[string]*arp.Cache{})
	rs := New(ip)
	sock, err := rs.Open(47)
	require.NoError(t, err)
	rs.Close(sock)

	ifc := iface.New("eth0", 1, fakeDriver{}, 1500, net.HardwareAddr{0x02, 0, 0, 0, 0, 1})
	ifc.Configure(net.IPv4(10, 0, 0, 1), net.CIDRMask(24, 32), nil)
	ifc.MarkValid()

	dg := buildDatagram(t, net.IPv4(10, 0, 0, 2), net.IPv4(10, 0, 0, 1), 47, []byte("payload"))
	require.NoError(t, ip.Input(ifc, netbuf.FromBytes(dg)))
	require.Equal(t, 0, errs.destUnreach, "closed raw sockets drop traffic silently rather than reverting to Protocol Unreachable")
}
