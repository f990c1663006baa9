package udp

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
)

type fakeDriver struct{}

func (fakeDriver) SendFrame([]byte) error                  { return nil }
func (fakeDriver) SetMACFilter(net.HardwareAddr, bool) error { return nil }
func (fakeDriver) LinkUp() bool                            { return true }

func TestBindAllocatesEphemeralPort(t *testing.T) {
	ip := ipv4.New(clockwork.NewFakeClock(), nil, map[string]*arp.Cache{})
	s := New(ip)
	sock, err := s.Bind(0)
	require.NoError(t, err)
	require.GreaterOrEqual(t, sock.Port(), uint16(49152))
}

func TestBindRejectsDuplicatePort(t *testing.T) {
	ip := ipv4.New(clockwork.NewFakeClock(), nil, map[string]*arp.Cache{})
	s := New(ip)
	_, err := s.Bind(5000)
	require.NoError(t, err)
	_, err = s.Bind(5000)
	require.Error(t, err)
}

func TestInboundDatagramDeliveredToBoundSocket(t *testing.T) {
	ip := ipv4.New(clockwork.NewFakeClock(), nil, map[string]*arp.Cache{})
	s := New(ip)
	sock, err := s.Bind(5001)
	require.NoError(t, err)

	ifc := iface.New("eth0", 1, fakeDriver{}, 1500, net.HardwareAddr{0x02, 0, 0, 0, 0, 1})
	ifc.Configure(net.IPv4(10, 0, 0, 1), net.CIDRMask(24, 32), nil)
	ifc.MarkValid()

	hdr := &Header{SrcPort: 6000, DstPort: 5001, Length: udpHeaderLen + 5}
	payload := append(hdr.Marshal(), []byte("hello")...)
	var src, dst [4]byte
	copy(src[:], net.IPv4(10, 0, 0, 2).To4())
	copy(dst[:], net.IPv4(10, 0, 0, 1).To4())

	s.handleIPv4(ifc, src, dst, 64, payload)

	select {
	case dg := <-sock.queue:
		require.Equal(t, "hello", string(dg.Data))
		require.Equal(t, uint16(6000), dg.SrcPort)
	case <-time.After(time.Second):
		t.Fatal("datagram not delivered")
	}
}

func TestChecksumRoundTripsThroughSendTo(t *testing.T) {
	hdr := &Header{SrcPort: 1, DstPort: 2, Length: udpHeaderLen}
	b := hdr.Marshal()
	src := net.IPv4(1, 1, 1, 1)
	dst := net.IPv4(2, 2, 2, 2)
	sum := checksum.TransportChecksum(src, dst, ipv4.ProtoUDP, uint16(len(b)), b)
	b[6], b[7] = byte(sum>>8), byte(sum)
	require.True(t, checksum.Verify(append(checksum.PseudoHeader(src, dst, ipv4.ProtoUDP, uint16(len(b))), b...)))
}
