package tcp

import (
	"net"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/nimblenet/corestack/internal/arp"
	"github.com/nimblenet/corestack/internal/iface"
	"github.com/nimblenet/corestack/internal/ipv4"
	"github.com/nimblenet/corestack/internal/netbuf"
)

func netbufFrom(b []byte) *netbuf.Buffer { return netbuf.FromBytes(b) }

type noopErrReporter struct{}

func (noopErrReporter) DestUnreachable(*iface.Interface, []byte, []byte, uint8) {}
func (noopErrReporter) TimeExceeded(*iface.Interface, []byte, []byte, uint8)    {}

// linkedDriver delivers every sent Ethernet frame straight into the
// peer's IPv4 input path, synchronously, stripping the 14-byte
// Ethernet header this package's own directLinkSend prepends. It
// stands in for internal/stack's frame dispatch and a real link, so
// two stacks can be wired together without internal/stack; the peer's
// Input runs on the sending goroutine, before SendFrame returns.
type linkedDriver struct {
	peerIfc *iface.Interface
	peerIP  *ipv4.Stack
}

func (d *linkedDriver) SendFrame(frame []byte) error {
	return d.peerIP.Input(d.peerIfc, netbufFrom(frame[14:]))
}
func (d *linkedDriver) SetMACFilter(net.HardwareAddr, bool) error { return nil }
func (d *linkedDriver) LinkUp() bool                              { return true }

type harness struct {
	clientIfc, serverIfc   *iface.Interface
	clientIP, serverIP     *ipv4.Stack
	clientTCP, serverTCP   *Stack
	clock                  clockwork.FakeClock
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clock := clockwork.NewFakeClock()

	clientMAC := net.HardwareAddr{0x02, 0, 0, 0, 0, 1}
	serverMAC := net.HardwareAddr{0x02, 0, 0, 0, 0, 2}

	clientDrv := &linkedDriver{}
	serverDrv := &linkedDriver{}
	clientIfc := iface.New("eth0", 1, clientDrv, 1500, clientMAC)
	serverIfc := iface.New("eth0", 1, serverDrv, 1500, serverMAC)
	clientIfc.Configure(net.IPv4(10, 0, 0, 1), net.CIDRMask(24, 32), nil)
	serverIfc.Configure(net.IPv4(10, 0, 0, 2), net.CIDRMask(24, 32), nil)
	clientIfc.MarkValid()
	serverIfc.MarkValid()

	clientArp := arp.New("eth0", clock, func([4]byte) error { return nil })
	serverArp := arp.New("eth0", clock, func([4]byte) error { return nil })
	var clientKey, serverKey [4]byte
	copy(clientKey[:], clientIfc.Addr().Address.To4())
	copy(serverKey[:], serverIfc.Addr().Address.To4())
	clientArp.Permanent(serverKey, serverMAC)
	serverArp.Permanent(clientKey, clientMAC)

	clientIP := ipv4.New(clock, noopErrReporter{}, map[string]*arp.Cache{"eth0": clientArp})
	serverIP := ipv4.New(clock, noopErrReporter{}, map[string]*arp.Cache{"eth0": serverArp})

	clientDrv.peerIfc, clientDrv.peerIP = serverIfc, serverIP
	serverDrv.peerIfc, serverDrv.peerIP = clientIfc, clientIP

	h := &harness{clientIfc: clientIfc, serverIfc: serverIfc, clientIP: clientIP, serverIP: serverIP, clock: clock}
	h.clientTCP = New(clientIP, clock)
	h.serverTCP = New(serverIP, clock)
	return h
}

func TestHandshakeEstablishesConnectionBothSides(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.serverTCP.Listen(80, 4))
	accepted := make(chan *Socket, 1)
	go func() {
		sock, err := h.serverTCP.Accept(80)
		require.NoError(t, err)
		accepted <- sock
	}()

	clientSock, err := h.clientTCP.Dial(h.clientIfc, 0, net.IPv4(10, 0, 0, 2), 80)
	require.NoError(t, err)
	require.Equal(t, StateEstablished, clientSock.State())

	select {
	case serverSock := <-accepted:
		require.Equal(t, StateEstablished, serverSock.State())
	case <-time.After(time.Second):
		t.Fatal("server never accepted connection")
	}
}

func TestDataTransferDeliversBytesInOrder(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.serverTCP.Listen(80, 4))
	accepted := make(chan *Socket, 1)
	go func() {
		sock, _ := h.serverTCP.Accept(80)
		accepted <- sock
	}()

	clientSock, err := h.clientTCP.Dial(h.clientIfc, 0, net.IPv4(10, 0, 0, 2), 80)
	require.NoError(t, err)
	serverSock := <-accepted

	n, err := clientSock.Write([]byte("hello, server"))
	require.NoError(t, err)
	require.Equal(t, 13, n)

	buf := make([]byte, 64)
	n, err = serverSock.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "hello, server", string(buf[:n]))

	n, err = serverSock.Write([]byte("hi, client"))
	require.NoError(t, err)
	require.Equal(t, 10, n)
	n, err = clientSock.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "hi, client", string(buf[:n]))
}

func TestOrderlyCloseReachesTimeWaitThenClosed(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.serverTCP.Listen(80, 4))
	accepted := make(chan *Socket, 1)
	go func() {
		sock, _ := h.serverTCP.Accept(80)
		accepted <- sock
	}()
	clientSock, err := h.clientTCP.Dial(h.clientIfc, 0, net.IPv4(10, 0, 0, 2), 80)
	require.NoError(t, err)
	serverSock := <-accepted

	require.NoError(t, clientSock.Close())
	require.Equal(t, StateFinWait2, clientSock.State())
	require.Equal(t, StateCloseWait, serverSock.State())

	require.NoError(t, serverSock.Close())
	require.Equal(t, StateClosed, serverSock.State())
	require.Equal(t, StateTimeWait, clientSock.State())

	h.clock.Advance(timeWaitLinger + time.Second)
	h.clientTCP.RunScheduler()
	require.Equal(t, StateClosed, clientSock.State())
}

func TestAbortSendsResetAndClosesBothEnds(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.serverTCP.Listen(80, 4))
	accepted := make(chan *Socket, 1)
	go func() {
		sock, _ := h.serverTCP.Accept(80)
		accepted <- sock
	}()
	clientSock, err := h.clientTCP.Dial(h.clientIfc, 0, net.IPv4(10, 0, 0, 2), 80)
	require.NoError(t, err)
	serverSock := <-accepted

	clientSock.Abort()
	require.Equal(t, StateClosed, clientSock.State())
	require.Equal(t, StateClosed, serverSock.State())
}
