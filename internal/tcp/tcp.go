// Package tcp implements the connection-oriented transport core
// (§4.I): the eleven-state FSM, segment demultiplexing, a
// retransmission queue driven by the RFC 6298 RTO estimator, fast
// retransmit on three duplicate ACKs, a persist timer for zero
// windows, a keepalive timer for idle connections, and TimeWait
// linger.
//
// Structurally this follows the teacher's liveness package end to
// end: liveness.Session is a mutex-guarded per-peer state machine
// whose transitions are driven by HandleRx and whose timers are
// driven by a shared scheduler (scheduler.go); internal/tcp.Socket
// plays the same role per TCP connection, and internal/timerqueue
// (itself adapted from liveness.EventQueue) is the shared scheduler
// every socket's retransmit/persist/keepalive/TimeWait timers are
// pushed onto. Retransmission backoff reuses internal/tcp's own
// rtoEstimator (cenkalti/backoff-backed, see rto.go) instead of
// Session's hand-rolled ComputeNextTx jitter, since RFC 6298 defines
// TCP's retransmit timing independently of BFD's.
package tcp

import (
	"encoding/binary"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/nimblenet/corestack/internal/checksum"
	"github.com/nimblenet/corestack/internal/iface"
	"github.com/nimblenet/corestack/internal/ipv4"
	"github.com/nimblenet/corestack/internal/metrics"
	"github.com/nimblenet/corestack/internal/stackerr"
	"github.com/nimblenet/corestack/internal/timerqueue"
	"github.com/nimblenet/corestack/internal/wire"
)

const (
	defaultMSS      = 1460
	defaultWindow   = 65535
	maxRetransmits  = 8
	timeWaitLinger  = 60 * time.Second // 2*MSL, shortened from the classic 240s per §9's open-question resolution (see DESIGN.md)
	keepaliveIdle   = 2 * time.Hour
	persistInterval = 5 * time.Second
	dupAckThreshold = 3
)

type fourTuple struct {
	localIP    [4]byte
	localPort  uint16
	remoteIP   [4]byte
	remotePort uint16
}

// outSegment is one sent-but-not-yet-acknowledged segment in a
// socket's retransmission queue.
type outSegment struct {
	seq         uint32
	data        []byte
	flags       uint8
	sentAt      time.Time
	retransmits int
}

// Socket is one TCP connection's full state per §4.I's data model.
type Socket struct {
	mu sync.Mutex

	tuple fourTuple
	ifc   *iface.Interface
	stack *Stack

	state State

	iss, irs       uint32
	sndUNA, sndNXT uint32
	sndWND         uint16
	rcvNXT         uint32
	rcvWND         uint16
	mss            uint16

	sendQueue    []byte // bytes handed to Write, not yet segmented/sent
	retransQueue []*outSegment
	recvQueue    []byte            // in-order bytes delivered to Read
	outOfOrder   map[uint32][]byte // seq -> data, held until the hole closes

	cwnd, ssthresh uint32
	dupAcks        int
	lastAckSeq     uint32

	rto *rtoEstimator

	retransmitEvt *timerqueue.Event
	persistEvt    *timerqueue.Event
	keepaliveEvt  *timerqueue.Event
	timeWaitEvt   *timerqueue.Event

	finSent, finAcked bool
	finRecvd          bool

	readCond  *sync.Cond
	closeErr  error
	connected chan error // signaled once on SYN-SENT/SYN-RECEIVED resolution
}

// Stack is the TCP protocol layer bound to one internal/ipv4.Stack.
// It owns the socket table and the shared timer queue every socket's
// timers are scheduled against.
type Stack struct {
	mu       sync.Mutex
	ip       *ipv4.Stack
	sockets  map[fourTuple]*Socket
	listens  map[uint16]*listener
	clock    clockwork.Clock
	tq       *timerqueue.Queue
	selfIP   map[string][4]byte // interface name -> local address, refreshed by caller
}

type listener struct {
	port    uint16
	backlog chan *Socket
}

// New constructs a Stack and registers it as the IPv4 handler for
// ProtoTCP.
func New(ip *ipv4.Stack, clock clockwork.Clock) *Stack {
	s := &Stack{
		ip:      ip,
		sockets: make(map[fourTuple]*Socket),
		listens: make(map[uint16]*listener),
		clock:   clock,
		tq:      timerqueue.New(),
	}
	ip.RegisterHandler(ipv4.ProtoTCP, s.handleIPv4)
	return s
}

// RunScheduler drains any timers due at clock.Now(); the caller (the
// stack's single cooperative scheduler loop, internal/stack) invokes
// this on every wake exactly like it invokes internal/arp.Cache.Tick.
// IPv4 reassembly expiry is not driven from that loop; it runs on
// ttlcache's own goroutine.
func (s *Stack) RunScheduler() {
	s.tq.RunOnce(s.clock.Now())
}

// FlushInterfaceDown aborts every socket bound to ifaceName without
// transmitting a final RST, per §4.C's link-down handling. The
// stack's scheduler calls this alongside internal/arp.Cache's and
// internal/ipv4.Stack's own FlushInterfaceDown on the same transition.
func (s *Stack) FlushInterfaceDown(ifaceName string) {
	s.mu.Lock()
	var victims []*Socket
	for _, sock := range s.sockets {
		if sock.ifc.Name() == ifaceName {
			victims = append(victims, sock)
		}
	}
	s.mu.Unlock()

	for _, sock := range victims {
		sock.abortSilently()
	}
}

// Listen opens a passive-open listener on port with the given accept
// backlog depth.
func (s *Stack) Listen(port uint16, backlog int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.listens[port]; exists {
		return stackerr.New("tcp.listen", stackerr.KindAlreadyConfigured)
	}
	s.listens[port] = &listener{port: port, backlog: make(chan *Socket, backlog)}
	return nil
}

// Accept blocks until a connection completes its passive handshake on
// port, or returns an error if the listener doesn't exist.
func (s *Stack) Accept(port uint16) (*Socket, error) {
	s.mu.Lock()
	l, ok := s.listens[port]
	s.mu.Unlock()
	if !ok {
		return nil, stackerr.New("tcp.accept", stackerr.KindNotConfigured)
	}
	sock, ok := <-l.backlog
	if !ok {
		return nil, stackerr.New("tcp.accept", stackerr.KindConnectionClosed)
	}
	return sock, nil
}

// Dial performs an active open to (remoteIP, remotePort) from ifc,
// blocking until the handshake completes or fails.
func (s *Stack) Dial(ifc *iface.Interface, localPort uint16, remoteIP net.IP, remotePort uint16) (*Socket, error) {
	var local [4]byte
	copy(local[:], ifc.Addr().Address.To4())
	var remote [4]byte
	copy(remote[:], remoteIP.To4())

	if localPort == 0 {
		localPort = s.allocateEphemeral()
	}

	tuple := fourTuple{localIP: local, localPort: localPort, remoteIP: remote, remotePort: remotePort}
	sock := s.newSocket(tuple, ifc)
	sock.setState(StateSynSent)
	sock.iss = randomISN()
	sock.sndUNA = sock.iss
	sock.sndNXT = sock.iss + 1
	sock.mss = defaultMSS
	sock.cwnd = uint32(sock.mss)
	sock.ssthresh = defaultWindow

	s.mu.Lock()
	s.sockets[tuple] = sock
	s.mu.Unlock()

	sock.sendSegment(wire.TCPFlagSYN, nil)
	sock.armRetransmitIfStillPending(StateSynSent)

	err := <-sock.connected
	if err != nil {
		return nil, err
	}
	return sock, nil
}

func (s *Stack) allocateEphemeral() uint16 {
	return uint16(20000 + rand.Intn(20000))
}

func (s *Stack) newSocket(tuple fourTuple, ifc *iface.Interface) *Socket {
	sock := &Socket{
		tuple:      tuple,
		ifc:        ifc,
		stack:      s,
		outOfOrder: make(map[uint32][]byte),
		rto:        newRTOEstimator(),
		rcvWND:     defaultWindow,
		connected:  make(chan error, 1),
	}
	sock.readCond = sync.NewCond(&sock.mu)
	metrics.TCPSockets.WithLabelValues(sock.state.String()).Inc()
	return sock
}

func randomISN() uint32 {
	return rand.Uint32()
}

func (s *Stack) handleIPv4(ifc *iface.Interface, src, dst [4]byte, ttl uint8, payload []byte) {
	hdr, err := wire.UnmarshalTCPHeader(payload)
	if err != nil {
		return
	}
	tuple := fourTuple{localIP: dst, localPort: hdr.DstPort, remoteIP: src, remotePort: hdr.SrcPort}

	s.mu.Lock()
	sock, ok := s.sockets[tuple]
	l, hasListener := s.listens[hdr.DstPort]
	s.mu.Unlock()

	payloadData := payload[hdr.HeaderLen():]

	if !ok {
		if hdr.HasFlag(wire.TCPFlagSYN) && !hdr.HasFlag(wire.TCPFlagACK) && hasListener {
			s.acceptPassive(ifc, tuple, hdr, l)
			return
		}
		if !hdr.HasFlag(wire.TCPFlagRST) {
			s.sendReset(ifc, tuple, hdr, len(payloadData))
		}
		return
	}

	sock.handleSegment(hdr, payloadData)
}

func (s *Stack) acceptPassive(ifc *iface.Interface, tuple fourTuple, hdr *wire.TCPHeader, l *listener) {
	sock := s.newSocket(tuple, ifc)
	sock.setState(StateSynReceived)
	sock.irs = hdr.Seq
	sock.rcvNXT = hdr.Seq + 1
	sock.iss = randomISN()
	sock.sndUNA = sock.iss
	sock.sndNXT = sock.iss + 1
	sock.mss = defaultMSS
	if hdr.Options.HasMSS {
		sock.mss = hdr.Options.MSS
	}
	sock.cwnd = uint32(sock.mss)
	sock.ssthresh = defaultWindow
	sock.sndWND = hdr.Window

	s.mu.Lock()
	s.sockets[tuple] = sock
	s.mu.Unlock()

	sock.sendSegment(wire.TCPFlagSYN|wire.TCPFlagACK, nil)
	sock.armRetransmitIfStillPending(StateSynReceived)

	go func() {
		if err := <-sock.connected; err == nil {
			select {
			case l.backlog <- sock:
			default:
				sock.Abort()
			}
		}
	}()
}

// sendReset replies to a segment addressed to a closed port or an
// unrecognized connection, per RFC 793 §3.4's reset-generation rules.
func (s *Stack) sendReset(ifc *iface.Interface, tuple fourTuple, hdr *wire.TCPHeader, dataLen int) {
	var seq uint32
	flags := uint8(wire.TCPFlagRST)
	if hdr.HasFlag(wire.TCPFlagACK) {
		seq = hdr.Ack
	} else {
		flags |= wire.TCPFlagACK
		seq = 0
	}
	segLen := uint32(dataLen)
	if hdr.HasFlag(wire.TCPFlagSYN) {
		segLen++
	}
	if hdr.HasFlag(wire.TCPFlagFIN) {
		segLen++
	}
	out := &wire.TCPHeader{
		SrcPort: tuple.localPort, DstPort: tuple.remotePort,
		Seq: seq, Ack: hdr.Seq + segLen, Flags: flags,
	}
	transmitSegment(s.ip, ifc, tuple.localIP, tuple.remoteIP, out, nil)
}

// transmitSegment marshals hdr, computes its checksum over the TCP
// pseudo-header, and hands the datagram to internal/ipv4.Output,
// resolving the outbound interface's ARP cache by name so unicast
// segments actually get a next-hop MAC instead of needing one of
// their own.
func transmitSegment(ip *ipv4.Stack, ifc *iface.Interface, src, dst [4]byte, hdr *wire.TCPHeader, payload []byte) {
	b := hdr.Marshal()
	b = append(b, payload...)
	srcIP, dstIP := net.IP(src[:]), net.IP(dst[:])
	sum := checksum.TransportChecksum(srcIP, dstIP, ipv4.ProtoTCP, uint16(len(b)), b)
	binary.BigEndian.PutUint16(b[16:18], sum)
	arpCache := ip.ARPCacheFor(ifc.Name())
	_ = ipv4.Output(ifc, arpCache, directLinkSend, srcIP, dstIP, ipv4.ProtoTCP, 64, false, b)
}

func directLinkSend(ifc *iface.Interface, dstMAC net.HardwareAddr, etherType uint16, payload []byte) error {
	frame := make([]byte, 0, 14+len(payload))
	frame = append(frame, dstMAC...)
	frame = append(frame, ifc.HardwareAddr()...)
	frame = append(frame, byte(etherType>>8), byte(etherType))
	frame = append(frame, payload...)
	return ifc.Driver().SendFrame(frame)
}
