// Package udp implements the minimal datagram delivery layer this
// stack's distilled spec omitted but which a complete dual-stack
// IPv4/TCP implementation always carries alongside TCP: a UDP socket
// table keyed by local port, queueing inbound datagrams for whichever
// socket (or wildcard listener) matches, and a thin Marshal/Unmarshal
// for the 8-byte UDP header reusing internal/checksum's pseudo-header
// helper.
//
// Grounded on the teacher's own liveness/udp.go (UDPService: one
// net.ListenUDP-backed socket demultiplexing reads by source address
// into per-session channels) — generalized here from "one fixed BFD
// port" to an arbitrary local-port table, and from net.UDPConn to this
// stack's own internal/ipv4 Output/Input plumbing since this stack owns
// its datagrams end to end rather than handing off to the host kernel.
package udp

import (
	"encoding/binary"
	"fmt"
	"net"
	"sync"

	"github.com/nimblenet/corestack/internal/checksum"
	"github.com/nimblenet/corestack/internal/iface"
	"github.com/nimblenet/corestack/internal/ipv4"
	"github.com/nimblenet/corestack/internal/stackerr"
)

const udpHeaderLen = 8

// Header is the fixed 8-byte UDP header (RFC 768).
type Header struct {
	SrcPort  uint16
	DstPort  uint16
	Length   uint16
	Checksum uint16
}

func (h *Header) Marshal() []byte {
	b := make([]byte, udpHeaderLen)
	binary.BigEndian.PutUint16(b[0:2], h.SrcPort)
	binary.BigEndian.PutUint16(b[2:4], h.DstPort)
	binary.BigEndian.PutUint16(b[4:6], h.Length)
	binary.BigEndian.PutUint16(b[6:8], h.Checksum)
	return b
}

func UnmarshalHeader(b []byte) (*Header, error) {
	if len(b) < udpHeaderLen {
		return nil, fmt.Errorf("udp: header short: have %d, need %d", len(b), udpHeaderLen)
	}
	return &Header{
		SrcPort:  binary.BigEndian.Uint16(b[0:2]),
		DstPort:  binary.BigEndian.Uint16(b[2:4]),
		Length:   binary.BigEndian.Uint16(b[4:6]),
		Checksum: binary.BigEndian.Uint16(b[6:8]),
	}, nil
}

// Datagram is one received UDP payload plus its originating address,
// handed to a socket's receive queue.
type Datagram struct {
	SrcIP   net.IP
	SrcPort uint16
	Data    []byte
}

const socketQueueDepth = 64

// Socket is a bound UDP endpoint: a port and a bounded inbound queue.
type Socket struct {
	port  uint16
	queue chan Datagram
}

func (s *Socket) Port() uint16 { return s.port }

// Recv blocks until a datagram is available or the socket is closed,
// in which case ok is false.
func (s *Socket) Recv() (Datagram, bool) {
	d, ok := <-s.queue
	return d, ok
}

// Stack is the UDP protocol layer bound to one internal/ipv4.Stack.
type Stack struct {
	mu       sync.Mutex
	ip       *ipv4.Stack
	sockets  map[uint16]*Socket
	nextPort uint16
}

// New constructs a Stack and registers it as the IPv4 handler for
// ProtoUDP.
func New(ip *ipv4.Stack) *Stack {
	s := &Stack{ip: ip, sockets: make(map[uint16]*Socket), nextPort: 49152}
	ip.RegisterHandler(ipv4.ProtoUDP, s.handleIPv4)
	return s
}

func (s *Stack) handleIPv4(ifc *iface.Interface, src, dst [4]byte, ttl uint8, payload []byte) {
	hdr, err := UnmarshalHeader(payload)
	if err != nil {
		return
	}
	if int(hdr.Length) > len(payload) || int(hdr.Length) < udpHeaderLen {
		return
	}
	data := payload[udpHeaderLen:hdr.Length]

	s.mu.Lock()
	sock, ok := s.sockets[hdr.DstPort]
	s.mu.Unlock()
	if !ok {
		return
	}
	dg := Datagram{SrcIP: net.IP(src[:]), SrcPort: hdr.SrcPort, Data: append([]byte(nil), data...)}
	select {
	case sock.queue <- dg:
	default:
		// Bounded queue is full; drop silently per §7's ingress
		// propagation policy (swallow and count would go here once a
		// udp-specific metric is warranted).
	}
}

// Bind allocates (or claims, if port != 0) a Socket listening on port.
func (s *Stack) Bind(port uint16) (*Socket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if port == 0 {
		port = s.allocateEphemeralLocked()
	}
	if _, taken := s.sockets[port]; taken {
		return nil, stackerr.New("udp.bind", stackerr.KindAlreadyConfigured)
	}
	sock := &Socket{port: port, queue: make(chan Datagram, socketQueueDepth)}
	s.sockets[port] = sock
	return sock, nil
}

func (s *Stack) allocateEphemeralLocked() uint16 {
	for i := 0; i < 1<<15; i++ {
		p := s.nextPort
		s.nextPort++
		if s.nextPort == 0 {
			s.nextPort = 49152
		}
		if _, taken := s.sockets[p]; !taken {
			return p
		}
	}
	return 0
}

// Close releases a bound port.
func (s *Stack) Close(sock *Socket) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.sockets[sock.port]; ok && cur == sock {
		close(sock.queue)
		delete(s.sockets, sock.port)
	}
}

// SendTo transmits one UDP datagram from ifc's address.
func (s *Stack) SendTo(ifc *iface.Interface, srcPort, dstPort uint16, dst net.IP, payload []byte) error {
	hdr := &Header{SrcPort: srcPort, DstPort: dstPort, Length: uint16(udpHeaderLen + len(payload))}
	b := hdr.Marshal()
	b = append(b, payload...)

	a := ifc.Addr()
	sum := checksum.TransportChecksum(a.Address, dst, ipv4.ProtoUDP, uint16(len(b)), b)
	b[6], b[7] = byte(sum>>8), byte(sum)

	cache := s.ip.ARPCacheFor(ifc.Name())
	return ipv4.Output(ifc, cache, linkSend, a.Address, dst, ipv4.ProtoUDP, 64, false, b)
}

func linkSend(ifc *iface.Interface, dstMAC net.HardwareAddr, etherType uint16, payload []byte) error {
	frame := make([]byte, 0, 14+len(payload))
	frame = append(frame, dstMAC...)
	frame = append(frame, ifc.HardwareAddr()...)
	frame = append(frame, byte(etherType>>8), byte(etherType))
	frame = append(frame, payload...)
	return ifc.Driver().SendFrame(frame)
}
