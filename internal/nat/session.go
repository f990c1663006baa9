package nat

import (
	"net"
	"sync"
	"time"

	"github.com/nimblenet/corestack/internal/ipv4"
)

// PortForwardRule maps a contiguous public port range on the public
// interface to a contiguous private port range on one private
// interface (§4.J, inbound step 1 / outbound step 2). ICMP rules are
// not meaningful (ICMP has no port), so Protocol is always ProtoTCP
// or ProtoUDP.
type PortForwardRule struct {
	Protocol         uint8
	PublicPortLow    uint16
	PublicPortHigh   uint16
	PrivateInterface string
	PrivateIP        [4]byte
	PrivatePortLow   uint16
}

func (r PortForwardRule) matchesPublic(port uint16) bool {
	return port >= r.PublicPortLow && port <= r.PublicPortHigh
}

func (r PortForwardRule) publicToPrivatePort(port uint16) uint16 {
	return r.PrivatePortLow + (port - r.PublicPortLow)
}

func (r PortForwardRule) privatePortHigh() uint16 {
	return r.PrivatePortLow + (r.PublicPortHigh - r.PublicPortLow)
}

func (r PortForwardRule) matchesPrivate(ifaceName string, ip [4]byte, port uint16) bool {
	return r.PrivateInterface == ifaceName && r.PrivateIP == ip &&
		port >= r.PrivatePortLow && port <= r.privatePortHigh()
}

// sessionKind distinguishes TCP/UDP port sessions from ICMP
// query-ID sessions purely for the used-ID allocator and metrics
// labeling; the wire protocol number already lives on Session itself.
type sessionKind uint8

const (
	kindTCP sessionKind = iota
	kindUDP
	kindICMP
)

func kindFor(protocol uint8) sessionKind {
	switch protocol {
	case ipv4.ProtoTCP:
		return kindTCP
	case ipv4.ProtoUDP:
		return kindUDP
	default:
		return kindICMP
	}
}

func (k sessionKind) String() string {
	switch k {
	case kindTCP:
		return "tcp"
	case kindUDP:
		return "udp"
	default:
		return "icmp"
	}
}

// privateKey identifies a session from the private side: the
// interface/address/port (or ICMP ID) the private host is using, and
// the remote endpoint it is talking to. This is the ttlcache's key —
// the side that creates and refreshes sessions.
type privateKey struct {
	protocol     uint8
	privateIface string
	privateIP    [4]byte
	privateID    uint16 // source port, or ICMP query ID
	remoteIP     [4]byte
	remoteID     uint16 // destination port; 0 for ICMP
}

// publicKey identifies a session from the public side: what an
// inbound packet's (protocol, remote_ip, transport_id) triple looks
// like once translated, per §4.J inbound step 2.
type publicKey struct {
	protocol  uint8
	remoteIP  [4]byte
	remoteID  uint16 // remote port; 0 for ICMP
	publicID  uint16 // public port, or allocated ICMP query ID
}

// Session is one live translation pairing.
type Session struct {
	mu sync.Mutex

	Protocol     uint8
	PrivateIface string
	PrivateIP    [4]byte
	PrivateID    uint16
	RemoteIP     [4]byte
	RemoteID     uint16
	PublicID     uint16
	// ReplyType is the ICMP reply type a session created for a query
	// (Echo/Timestamp/Address Mask Request) expects to see on inbound
	// translation (§4.J inbound step 2); zero and unused for TCP/UDP.
	ReplyType uint8
	CreatedAt time.Time
	LastUsed  time.Time
}

// touch refreshes LastUsed under the session's own lock, independent
// of the Stack-level mutex that guards the session table's index
// structures.
func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	s.LastUsed = now
	s.mu.Unlock()
}

func (s *Session) privateKey() privateKey {
	return privateKey{
		protocol: s.Protocol, privateIface: s.PrivateIface, privateIP: s.PrivateIP,
		privateID: s.PrivateID, remoteIP: s.RemoteIP, remoteID: s.RemoteID,
	}
}

func (s *Session) publicKey() publicKey {
	return publicKey{protocol: s.Protocol, remoteIP: s.RemoteIP, remoteID: s.RemoteID, publicID: s.PublicID}
}

// snapshot is the read-only view of a session exposed to the host
// control API (Host API §6 / stackctl's table views).
type Snapshot struct {
	Protocol                        uint8
	PrivateIface                    string
	PrivateIP, RemoteIP             net.IP
	PrivateID, RemoteID, PublicID   uint16
	CreatedAt, LastUsed             time.Time
}

func (s *Session) snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		Protocol: s.Protocol, PrivateIface: s.PrivateIface,
		PrivateIP: net.IP(s.PrivateIP[:]), RemoteIP: net.IP(s.RemoteIP[:]),
		PrivateID: s.PrivateID, RemoteID: s.RemoteID, PublicID: s.PublicID,
		CreatedAt: s.CreatedAt, LastUsed: s.LastUsed,
	}
}
