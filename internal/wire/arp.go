package wire

import (
	"encoding/binary"
	"fmt"
)

// ARP operation codes (RFC 826).
const (
	ARPRequest uint16 = 1
	ARPReply   uint16 = 2
)

const (
	arpHTYPEEthernet uint16 = 1
	arpPTYPEIPv4     uint16 = 0x0800
	arpLen                  = 28
)

// ARPPacket is the standard Ethernet/IPv4 ARP message: HTYPE=1,
// PTYPE=0x0800, HLEN=6, PLEN=4 (§6 wire formats).
type ARPPacket struct {
	Operation uint16
	SHA       [6]byte // sender hardware address
	SPA       [4]byte // sender protocol address
	THA       [6]byte // target hardware address
	TPA       [4]byte // target protocol address
}

// Marshal encodes the ARP packet to its 28-byte wire form.
func (p *ARPPacket) Marshal() []byte {
	b := make([]byte, arpLen)
	binary.BigEndian.PutUint16(b[0:2], arpHTYPEEthernet)
	binary.BigEndian.PutUint16(b[2:4], arpPTYPEIPv4)
	b[4] = 6
	b[5] = 4
	binary.BigEndian.PutUint16(b[6:8], p.Operation)
	copy(b[8:14], p.SHA[:])
	copy(b[14:18], p.SPA[:])
	copy(b[18:24], p.THA[:])
	copy(b[24:28], p.TPA[:])
	return b
}

// UnmarshalARPPacket parses and validates an ARP message, rejecting
// anything that is not HTYPE=Ethernet/PTYPE=IPv4/HLEN=6/PLEN=4.
func UnmarshalARPPacket(b []byte) (*ARPPacket, error) {
	if len(b) < arpLen {
		return nil, fmt.Errorf("wire: arp packet short: have %d bytes, need %d", len(b), arpLen)
	}
	htype := binary.BigEndian.Uint16(b[0:2])
	ptype := binary.BigEndian.Uint16(b[2:4])
	hlen, plen := b[4], b[5]
	if htype != arpHTYPEEthernet || ptype != arpPTYPEIPv4 || hlen != 6 || plen != 4 {
		return nil, fmt.Errorf("wire: unsupported arp htype/ptype/hlen/plen: %d/%#04x/%d/%d", htype, ptype, hlen, plen)
	}
	p := &ARPPacket{Operation: binary.BigEndian.Uint16(b[6:8])}
	copy(p.SHA[:], b[8:14])
	copy(p.SPA[:], b[14:18])
	copy(p.THA[:], b[18:24])
	copy(p.TPA[:], b[24:28])
	return p, nil
}
