// Package wire implements the hand-rolled binary encode/decode of
// every fixed header this stack speaks: IPv4, ARP, TCP, and ICMP.
// It mirrors the teacher's packet.go style (a plain struct, a
// Marshal method, an UnmarshalXxx constructor, big-endian
// encoding/binary field-by-field) rather than reaching for a generic
// reflection-based codec — wire formats here are small, fixed, and
// performance-sensitive enough that the corpus always hand-writes
// them (see client/doublezerod/internal/liveness/packet.go).
package wire

import (
	"encoding/binary"
	"fmt"
)

// IPv4MinHeaderLen is the fixed portion of an IPv4 header, in bytes.
const IPv4MinHeaderLen = 20

// IPv4 flag bits, stored in the top 3 bits of the flags/fragment-offset word.
const (
	IPv4FlagReserved = 1 << 15
	IPv4FlagDF       = 1 << 14
	IPv4FlagMF       = 1 << 13
	ipv4FragMask     = 0x1fff
)

// IPv4Header is the 20-byte fixed IPv4 header (RFC 791 §3.1), plus
// any options carried verbatim.
type IPv4Header struct {
	Version        uint8
	IHL            uint8 // header length in 32-bit words
	TOS            uint8
	TotalLength    uint16
	ID             uint16
	DF             bool
	MF             bool
	FragOffset     uint16 // in 8-byte units
	TTL            uint8
	Protocol       uint8
	HeaderChecksum uint16
	Src            [4]byte
	Dst            [4]byte
	Options        []byte
}

// HeaderLen returns the encoded header length in bytes (IHL*4).
func (h *IPv4Header) HeaderLen() int { return int(h.IHL) * 4 }

// Marshal encodes the header (options included) with HeaderChecksum
// as given — callers that need a valid checksum zero the field, marshal,
// compute the checksum over the result via internal/checksum, and patch
// bytes [10:12] in place.
func (h *IPv4Header) Marshal() []byte {
	ihl := h.IHL
	if ihl == 0 {
		ihl = uint8((IPv4MinHeaderLen + len(h.Options)) / 4)
	}
	b := make([]byte, int(ihl)*4)
	b[0] = (h.Version << 4) | (ihl & 0x0f)
	b[1] = h.TOS
	binary.BigEndian.PutUint16(b[2:4], h.TotalLength)
	binary.BigEndian.PutUint16(b[4:6], h.ID)
	flags := h.FragOffset & ipv4FragMask
	if h.DF {
		flags |= IPv4FlagDF
	}
	if h.MF {
		flags |= IPv4FlagMF
	}
	binary.BigEndian.PutUint16(b[6:8], flags)
	b[8] = h.TTL
	b[9] = h.Protocol
	binary.BigEndian.PutUint16(b[10:12], h.HeaderChecksum)
	copy(b[12:16], h.Src[:])
	copy(b[16:20], h.Dst[:])
	copy(b[20:], h.Options)
	return b
}

// UnmarshalIPv4Header parses the fixed header plus options from b. It
// only performs the structural validation needed to safely slice the
// buffer (enough bytes for the declared IHL); protocol-level
// acceptance rules (§4.E of the spec) live in internal/ipv4, not here.
func UnmarshalIPv4Header(b []byte) (*IPv4Header, error) {
	if len(b) < IPv4MinHeaderLen {
		return nil, fmt.Errorf("wire: ipv4 header short: have %d bytes, need %d", len(b), IPv4MinHeaderLen)
	}
	verIHL := b[0]
	ihl := verIHL & 0x0f
	hlen := int(ihl) * 4
	if hlen < IPv4MinHeaderLen {
		return nil, fmt.Errorf("wire: ipv4 IHL %d below minimum", ihl)
	}
	if len(b) < hlen {
		return nil, fmt.Errorf("wire: ipv4 header declares %d bytes, buffer has %d", hlen, len(b))
	}
	flags := binary.BigEndian.Uint16(b[6:8])
	h := &IPv4Header{
		Version:        verIHL >> 4,
		IHL:            ihl,
		TOS:            b[1],
		TotalLength:    binary.BigEndian.Uint16(b[2:4]),
		ID:             binary.BigEndian.Uint16(b[4:6]),
		DF:             flags&IPv4FlagDF != 0,
		MF:             flags&IPv4FlagMF != 0,
		FragOffset:     flags & ipv4FragMask,
		TTL:            b[8],
		Protocol:       b[9],
		HeaderChecksum: binary.BigEndian.Uint16(b[10:12]),
	}
	copy(h.Src[:], b[12:16])
	copy(h.Dst[:], b[16:20])
	if hlen > IPv4MinHeaderLen {
		h.Options = append([]byte(nil), b[IPv4MinHeaderLen:hlen]...)
	}
	return h, nil
}
