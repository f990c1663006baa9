package wire

import (
	"encoding/binary"
	"fmt"
)

const TCPMinHeaderLen = 20

// TCP flag bits.
const (
	TCPFlagFIN = 1 << 0
	TCPFlagSYN = 1 << 1
	TCPFlagRST = 1 << 2
	TCPFlagPSH = 1 << 3
	TCPFlagACK = 1 << 4
	TCPFlagURG = 1 << 5
)

// TCP option kinds (§6 wire formats).
const (
	TCPOptEOL           = 0
	TCPOptNOP           = 1
	TCPOptMSS           = 2
	TCPOptWindowScale   = 3
	TCPOptSACKPermitted = 4
	TCPOptTimestamps    = 8
)

// TCPHeader is the fixed 20-byte TCP header plus parsed options.
type TCPHeader struct {
	SrcPort       uint16
	DstPort       uint16
	Seq           uint32
	Ack           uint32
	DataOffset    uint8 // in 32-bit words
	Flags         uint8
	Window        uint16
	Checksum      uint16
	UrgentPointer uint16
	Options       TCPOptions
}

// TCPOptions holds the subset of TCP options this stack recognizes on
// receive and can emit on a SYN (§4.I, §6).
type TCPOptions struct {
	MSS              uint16
	HasMSS           bool
	WindowScale      uint8
	HasWindowScale   bool
	SACKPermitted    bool
	TSVal, TSEcr     uint32
	HasTimestamps    bool
	Raw              []byte // verbatim encoded options, for re-marshal fidelity
}

func (h *TCPHeader) HasFlag(f uint8) bool { return h.Flags&f != 0 }

// HeaderLen returns the encoded header length in bytes.
func (h *TCPHeader) HeaderLen() int { return int(h.DataOffset) * 4 }

// Marshal encodes the fixed header and verbatim option bytes. Checksum
// is written as given; callers zero it, marshal, checksum via
// internal/checksum, then patch bytes [16:18].
func (h *TCPHeader) Marshal() []byte {
	optBytes := h.Options.Raw
	if optBytes == nil {
		optBytes = marshalTCPOptions(&h.Options)
	}
	padded := padTo4(optBytes)
	dataOffset := h.DataOffset
	if dataOffset == 0 {
		dataOffset = uint8((TCPMinHeaderLen + len(padded)) / 4)
	}
	b := make([]byte, int(dataOffset)*4)
	binary.BigEndian.PutUint16(b[0:2], h.SrcPort)
	binary.BigEndian.PutUint16(b[2:4], h.DstPort)
	binary.BigEndian.PutUint32(b[4:8], h.Seq)
	binary.BigEndian.PutUint32(b[8:12], h.Ack)
	b[12] = dataOffset << 4
	b[13] = h.Flags
	binary.BigEndian.PutUint16(b[14:16], h.Window)
	binary.BigEndian.PutUint16(b[16:18], h.Checksum)
	binary.BigEndian.PutUint16(b[18:20], h.UrgentPointer)
	copy(b[20:], padded)
	return b
}

func padTo4(b []byte) []byte {
	if rem := len(b) % 4; rem != 0 {
		b = append(append([]byte(nil), b...), make([]byte, 4-rem)...)
	}
	return b
}

func marshalTCPOptions(o *TCPOptions) []byte {
	var b []byte
	if o.HasMSS {
		b = append(b, TCPOptMSS, 4, byte(o.MSS>>8), byte(o.MSS))
	}
	if o.HasWindowScale {
		b = append(b, TCPOptNOP, TCPOptWindowScale, 3, o.WindowScale)
	}
	if o.SACKPermitted {
		b = append(b, TCPOptNOP, TCPOptNOP, TCPOptSACKPermitted, 2)
	}
	if o.HasTimestamps {
		ts := make([]byte, 12)
		ts[0], ts[1] = TCPOptNOP, TCPOptNOP
		ts[2], ts[3] = TCPOptTimestamps, 10
		binary.BigEndian.PutUint32(ts[4:8], o.TSVal)
		binary.BigEndian.PutUint32(ts[8:12], o.TSEcr)
		b = append(b, ts...)
	}
	return b
}

// UnmarshalTCPHeader parses the fixed header and decodes recognized
// options (MSS, window scale, SACK-permitted, timestamps, NOP, EOL);
// unrecognized option kinds are skipped using their length byte.
func UnmarshalTCPHeader(b []byte) (*TCPHeader, error) {
	if len(b) < TCPMinHeaderLen {
		return nil, fmt.Errorf("wire: tcp header short: have %d bytes, need %d", len(b), TCPMinHeaderLen)
	}
	dataOffset := b[12] >> 4
	hlen := int(dataOffset) * 4
	if hlen < TCPMinHeaderLen {
		return nil, fmt.Errorf("wire: tcp data offset %d below minimum", dataOffset)
	}
	if len(b) < hlen {
		return nil, fmt.Errorf("wire: tcp header declares %d bytes, buffer has %d", hlen, len(b))
	}
	h := &TCPHeader{
		SrcPort:       binary.BigEndian.Uint16(b[0:2]),
		DstPort:       binary.BigEndian.Uint16(b[2:4]),
		Seq:           binary.BigEndian.Uint32(b[4:8]),
		Ack:           binary.BigEndian.Uint32(b[8:12]),
		DataOffset:    dataOffset,
		Flags:         b[13],
		Window:        binary.BigEndian.Uint16(b[14:16]),
		Checksum:      binary.BigEndian.Uint16(b[16:18]),
		UrgentPointer: binary.BigEndian.Uint16(b[18:20]),
	}
	optBytes := append([]byte(nil), b[TCPMinHeaderLen:hlen]...)
	h.Options.Raw = optBytes
	parseTCPOptions(optBytes, &h.Options)
	return h, nil
}

func parseTCPOptions(b []byte, o *TCPOptions) {
	i := 0
	for i < len(b) {
		kind := b[i]
		switch kind {
		case TCPOptEOL:
			return
		case TCPOptNOP:
			i++
			continue
		}
		if i+1 >= len(b) {
			return
		}
		length := int(b[i+1])
		if length < 2 || i+length > len(b) {
			return
		}
		val := b[i+2 : i+length]
		switch kind {
		case TCPOptMSS:
			if len(val) == 2 {
				o.MSS = binary.BigEndian.Uint16(val)
				o.HasMSS = true
			}
		case TCPOptWindowScale:
			if len(val) == 1 {
				o.WindowScale = val[0]
				o.HasWindowScale = true
			}
		case TCPOptSACKPermitted:
			o.SACKPermitted = true
		case TCPOptTimestamps:
			if len(val) == 8 {
				o.TSVal = binary.BigEndian.Uint32(val[0:4])
				o.TSEcr = binary.BigEndian.Uint32(val[4:8])
				o.HasTimestamps = true
			}
		}
		i += length
	}
}
