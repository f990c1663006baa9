package wire

import (
	"reflect"
	"testing"
)

func TestIPv4HeaderRoundTrip(t *testing.T) {
	h := &IPv4Header{
		Version: 4, IHL: 5, TOS: 0x10, TotalLength: 40, ID: 0x4242,
		DF: true, MF: false, FragOffset: 0, TTL: 64, Protocol: 6,
		Src: [4]byte{192, 168, 1, 1}, Dst: [4]byte{192, 168, 1, 2},
	}
	b := h.Marshal()
	got, err := UnmarshalIPv4Header(b)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !reflect.DeepEqual(h, got) {
		t.Fatalf("round trip mismatch:\n in=%+v\nout=%+v", h, got)
	}
}

func TestIPv4HeaderRejectsShortIHL(t *testing.T) {
	b := make([]byte, 20)
	b[0] = (4 << 4) | 4 // IHL=4, below the 5-word minimum
	if _, err := UnmarshalIPv4Header(b); err == nil {
		t.Fatal("expected error for IHL=4")
	}
}

func TestIPv4HeaderWithOptionsRoundTrip(t *testing.T) {
	h := &IPv4Header{
		Version: 4, IHL: 6, TotalLength: 24, TTL: 1, Protocol: 1,
		Src: [4]byte{1, 1, 1, 1}, Dst: [4]byte{2, 2, 2, 2},
		Options: []byte{0x01, 0x01, 0x01, 0x01},
	}
	b := h.Marshal()
	if len(b) != 24 {
		t.Fatalf("len(b) = %d, want 24", len(b))
	}
	got, err := UnmarshalIPv4Header(b)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.HeaderLen() != 24 {
		t.Fatalf("HeaderLen() = %d, want 24", got.HeaderLen())
	}
}

func TestARPRoundTrip(t *testing.T) {
	p := &ARPPacket{
		Operation: ARPReply,
		SHA:       [6]byte{0x02, 0, 0, 0, 0, 0x20},
		SPA:       [4]byte{192, 168, 1, 20},
		THA:       [6]byte{0x02, 0, 0, 0, 0, 0x10},
		TPA:       [4]byte{192, 168, 1, 10},
	}
	got, err := UnmarshalARPPacket(p.Marshal())
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !reflect.DeepEqual(p, got) {
		t.Fatalf("round trip mismatch:\n in=%+v\nout=%+v", p, got)
	}
}

func TestARPRejectsWrongHType(t *testing.T) {
	b := (&ARPPacket{Operation: ARPRequest}).Marshal()
	b[1] = 0x06 // corrupt HTYPE low byte away from 1 (Ethernet)
	if _, err := UnmarshalARPPacket(b); err == nil {
		t.Fatal("expected rejection of bad htype")
	}
}

func TestTCPHeaderRoundTripWithOptions(t *testing.T) {
	h := &TCPHeader{
		SrcPort: 1000, DstPort: 80, Seq: 111, Ack: 222,
		Flags: TCPFlagSYN, Window: 65535,
		Options: TCPOptions{
			HasMSS: true, MSS: 1460,
			HasWindowScale: true, WindowScale: 7,
			SACKPermitted: true,
		},
	}
	b := h.Marshal()
	got, err := UnmarshalTCPHeader(b)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.SrcPort != 1000 || got.DstPort != 80 || got.Seq != 111 || got.Ack != 222 {
		t.Fatalf("fixed fields mismatch: %+v", got)
	}
	if !got.Options.HasMSS || got.Options.MSS != 1460 {
		t.Fatalf("MSS option lost: %+v", got.Options)
	}
	if !got.Options.HasWindowScale || got.Options.WindowScale != 7 {
		t.Fatalf("window scale option lost: %+v", got.Options)
	}
	if !got.Options.SACKPermitted {
		t.Fatalf("SACK-permitted option lost: %+v", got.Options)
	}
	if got.HeaderLen()%4 != 0 {
		t.Fatalf("header length %d not a multiple of 4", got.HeaderLen())
	}
}

func TestTCPHeaderRejectsShortDataOffset(t *testing.T) {
	b := make([]byte, 20)
	b[12] = 4 << 4 // data offset 4, below the 5-word minimum
	if _, err := UnmarshalTCPHeader(b); err == nil {
		t.Fatal("expected error for data offset 4")
	}
}

func TestICMPEchoRoundTrip(t *testing.T) {
	m := &ICMPMessage{
		Type: ICMPTypeEchoRequest, Identifier: 0x1234, Sequence: 1,
		Body: []byte("AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"),
	}
	got, err := UnmarshalICMPMessage(m.Marshal())
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !reflect.DeepEqual(m, got) {
		t.Fatalf("round trip mismatch:\n in=%+v\nout=%+v", m, got)
	}
}

func TestIsErrorExcludesQueries(t *testing.T) {
	if IsError(ICMPTypeEchoRequest) {
		t.Fatal("echo request must not be classified as an error message")
	}
	if !IsError(ICMPTypeDestUnreach) || !IsError(ICMPTypeTimeExceeded) || !IsError(ICMPTypeParamProblem) {
		t.Fatal("dest-unreachable/time-exceeded/param-problem must be classified as error messages")
	}
}
