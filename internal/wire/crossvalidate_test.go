package wire

import (
	"net"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// These tests cross-validate this package's hand-written Marshal/
// Unmarshal against google/gopacket's independent implementation, the
// way the teacher's root module pulls in both google/gopacket and
// gopacket/gopacket directly. They exist purely as a second, trusted
// opinion on wire-format correctness — production code never imports
// gopacket.

func TestIPv4HeaderDecodesWithGopacket(t *testing.T) {
	h := &IPv4Header{
		Version:     4,
		IHL:         5,
		TOS:         0,
		TotalLength: 20 + 8,
		ID:          0xbeef,
		DF:          true,
		TTL:         64,
		Protocol:    17,
		Src:         [4]byte{10, 0, 0, 1},
		Dst:         [4]byte{10, 0, 0, 2},
	}
	b := h.Marshal()

	pkt := gopacket.NewPacket(b, layers.LayerTypeIPv4, gopacket.NoCopy)
	ipLayer := pkt.Layer(layers.LayerTypeIPv4)
	if ipLayer == nil {
		t.Fatal("gopacket failed to decode our IPv4 header as IPv4")
	}
	gp := ipLayer.(*layers.IPv4)
	if gp.Version != h.Version {
		t.Errorf("version mismatch: gopacket=%d ours=%d", gp.Version, h.Version)
	}
	if gp.TTL != h.TTL {
		t.Errorf("ttl mismatch: gopacket=%d ours=%d", gp.TTL, h.TTL)
	}
	if gp.Id != h.ID {
		t.Errorf("id mismatch: gopacket=%d ours=%d", gp.Id, h.ID)
	}
	if !gp.SrcIP.Equal(net.IP(h.Src[:])) {
		t.Errorf("src mismatch: gopacket=%v ours=%v", gp.SrcIP, h.Src)
	}
	if gp.Flags&layers.IPv4DontFragment == 0 {
		t.Errorf("expected DF set in gopacket decode")
	}
}

func TestIPv4HeaderEncodedByGopacketDecodesWithOurs(t *testing.T) {
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      33,
		Id:       0x1234,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    net.IPv4(192, 168, 1, 10),
		DstIP:    net.IPv4(192, 168, 1, 20),
		Length:   28,
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: false, ComputeChecksums: false}
	if err := gopacket.SerializeLayers(buf, opts, ip); err != nil {
		t.Fatalf("gopacket serialize: %v", err)
	}

	ours, err := UnmarshalIPv4Header(buf.Bytes())
	if err != nil {
		t.Fatalf("our UnmarshalIPv4Header rejected gopacket-built header: %v", err)
	}
	if ours.TTL != 33 {
		t.Errorf("ttl = %d, want 33", ours.TTL)
	}
	if net.IP(ours.Src[:]).String() != "192.168.1.10" {
		t.Errorf("src = %v, want 192.168.1.10", net.IP(ours.Src[:]))
	}
}

func TestARPPacketDecodesWithGopacket(t *testing.T) {
	p := &ARPPacket{
		Operation: ARPRequest,
		SHA:       [6]byte{0x02, 0x00, 0x00, 0x00, 0x00, 0x10},
		SPA:       [4]byte{192, 168, 1, 10},
		THA:       [6]byte{0, 0, 0, 0, 0, 0},
		TPA:       [4]byte{192, 168, 1, 20},
	}
	b := p.Marshal()

	pkt := gopacket.NewPacket(b, layers.LayerTypeARP, gopacket.NoCopy)
	arpLayer := pkt.Layer(layers.LayerTypeARP)
	if arpLayer == nil {
		t.Fatal("gopacket failed to decode our ARP packet")
	}
	gp := arpLayer.(*layers.ARP)
	if gp.Operation != uint16(ARPRequest) {
		t.Errorf("operation mismatch: gopacket=%d ours=%d", gp.Operation, ARPRequest)
	}
	if !net.IP(gp.SourceProtAddress).Equal(net.IP(p.SPA[:])) {
		t.Errorf("SPA mismatch: gopacket=%v ours=%v", gp.SourceProtAddress, p.SPA)
	}
	if !net.IP(gp.DstProtAddress).Equal(net.IP(p.TPA[:])) {
		t.Errorf("TPA mismatch: gopacket=%v ours=%v", gp.DstProtAddress, p.TPA)
	}
}
