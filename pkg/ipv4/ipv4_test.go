package ipv4

import "testing"

func samplePacket() []byte {
	pkt := make([]byte, 40)
	pkt[0] = 0x45
	pkt[4] = 0x12
	pkt[5] = 0x34
	pkt[8] = 64
	pkt[9] = 6
	pkt[12], pkt[13], pkt[14], pkt[15] = 10, 0, 0, 1
	pkt[16], pkt[17], pkt[18], pkt[19] = 10, 0, 0, 2
	// TCP segment
	pkt[20], pkt[21] = 0x1F, 0x90 // src port 8080
	pkt[22], pkt[23] = 0x01, 0xBB // dst port 443
	pkt[34], pkt[35] = 0x20, 0x00 // window
	return pkt
}

func TestParseValid(t *testing.T) {
	h, ok := Parse(samplePacket())
	if !ok {
		t.Fatal("expected valid header")
	}
	if h.TTL() != 64 {
		t.Fatalf("TTL = %d, want 64", h.TTL())
	}
	if h.Protocol() != 6 {
		t.Fatalf("protocol = %d, want 6", h.Protocol())
	}
	if !h.IsTCP() {
		t.Fatal("expected IsTCP")
	}
	if h.ID() != 0x1234 {
		t.Fatalf("ID = %#x, want 0x1234", h.ID())
	}
}

func TestParseRejectsShortBuffer(t *testing.T) {
	if _, ok := Parse([]byte{0x45, 0x00}); ok {
		t.Fatal("expected short buffer to be rejected")
	}
}

func TestParseRejectsNonIPv4(t *testing.T) {
	pkt := samplePacket()
	pkt[0] = 0x60
	if _, ok := Parse(pkt); ok {
		t.Fatal("expected IPv6 version nibble to be rejected")
	}
}

func TestSetTTLAndID(t *testing.T) {
	pkt := samplePacket()
	h, ok := Parse(pkt)
	if !ok {
		t.Fatal("expected valid header")
	}
	h.SetTTL(10)
	if pkt[8] != 10 {
		t.Fatalf("TTL not written through, got %d", pkt[8])
	}
	h.SetID(0xBEEF)
	if h.ID() != 0xBEEF {
		t.Fatalf("ID = %#x, want 0xBEEF", h.ID())
	}
	h.XORID(0xFFFF)
	if h.ID() != 0xBEEF^0xFFFF {
		t.Fatalf("XORID produced %#x", h.ID())
	}
}

func TestTCPSegment(t *testing.T) {
	pkt := samplePacket()
	h, _ := Parse(pkt)
	tcp, ok := TCPSegment(h)
	if !ok {
		t.Fatal("expected a TCP segment")
	}
	if tcp.SrcPort() != 8080 {
		t.Fatalf("src port = %d, want 8080", tcp.SrcPort())
	}
	if tcp.DstPort() != 443 {
		t.Fatalf("dst port = %d, want 443", tcp.DstPort())
	}
	tcp.SetWindow(0xFFFF)
	if tcp.Window() != 0xFFFF {
		t.Fatalf("window = %#x, want 0xFFFF", tcp.Window())
	}
}

func TestTCPSegmentRejectsNonTCP(t *testing.T) {
	pkt := samplePacket()
	pkt[9] = 17 // UDP
	h, _ := Parse(pkt)
	if _, ok := TCPSegment(h); ok {
		t.Fatal("expected UDP packet to be rejected for TCPSegment")
	}
}
