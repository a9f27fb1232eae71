package transform

import (
	"testing"

	"github.com/havenwall/dpifrag/pkg/config"
)

func sampleIPv4TCPPacket() []byte {
	pkt := make([]byte, 40)
	pkt[0] = 0x45 // version 4, IHL 5
	pkt[8] = 64   // TTL
	pkt[9] = 6    // protocol TCP
	pkt[4] = 0x12
	pkt[5] = 0x34
	// TCP window at offset 20+14
	pkt[20+14] = 0x10
	pkt[20+15] = 0x00
	return pkt
}

func TestNormalizeTTL(t *testing.T) {
	params := config.HeaderParams{NormalizeTTL: true, TTLValue: 128}
	tr := NewHeaderNormalization(params)

	ctx := testContext()
	data := sampleIPv4TCPPacket()

	if _, err := tr.Apply(ctx, &data); err != nil {
		t.Fatalf("Apply returned error: %v", err)
	}
	if data[8] != 128 {
		t.Fatalf("TTL = %d, want 128", data[8])
	}
}

func TestRandomizeIPID(t *testing.T) {
	params := config.HeaderParams{RandomizeIPID: true}
	tr := NewHeaderNormalization(params)

	ctx := testContext()
	ctx.State.PacketCount = 7
	data := sampleIPv4TCPPacket()
	original4, original5 := data[4], data[5]

	if _, err := tr.Apply(ctx, &data); err != nil {
		t.Fatalf("Apply returned error: %v", err)
	}
	if data[4] == original4 && data[5] == original5 {
		t.Fatal("expected IP ID to change")
	}
}

func TestNormalizeWindow(t *testing.T) {
	params := config.HeaderParams{NormalizeWindow: true}
	tr := NewHeaderNormalization(params)

	ctx := testContext()
	data := sampleIPv4TCPPacket()

	if _, err := tr.Apply(ctx, &data); err != nil {
		t.Fatalf("Apply returned error: %v", err)
	}
	if data[20+14] != 0xFF || data[20+15] != 0xFF {
		t.Fatalf("TCP window = %#x%#x, want 0xFFFF", data[20+14], data[20+15])
	}
}

func TestSmallPacketIgnored(t *testing.T) {
	params := config.HeaderParams{NormalizeTTL: true, TTLValue: 1, NormalizeWindow: true}
	tr := NewHeaderNormalization(params)

	ctx := testContext()
	data := []byte{0x45, 0x00, 0x00}

	result, err := tr.Apply(ctx, &data)
	if err != nil {
		t.Fatalf("Apply returned error: %v", err)
	}
	if result.Outcome != Continue {
		t.Fatalf("outcome = %v, want Continue", result.Outcome)
	}
	if data[0] != 0x45 {
		t.Fatal("expected short packet left untouched")
	}
}

func TestNonIPv4Ignored(t *testing.T) {
	params := config.HeaderParams{NormalizeTTL: true, TTLValue: 1}
	tr := NewHeaderNormalization(params)

	ctx := testContext()
	data := sampleIPv4TCPPacket()
	data[0] = 0x60 // version 6

	if _, err := tr.Apply(ctx, &data); err != nil {
		t.Fatalf("Apply returned error: %v", err)
	}
	if data[8] == 1 {
		t.Fatal("expected non-IPv4 packet left untouched")
	}
}
