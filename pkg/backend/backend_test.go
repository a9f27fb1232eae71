package backend

import (
	"context"
	"testing"

	"github.com/havenwall/dpifrag/pkg/flow"
)

func sampleTCPPacket() []byte {
	pkt := make([]byte, 40)
	pkt[0] = 0x45
	pkt[9] = 6 // TCP
	pkt[12], pkt[13], pkt[14], pkt[15] = 192, 168, 0, 1
	pkt[16], pkt[17], pkt[18], pkt[19] = 192, 168, 0, 2
	pkt[20], pkt[21] = 0x00, 0x50 // src port 80
	pkt[22], pkt[23] = 0x01, 0xBB // dst port 443
	return pkt
}

func TestKeyFromIPv4(t *testing.T) {
	key, ok := KeyFromIPv4(sampleTCPPacket())
	if !ok {
		t.Fatal("expected a valid key")
	}
	if key.Protocol != flow.ProtocolTCP {
		t.Fatalf("proto = %v, want TCP", key.Protocol)
	}
	if key.SrcPort != 80 || key.DstPort != 443 {
		t.Fatalf("ports = %d/%d, want 80/443", key.SrcPort, key.DstPort)
	}
}

func TestKeyFromIPv4RejectsMalformed(t *testing.T) {
	if _, ok := KeyFromIPv4([]byte{0x01, 0x02}); ok {
		t.Fatal("expected malformed packet to be rejected")
	}
}

func TestTUNBackendStartFails(t *testing.T) {
	b := NewTUNBackend("tun0")
	if err := b.Start(context.Background()); err == nil {
		t.Fatal("expected TUNBackend.Start to report unsupported")
	}
	if err := b.Stop(); err != nil {
		t.Fatalf("Stop returned error: %v", err)
	}
	if b.Stats() == nil {
		t.Fatal("expected a non-nil Stats block")
	}
}
