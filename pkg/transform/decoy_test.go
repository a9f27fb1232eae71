package transform

import (
	"testing"

	"github.com/havenwall/dpifrag/pkg/config"
)

func sampleIPv4Packet() []byte {
	pkt := make([]byte, 24)
	pkt[0] = 0x45
	pkt[8] = 64
	pkt[4] = 0xAB
	pkt[5] = 0xCD
	for i := 20; i < len(pkt); i++ {
		pkt[i] = byte(i)
	}
	return pkt
}

func TestDecoyDisabled(t *testing.T) {
	params := config.DecoyParams{Probability: 0.5, SendBefore: false, SendAfter: false}
	tr := NewDecoy(params)

	ctx := testContext()
	data := sampleIPv4Packet()
	original := append([]byte(nil), data...)

	result, err := tr.Apply(ctx, &data)
	if err != nil {
		t.Fatalf("Apply returned error: %v", err)
	}
	if result.Outcome != Continue {
		t.Fatalf("outcome = %v, want Continue", result.Outcome)
	}
	if len(ctx.OutputPackets) != 0 {
		t.Fatal("expected no emitted packets")
	}
	if string(data) != string(original) {
		t.Fatal("expected data unchanged")
	}
}

func TestDecoyProbabilityZero(t *testing.T) {
	params := config.DecoyParams{Probability: 0, SendAfter: true}
	tr := NewDecoy(params)

	ctx := testContext()
	data := sampleIPv4Packet()

	result, err := tr.Apply(ctx, &data)
	if err != nil {
		t.Fatalf("Apply returned error: %v", err)
	}
	if result.Outcome != Continue {
		t.Fatalf("outcome = %v, want Continue", result.Outcome)
	}
	if len(ctx.OutputPackets) != 0 {
		t.Fatal("expected no emitted packets when probability is zero")
	}
}

func TestDecoySendAfter(t *testing.T) {
	params := config.DecoyParams{Probability: 1.0, SendAfter: true, TTL: 1}
	tr := NewDecoy(params)

	ctx := testContext()
	original := sampleIPv4Packet()
	data := append([]byte(nil), original...)

	result, err := tr.Apply(ctx, &data)
	if err != nil {
		t.Fatalf("Apply returned error: %v", err)
	}
	if result.Outcome != Fragmented {
		t.Fatalf("outcome = %v, want Fragmented", result.Outcome)
	}
	if string(data) != string(original) {
		t.Fatal("expected primary packet unmodified under send_after")
	}
	if len(ctx.OutputPackets) != 1 {
		t.Fatalf("expected 1 emitted decoy packet, got %d", len(ctx.OutputPackets))
	}
	if ctx.OutputPackets[0][8] != 1 {
		t.Fatalf("decoy TTL = %d, want 1", ctx.OutputPackets[0][8])
	}
}

func TestDecoySendBefore(t *testing.T) {
	params := config.DecoyParams{Probability: 1.0, SendBefore: true, TTL: 5}
	tr := NewDecoy(params)

	ctx := testContext()
	original := sampleIPv4Packet()
	data := append([]byte(nil), original...)

	result, err := tr.Apply(ctx, &data)
	if err != nil {
		t.Fatalf("Apply returned error: %v", err)
	}
	if result.Outcome != Fragmented {
		t.Fatalf("outcome = %v, want Fragmented", result.Outcome)
	}
	if data[8] != 5 {
		t.Fatalf("expected primary packet swapped to decoy (TTL 5), got %d", data[8])
	}
	if len(ctx.OutputPackets) != 1 {
		t.Fatalf("expected 1 emitted real packet, got %d", len(ctx.OutputPackets))
	}
	if string(ctx.OutputPackets[0]) != string(original) {
		t.Fatal("expected emitted packet to be the original real packet")
	}
}

func TestCreateDecoyModifiesPacket(t *testing.T) {
	params := config.DecoyParams{TTL: 200}
	tr := NewDecoy(params)

	original := sampleIPv4Packet()
	decoy := tr.createDecoy(original)
	if decoy == nil {
		t.Fatal("expected a decoy packet")
	}
	if decoy[8] != 200 {
		t.Fatalf("decoy TTL = %d, want 200", decoy[8])
	}
	if decoy[4] == original[4] && decoy[5] == original[5] {
		t.Fatal("expected decoy IP ID to differ from original")
	}
}

func TestDecoySmallPacketNoDecoy(t *testing.T) {
	params := config.DecoyParams{Probability: 1.0, SendAfter: true, TTL: 1}
	tr := NewDecoy(params)

	ctx := testContext()
	data := []byte{0x45, 0x00}

	result, err := tr.Apply(ctx, &data)
	if err != nil {
		t.Fatalf("Apply returned error: %v", err)
	}
	if result.Outcome != Continue {
		t.Fatalf("outcome = %v, want Continue", result.Outcome)
	}
	if len(ctx.OutputPackets) != 0 {
		t.Fatal("expected no decoy emitted for undersized packet")
	}
}
