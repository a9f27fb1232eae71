package flow

import (
	"net/netip"
	"testing"
	"time"
)

func testKey() Key {
	return New(
		netip.MustParseAddr("192.168.1.1"),
		netip.MustParseAddr("8.8.8.8"),
		12345, 443, ProtocolTCP,
	)
}

func TestKeyReverse(t *testing.T) {
	k := testKey()
	r := k.Reverse()

	if r.SrcIP != k.DstIP || r.DstIP != k.SrcIP {
		t.Fatal("Reverse did not swap IPs")
	}
	if r.SrcPort != k.DstPort || r.DstPort != k.SrcPort {
		t.Fatal("Reverse did not swap ports")
	}
	if r.Protocol != k.Protocol {
		t.Fatal("Reverse changed protocol")
	}
}

func TestCacheGetOrCreate(t *testing.T) {
	c := NewCache(10, time.Minute)
	k := testKey()

	s1 := c.GetOrCreate(k)
	if s1.PacketCount != 0 {
		t.Fatal("expected fresh state to have PacketCount 0")
	}

	s1.Update(100)
	c.Update(s1)

	s2 := c.GetOrCreate(k)
	if s2.PacketCount != 1 {
		t.Fatalf("expected PacketCount 1 after update, got %d", s2.PacketCount)
	}
}

func TestCacheEvictsOldestWhenFull(t *testing.T) {
	c := NewCache(2, time.Minute)

	k1 := New(netip.MustParseAddr("10.0.0.1"), netip.MustParseAddr("10.0.0.2"), 1, 2, ProtocolTCP)
	k2 := New(netip.MustParseAddr("10.0.0.1"), netip.MustParseAddr("10.0.0.3"), 1, 2, ProtocolTCP)
	k3 := New(netip.MustParseAddr("10.0.0.1"), netip.MustParseAddr("10.0.0.4"), 1, 2, ProtocolTCP)

	s1 := c.GetOrCreate(k1)
	c.Update(s1)
	time.Sleep(time.Millisecond)
	s2 := c.GetOrCreate(k2)
	c.Update(s2)

	stats := c.Stats()
	if stats.ActiveFlows != 2 {
		t.Fatalf("expected 2 active flows, got %d", stats.ActiveFlows)
	}

	s3 := c.GetOrCreate(k3)
	c.Update(s3)

	stats = c.Stats()
	if stats.ActiveFlows != 2 {
		t.Fatalf("expected eviction to keep flows at 2, got %d", stats.ActiveFlows)
	}
}

func TestCacheCleanupEvictsIdleFlows(t *testing.T) {
	c := NewCache(10, 10*time.Millisecond)
	k := testKey()
	s := c.GetOrCreate(k)
	c.Update(s)

	time.Sleep(20 * time.Millisecond)

	evicted := c.Cleanup()
	if evicted != 1 {
		t.Fatalf("expected 1 eviction, got %d", evicted)
	}
	if !c.IsEmpty() {
		t.Fatal("expected cache to be empty after cleanup")
	}
}

func TestContextEmitAndDelay(t *testing.T) {
	k := testKey()
	s := NewState(k)
	ctx := NewContext(k, s, "")

	ctx.Emit([]byte("extra"))
	if len(ctx.OutputPackets) != 1 {
		t.Fatal("expected one emitted packet")
	}

	ctx.RequestDelay(5 * time.Millisecond)
	if !ctx.HasDelay() || ctx.Delay != 5*time.Millisecond {
		t.Fatal("expected delay to be recorded")
	}

	ctx.MarkDrop()
	if !ctx.Drop {
		t.Fatal("expected Drop to be set")
	}
}
