package pipeline

import (
	"net/netip"
	"testing"

	"github.com/havenwall/dpifrag/pkg/config"
	"github.com/havenwall/dpifrag/pkg/flow"
	"github.com/havenwall/dpifrag/pkg/stats"
)

func testConfigWithHTTPSRule() config.Config {
	cfg := config.Default()
	cfg.Rules = append(cfg.Rules, config.Rule{
		Name:     "test-https",
		Enabled:  true,
		Priority: 10,
		MatchCriteria: config.MatchCriteria{
			DstPorts:  []uint16{443},
			Protocols: []config.Protocol{config.ProtocolTCP},
		},
		Transforms: []config.TransformType{config.TransformFragment, config.TransformPadding},
	})
	return cfg
}

func testFlowKey(dstPort uint16) flow.Key {
	return flow.New(
		netip.MustParseAddr("192.168.1.1"),
		netip.MustParseAddr("8.8.8.8"),
		12345, dstPort, flow.ProtocolTCP,
	)
}

func TestPipelineCreation(t *testing.T) {
	cfg := testConfigWithHTTPSRule()
	if _, err := New(cfg, stats.New(), nil); err != nil {
		t.Fatalf("New returned error: %v", err)
	}
}

func TestPipelineRuleMatching(t *testing.T) {
	cfg := testConfigWithHTTPSRule()
	p, err := New(cfg, stats.New(), nil)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	if rule, ok := p.findMatchingRule(testFlowKey(443)); !ok || rule.Name != "test-https" {
		t.Fatalf("expected test-https to match port 443, got ok=%v rule=%+v", ok, rule)
	}

	if _, ok := p.findMatchingRule(testFlowKey(80)); ok {
		t.Fatal("expected no rule to match port 80")
	}
}

func TestPipelinePassthrough(t *testing.T) {
	cfg := config.Default()
	cfg.Global.Enabled = true

	p, err := New(cfg, stats.New(), nil)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	key := testFlowKey(80)
	data := []byte("test data")

	output := p.Process(key, append([]byte(nil), data...))

	if output.Dropped {
		t.Fatal("expected not dropped")
	}
	if string(output.Primary) != string(data) {
		t.Fatalf("primary = %q, want %q", output.Primary, data)
	}
	if len(output.Additional) != 0 {
		t.Fatal("expected no additional packets")
	}
}

func TestPipelineDisabled(t *testing.T) {
	cfg := config.Default()
	cfg.Global.Enabled = false

	p, err := New(cfg, stats.New(), nil)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	key := testFlowKey(443)
	data := []byte("test data")

	output := p.Process(key, append([]byte(nil), data...))

	if output.Dropped {
		t.Fatal("expected not dropped")
	}
	if string(output.Primary) != string(data) {
		t.Fatalf("primary = %q, want %q", output.Primary, data)
	}
}

func TestPipelineTransformApplication(t *testing.T) {
	cfg := testConfigWithHTTPSRule()
	p, err := New(cfg, stats.New(), nil)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	key := testFlowKey(443)
	data := []byte("This is a longer test message for fragmentation testing")
	originalLen := len(data)

	output := p.Process(key, append([]byte(nil), data...))

	if output.Dropped {
		t.Fatal("expected not dropped")
	}
	if output.MatchedRule == "" {
		t.Fatal("expected a matched rule")
	}

	total := 0
	for _, pkt := range output.AllPackets() {
		total += len(pkt)
	}
	if total < originalLen {
		t.Fatalf("total output length = %d, want >= %d", total, originalLen)
	}
}

func TestPipelineStatsTracking(t *testing.T) {
	cfg := testConfigWithHTTPSRule()
	st := stats.New()
	p, err := New(cfg, st, nil)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	key := testFlowKey(443)
	p.Process(key, []byte("test data"))

	snapshot := st.Snapshot()
	if snapshot.PacketsIn != 1 {
		t.Fatalf("PacketsIn = %d, want 1", snapshot.PacketsIn)
	}
	if snapshot.PacketsOut < 1 {
		t.Fatalf("PacketsOut = %d, want >= 1", snapshot.PacketsOut)
	}
	if snapshot.PacketsMatched != 1 {
		t.Fatalf("PacketsMatched = %d, want 1", snapshot.PacketsMatched)
	}
}

func TestPipelineConfigReload(t *testing.T) {
	cfg := testConfigWithHTTPSRule()
	p, err := New(cfg, stats.New(), nil)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	newCfg := config.Default()
	newCfg.Rules = append(newCfg.Rules, config.Rule{
		Name:     "new-rule",
		Enabled:  true,
		Priority: 20,
		MatchCriteria: config.MatchCriteria{
			DstPorts: []uint16{8080},
		},
		Transforms: []config.TransformType{config.TransformPadding},
	})

	if err := p.ReloadConfig(newCfg); err != nil {
		t.Fatalf("ReloadConfig returned error: %v", err)
	}

	key := flow.New(
		netip.MustParseAddr("192.168.1.1"),
		netip.MustParseAddr("10.0.0.1"),
		12345, 8080, flow.ProtocolTCP,
	)
	rule, ok := p.findMatchingRule(key)
	if !ok || rule.Name != "new-rule" {
		t.Fatalf("expected new-rule to match, got ok=%v rule=%+v", ok, rule)
	}
}

func TestRulePriority(t *testing.T) {
	cfg := config.Default()
	cfg.Rules = append(cfg.Rules,
		config.Rule{
			Name:       "catch-all",
			Enabled:    true,
			Priority:   0,
			Transforms: []config.TransformType{config.TransformPadding},
		},
		config.Rule{
			Name:     "specific",
			Enabled:  true,
			Priority: 100,
			MatchCriteria: config.MatchCriteria{
				DstPorts: []uint16{443},
			},
			Transforms: []config.TransformType{config.TransformFragment},
		},
	)

	p, err := New(cfg, stats.New(), nil)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	rule, ok := p.findMatchingRule(testFlowKey(443))
	if !ok || rule.Name != "specific" {
		t.Fatalf("expected specific to win by priority, got ok=%v rule=%+v", ok, rule)
	}
}

func TestIPMatching(t *testing.T) {
	cfg := config.Default()
	cfg.Rules = append(cfg.Rules, config.Rule{
		Name:     "google-dns",
		Enabled:  true,
		Priority: 10,
		MatchCriteria: config.MatchCriteria{
			DstIP: []string{"8.8.8.0/24"},
		},
		Transforms: []config.TransformType{config.TransformPadding},
	})

	p, err := New(cfg, stats.New(), nil)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	key1 := flow.New(
		netip.MustParseAddr("192.168.1.1"),
		netip.MustParseAddr("8.8.8.8"),
		12345, 53, flow.ProtocolUDP,
	)
	if _, ok := p.findMatchingRule(key1); !ok {
		t.Fatal("expected key1 to match google-dns")
	}

	key2 := flow.New(
		netip.MustParseAddr("192.168.1.1"),
		netip.MustParseAddr("1.1.1.1"),
		12345, 53, flow.ProtocolUDP,
	)
	if _, ok := p.findMatchingRule(key2); ok {
		t.Fatal("expected key2 not to match google-dns")
	}
}
