// Package pipeline matches flows against the configured rule table and runs
// the resulting transform chain, producing the packets to actually send.
package pipeline

import (
	"log/slog"
	"net/netip"
	"sort"
	"sync"
	"time"

	"github.com/havenwall/dpifrag/pkg/config"
	apperrors "github.com/havenwall/dpifrag/pkg/errors"
	"github.com/havenwall/dpifrag/pkg/flow"
	"github.com/havenwall/dpifrag/pkg/stats"
	"github.com/havenwall/dpifrag/pkg/transform"
)

// Output is the result of running one packet through the pipeline.
type Output struct {
	Primary     []byte
	Additional  [][]byte
	Delay       time.Duration
	Dropped     bool
	MatchedRule string
}

// Dropped builds an Output representing a discarded packet.
func Dropped() Output {
	return Output{Dropped: true}
}

// Passthrough builds an Output for a packet that bypassed the pipeline
// unmodified (globally disabled, or no rule matched).
func Passthrough(data []byte) Output {
	return Output{Primary: data}
}

// AllPackets returns every packet the pipeline produced, primary first.
func (o Output) AllPackets() [][]byte {
	packets := make([][]byte, 0, 1+len(o.Additional))
	if o.Primary != nil {
		packets = append(packets, o.Primary)
	}
	packets = append(packets, o.Additional...)
	return packets
}

// compiledRule is a Rule with its IP match criteria pre-parsed into
// netip.Prefix so Process doesn't reparse CIDR strings per packet.
type compiledRule struct {
	rule    config.Rule
	dstNets []netip.Prefix
	srcNets []netip.Prefix
}

func compileIPList(ips []string) ([]netip.Prefix, error) {
	if len(ips) == 0 {
		return nil, nil
	}
	nets := make([]netip.Prefix, 0, len(ips))
	for _, s := range ips {
		if p, err := netip.ParsePrefix(s); err == nil {
			nets = append(nets, p)
			continue
		}
		addr, err := netip.ParseAddr(s)
		if err != nil {
			return nil, apperrors.NewConfigInvalid("invalid IP: " + s)
		}
		nets = append(nets, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return nets, nil
}

func compileRule(rule config.Rule) (compiledRule, error) {
	dstNets, err := compileIPList(rule.MatchCriteria.DstIP)
	if err != nil {
		return compiledRule{}, err
	}
	srcNets, err := compileIPList(rule.MatchCriteria.SrcIP)
	if err != nil {
		return compiledRule{}, err
	}
	return compiledRule{rule: rule, dstNets: dstNets, srcNets: srcNets}, nil
}

func (c compiledRule) matches(key flow.Key) bool {
	criteria := c.rule.MatchCriteria

	if len(criteria.Protocols) > 0 && !containsProtocol(criteria.Protocols, key.Protocol) {
		return false
	}
	if len(criteria.DstPorts) > 0 && !containsPort(criteria.DstPorts, key.DstPort) {
		return false
	}
	if len(criteria.SrcPorts) > 0 && !containsPort(criteria.SrcPorts, key.SrcPort) {
		return false
	}
	if len(c.dstNets) > 0 && !anyContains(c.dstNets, key.DstIP) {
		return false
	}
	if len(c.srcNets) > 0 && !anyContains(c.srcNets, key.SrcIP) {
		return false
	}
	return true
}

func containsProtocol(protocols []config.Protocol, p flow.Protocol) bool {
	var want config.Protocol
	switch p {
	case flow.ProtocolTCP:
		want = config.ProtocolTCP
	case flow.ProtocolUDP:
		want = config.ProtocolUDP
	case flow.ProtocolICMP:
		want = config.ProtocolICMP
	}
	for _, proto := range protocols {
		if proto == want {
			return true
		}
	}
	return false
}

func containsPort(ports []uint16, port uint16) bool {
	for _, p := range ports {
		if p == port {
			return true
		}
	}
	return false
}

func anyContains(nets []netip.Prefix, addr netip.Addr) bool {
	for _, n := range nets {
		if n.Contains(addr) {
			return true
		}
	}
	return false
}

// Pipeline holds a reloadable Config, the flow cache it drives, the
// registered transform instances, and the compiled, priority-sorted rule
// table. All three reloadable pieces are guarded by their own RWMutex so a
// config reload never blocks an in-flight Process call for longer than a
// single field swap.
type Pipeline struct {
	mu     sync.RWMutex
	config config.Config

	flowCache *flow.Cache
	stats     *stats.Stats

	transformsMu sync.RWMutex
	transforms   map[config.TransformType]transform.Transform

	rulesMu sync.RWMutex
	rules   []compiledRule

	logger *slog.Logger
}

// New builds a Pipeline from cfg, validating it first.
func New(cfg config.Config, st *stats.Stats, logger *slog.Logger) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	rules, err := compileRules(cfg.Rules)
	if err != nil {
		return nil, err
	}

	timeout := time.Duration(cfg.Limits.FlowTimeoutSec) * time.Second
	p := &Pipeline{
		config:     cfg,
		flowCache:  flow.NewCache(cfg.Limits.MaxFlows, timeout),
		stats:      st,
		transforms: createTransforms(cfg.Transforms),
		rules:      rules,
		logger:     logger,
	}
	return p, nil
}

func createTransforms(params config.TransformParams) map[config.TransformType]transform.Transform {
	m := make(map[config.TransformType]transform.Transform, 6)
	for _, t := range transform.CreateAll(params) {
		m[config.TransformType(t.Name())] = t
	}
	return m
}

func compileRules(rules []config.Rule) ([]compiledRule, error) {
	compiled := make([]compiledRule, 0, len(rules))
	for _, r := range rules {
		if !r.Enabled {
			continue
		}
		c, err := compileRule(r)
		if err != nil {
			return nil, err
		}
		compiled = append(compiled, c)
	}
	sort.SliceStable(compiled, func(i, j int) bool {
		return compiled[i].rule.Priority > compiled[j].rule.Priority
	})
	return compiled, nil
}

// ReloadConfig atomically swaps in a new validated Config, recompiling its
// transforms and rule table.
func (p *Pipeline) ReloadConfig(cfg config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	newTransforms := createTransforms(cfg.Transforms)
	newRules, err := compileRules(cfg.Rules)
	if err != nil {
		return err
	}

	p.transformsMu.Lock()
	p.transforms = newTransforms
	p.transformsMu.Unlock()

	p.rulesMu.Lock()
	p.rules = newRules
	p.rulesMu.Unlock()

	p.mu.Lock()
	p.config = cfg
	p.mu.Unlock()

	p.logger.Debug("configuration reloaded successfully")
	return nil
}

// Config returns the pipeline's current configuration.
func (p *Pipeline) Config() config.Config {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.config
}

func (p *Pipeline) findMatchingRule(key flow.Key) (config.Rule, bool) {
	p.rulesMu.RLock()
	defer p.rulesMu.RUnlock()
	for _, c := range p.rules {
		if c.matches(key) {
			p.logger.Debug("matched rule", "flow", key, "rule", c.rule.Name)
			return c.rule, true
		}
	}
	return config.Rule{}, false
}

// Process runs data (one packet of a flow identified by key) through the
// pipeline: rule lookup, transform chain, and bookkeeping. The returned
// Output's Primary points at data reassigned to whatever each transform
// left behind; data itself must not be reused by the caller afterward.
func (p *Pipeline) Process(key flow.Key, data []byte) Output {
	cfg := p.Config()

	if !cfg.Global.Enabled {
		return Passthrough(data)
	}

	p.stats.RecordPacketIn(len(data))

	state := p.flowCache.GetOrCreate(key)
	isNewFlow := state.PacketCount == 0
	if isNewFlow {
		p.stats.RecordFlowCreated()
	}

	rule, matched := p.findMatchingRule(key)
	if matched {
		p.stats.RecordMatch()
	} else {
		state.Update(len(data))
		p.flowCache.Update(state)
		return Passthrough(data)
	}

	ctx := flow.NewContext(key, state, rule.Name)

	p.transformsMu.RLock()
	transforms := p.transforms
	p.transformsMu.RUnlock()

	for _, transformType := range rule.Transforms {
		if !p.transformEnabled(cfg.Global, transformType) {
			continue
		}

		tr, ok := transforms[transformType]
		if !ok {
			p.logger.Warn("transform not found", "transform", transformType)
			continue
		}

		p.logger.Debug("applying transform", "transform", tr.Name(), "flow", key)

		result, err := tr.Apply(ctx, &data)
		if err != nil {
			p.stats.RecordTransformError()
			p.logger.Warn("transform error", "transform", tr.Name(), "error", err)
			continue
		}

		switch result.Outcome {
		case transform.Continue:
		case transform.Fragmented:
			p.stats.RecordTransform()
			p.stats.RecordFragments(uint32(len(ctx.OutputPackets) + 1))
		case transform.Delay:
			p.stats.RecordTransform()
			if ctx.HasDelay() {
				p.stats.RecordJitter(uint64(ctx.Delay / time.Millisecond))
			}
		case transform.Drop:
			ctx.MarkDrop()
		case transform.Skip:
		case transform.Errored:
			p.stats.RecordTransformError()
			p.logger.Warn("transform error", "transform", tr.Name(), "error", result.Message)
		}

		if result.Outcome == transform.Drop || result.Outcome == transform.Skip {
			break
		}
	}

	ctx.State.Update(len(data))
	ctx.State.MatchedRule = rule.Name

	shouldDrop := ctx.Drop
	outputPackets := ctx.OutputPackets
	delay := ctx.Delay

	p.flowCache.Update(state)

	if shouldDrop {
		p.stats.RecordDrop()
		return Dropped()
	}

	p.stats.RecordPacketOut(len(data))
	for _, pkt := range outputPackets {
		p.stats.RecordPacketOut(len(pkt))
	}

	return Output{
		Primary:     data,
		Additional:  outputPackets,
		Delay:       delay,
		Dropped:     false,
		MatchedRule: rule.Name,
	}
}

func (p *Pipeline) transformEnabled(global config.GlobalConfig, t config.TransformType) bool {
	switch t {
	case config.TransformFragment:
		return global.EnableFragmentation
	case config.TransformJitter:
		return global.EnableJitter
	case config.TransformPadding:
		return global.EnablePadding
	case config.TransformHeaderNormalization:
		return global.EnableHeaderNormalization
	default:
		return true
	}
}

// FlowCache returns the pipeline's flow cache.
func (p *Pipeline) FlowCache() *flow.Cache {
	return p.flowCache
}

// Stats returns the pipeline's stats collector.
func (p *Pipeline) Stats() *stats.Stats {
	return p.stats
}

// Cleanup evicts idle flows and records the eviction count into stats,
// returning how many flows were removed.
func (p *Pipeline) Cleanup() int {
	evicted := p.flowCache.Cleanup()
	for i := 0; i < evicted; i++ {
		p.stats.RecordFlowEvicted()
	}
	return evicted
}
