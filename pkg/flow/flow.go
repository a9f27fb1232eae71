// Package flow tracks per-connection state across the packets of a single
// TCP/UDP 5-tuple so that transforms can make decisions based on how many
// packets a flow has already seen.
package flow

import (
	"net/netip"
	"sync"
	"time"
)

// Protocol is the transport-layer protocol of a flow.
type Protocol int

const (
	ProtocolTCP Protocol = iota
	ProtocolUDP
	ProtocolICMP
)

func (p Protocol) String() string {
	switch p {
	case ProtocolTCP:
		return "tcp"
	case ProtocolUDP:
		return "udp"
	case ProtocolICMP:
		return "icmp"
	default:
		return "unknown"
	}
}

// Key uniquely identifies a flow by its 5-tuple.
type Key struct {
	SrcIP    netip.Addr
	DstIP    netip.Addr
	SrcPort  uint16
	DstPort  uint16
	Protocol Protocol
}

// New builds a Key from its components.
func New(srcIP, dstIP netip.Addr, srcPort, dstPort uint16, proto Protocol) Key {
	return Key{SrcIP: srcIP, DstIP: dstIP, SrcPort: srcPort, DstPort: dstPort, Protocol: proto}
}

// Reverse swaps source and destination, yielding the key for return traffic
// on the same connection.
func (k Key) Reverse() Key {
	return Key{SrcIP: k.DstIP, DstIP: k.SrcIP, SrcPort: k.DstPort, DstPort: k.SrcPort, Protocol: k.Protocol}
}

// FragmentState counts fragment-transform activity for a flow.
type FragmentState struct {
	FragmentsGenerated uint32
}

// ResegmentState counts resegment-transform activity for a flow.
type ResegmentState struct {
	SegmentsGenerated uint32
}

// JitterState tracks delay applied to a flow over time.
type JitterState struct {
	LastJitterMS  uint64
	TotalJitterMS uint64
}

// TransformState aggregates the per-transform counters a flow accumulates.
type TransformState struct {
	Fragment  FragmentState
	Resegment ResegmentState
	Jitter    JitterState
}

// State is the mutable per-flow record stored in a Cache.
type State struct {
	Key            Key
	PacketCount    uint64
	ByteCount      uint64
	CreatedAt      time.Time
	LastSeen       time.Time
	MatchedRule    string
	TransformState TransformState
}

// NewState creates a fresh flow record for key, with PacketCount zero — the
// caller uses that to detect a brand-new flow.
func NewState(key Key) *State {
	now := time.Now()
	return &State{
		Key:       key,
		CreatedAt: now,
		LastSeen:  now,
	}
}

// Update records that a packet of n bytes was just processed.
func (s *State) Update(n int) {
	s.PacketCount++
	s.ByteCount += uint64(n)
	s.LastSeen = time.Now()
}

// Context carries a flow's state plus the in-flight output of one pipeline
// pass through a Context's attached transforms: extra packets to emit,
// a requested delay, and a drop flag.
type Context struct {
	Key            Key
	State          *State
	RuleName       string
	OutputPackets  [][]byte
	Delay          time.Duration
	hasDelay       bool
	Drop           bool
}

// NewContext builds a Context over key/state, optionally tagged with the
// name of the rule currently being applied.
func NewContext(key Key, state *State, ruleName string) *Context {
	return &Context{Key: key, State: state, RuleName: ruleName}
}

// Emit appends an additional packet to be sent alongside the primary one.
func (c *Context) Emit(data []byte) {
	c.OutputPackets = append(c.OutputPackets, data)
}

// RequestDelay records that the caller should wait d before sending.
func (c *Context) RequestDelay(d time.Duration) {
	c.Delay = d
	c.hasDelay = true
}

// HasDelay reports whether RequestDelay was called on this pass.
func (c *Context) HasDelay() bool {
	return c.hasDelay
}

// MarkDrop marks the current packet (and any pending emits) to be dropped.
func (c *Context) MarkDrop() {
	c.Drop = true
}

// CacheStats summarizes a Cache's occupancy.
type CacheStats struct {
	ActiveFlows int
	MaxFlows    int
}

// Cache is a bounded, age-evicted table of flow State keyed by Key.
type Cache struct {
	mu       sync.RWMutex
	flows    map[Key]*State
	maxFlows int
	timeout  time.Duration
}

// NewCache builds a Cache bounded to maxFlows entries, evicting any entry
// idle for longer than timeout on Cleanup.
func NewCache(maxFlows int, timeout time.Duration) *Cache {
	return &Cache{
		flows:    make(map[Key]*State),
		maxFlows: maxFlows,
		timeout:  timeout,
	}
}

// GetOrCreate returns the existing State for key, or creates and stores a
// fresh one. The returned pointer is safe to mutate and must be passed back
// to Update (a no-op for map-backed storage, but kept for parity with a
// copy-based cache implementation and to centralize LastSeen bookkeeping).
func (c *Cache) GetOrCreate(key Key) *State {
	c.mu.RLock()
	state, ok := c.flows[key]
	c.mu.RUnlock()
	if ok {
		return state
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if state, ok := c.flows[key]; ok {
		return state
	}
	if c.maxFlows > 0 && len(c.flows) >= c.maxFlows {
		c.evictOldestLocked()
	}
	state = NewState(key)
	c.flows[key] = state
	return state
}

// Update persists state back into the cache. The State normally comes from
// GetOrCreate, but its key may have been evicted in between (by another
// GetOrCreate at capacity, or by Cleanup); re-inserting it then evicts the
// oldest flow first so the cache stays within maxFlows.
func (c *Cache) Update(state *State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.flows[state.Key]; !ok && c.maxFlows > 0 && len(c.flows) >= c.maxFlows {
		c.evictOldestLocked()
	}
	c.flows[state.Key] = state
}

func (c *Cache) evictOldestLocked() {
	var oldestKey Key
	var oldestSeen time.Time
	first := true
	for k, s := range c.flows {
		if first || s.LastSeen.Before(oldestSeen) {
			oldestKey = k
			oldestSeen = s.LastSeen
			first = false
		}
	}
	if !first {
		delete(c.flows, oldestKey)
	}
}

// Cleanup removes flows idle for longer than the cache's timeout and
// returns how many were evicted.
func (c *Cache) Cleanup() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.timeout <= 0 {
		return 0
	}
	cutoff := time.Now().Add(-c.timeout)
	evicted := 0
	for k, s := range c.flows {
		if s.LastSeen.Before(cutoff) {
			delete(c.flows, k)
			evicted++
		}
	}
	return evicted
}

// Stats reports the cache's current occupancy.
func (c *Cache) Stats() CacheStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return CacheStats{ActiveFlows: len(c.flows), MaxFlows: c.maxFlows}
}

// IsEmpty reports whether the cache currently holds no flows.
func (c *Cache) IsEmpty() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.flows) == 0
}
