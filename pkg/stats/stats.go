// Package stats holds the engine's lock-free counters and derived ratios,
// exposed via Snapshot for logging, the control plane, and Prometheus.
package stats

import "sync/atomic"

// Stats is a set of atomic counters safe for concurrent use from every
// connection goroutine without additional locking.
type Stats struct {
	packetsIn           atomic.Uint64
	packetsOut          atomic.Uint64
	bytesIn             atomic.Uint64
	bytesOut            atomic.Uint64
	packetsDropped      atomic.Uint64
	packetsMatched      atomic.Uint64
	packetsTransformed  atomic.Uint64
	transformErrors     atomic.Uint64
	activeFlows         atomic.Uint64
	flowsCreated        atomic.Uint64
	flowsEvicted        atomic.Uint64
	queueOverflows      atomic.Uint64
	fragmentsGenerated  atomic.Uint64
	totalJitterMS       atomic.Uint64
	decoysSent          atomic.Uint64
}

// New returns a zeroed Stats.
func New() *Stats {
	return &Stats{}
}

func (s *Stats) RecordPacketIn(size int) {
	s.packetsIn.Add(1)
	s.bytesIn.Add(uint64(size))
}

func (s *Stats) RecordPacketOut(size int) {
	s.packetsOut.Add(1)
	s.bytesOut.Add(uint64(size))
}

func (s *Stats) RecordDrop() {
	s.packetsDropped.Add(1)
}

func (s *Stats) RecordMatch() {
	s.packetsMatched.Add(1)
}

func (s *Stats) RecordTransform() {
	s.packetsTransformed.Add(1)
}

func (s *Stats) RecordTransformError() {
	s.transformErrors.Add(1)
}

func (s *Stats) RecordFlowCreated() {
	s.flowsCreated.Add(1)
	s.activeFlows.Add(1)
}

func (s *Stats) RecordFlowEvicted() {
	s.flowsEvicted.Add(1)
	s.activeFlows.Add(^uint64(0))
}

func (s *Stats) RecordQueueOverflow() {
	s.queueOverflows.Add(1)
}

func (s *Stats) RecordFragments(count uint32) {
	s.fragmentsGenerated.Add(uint64(count))
}

func (s *Stats) RecordJitter(ms uint64) {
	s.totalJitterMS.Add(ms)
}

func (s *Stats) RecordDecoys(count uint32) {
	s.decoysSent.Add(uint64(count))
}

func (s *Stats) SetActiveFlows(count int) {
	s.activeFlows.Store(uint64(count))
}

// Snapshot is an immutable point-in-time copy of all counters.
type Snapshot struct {
	PacketsIn          uint64
	PacketsOut         uint64
	BytesIn            uint64
	BytesOut           uint64
	PacketsDropped     uint64
	PacketsMatched     uint64
	PacketsTransformed uint64
	TransformErrors    uint64
	ActiveFlows        uint64
	FlowsCreated       uint64
	FlowsEvicted       uint64
	QueueOverflows     uint64
	FragmentsGenerated uint64
	TotalJitterMS      uint64
	DecoysSent         uint64
}

// Snapshot takes a consistent-enough point-in-time copy of the counters.
// Individual fields may be read at slightly different instants, matching
// the relaxed-ordering semantics of the counters themselves.
func (s *Stats) Snapshot() Snapshot {
	return Snapshot{
		PacketsIn:          s.packetsIn.Load(),
		PacketsOut:         s.packetsOut.Load(),
		BytesIn:            s.bytesIn.Load(),
		BytesOut:           s.bytesOut.Load(),
		PacketsDropped:     s.packetsDropped.Load(),
		PacketsMatched:     s.packetsMatched.Load(),
		PacketsTransformed: s.packetsTransformed.Load(),
		TransformErrors:    s.transformErrors.Load(),
		ActiveFlows:        s.activeFlows.Load(),
		FlowsCreated:       s.flowsCreated.Load(),
		FlowsEvicted:       s.flowsEvicted.Load(),
		QueueOverflows:     s.queueOverflows.Load(),
		FragmentsGenerated: s.fragmentsGenerated.Load(),
		TotalJitterMS:      s.totalJitterMS.Load(),
		DecoysSent:         s.decoysSent.Load(),
	}
}

// Reset zeroes every counter. Intended for the control plane's
// reset_stats command, not for normal operation.
func (s *Stats) Reset() {
	s.packetsIn.Store(0)
	s.packetsOut.Store(0)
	s.bytesIn.Store(0)
	s.bytesOut.Store(0)
	s.packetsDropped.Store(0)
	s.packetsMatched.Store(0)
	s.packetsTransformed.Store(0)
	s.transformErrors.Store(0)
	s.activeFlows.Store(0)
	s.flowsCreated.Store(0)
	s.flowsEvicted.Store(0)
	s.queueOverflows.Store(0)
	s.fragmentsGenerated.Store(0)
	s.totalJitterMS.Store(0)
	s.decoysSent.Store(0)
}

// PacketsPerSecond divides PacketsIn by elapsedSecs, or 0 if elapsedSecs
// is not strictly positive.
func (sn Snapshot) PacketsPerSecond(elapsedSecs float64) float64 {
	if elapsedSecs <= 0 {
		return 0
	}
	return float64(sn.PacketsIn) / elapsedSecs
}

// BytesPerSecond divides BytesIn by elapsedSecs, or 0 if elapsedSecs is
// not strictly positive.
func (sn Snapshot) BytesPerSecond(elapsedSecs float64) float64 {
	if elapsedSecs <= 0 {
		return 0
	}
	return float64(sn.BytesIn) / elapsedSecs
}

// TransformRatio is the fraction of incoming packets that had a transform
// applied.
func (sn Snapshot) TransformRatio() float64 {
	if sn.PacketsIn == 0 {
		return 0
	}
	return float64(sn.PacketsTransformed) / float64(sn.PacketsIn)
}

// DropRatio is the fraction of incoming packets that were dropped.
func (sn Snapshot) DropRatio() float64 {
	if sn.PacketsIn == 0 {
		return 0
	}
	return float64(sn.PacketsDropped) / float64(sn.PacketsIn)
}

// ExpansionRatio is how many outgoing packets were produced per incoming
// packet, reflecting fragmentation/decoy expansion.
func (sn Snapshot) ExpansionRatio() float64 {
	if sn.PacketsIn == 0 {
		return 0
	}
	return float64(sn.PacketsOut) / float64(sn.PacketsIn)
}
