package transform

import (
	"github.com/havenwall/dpifrag/pkg/config"
	"github.com/havenwall/dpifrag/pkg/flow"
)

// Resegment splits a packet into fixed-size segments up to a maximum
// count, leaving any remainder as one final segment of whatever size is
// left.
type Resegment struct {
	params config.ResegmentParams
}

// NewResegment builds a Resegment transform from its configuration.
func NewResegment(params config.ResegmentParams) *Resegment {
	return &Resegment{params: params}
}

func (r *Resegment) Name() string { return "resegment" }

func (r *Resegment) IsEnabled(config.TransformParams) bool { return true }

// SegmentData splits data into up to MaxSegments chunks of SegmentSize,
// with any leftover appended as a final segment. Concatenating the
// returned segments always reproduces data exactly.
func (r *Resegment) SegmentData(data []byte) [][]byte {
	var segments [][]byte
	offset := 0
	count := 0

	for offset < len(data) && count < r.params.MaxSegments {
		remaining := len(data) - offset
		size := min(r.params.SegmentSize, remaining)
		segment := append([]byte(nil), data[offset:offset+size]...)
		segments = append(segments, segment)
		offset += size
		count++
	}

	if offset < len(data) {
		segments = append(segments, append([]byte(nil), data[offset:]...))
	}

	return segments
}

func (r *Resegment) Apply(ctx *flow.Context, data *[]byte) (Result, error) {
	if len(*data) <= r.params.SegmentSize {
		return ContinueResult(), nil
	}

	segments := r.SegmentData(*data)
	if len(segments) <= 1 {
		return ContinueResult(), nil
	}

	ctx.State.TransformState.Resegment.SegmentsGenerated += uint32(len(segments))

	for i, segment := range segments {
		if i == 0 {
			*data = segment
		} else {
			ctx.Emit(segment)
		}
	}

	return FragmentedResult(), nil
}
