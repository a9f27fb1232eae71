package transform

import (
	"time"

	"github.com/havenwall/dpifrag/pkg/config"
	"github.com/havenwall/dpifrag/pkg/flow"
)

// Jitter requests a per-packet send delay derived from the flow's packet
// count and packet size, to break up the regular timing a DPI box uses
// to correlate fragments.
type Jitter struct {
	params config.JitterParams
}

// NewJitter builds a Jitter transform from its configuration.
func NewJitter(params config.JitterParams) *Jitter {
	return &Jitter{params: params}
}

func (j *Jitter) Name() string { return "jitter" }

func (j *Jitter) IsEnabled(config.TransformParams) bool {
	return j.params.MaxMS > 0
}

func (j *Jitter) calculateJitter(seed uint64) time.Duration {
	if j.params.MaxMS == 0 {
		return 0
	}
	rangeMS := j.params.MaxMS - j.params.MinMS
	if rangeMS == 0 {
		return time.Duration(j.params.MinMS) * time.Millisecond
	}
	jitterMS := j.params.MinMS + seed%(rangeMS+1)
	return time.Duration(jitterMS) * time.Millisecond
}

func (j *Jitter) Apply(ctx *flow.Context, data *[]byte) (Result, error) {
	if j.params.MaxMS == 0 {
		return ContinueResult(), nil
	}

	seed := ctx.State.PacketCount*31337 + uint64(len(*data))
	jitter := j.calculateJitter(seed)
	if jitter == 0 {
		return ContinueResult(), nil
	}

	jitterMS := uint64(jitter / time.Millisecond)
	ctx.State.TransformState.Jitter.LastJitterMS = jitterMS
	ctx.State.TransformState.Jitter.TotalJitterMS += jitterMS

	ctx.RequestDelay(jitter)
	return DelayResult(), nil
}
