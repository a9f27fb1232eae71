package transform

import (
	"github.com/havenwall/dpifrag/pkg/config"
	"github.com/havenwall/dpifrag/pkg/flow"
	"github.com/havenwall/dpifrag/pkg/ipv4"
)

// Decoy emits a bogus copy of an IPv4 packet — TTL swapped and IP ID
// XORed — before and/or after the real one, so a passive DPI observer
// sees a spurious packet it cannot tell from the genuine one without
// reassembling the full stream.
type Decoy struct {
	params config.DecoyParams
}

// NewDecoy builds a Decoy transform from its configuration.
func NewDecoy(params config.DecoyParams) *Decoy {
	return &Decoy{params: params}
}

func (d *Decoy) Name() string { return "decoy" }

func (d *Decoy) IsEnabled(config.TransformParams) bool {
	return d.params.Probability > 0 && (d.params.SendBefore || d.params.SendAfter)
}

func (d *Decoy) createDecoy(original []byte) []byte {
	if _, ok := ipv4.Parse(original); !ok {
		return nil
	}

	decoy := append([]byte(nil), original...)
	header, _ := ipv4.Parse(decoy)
	header.SetTTL(d.params.TTL)
	header.XORID(0xFFFF)
	return decoy
}

func (d *Decoy) shouldSendDecoy(seed uint64) bool {
	if d.params.Probability <= 0 {
		return false
	}
	if d.params.Probability >= 1 {
		return true
	}
	threshold := uint64(d.params.Probability * 1000.0)
	return seed%1000 < threshold
}

func (d *Decoy) Apply(ctx *flow.Context, data *[]byte) (Result, error) {
	if !d.params.SendBefore && !d.params.SendAfter {
		return ContinueResult(), nil
	}

	seed := ctx.State.PacketCount*0x1337CAFE + uint64(len(*data))
	if !d.shouldSendDecoy(seed) {
		return ContinueResult(), nil
	}

	decoy := d.createDecoy(*data)
	if decoy == nil {
		return ContinueResult(), nil
	}

	if d.params.SendBefore {
		real := append([]byte(nil), (*data)...)
		*data = decoy
		ctx.Emit(real)
	}

	if d.params.SendAfter {
		ctx.Emit(decoy)
	}

	return FragmentedResult(), nil
}
