package transform

import (
	"github.com/havenwall/dpifrag/pkg/config"
	"github.com/havenwall/dpifrag/pkg/flow"
)

// Padding appends filler bytes to a packet, either a fixed fill byte or an
// LCG-derived pseudo-random stream, to obscure its true length.
type Padding struct {
	params config.PaddingParams
}

// NewPadding builds a Padding transform from its configuration.
func NewPadding(params config.PaddingParams) *Padding {
	return &Padding{params: params}
}

func (p *Padding) Name() string { return "padding" }

func (p *Padding) IsEnabled(config.TransformParams) bool {
	return p.params.MaxBytes > 0
}

func (p *Padding) calculatePaddingSize(seed uint64) int {
	if p.params.MaxBytes == 0 {
		return 0
	}
	rangeSize := p.params.MaxBytes - p.params.MinBytes
	if rangeSize <= 0 {
		return p.params.MinBytes
	}
	return p.params.MinBytes + int(seed%uint64(rangeSize+1))
}

func (p *Padding) generatePadding(size int, seed uint64) []byte {
	if p.params.FillByte != nil {
		out := make([]byte, size)
		for i := range out {
			out[i] = *p.params.FillByte
		}
		return out
	}

	out := make([]byte, size)
	value := seed
	for i := 0; i < size; i++ {
		value = value*1103515245 + 12345
		out[i] = byte(value >> 16)
	}
	return out
}

func (p *Padding) Apply(ctx *flow.Context, data *[]byte) (Result, error) {
	if p.params.MaxBytes == 0 {
		return ContinueResult(), nil
	}

	seed := ctx.State.PacketCount*48271 + uint64(len(*data))
	paddingSize := p.calculatePaddingSize(seed)
	if paddingSize == 0 {
		return ContinueResult(), nil
	}

	padding := p.generatePadding(paddingSize, seed)
	*data = append(*data, padding...)

	return ContinueResult(), nil
}
