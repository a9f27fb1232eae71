package transform

import (
	"github.com/havenwall/dpifrag/pkg/config"
	"github.com/havenwall/dpifrag/pkg/flow"
	"github.com/havenwall/dpifrag/pkg/ipv4"
)

// HeaderNormalization rewrites IPv4/TCP header fields (TTL, IP ID, TCP
// window) that a DPI fingerprinting engine might key on, so the outgoing
// packet looks like it came from a different stack.
type HeaderNormalization struct {
	params config.HeaderParams
}

// NewHeaderNormalization builds a HeaderNormalization transform from its
// configuration.
func NewHeaderNormalization(params config.HeaderParams) *HeaderNormalization {
	return &HeaderNormalization{params: params}
}

func (h *HeaderNormalization) Name() string { return "header_normalization" }

func (h *HeaderNormalization) IsEnabled(config.TransformParams) bool {
	return h.params.NormalizeTTL || h.params.NormalizeWindow || h.params.RandomizeIPID
}

func (h *HeaderNormalization) Apply(ctx *flow.Context, data *[]byte) (Result, error) {
	header, ok := ipv4.Parse(*data)
	if !ok {
		return ContinueResult(), nil
	}

	if h.params.NormalizeTTL {
		header.SetTTL(h.params.TTLValue)
	}
	if h.params.RandomizeIPID {
		seed := ctx.State.PacketCount * 0xDEADBEEF
		header.SetID(uint16(seed >> 16))
	}

	if tcp, ok := ipv4.TCPSegment(header); ok && h.params.NormalizeWindow {
		tcp.SetWindow(0xFFFF)
	}

	return ContinueResult(), nil
}
