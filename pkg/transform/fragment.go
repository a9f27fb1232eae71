package transform

import (
	"github.com/havenwall/dpifrag/pkg/config"
	"github.com/havenwall/dpifrag/pkg/flow"
)

// Fragment splits a packet into smaller pieces, either at a single fixed
// offset or into a run of pseudo-randomly sized chunks.
type Fragment struct {
	params config.FragmentParams
}

// NewFragment builds a Fragment transform from its configuration.
func NewFragment(params config.FragmentParams) *Fragment {
	return &Fragment{params: params}
}

func (f *Fragment) Name() string { return "fragment" }

func (f *Fragment) IsEnabled(config.TransformParams) bool { return true }

func (f *Fragment) calculateFragmentSize(remaining int) int {
	if !f.params.Randomize {
		return f.params.MaxSize
	}
	rangeSize := f.params.MaxSize - f.params.MinSize
	if rangeSize <= 0 {
		return f.params.MinSize
	}
	pseudoRandom := (remaining * 31337) % (rangeSize + 1)
	return f.params.MinSize + pseudoRandom
}

// FragmentData splits data into fragments, either at the configured fixed
// offset (if set and in range) or into a run of calculated chunk sizes.
// Concatenating the returned fragments always reproduces data exactly.
func (f *Fragment) FragmentData(data []byte) [][]byte {
	if f.params.SplitAtOffset != nil {
		splitAt := *f.params.SplitAtOffset
		if splitAt > 0 && splitAt < len(data) {
			first := append([]byte(nil), data[:splitAt]...)
			second := append([]byte(nil), data[splitAt:]...)
			return [][]byte{first, second}
		}
	}

	var fragments [][]byte
	offset := 0
	for offset < len(data) {
		remaining := len(data) - offset
		size := min(f.calculateFragmentSize(remaining), remaining)
		if size <= 0 {
			size = remaining
		}
		fragment := append([]byte(nil), data[offset:offset+size]...)
		fragments = append(fragments, fragment)
		offset += size
	}
	return fragments
}

func (f *Fragment) Apply(ctx *flow.Context, data *[]byte) (Result, error) {
	if len(*data) <= f.params.MinSize {
		return ContinueResult(), nil
	}

	fragments := f.FragmentData(*data)
	if len(fragments) <= 1 {
		return ContinueResult(), nil
	}

	ctx.State.TransformState.Fragment.FragmentsGenerated += uint32(len(fragments))

	for i, fragment := range fragments {
		if i == 0 {
			*data = fragment
		} else {
			ctx.Emit(fragment)
		}
	}

	return FragmentedResult(), nil
}
