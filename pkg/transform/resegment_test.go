package transform

import (
	"testing"

	"github.com/havenwall/dpifrag/pkg/config"
)

func TestResegmentBasic(t *testing.T) {
	params := config.ResegmentParams{SegmentSize: 10, MaxSegments: 100}
	tr := NewResegment(params)

	data := []byte("This is a test message for resegmentation")
	segments := tr.SegmentData(data)

	for i, seg := range segments {
		if i < len(segments)-1 && len(seg) != 10 {
			t.Errorf("segment %d length = %d, want 10", i, len(seg))
		}
	}

	var reassembled []byte
	for _, s := range segments {
		reassembled = append(reassembled, s...)
	}
	if string(reassembled) != string(data) {
		t.Fatal("reassembled segments do not match original data")
	}
}

func TestResegmentMaxSegments(t *testing.T) {
	params := config.ResegmentParams{SegmentSize: 5, MaxSegments: 3}
	tr := NewResegment(params)

	data := []byte("12345678901234567890")
	segments := tr.SegmentData(data)

	if len(segments) != 4 {
		t.Fatalf("expected 4 segments, got %d", len(segments))
	}

	var reassembled []byte
	for _, s := range segments {
		reassembled = append(reassembled, s...)
	}
	if string(reassembled) != string(data) {
		t.Fatal("reassembled segments do not match original data")
	}
}

func TestResegmentSmallPacket(t *testing.T) {
	params := config.ResegmentParams{SegmentSize: 20, MaxSegments: 10}
	tr := NewResegment(params)

	ctx := testContext()
	data := []byte("small")

	result, err := tr.Apply(ctx, &data)
	if err != nil {
		t.Fatalf("Apply returned error: %v", err)
	}
	if result.Outcome != Continue {
		t.Fatalf("outcome = %v, want Continue", result.Outcome)
	}
	if len(ctx.OutputPackets) != 0 {
		t.Fatal("expected no emitted packets")
	}
}

func TestResegmentApply(t *testing.T) {
	params := config.ResegmentParams{SegmentSize: 8, MaxSegments: 100}
	tr := NewResegment(params)

	ctx := testContext()
	original := []byte("The quick brown fox jumps over the lazy dog")
	data := append([]byte(nil), original...)

	result, err := tr.Apply(ctx, &data)
	if err != nil {
		t.Fatalf("Apply returned error: %v", err)
	}
	if result.Outcome != Fragmented {
		t.Fatalf("outcome = %v, want Fragmented", result.Outcome)
	}
	if len(data) > 8 {
		t.Fatalf("primary segment length = %d, want <= 8", len(data))
	}
	if len(ctx.OutputPackets) == 0 {
		t.Fatal("expected emitted packets")
	}

	all := reassembleAll(data, ctx.OutputPackets)
	if string(all) != string(original) {
		t.Fatal("reassembled data does not match original")
	}
}
