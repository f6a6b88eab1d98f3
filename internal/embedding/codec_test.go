package embedding

import (
	"encoding/binary"
	"math"
	"reflect"
	"testing"
)

func TestBlobRoundTrip(t *testing.T) {
	vectors := [][]float32{
		{},
		{0},
		{1.5, -2.25, 3.125},
		{math.MaxFloat32, -math.MaxFloat32, math.SmallestNonzeroFloat32},
		{float32(math.NaN())},
	}
	for _, v := range vectors {
		got := FromBlob(ToBlob(v))
		if len(got) != len(v) {
			t.Fatalf("length %d -> %d", len(v), len(got))
		}
		for i := range v {
			// Bit-exact comparison; NaN != NaN under ==.
			if math.Float32bits(got[i]) != math.Float32bits(v[i]) {
				t.Errorf("element %d: %v -> %v", i, v[i], got[i])
			}
		}
	}
}

func TestToBlob_LittleEndianLayout(t *testing.T) {
	blob := ToBlob([]float32{1.0})
	if len(blob) != 4 {
		t.Fatalf("blob length = %d", len(blob))
	}
	if binary.LittleEndian.Uint32(blob) != math.Float32bits(1.0) {
		t.Errorf("blob = %x", blob)
	}
}

func TestFromBlob_TruncatedBlob(t *testing.T) {
	// A trailing partial element is dropped, not read out of bounds.
	blob := append(ToBlob([]float32{1, 2}), 0xAB)
	got := FromBlob(blob)
	if !reflect.DeepEqual(got, []float32{1, 2}) {
		t.Errorf("got %v", got)
	}
}
