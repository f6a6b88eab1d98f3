// Package embedding implements the background embedding indexer: polling
// for un-embedded content, batching it to a provider, and storing vectors
// in side-tables next to the content rows.
package embedding

import (
	"encoding/binary"
	"math"
)

// ToBlob encodes v as the concatenation of little-endian IEEE-754 f32
// bytes.
func ToBlob(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// FromBlob decodes a blob produced by ToBlob back into a []float32.
func FromBlob(b []byte) []float32 {
	n := len(b) / 4
	v := make([]float32, n)
	for i := 0; i < n; i++ {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4 : i*4+4]))
	}
	return v
}
