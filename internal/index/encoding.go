package index

import (
	"encoding/binary"
	"fmt"
	"math"
)

// encodeVector encodes v as a little-endian sequence of IEEE 754 float32
// values with no length prefix; the length is implied by the blob size.
func encodeVector(v []float32) []byte {
	b := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(b[i*4:], math.Float32bits(f))
	}
	return b
}

// decodeVector decodes a blob produced by encodeVector and checks that it
// holds exactly dim components.
func decodeVector(b []byte, dim int) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("index: invalid vector blob length %d (not multiple of 4)", len(b))
	}
	n := len(b) / 4
	if n != dim {
		return nil, fmt.Errorf("index: vector blob holds %d components, want %d", n, dim)
	}
	v := make([]float32, n)
	for i := range n {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v, nil
}
