package emulated

import (
	"encoding/binary"

	"github.com/chewxy/math32"
)

// F32 reads the i-th little-endian float32 of b.
func F32(b []byte, i uint32) float32 {
	return math32.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
}

// PutF32 stores v as the i-th little-endian float32 of b.
func PutF32(b []byte, i uint32, v float32) {
	binary.LittleEndian.PutUint32(b[i*4:], math32.Float32bits(v))
}

// NStream returns the stream triad kernel A[i] += B[i] + scalar*C[i] with
// buffers bound as (B, C, A). Each id handles a contiguous block of
// len(A)/size elements, the last id also takes the remainder.
func NStream(scalar float32) Kernel {
	return func(id, size uint32, args [][]byte) {
		b, c, a := args[0], args[1], args[2]
		n := uint32(len(a) / 4)
		block := n / size
		start := id * block
		end := start + block
		if id == size-1 {
			end = n
		}
		for i := start; i < end; i++ {
			PutF32(a, i, F32(a, i)+F32(b, i)+scalar*F32(c, i))
		}
	}
}
