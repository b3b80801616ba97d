package audio

import (
	"fmt"
	"math"
)

// Normalizer converts the samples of a chunk into signed 16-bit PCM of equal length.
type Normalizer func(Chunk) []int16

// NormalizerFor resolves the conversion for a sample format. Streams call it
// once when they are opened, not per chunk.
func NormalizerFor(f SampleFormat) (Normalizer, error) {
	switch f {
	case FormatF32:
		return func(c Chunk) []int16 { return F32ToI16(c.F32) }, nil
	case FormatU16:
		return func(c Chunk) []int16 { return U16ToI16(c.U16) }, nil
	case FormatI16:
		return func(c Chunk) []int16 { return append([]int16(nil), c.I16...) }, nil
	}
	return nil, fmt.Errorf("no normalizer for sample format %s", f)
}

// F32ToI16 scales [-1.0, 1.0] floats to int16. Out of range values saturate
// and NaN maps to zero.
func F32ToI16(in []float32) []int16 {
	out := make([]int16, len(in))
	for i, s := range in {
		out[i] = f32ToI16(s)
	}
	return out
}

func f32ToI16(s float32) int16 {
	v := float64(s) * 32768
	switch {
	case math.IsNaN(v):
		return 0
	case v >= math.MaxInt16:
		return math.MaxInt16
	case v <= math.MinInt16:
		return math.MinInt16
	}
	return int16(v)
}

// U16ToI16 shifts offset-binary unsigned samples to two's complement.
func U16ToI16(in []uint16) []int16 {
	out := make([]int16, len(in))
	for i, s := range in {
		out[i] = int16(s ^ 0x8000)
	}
	return out
}

// I16ToF32 is the inverse of F32ToI16.
func I16ToF32(in []int16) []float32 {
	out := make([]float32, len(in))
	for i, s := range in {
		out[i] = float32(s) / 32768
	}
	return out
}

// I16ToU16 is the inverse of U16ToI16.
func I16ToU16(in []int16) []uint16 {
	out := make([]uint16, len(in))
	for i, s := range in {
		out[i] = uint16(s) ^ 0x8000
	}
	return out
}
