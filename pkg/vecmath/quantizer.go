package vecmath

import (
	"math"
	"sort"
)

// Quantizer holds the parameters for symmetric scalar quantization of
// embedding vectors into the int8 range [-127, 127]. The range is learned
// from sample vectors so that outliers do not blow up the scale.
type Quantizer struct {
	AbsMax float32
}

// Train derives the quantization range from a sample of vectors using the
// 99.9th percentile of absolute values rather than the true maximum, which
// keeps a handful of extreme components from wasting most of the int8
// range.
func (q *Quantizer) Train(vectors [][]float32) {
	if len(vectors) == 0 || len(vectors[0]) == 0 {
		return
	}
	abs := make([]float32, 0, len(vectors)*len(vectors[0]))
	for _, vec := range vectors {
		for _, val := range vec {
			abs = append(abs, float32(math.Abs(float64(val))))
		}
	}
	sort.Slice(abs, func(i, j int) bool { return abs[i] < abs[j] })
	idx := int(float64(len(abs)) * 0.999)
	if idx >= len(abs) {
		idx = len(abs) - 1
	}
	q.AbsMax = abs[idx]
}

// Quantize converts a float32 vector into int8, clipping values that fall
// outside the trained range.
func (q *Quantizer) Quantize(vector []float32) []int8 {
	if q.AbsMax == 0 {
		return make([]int8, len(vector))
	}
	out := make([]int8, len(vector))
	for i, val := range vector {
		scaled := (val / q.AbsMax) * 127.0
		if scaled > 127.0 {
			scaled = 127.0
		} else if scaled < -127.0 {
			scaled = -127.0
		}
		out[i] = int8(math.Round(float64(scaled)))
	}
	return out
}

// Dequantize maps an int8 vector back to approximate float32 values.
func (q *Quantizer) Dequantize(vector []int8) []float32 {
	out := make([]float32, len(vector))
	if q.AbsMax == 0 {
		return out
	}
	for i, val := range vector {
		out[i] = (float32(val) / 127.0) * q.AbsMax
	}
	return out
}

// DotScale converts a raw int8 dot product accumulator back into the
// float domain of the original vectors.
func (q *Quantizer) DotScale(raw int32) float64 {
	s := float64(q.AbsMax) / 127.0
	return float64(raw) * s * s
}
