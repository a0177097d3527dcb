package vecmath

import (
	"math"
	"math/rand"
	"testing"
)

func TestQuantizerIgnoresOutliers(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	vectors := make([][]float32, 100)
	for i := range vectors {
		vec := make([]float32, 64)
		for j := range vec {
			vec[j] = rng.Float32() - 0.5
		}
		vectors[i] = vec
	}
	// One absurd outlier should not set the range.
	vectors[0][0] = 1000

	q := &Quantizer{}
	q.Train(vectors)

	if q.AbsMax <= 0 {
		t.Fatalf("AbsMax = %f, want > 0", q.AbsMax)
	}
	if q.AbsMax > 1.0 {
		t.Errorf("AbsMax = %f, outlier leaked into the quantization range", q.AbsMax)
	}
}

func TestQuantizeRoundTrip(t *testing.T) {
	q := &Quantizer{AbsMax: 1.0}
	in := []float32{0.5, -0.5, 0.999, -1.0, 0}
	out := q.Dequantize(q.Quantize(in))
	for i := range in {
		if math.Abs(float64(out[i]-in[i])) > 0.02 {
			t.Errorf("component %d: got %f, want %f within 0.02", i, out[i], in[i])
		}
	}
}

func TestQuantizeClipsOutOfRange(t *testing.T) {
	q := &Quantizer{AbsMax: 1.0}
	out := q.Quantize([]float32{5.0, -5.0})
	if out[0] != 127 || out[1] != -127 {
		t.Errorf("got [%d %d], want [127 -127]", out[0], out[1])
	}
}

func TestDotScale(t *testing.T) {
	q := &Quantizer{AbsMax: 1.0}
	a := []float32{0.5, 0.5}
	b := []float32{0.5, -0.25}
	raw, err := dotGoI8(q.Quantize(a), q.Quantize(b))
	if err != nil {
		t.Fatalf("dotGoI8: %v", err)
	}
	want, _ := dotGo(a, b)
	got := q.DotScale(raw)
	if math.Abs(got-want) > 0.02 {
		t.Errorf("rescaled dot = %f, want %f within 0.02", got, want)
	}
}

func TestQuantizerUntrained(t *testing.T) {
	q := &Quantizer{}
	out := q.Quantize([]float32{1, 2, 3})
	for i, v := range out {
		if v != 0 {
			t.Errorf("untrained quantize[%d] = %d, want 0", i, v)
		}
	}
}
