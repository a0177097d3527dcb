package vecmath

import (
	"fmt"
	"math"
	"math/rand"
	"testing"
)

func floatsAreEqual(a, b float64) bool {
	const tolerance = 1e-5
	return math.Abs(a-b) < tolerance
}

func TestSimilarityFuncs(t *testing.T) {
	t.Run("DotF32", func(t *testing.T) {
		fn, err := GetFloat32Func(Dot)
		if err != nil {
			t.Fatalf("GetFloat32Func: %v", err)
		}
		got, _ := fn([]float32{1, 2, 3}, []float32{4, 5, 6})
		if !floatsAreEqual(got, 32.0) {
			t.Errorf("got %f, want 32.0", got)
		}
	})

	t.Run("CosineF32Identical", func(t *testing.T) {
		fn, _ := GetFloat32Func(Cosine)
		v := []float32{0.3, -0.2, 0.9, 0.1}
		got, _ := fn(v, v)
		if !floatsAreEqual(got, 1.0) {
			t.Errorf("got %f, want 1.0", got)
		}
	})

	t.Run("CosineF32Orthogonal", func(t *testing.T) {
		fn, _ := GetFloat32Func(Cosine)
		got, _ := fn([]float32{1, 0}, []float32{0, 1})
		if !floatsAreEqual(got, 0.0) {
			t.Errorf("got %f, want 0.0", got)
		}
	})

	t.Run("DotF16", func(t *testing.T) {
		fn, _ := GetFloat16Func(Dot)
		a := ToFloat16([]float32{1, 2})
		b := ToFloat16([]float32{3, 4})
		got, _ := fn(a, b)
		if !floatsAreEqual(got, 11.0) {
			t.Errorf("got %f, want 11.0", got)
		}
	})

	t.Run("DotI8", func(t *testing.T) {
		fn, _ := GetInt8Func(Dot)
		got, _ := fn([]int8{10, 20}, []int8{2, 3})
		if got != 80 {
			t.Errorf("got %d, want 80", got)
		}
	})

	t.Run("LengthMismatch", func(t *testing.T) {
		fn, _ := GetFloat32Func(Dot)
		if _, err := fn([]float32{1}, []float32{1, 2}); err == nil {
			t.Error("expected error for mismatched lengths, got nil")
		}
	})

	t.Run("UnknownMetric", func(t *testing.T) {
		if _, err := GetFloat32Func(Metric("manhattan")); err == nil {
			t.Error("expected error for unsupported metric, got nil")
		}
	})
}

func TestGonumMatchesPureGo(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for _, dim := range []int{3, 64, 512} {
		a := make([]float32, dim)
		b := make([]float32, dim)
		for i := range a {
			a[i] = rng.Float32()*2 - 1
			b[i] = rng.Float32()*2 - 1
		}
		ref, _ := dotGo(a, b)
		opt, _ := dotGonum(a, b)
		if !floatsAreEqual(ref, opt) {
			t.Errorf("dim %d: gonum dot %f, pure Go dot %f", dim, opt, ref)
		}
		refC, _ := cosineGo(a, b)
		optC, _ := cosineGonum(a, b)
		if !floatsAreEqual(refC, optC) {
			t.Errorf("dim %d: gonum cosine %f, pure Go cosine %f", dim, optC, refC)
		}
	}
}

func TestNormalize(t *testing.T) {
	v := []float32{3, 4}
	n := Normalize(v)
	if !floatsAreEqual(n, 5.0) {
		t.Errorf("returned norm = %f, want 5.0", n)
	}
	if !floatsAreEqual(Norm(v), 1.0) {
		t.Errorf("norm after Normalize = %f, want 1.0", Norm(v))
	}

	zero := []float32{0, 0, 0}
	if n := Normalize(zero); n != 0 {
		t.Errorf("Normalize(zero) = %f, want 0", n)
	}
}

func TestAxpy(t *testing.T) {
	y := []float32{1, 1, 1}
	Axpy(2, []float32{1, 2, 3}, y)
	want := []float32{3, 5, 7}
	for i := range y {
		if y[i] != want[i] {
			t.Fatalf("y[%d] = %f, want %f", i, y[i], want[i])
		}
	}
}

func TestFloat16RoundTrip(t *testing.T) {
	in := []float32{0.5, -0.25, 1.0, 0}
	out := FromFloat16(ToFloat16(in))
	for i := range in {
		if math.Abs(float64(out[i]-in[i])) > 1e-3 {
			t.Errorf("component %d: got %f, want %f", i, out[i], in[i])
		}
	}
}

func generateVectors(dims int) ([]float32, []float32) {
	v1 := make([]float32, dims)
	v2 := make([]float32, dims)
	for i := 0; i < dims; i++ {
		v1[i] = rand.Float32()
		v2[i] = rand.Float32()
	}
	return v1, v2
}

func BenchmarkDotFloat32(b *testing.B) {
	fn, _ := GetFloat32Func(Dot)
	for _, d := range []int{64, 256, 512, 768} {
		b.Run(fmt.Sprintf("%dD", d), func(b *testing.B) {
			v1, v2 := generateVectors(d)
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				fn(v1, v2)
			}
		})
	}
}

func BenchmarkCosineFloat16(b *testing.B) {
	fn, _ := GetFloat16Func(Cosine)
	for _, d := range []int{64, 256, 512, 768} {
		b.Run(fmt.Sprintf("%dD", d), func(b *testing.B) {
			f1, f2 := generateVectors(d)
			v1, v2 := ToFloat16(f1), ToFloat16(f2)
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				fn(v1, v2)
			}
		})
	}
}
