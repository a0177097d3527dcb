// Package vecmath provides the vector arithmetic used by the language
// embedding field: similarity between embeddings, in-place gradient
// updates, and normalization. It supports float32, float16 and int8
// storage precisions and dispatches at startup to the fastest available
// implementation (pure Go or Gonum BLAS, chosen via CPU feature
// detection).
package vecmath

import (
	"errors"
	"fmt"
	"log"
	"math"
	"sync"

	"github.com/klauspost/cpuid/v2"
	"github.com/x448/float16"
	"gonum.org/v1/gonum/blas/gonum"
)

func init() {
	// Gonum handles SIMD dispatch internally; prefer it whenever the CPU
	// has vector units worth using.
	if cpuid.CPU.Has(cpuid.AVX2) || cpuid.CPU.Has(cpuid.SSE42) {
		float32Funcs[Dot] = dotGonum
		float32Funcs[Cosine] = cosineGonum
		log.Println("semafield compute engine: Gonum (SIMD) for float32, pure Go fallbacks for float16/int8")
	} else {
		log.Println("semafield compute engine: pure Go implementations")
	}
}

// Metric selects the similarity computed between two vectors.
type Metric string

// Precision selects the storage representation of embedding vectors.
type Precision string

const (
	// Dot is the raw inner product. On unit-normalized embeddings it
	// equals cosine similarity and is the cheapest option.
	Dot Metric = "dot"
	// Cosine is the inner product divided by both norms.
	Cosine Metric = "cosine"

	Float32 Precision = "float32"
	Float16 Precision = "float16"
	Int8    Precision = "int8"
)

// Function types per storage precision. Int8 similarity is returned as the
// raw integer accumulator; callers rescale with the quantizer parameters.
type SimFuncF32 func(a, b []float32) (float64, error)
type SimFuncF16 func(a, b []uint16) (float64, error)
type SimFuncI8 func(a, b []int8) (int32, error)

var errLengthMismatch = errors.New("vecmath: vectors must have the same length")

// f32Workspace pools scratch slices for float16 conversions and other
// intermediate buffers, keeping the hot paths allocation-free. 768 covers
// CLIP-family embedding widths; larger vectors grow the pooled slice once.
var f32Workspace = sync.Pool{
	New: func() interface{} {
		s := make([]float32, 768)
		return &s
	},
}

var gonumEngine = gonum.Implementation{}

// --- Pure Go reference implementations ---

func dotGo(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, errLengthMismatch
	}
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return float64(sum), nil
}

func cosineGo(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, errLengthMismatch
	}
	var dot, na, nb float32
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0, nil
	}
	return float64(dot) / (math.Sqrt(float64(na)) * math.Sqrt(float64(nb))), nil
}

func dotGoF16(a, b []uint16) (float64, error) {
	if len(a) != len(b) {
		return 0, errLengthMismatch
	}
	var sum float32
	for i := range a {
		sum += float16.Frombits(a[i]).Float32() * float16.Frombits(b[i]).Float32()
	}
	return float64(sum), nil
}

func cosineGoF16(a, b []uint16) (float64, error) {
	if len(a) != len(b) {
		return 0, errLengthMismatch
	}
	ptr := f32Workspace.Get().(*[]float32)
	defer f32Workspace.Put(ptr)
	if cap(*ptr) < 2*len(a) {
		*ptr = make([]float32, 2*len(a))
	}
	buf := (*ptr)[:2*len(a)]
	fa, fb := buf[:len(a)], buf[len(a):]
	for i := range a {
		fa[i] = float16.Frombits(a[i]).Float32()
		fb[i] = float16.Frombits(b[i]).Float32()
	}
	return cosineGo(fa, fb)
}

func dotGoI8(a, b []int8) (int32, error) {
	if len(a) != len(b) {
		return 0, errLengthMismatch
	}
	var sum int32
	for i := range a {
		sum += int32(a[i]) * int32(b[i])
	}
	return sum, nil
}

// --- Gonum BLAS implementations (float32) ---

func dotGonum(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, errLengthMismatch
	}
	return float64(gonumEngine.Sdot(len(a), a, 1, b, 1)), nil
}

func cosineGonum(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, errLengthMismatch
	}
	n := len(a)
	dot := gonumEngine.Sdot(n, a, 1, b, 1)
	na := gonumEngine.Sdot(n, a, 1, a, 1)
	nb := gonumEngine.Sdot(n, b, 1, b, 1)
	if na == 0 || nb == 0 {
		return 0, nil
	}
	return float64(dot) / (math.Sqrt(float64(na)) * math.Sqrt(float64(nb))), nil
}

// --- Function catalogs ---

var float32Funcs = map[Metric]SimFuncF32{
	Dot:    dotGo,
	Cosine: cosineGo,
}

var float16Funcs = map[Metric]SimFuncF16{
	Dot:    dotGoF16,
	Cosine: cosineGoF16,
}

var int8Funcs = map[Metric]SimFuncI8{
	Dot: dotGoI8,
}

// GetFloat32Func returns the similarity function for metric at float32
// precision, or an error if the metric is not supported.
func GetFloat32Func(metric Metric) (SimFuncF32, error) {
	fn, ok := float32Funcs[metric]
	if !ok {
		return nil, fmt.Errorf("metric %q not supported for float32 precision", metric)
	}
	return fn, nil
}

// GetFloat16Func returns the similarity function for metric at float16
// precision, or an error if the metric is not supported.
func GetFloat16Func(metric Metric) (SimFuncF16, error) {
	fn, ok := float16Funcs[metric]
	if !ok {
		return nil, fmt.Errorf("metric %q not supported for float16 precision", metric)
	}
	return fn, nil
}

// GetInt8Func returns the similarity function for metric at int8
// precision, or an error if the metric is not supported.
func GetInt8Func(metric Metric) (SimFuncI8, error) {
	fn, ok := int8Funcs[metric]
	if !ok {
		return nil, fmt.Errorf("metric %q not supported for int8 precision", metric)
	}
	return fn, nil
}

// Axpy computes y += alpha*x in place. Both slices must have the same
// length; mismatches are a programming error and panic via the BLAS layer.
func Axpy(alpha float32, x, y []float32) {
	gonumEngine.Saxpy(len(x), alpha, x, 1, y, 1)
}

// Scal scales x by alpha in place.
func Scal(alpha float32, x []float32) {
	gonumEngine.Sscal(len(x), alpha, x, 1)
}

// Norm returns the Euclidean norm of v.
func Norm(v []float32) float64 {
	return math.Sqrt(float64(gonumEngine.Sdot(len(v), v, 1, v, 1)))
}

// Normalize scales v to unit length in place and returns the original
// norm. Zero vectors are left untouched.
func Normalize(v []float32) float64 {
	n := Norm(v)
	if n == 0 {
		return 0
	}
	inv := float32(1.0 / n)
	for i := range v {
		v[i] *= inv
	}
	return n
}

// ToFloat16 converts a float32 vector to its float16 bit representation.
func ToFloat16(v []float32) []uint16 {
	out := make([]uint16, len(v))
	for i, f := range v {
		out[i] = float16.Fromfloat32(f).Bits()
	}
	return out
}

// FromFloat16 converts float16 bits back to float32.
func FromFloat16(v []uint16) []float32 {
	out := make([]float32, len(v))
	for i, b := range v {
		out[i] = float16.Frombits(b).Float32()
	}
	return out
}
