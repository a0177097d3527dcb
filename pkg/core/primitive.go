package core

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"
)

// EmbeddingBundle is the language field attached to one primitive: one
// embedding vector per configured scale level plus a learned scale
// selection weight. The vector count is fixed at scene configuration
// time and never changes over the primitive's life.
type EmbeddingBundle struct {
	Vectors     [][]float32
	ScaleWeight float32
}

// NewBundle allocates a zeroed bundle with k vectors of dim components.
func NewBundle(k, dim int) EmbeddingBundle {
	vecs := make([][]float32, k)
	for i := range vecs {
		vecs[i] = make([]float32, dim)
	}
	return EmbeddingBundle{Vectors: vecs}
}

// Clone deep-copies the bundle.
func (b EmbeddingBundle) Clone() EmbeddingBundle {
	out := EmbeddingBundle{
		Vectors:     make([][]float32, len(b.Vectors)),
		ScaleWeight: b.ScaleWeight,
	}
	for i, v := range b.Vectors {
		out.Vectors[i] = append([]float32(nil), v...)
	}
	return out
}

// ScaleBlend maps a normalized scale s in [0,1] onto the k discrete
// levels: it returns the two bracketing level indices and the blend
// fraction toward hi. Out-of-range scales clamp to the end levels. The
// same rule positions pyramid lookups, rendered embeddings and query
// scoring on one scale axis.
func ScaleBlend(k int, s float64) (lo, hi int, f float32) {
	if k <= 1 {
		return 0, 0, 0
	}
	if s < 0 {
		s = 0
	}
	if s > 1 {
		s = 1
	}
	pos := s * float64(k-1)
	lo = int(math.Floor(pos))
	if lo >= k-1 {
		return k - 1, k - 1, 0
	}
	return lo, lo + 1, float32(pos - float64(lo))
}

// AtScale evaluates the bundle at a continuous scale, blending the two
// bracketing level vectors into out. out must have the vector dim.
func (b EmbeddingBundle) AtScale(s float64, out []float32) {
	lo, hi, f := ScaleBlend(len(b.Vectors), s)
	vlo, vhi := b.Vectors[lo], b.Vectors[hi]
	for i := range out {
		out[i] = vlo[i]*(1-f) + vhi[i]*f
	}
}

// Validate checks the bundle shape against the scene configuration.
func (b EmbeddingBundle) Validate(k, dim int) error {
	if len(b.Vectors) != k {
		return fmt.Errorf("bundle has %d vectors, want %d", len(b.Vectors), k)
	}
	for i, v := range b.Vectors {
		if len(v) != dim {
			return fmt.Errorf("bundle vector %d has dim %d, want %d", i, len(v), dim)
		}
	}
	return nil
}

// Primitive is the atomic scene element: an anisotropic splat with
// geometry, opacity, view-dependent appearance and a language embedding
// bundle. Primitives are created and destroyed only by the optimizer
// loop's refinement phase.
type Primitive struct {
	ID       uint32
	Center   r3.Vec
	LogScale r3.Vec // per-axis scale, log-space
	Rotation quat.Number
	Opacity  float32 // logit-space
	Color    [3]float32
	// SHRest holds higher-order spherical-harmonic appearance
	// coefficients. May be empty when only the base color is optimized.
	SHRest []float32
	Bundle EmbeddingBundle

	// ObsCount is the number of optimization steps in which this
	// primitive received supervision. It drives the lifelong
	// learning-rate damping, so it is persisted with the scene.
	ObsCount     uint32
	CreatedStep  uint64
	LastSeenStep uint64
}

// WorldScale returns the linear (exponentiated) per-axis scale.
func (p *Primitive) WorldScale() r3.Vec {
	return r3.Vec{
		X: math.Exp(p.LogScale.X),
		Y: math.Exp(p.LogScale.Y),
		Z: math.Exp(p.LogScale.Z),
	}
}

// MaxScale returns the largest linear scale across axes.
func (p *Primitive) MaxScale() float64 {
	s := p.WorldScale()
	return math.Max(s.X, math.Max(s.Y, s.Z))
}

// Alpha returns the opacity in [0,1].
func (p *Primitive) Alpha() float32 {
	return Sigmoid(p.Opacity)
}

// SetAlpha stores opacity from its [0,1] form, clamping away from the
// saturated ends so the logit stays finite.
func (p *Primitive) SetAlpha(a float32) {
	p.Opacity = Logit(a)
}

// Sigmoid maps a logit to (0,1).
func Sigmoid(x float32) float32 {
	return float32(1 / (1 + math.Exp(-float64(x))))
}

// Logit is the inverse of Sigmoid, with inputs clamped to [1e-6, 1-1e-6].
func Logit(a float32) float32 {
	const eps = 1e-6
	if a < eps {
		a = eps
	}
	if a > 1-eps {
		a = 1 - eps
	}
	return float32(math.Log(float64(a) / (1 - float64(a))))
}
