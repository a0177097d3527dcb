// Package render turns scene primitives into observations (images and
// language-embedding maps) and loss derivatives at those observations
// back into per-primitive derivatives for the optimizer.
package render

import (
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/semafield/semafield/pkg/core"
)

// Camera is a viewpoint: the pose the scene is observed from and the
// pinhole model mapping camera space to pixels.
type Camera struct {
	Pose core.Pose
	Intr core.Intrinsics
}

// Visibility records how many pixels one primitive contributed to in a
// forward render.
type Visibility struct {
	ID     uint32
	Pixels int
}

// Result is one forward render. The image and alpha cover every pixel;
// the language map is rendered at EmbStride pixel spacing to keep its
// cost proportional to the embedding dim. Results also carry the replay
// state Backward needs, so a Result is only valid against the renderer
// that produced it.
type Result struct {
	Image *core.Image
	Alpha []float32 // per pixel, 1 minus remaining transmittance

	// Embeddings is the rendered language map, Dim floats per cell,
	// row-major. Cell (cx, cy) is anchored at pixel (cx*EmbStride,
	// cy*EmbStride).
	Embeddings []float32
	EmbW, EmbH int
	EmbStride  int
	Dim        int

	// Visible lists the contributing primitives ordered by ID.
	Visible []Visibility

	splats []splat
	tiles  tileGrid
	scale  float64
	cam    Camera
}

// PixelGrads carries the loss derivative at each rendered output.
// Image is dL/d(pixel color), 3 floats per pixel; Emb is
// dL/d(embedding cell), Dim floats per cell. Either may be nil when the
// step has no corresponding loss term.
type PixelGrads struct {
	Image []float32
	Emb   []float32
}

// Grad is the accumulated loss derivative for one primitive from one
// rendered frame. Parameters the reference rasterizer does not
// differentiate (rotation, spherical-harmonic rest) are absent.
type Grad struct {
	ID     uint32
	Pixels int

	// Center is the world-space dL/dcenter.
	Center r3.Vec
	// LogScale is dL/d(shared log scale); the splat footprint uses the
	// geometric mean of the axes, so the caller applies this same value
	// to each axis.
	LogScale float64
	// Opacity is dL/d(logit opacity).
	Opacity float32
	Color   [3]float32

	// ScreenNorm is the norm of the accumulated screen-space positional
	// gradient, the densification pressure signal.
	ScreenNorm float64

	// Bundle holds dL/d(bundle vector) per level; only the two levels
	// bracketing the render scale receive mass, the rest stay nil.
	Bundle [][]float32
}

// Renderer is the rasterization collaborator of the optimizer loop.
// Implementations must be deterministic for a fixed primitive set,
// camera and scale.
type Renderer interface {
	// Render composites the primitives seen from cam into an image and
	// a language map evaluated at the given normalized scale.
	Render(prims []*core.Primitive, cam Camera, scale float64) (*Result, error)
	// Backward distributes pixel-level loss derivatives of a prior
	// Render back to the primitives that produced it. Only primitives
	// with at least one contributing pixel appear in the output,
	// ordered by ID.
	Backward(res *Result, grads *PixelGrads) ([]Grad, error)
}
