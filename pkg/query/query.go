// Package query scores the language field of a scene snapshot against
// natural-language prompts. Queries read published scene views only and
// never touch live optimizer state, so any number of them can run while
// training continues.
package query

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/semafield/semafield/pkg/core"
	"github.com/semafield/semafield/pkg/encoders"
	"github.com/semafield/semafield/pkg/vecmath"
)

// CanonicalNegatives are the default contrast prompts. A relevancy score
// is the query prompt's softmax share against these, which calibrates
// raw similarities into a usable 0..1 range.
var CanonicalNegatives = []string{"object", "things", "stuff", "texture"}

// Options tunes one query.
type Options struct {
	// Level selects a single bundle level; a negative value sweeps the
	// continuous scale axis and keeps each primitive's best response.
	Level int
	// SweepSteps is the resolution of the scale sweep when Level is
	// negative.
	SweepSteps int
	// Negatives overrides CanonicalNegatives. Empty keeps the canonical
	// set.
	Negatives []string
	// MinAlpha drops nearly transparent primitives before scoring.
	MinAlpha float32
	// TopK caps the result count; zero or negative returns everything.
	TopK int
}

// DefaultOptions sweeps all scales with the canonical negatives.
func DefaultOptions() Options {
	return Options{Level: -1, SweepSteps: 30, MinAlpha: 0.05}
}

// Result is one scored primitive, best scale first.
type Result struct {
	ID     uint32
	Score  float64
	Scale  float64
	Center r3.Vec
	Alpha  float32
	// Invalid marks a bundle holding non-finite values. Score is NaN and
	// the entry sorts after every valid one instead of disappearing, so
	// corruption stays observable.
	Invalid bool
}

// CellScore aggregates the relevancy of all primitives inside one voxel.
type CellScore struct {
	Cell   [3]int
	Center r3.Vec
	Score  float64
	Best   uint32
	Count  int
}

// Engine embeds prompts and scores views. Negative-prompt embeddings are
// cached after the first use since the canonical set never changes
// within a session.
type Engine struct {
	enc encoders.Encoder

	mu       sync.RWMutex
	negCache map[string][]float32
}

// New wraps a text encoder.
func New(enc encoders.Encoder) (*Engine, error) {
	if enc == nil {
		return nil, fmt.Errorf("query: nil encoder")
	}
	return &Engine{enc: enc, negCache: make(map[string][]float32)}, nil
}

// Query scores every primitive of the view against text. Results come
// back sorted by score, invalid bundles last, capped at opts.TopK.
func (e *Engine) Query(ctx context.Context, view *core.SceneView, text string, opts Options) ([]Result, error) {
	if view == nil || len(view.Prims) == 0 {
		return nil, nil
	}
	if opts.SweepSteps <= 0 {
		opts.SweepSteps = DefaultOptions().SweepSteps
	}
	if opts.Level >= view.Levels {
		return nil, fmt.Errorf("query: level %d out of range, view has %d levels", opts.Level, view.Levels)
	}

	qvec, err := e.enc.EncodeText(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("query %q: %w", text, err)
	}
	if len(qvec) != view.Dim {
		return nil, fmt.Errorf("query: encoder dim %d does not match view dim %d", len(qvec), view.Dim)
	}

	negs := opts.Negatives
	if len(negs) == 0 {
		negs = CanonicalNegatives
	}
	negVecs := make([][]float32, len(negs))
	for i, n := range negs {
		v, err := e.negative(ctx, n)
		if err != nil {
			return nil, err
		}
		if len(v) != view.Dim {
			return nil, fmt.Errorf("query: negative %q dim %d does not match view dim %d", n, len(v), view.Dim)
		}
		negVecs[i] = v
	}

	sc, err := newScorer(view, qvec, negVecs)
	if err != nil {
		return nil, err
	}

	results := make([]Result, 0, len(view.Prims))
	for i := range view.Prims {
		pv := &view.Prims[i]
		if pv.Alpha < opts.MinAlpha {
			continue
		}
		r, err := sc.score(pv, &opts)
		if err != nil {
			return nil, err
		}
		results = append(results, r)
	}

	sort.Slice(results, func(i, j int) bool {
		a, b := &results[i], &results[j]
		if a.Invalid != b.Invalid {
			return !a.Invalid
		}
		if !a.Invalid && a.Score != b.Score {
			return a.Score > b.Score
		}
		return a.ID < b.ID
	})
	if opts.TopK > 0 && len(results) > opts.TopK {
		results = results[:opts.TopK]
	}
	return results, nil
}

// QueryCells buckets Query results into axis-aligned voxels of the given
// edge, keeping each voxel's best member. This is the map-level answer
// for "where is X", one entry per occupied region instead of per splat.
func (e *Engine) QueryCells(ctx context.Context, view *core.SceneView, text string, cellSize float64, opts Options) ([]CellScore, error) {
	if cellSize <= 0 {
		return nil, fmt.Errorf("query: cell size must be positive")
	}
	topK := opts.TopK
	opts.TopK = 0
	results, err := e.Query(ctx, view, text, opts)
	if err != nil {
		return nil, err
	}

	byCell := make(map[[3]int]*CellScore)
	for _, r := range results {
		if r.Invalid {
			continue
		}
		c := [3]int{
			int(math.Floor(r.Center.X / cellSize)),
			int(math.Floor(r.Center.Y / cellSize)),
			int(math.Floor(r.Center.Z / cellSize)),
		}
		cs := byCell[c]
		if cs == nil {
			cs = &CellScore{
				Cell: c,
				Center: r3.Vec{
					X: (float64(c[0]) + 0.5) * cellSize,
					Y: (float64(c[1]) + 0.5) * cellSize,
					Z: (float64(c[2]) + 0.5) * cellSize,
				},
			}
			byCell[c] = cs
		}
		cs.Count++
		if r.Score > cs.Score {
			cs.Score = r.Score
			cs.Best = r.ID
		}
	}

	out := make([]CellScore, 0, len(byCell))
	for _, cs := range byCell {
		out = append(out, *cs)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return cellLess(out[i].Cell, out[j].Cell)
	})
	if topK > 0 && len(out) > topK {
		out = out[:topK]
	}
	return out, nil
}

func cellLess(a, b [3]int) bool {
	for i := 0; i < 3; i++ {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

// negative returns the cached embedding for a contrast prompt, encoding
// it on first use.
func (e *Engine) negative(ctx context.Context, text string) ([]float32, error) {
	e.mu.RLock()
	v, ok := e.negCache[text]
	e.mu.RUnlock()
	if ok {
		return v, nil
	}

	v, err := e.enc.EncodeText(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("negative %q: %w", text, err)
	}
	e.mu.Lock()
	if prev, ok := e.negCache[text]; ok {
		v = prev
	} else {
		e.negCache[text] = v
	}
	e.mu.Unlock()
	return v, nil
}

// relevancy is the softmax share of the query similarity against the
// negatives. Similarities live in [-1, 1], so the exponentials cannot
// overflow.
func relevancy(sq float64, negSims []float64) float64 {
	eq := math.Exp(sq)
	den := eq
	for _, sn := range negSims {
		den += math.Exp(sn)
	}
	return eq / den
}

// scorer evaluates similarities against one view, dispatching on the
// view's storage precision. Scale sweeps always blend in float32; pure
// level lookups on float16 views use the float16 kernel directly.
type scorer struct {
	view   *core.SceneView
	q      []float32
	negs   [][]float32
	q16    []uint16
	negs16 [][]uint16
	cos32  vecmath.SimFuncF32
	cos16  vecmath.SimFuncF16
	blend  []float32
	levels [][]float32
	sims   []float64
}

func newScorer(view *core.SceneView, q []float32, negs [][]float32) (*scorer, error) {
	cos32, err := vecmath.GetFloat32Func(vecmath.Cosine)
	if err != nil {
		return nil, err
	}
	sc := &scorer{
		view:   view,
		q:      q,
		negs:   negs,
		cos32:  cos32,
		blend:  make([]float32, view.Dim),
		levels: make([][]float32, view.Levels),
		sims:   make([]float64, len(negs)),
	}
	if view.Precision == vecmath.Float16 {
		if sc.cos16, err = vecmath.GetFloat16Func(vecmath.Cosine); err != nil {
			return nil, err
		}
		sc.q16 = vecmath.ToFloat16(q)
		sc.negs16 = make([][]uint16, len(negs))
		for i, n := range negs {
			sc.negs16[i] = vecmath.ToFloat16(n)
		}
	}
	return sc, nil
}

func (sc *scorer) score(pv *core.PrimitiveView, opts *Options) (Result, error) {
	r := Result{ID: pv.ID, Center: pv.Center, Alpha: pv.Alpha}

	var sq float64
	var err error
	if opts.Level >= 0 {
		r.Scale = levelScale(opts.Level, sc.view.Levels)
		if sq, err = sc.levelSims(pv, opts.Level); err != nil {
			return r, err
		}
	} else {
		if sq, r.Scale, err = sc.sweepSims(pv, opts.SweepSteps); err != nil {
			return r, err
		}
	}

	if !finite(sq) || !finiteAll(sc.sims) {
		r.Score = math.NaN()
		r.Invalid = true
		return r, nil
	}
	r.Score = relevancy(sq, sc.sims)
	return r, nil
}

// levelSims computes the query and negative similarities at one stored
// level, leaving the negatives in sc.sims.
func (sc *scorer) levelSims(pv *core.PrimitiveView, level int) (float64, error) {
	if sc.cos16 != nil {
		v := pv.VectorsF16[level]
		sq, err := sc.cos16(sc.q16, v)
		if err != nil {
			return 0, err
		}
		for i, n := range sc.negs16 {
			if sc.sims[i], err = sc.cos16(n, v); err != nil {
				return 0, err
			}
		}
		return sq, nil
	}
	v := pv.VectorsF32[level]
	sq, err := sc.cos32(sc.q, v)
	if err != nil {
		return 0, err
	}
	for i, n := range sc.negs {
		if sc.sims[i], err = sc.cos32(n, v); err != nil {
			return 0, err
		}
	}
	return sq, nil
}

// sweepSims finds the scale with the strongest query response, then
// scores the negatives at that scale. The first best scale wins ties so
// sweeps are deterministic.
func (sc *scorer) sweepSims(pv *core.PrimitiveView, steps int) (float64, float64, error) {
	vecs := pv.VectorsF32
	if sc.cos16 != nil {
		for i, v := range pv.VectorsF16 {
			sc.levels[i] = vecmath.FromFloat16(v)
		}
		vecs = sc.levels
	}

	bestSim := math.Inf(-1)
	bestScale := 0.0
	for s := 0; s < steps; s++ {
		t := 0.0
		if steps > 1 {
			t = float64(s) / float64(steps-1)
		}
		blendLevels(vecs, t, sc.blend)
		sim, err := sc.cos32(sc.q, sc.blend)
		if err != nil {
			return 0, 0, err
		}
		if sim > bestSim {
			bestSim = sim
			bestScale = t
		}
	}
	if !finite(bestSim) {
		// Every sweep position was non-finite; surface the invalidity.
		return math.NaN(), 0, nil
	}

	blendLevels(vecs, bestScale, sc.blend)
	for i, n := range sc.negs {
		sim, err := sc.cos32(n, sc.blend)
		if err != nil {
			return 0, 0, err
		}
		sc.sims[i] = sim
	}
	return bestSim, bestScale, nil
}

// blendLevels evaluates the bundle at a continuous scale into out.
func blendLevels(vecs [][]float32, t float64, out []float32) {
	lo, hi, f := core.ScaleBlend(len(vecs), t)
	vlo, vhi := vecs[lo], vecs[hi]
	for i := range out {
		out[i] = vlo[i]*(1-f) + vhi[i]*f
	}
}

func levelScale(level, levels int) float64 {
	if levels <= 1 {
		return 0
	}
	return float64(level) / float64(levels-1)
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

func finiteAll(fs []float64) bool {
	for _, f := range fs {
		if !finite(f) {
			return false
		}
	}
	return true
}
