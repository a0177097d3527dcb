// Package optimize runs the incremental optimization loop: the sole
// writer of the scene, consuming posed frames in batches, fusing their
// language features into the primitives and refining the primitive set
// over time.
package optimize

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync/atomic"

	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/semafield/semafield/pkg/core"
	"github.com/semafield/semafield/pkg/encoders"
	"github.com/semafield/semafield/pkg/events"
	"github.com/semafield/semafield/pkg/features"
	"github.com/semafield/semafield/pkg/ingest"
	"github.com/semafield/semafield/pkg/render"
)

// State names the loop's position in its cycle.
type State string

const (
	StateIdle          State = "idle"
	StateFetching      State = "fetching"
	StateComputingLoss State = "computing_loss"
	StateBackprop      State = "backprop"
	StateRefine        State = "refine"
	StateStopped       State = "stopped"
)

// Config tunes the loop. Start from DefaultConfig and override; a zero
// weight disables the corresponding loss term, a zero RefineEvery
// disables refinement, a zero SeedPerFrame disables seeding.
type Config struct {
	// BatchSize caps how many frames one optimization step consumes.
	BatchSize int

	// Base learning rates per parameter group.
	LRGeometry float64
	LROpacity  float64
	LRColor    float64
	LRBundle   float64

	// Lifelong damping of the language field: the bundle learning rate
	// decays by exp(-LifelongDecay * obsCount), floored at
	// LRBundle * LRMinFactor.
	LifelongDecay float64
	LRMinFactor   float64

	// Loss weights.
	SSIMWeight           float64
	LanguageWeight       float64
	HuberDelta           float64
	AuxWeight            float64
	ScaleStabilityWeight float64

	// Refinement schedule. SplitBundleJitter is the stddev of the noise
	// a densified child's bundle receives on top of the parent's values.
	WarmupSteps       uint64
	RefineEvery       uint64
	DensifyGradThresh float64
	DensifySizeThresh float64
	SplitSamples      int
	SplitShrink       float64
	SplitBundleJitter float64
	CullOpacity       float64
	CullScale         float64
	StaleAge          uint64
	ResetAlphaEvery   int
	ResetAlphaTo      float64
	MaxAnisotropy     float64

	// Seeding of uncovered frame regions.
	SeedAlphaFloor float64
	SeedPerFrame   int
	SeedDepth      float64
	SeedScale      float64
	SeedAlpha      float64
	MaxPrimitives  int

	// Best-scale search per frame.
	ScaleSweep features.ScaleSweep

	// RandSeed feeds the split and seed samplers; a fixed seed makes a
	// run reproducible.
	RandSeed int64
}

// DefaultConfig returns the loop defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize: 4,

		LRGeometry: 2e-4,
		LROpacity:  0.05,
		LRColor:    2.5e-3,
		LRBundle:   2.5e-3,

		LifelongDecay: 0.05,
		LRMinFactor:   0.05,

		SSIMWeight:           0.2,
		LanguageWeight:       0.1,
		HuberDelta:           1.25,
		AuxWeight:            0.05,
		ScaleStabilityWeight: 0.01,

		WarmupSteps:       1000,
		RefineEvery:       75,
		DensifyGradThresh: 5e-5,
		DensifySizeThresh: 0.01,
		SplitSamples:      2,
		SplitShrink:       1.6,
		SplitBundleJitter: 1e-3,
		CullOpacity:       0.1,
		CullScale:         2.9,
		StaleAge:          4000,
		ResetAlphaEvery:   60,
		ResetAlphaTo:      0.15,
		MaxAnisotropy:     5.0,

		SeedAlphaFloor: 0.5,
		SeedPerFrame:   128,
		SeedDepth:      2.0,
		SeedScale:      0.05,
		SeedAlpha:      0.3,
		MaxPrimitives:  500_000,

		ScaleSweep: features.DefaultScaleSweep(),
		RandSeed:   1,
	}
}

// Stats is a point-in-time snapshot of the loop's counters.
type Stats struct {
	State           State
	Steps           uint64
	FramesProcessed uint64
	FramesSkipped   uint64
	StepsDiverged   uint64
	Refines         uint64
	LastLoss        float64
	// EncoderStreak counts consecutive frames lost to an unavailable
	// encoder; it resets on the first successful extraction.
	EncoderStreak int64
}

// Loop is the incremental optimizer. It is the only writer of its
// Scene; run it on exactly one goroutine via Run.
type Loop struct {
	cfg      Config
	scene    *core.Scene
	queue    *ingest.Queue
	pyramid  *features.Extractor
	aux      *features.AuxExtractor
	renderer render.Renderer
	rec      events.Recorder
	policy   LifelongPolicy
	rng      *rand.Rand

	state atomic.Value

	// refineAcc gathers densification pressure between refines. Only
	// the loop goroutine touches it.
	refineAcc map[uint32]*refineStats

	steps         atomic.Uint64
	processed     atomic.Uint64
	skipped       atomic.Uint64
	diverged      atomic.Uint64
	refines       atomic.Uint64
	lastLoss      atomic.Uint64
	encoderStreak atomic.Int64
}

type refineStats struct {
	gradSum float64
	seen    int
}

// NewLoop wires the loop's collaborators. rec may be nil.
func NewLoop(cfg Config, scene *core.Scene, queue *ingest.Queue, pyramid *features.Extractor, aux *features.AuxExtractor, renderer render.Renderer, rec events.Recorder) (*Loop, error) {
	if scene == nil || queue == nil || pyramid == nil || aux == nil || renderer == nil {
		return nil, errors.New("optimize: scene, queue, extractors and renderer are all required")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1
	}
	l := &Loop{
		cfg:      cfg,
		scene:    scene,
		queue:    queue,
		pyramid:  pyramid,
		aux:      aux,
		renderer: renderer,
		rec:      rec,
		policy: LifelongPolicy{
			Base:  cfg.LRBundle,
			Decay: cfg.LifelongDecay,
			Floor: cfg.LRBundle * cfg.LRMinFactor,
		},
		rng:       rand.New(rand.NewSource(cfg.RandSeed)),
		refineAcc: make(map[uint32]*refineStats),
	}
	l.state.Store(StateIdle)
	return l, nil
}

// Run cycles the state machine until the queue closes (nil return) or
// the context is canceled. The in-flight batch always finishes; no
// partially applied step is left behind.
func (l *Loop) Run(ctx context.Context) error {
	defer l.state.Store(StateStopped)
	for {
		l.state.Store(StateFetching)
		batch, err := l.queue.DequeueBatch(ctx, l.cfg.BatchSize)
		if err != nil {
			if errors.Is(err, ingest.ErrQueueClosed) {
				return nil
			}
			return err
		}
		if err := l.step(ctx, batch); err != nil {
			return err
		}
		l.state.Store(StateIdle)
	}
}

// Stats returns the loop counters.
func (l *Loop) Stats() Stats {
	st, _ := l.state.Load().(State)
	if st == "" {
		st = StateIdle
	}
	return Stats{
		State:           st,
		Steps:           l.steps.Load(),
		FramesProcessed: l.processed.Load(),
		FramesSkipped:   l.skipped.Load(),
		StepsDiverged:   l.diverged.Load(),
		Refines:         l.refines.Load(),
		LastLoss:        math.Float64frombits(l.lastLoss.Load()),
		EncoderStreak:   l.encoderStreak.Load(),
	}
}

// frameWork is the per-frame product of the ComputingLoss phase.
type frameWork struct {
	frame     *core.PosedFrame
	pyr       *features.PyramidMap
	aux       *encoders.DenseFeatures
	scale     float64
	res       *render.Result
	imageGrad []float32
	embGrad   []float32
	loss      float64
}

// primGrad is a render.Grad merged across the frames of one batch plus
// the loop-level scale-stability term.
type primGrad struct {
	center      r3.Vec
	logScale    float64
	opacity     float32
	color       [3]float32
	bundle      [][]float32
	scaleWeight float64
	screenNorm  float64
	pixels      int
}

type pendingEvent struct {
	kind   events.Kind
	err    error
	fields []any
}

// step runs one full ComputingLoss -> Backprop -> Refine pass over a
// batch. Per-frame failures skip the frame and continue; only internal
// inconsistencies (a backward pass rejecting its own forward result)
// abort the loop.
func (l *Loop) step(ctx context.Context, batch []*core.PosedFrame) error {
	l.state.Store(StateComputingLoss)
	prims := l.scene.Primitives()
	primByID := make(map[uint32]*core.Primitive, len(prims))
	for _, p := range prims {
		primByID[p.ID] = p
	}

	work := make([]*frameWork, 0, len(batch))
	for _, f := range batch {
		w, err := l.prepareFrame(ctx, f, prims)
		if err != nil {
			l.skipFrame(f, err)
			continue
		}
		work = append(work, w)
	}
	if len(work) == 0 {
		return nil
	}

	l.state.Store(StateBackprop)
	combined := make(map[uint32]*primGrad)
	totalLoss := 0.0
	for _, w := range work {
		totalLoss += w.loss
		gs, err := l.renderer.Backward(w.res, &render.PixelGrads{Image: w.imageGrad, Emb: w.embGrad})
		if err != nil {
			return fmt.Errorf("optimize: backward: %w", err)
		}
		for i := range gs {
			mergeGrad(combined, &gs[i])
		}
		if l.cfg.ScaleStabilityWeight > 0 && len(w.res.Visible) > 0 {
			wv := l.cfg.ScaleStabilityWeight / float64(len(w.res.Visible))
			for _, v := range w.res.Visible {
				p := primByID[v.ID]
				if p == nil {
					continue
				}
				d := float64(p.Bundle.ScaleWeight) - w.scale
				totalLoss += wv * d * d
				pg := combined[v.ID]
				if pg == nil {
					pg = &primGrad{}
					combined[v.ID] = pg
				}
				pg.scaleWeight += 2 * wv * d
			}
		}
	}

	var emits []pendingEvent
	l.scene.Lock()
	step := l.scene.StepUnlocked() + 1

	undo := make([]undoRec, 0, len(combined))
	for id, g := range combined {
		if p := primByID[id]; p != nil {
			undo = append(undo, l.applyGrad(p, g))
		}
	}

	if !finite(totalLoss) || !updatedParamsFinite(combined, primByID) {
		for i := range undo {
			undo[i].restore()
		}
		l.diverged.Add(1)
		emits = append(emits, pendingEvent{
			kind:   events.StepDiverged,
			fields: []any{"loss", totalLoss, "frames", len(work)},
		})
	} else {
		for id := range combined {
			l.scene.ReindexUnlocked(id)
			l.scene.TouchUnlocked(id, step)
			acc := l.refineAcc[id]
			if acc == nil {
				acc = &refineStats{}
				l.refineAcc[id] = acc
			}
			acc.gradSum += combined[id].screenNorm
			acc.seen++
		}
		for _, w := range work {
			l.maybeSeedLocked(w, step)
		}
		if l.cfg.RefineEvery > 0 && step > l.cfg.WarmupSteps && step%l.cfg.RefineEvery == 0 {
			l.state.Store(StateRefine)
			l.refineLocked(step)
		}
		l.scene.CommitStepUnlocked()
		l.steps.Add(1)
		l.processed.Add(uint64(len(work)))
		l.lastLoss.Store(math.Float64bits(totalLoss))
	}
	l.scene.Unlock()

	for _, e := range emits {
		events.Emit(l.rec, e.kind, e.err, e.fields...)
	}
	return nil
}

// prepareFrame validates, extracts, picks the best scale, renders and
// evaluates the composite loss for one frame.
func (l *Loop) prepareFrame(ctx context.Context, f *core.PosedFrame, prims []*core.Primitive) (*frameWork, error) {
	if err := f.Validate(); err != nil {
		return nil, fmt.Errorf("malformed frame: %w", err)
	}
	pyr, err := l.pyramid.Extract(ctx, f)
	if err != nil {
		return nil, err
	}
	aux, err := l.aux.Extract(ctx, f)
	if err != nil {
		return nil, err
	}
	l.encoderStreak.Store(0)

	scale := features.BestScale(pyr, aux, l.cfg.ScaleSweep)
	res, err := l.renderer.Render(prims, render.Camera{Pose: f.Pose, Intr: f.Intrinsics}, scale)
	if err != nil {
		return nil, err
	}

	w := &frameWork{frame: f, pyr: pyr, aux: aux, scale: scale, res: res}
	w.imageGrad = make([]float32, len(res.Image.Pix))
	w.loss = l1Loss(res.Image.Pix, f.Image.Pix, w.imageGrad, 1.0)
	if l.cfg.SSIMWeight > 0 {
		w.loss += ssimLoss(res.Image.Pix, f.Image.Pix, f.Image.W, f.Image.H, w.imageGrad, l.cfg.SSIMWeight)
	}
	if len(res.Embeddings) > 0 {
		w.embGrad = make([]float32, len(res.Embeddings))
		if l.cfg.LanguageWeight > 0 {
			w.loss += languageLoss(res, pyr, scale, l.cfg.HuberDelta, l.cfg.LanguageWeight, w.embGrad)
		}
		if l.cfg.AuxWeight > 0 {
			w.loss += auxSmoothLoss(res, aux, l.cfg.AuxWeight, w.embGrad)
		}
	}
	return w, nil
}

func (l *Loop) skipFrame(f *core.PosedFrame, err error) {
	l.skipped.Add(1)
	if errors.Is(err, encoders.ErrEncoderUnavailable) {
		l.encoderStreak.Add(1)
		events.Emit(l.rec, events.EncoderUnavailable, err, "frame_id", f.ID.String())
	}
	events.Emit(l.rec, events.FrameSkipped, err, "frame_id", f.ID.String())
}

func mergeGrad(dst map[uint32]*primGrad, g *render.Grad) {
	pg := dst[g.ID]
	if pg == nil {
		pg = &primGrad{}
		dst[g.ID] = pg
	}
	pg.center = r3.Add(pg.center, g.Center)
	pg.logScale += g.LogScale
	pg.opacity += g.Opacity
	for c := 0; c < 3; c++ {
		pg.color[c] += g.Color[c]
	}
	pg.screenNorm += g.ScreenNorm
	pg.pixels += g.Pixels
	if g.Bundle != nil {
		if pg.bundle == nil {
			pg.bundle = make([][]float32, len(g.Bundle))
		}
		for lv, v := range g.Bundle {
			if v == nil {
				continue
			}
			if pg.bundle[lv] == nil {
				pg.bundle[lv] = make([]float32, len(v))
			}
			for i := range v {
				pg.bundle[lv][i] += v[i]
			}
		}
	}
}

// undoRec captures the pre-update values of every parameter applyGrad
// touches, so a diverged step can be rolled back exactly.
type undoRec struct {
	p           *core.Primitive
	center      r3.Vec
	logScale    r3.Vec
	opacity     float32
	color       [3]float32
	bundle      map[int][]float32
	scaleWeight float32
}

func (u *undoRec) restore() {
	u.p.Center = u.center
	u.p.LogScale = u.logScale
	u.p.Opacity = u.opacity
	u.p.Color = u.color
	for lv, v := range u.bundle {
		copy(u.p.Bundle.Vectors[lv], v)
	}
	u.p.Bundle.ScaleWeight = u.scaleWeight
}

// applyGrad performs the SGD update for one primitive. The language
// field goes through the lifelong policy keyed on the observation count
// before this step's supervision is recorded, so a revisited primitive
// moves strictly less than it did on first sight.
func (l *Loop) applyGrad(p *core.Primitive, g *primGrad) undoRec {
	u := undoRec{
		p:           p,
		center:      p.Center,
		logScale:    p.LogScale,
		opacity:     p.Opacity,
		color:       p.Color,
		scaleWeight: p.Bundle.ScaleWeight,
	}
	p.Center = r3.Sub(p.Center, r3.Scale(l.cfg.LRGeometry, g.center))
	d := l.cfg.LRGeometry * g.logScale
	p.LogScale.X -= d
	p.LogScale.Y -= d
	p.LogScale.Z -= d
	p.Opacity -= float32(l.cfg.LROpacity) * g.opacity
	for c := 0; c < 3; c++ {
		p.Color[c] -= float32(l.cfg.LRColor) * g.color[c]
	}

	lr := float32(l.policy.EffectiveLR(p.ObsCount))
	if g.bundle != nil {
		u.bundle = make(map[int][]float32, 2)
		for lv, gv := range g.bundle {
			if gv == nil {
				continue
			}
			u.bundle[lv] = append([]float32(nil), p.Bundle.Vectors[lv]...)
			vec := p.Bundle.Vectors[lv]
			for i := range vec {
				vec[i] -= lr * gv[i]
			}
		}
	}
	p.Bundle.ScaleWeight -= lr * float32(g.scaleWeight)
	return u
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

func finite32(f float32) bool {
	return finite(float64(f))
}

func finiteVec(v r3.Vec) bool {
	return finite(v.X) && finite(v.Y) && finite(v.Z)
}

// updatedParamsFinite spot-checks every parameter the step touched.
func updatedParamsFinite(combined map[uint32]*primGrad, byID map[uint32]*core.Primitive) bool {
	for id, g := range combined {
		p := byID[id]
		if p == nil {
			continue
		}
		if !finiteVec(p.Center) || !finiteVec(p.LogScale) || !finite32(p.Opacity) {
			return false
		}
		for _, c := range p.Color {
			if !finite32(c) {
				return false
			}
		}
		if !finite32(p.Bundle.ScaleWeight) {
			return false
		}
		for lv, gv := range g.bundle {
			if gv == nil {
				continue
			}
			for _, v := range p.Bundle.Vectors[lv] {
				if !finite32(v) {
					return false
				}
			}
		}
	}
	return true
}

func meanAlpha(alpha []float32) float64 {
	if len(alpha) == 0 {
		return 0
	}
	sum := 0.0
	for _, a := range alpha {
		sum += float64(a)
	}
	return sum / float64(len(alpha))
}

// maybeSeedLocked adds primitives for frame regions the current scene
// leaves uncovered. Seeds unproject image pixels along the camera ray
// and take their bundle directly from the frame's pyramid, so a brand
// new region becomes queryable after its first step.
func (l *Loop) maybeSeedLocked(w *frameWork, step uint64) {
	if l.cfg.SeedPerFrame <= 0 {
		return
	}
	room := l.cfg.MaxPrimitives - l.scene.LenUnlocked()
	if room <= 0 {
		return
	}
	if l.scene.LenUnlocked() > 0 && meanAlpha(w.res.Alpha) >= l.cfg.SeedAlphaFloor {
		return
	}
	budget := min(l.cfg.SeedPerFrame, room)
	img := w.frame.Image

	// Candidate lattice twice the budget, keeping only uncovered spots.
	cand := l.cfg.SeedPerFrame * 2
	gw := int(math.Ceil(math.Sqrt(float64(cand) * float64(img.W) / float64(img.H))))
	if gw < 1 {
		gw = 1
	}
	gh := (cand + gw - 1) / gw
	seeded := 0
	for iy := 0; iy < gh && seeded < budget; iy++ {
		for ix := 0; ix < gw && seeded < budget; ix++ {
			x := (float64(ix) + 0.5) / float64(gw) * float64(img.W)
			y := (float64(iy) + 0.5) / float64(gh) * float64(img.H)
			xi, yi := int(x), int(y)
			if w.res.Alpha[yi*img.W+xi] >= float32(l.cfg.SeedAlphaFloor) {
				continue
			}
			l.seedAtLocked(w, x, y, xi, yi, step)
			seeded++
		}
	}
}

func (l *Loop) seedAtLocked(w *frameWork, x, y float64, xi, yi int, step uint64) {
	f := w.frame
	depth := l.cfg.SeedDepth * (0.8 + 0.4*l.rng.Float64())
	dir := r3.Vec{
		X: (x - f.Intrinsics.Cx) / f.Intrinsics.Fx,
		Y: (y - f.Intrinsics.Cy) / f.Intrinsics.Fy,
		Z: 1,
	}
	cfg := l.scene.Config()
	ls := math.Log(l.cfg.SeedScale)
	p := &core.Primitive{
		Center:       f.Pose.CameraToWorld(r3.Scale(depth, dir)),
		LogScale:     r3.Vec{X: ls, Y: ls, Z: ls},
		Rotation:     quat.Number{Real: 1},
		Color:        f.Image.At(xi, yi),
		Bundle:       core.NewBundle(cfg.ScaleLevels, cfg.EmbeddingDim),
		CreatedStep:  step,
		LastSeenStep: step,
	}
	p.SetAlpha(float32(l.cfg.SeedAlpha))
	for lv := range p.Bundle.Vectors {
		w.pyr.LevelEmbeddingAt(lv, x, y, p.Bundle.Vectors[lv])
	}
	p.Bundle.ScaleWeight = float32(w.scale)
	if _, err := l.scene.InsertUnlocked(p); err != nil {
		// Bundle shape mismatch cannot happen for a bundle built from
		// the scene's own configuration.
		return
	}
}
