package optimize

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/semafield/semafield/pkg/core"
	"github.com/semafield/semafield/pkg/encoders"
	"github.com/semafield/semafield/pkg/events"
	"github.com/semafield/semafield/pkg/features"
	"github.com/semafield/semafield/pkg/ingest"
	"github.com/semafield/semafield/pkg/render"
)

func testSceneConfig() core.Config {
	return core.Config{ScaleLevels: 2, EmbeddingDim: 8, CellSize: 0.5}
}

func testIntrinsics() core.Intrinsics {
	return core.Intrinsics{Fx: 30, Fy: 30, Cx: 16, Cy: 12, Width: 32, Height: 24}
}

// testLoopFrame builds a valid posed frame looking down +Z from z=-2,
// shifted by offset so the ingestion queue never flags it redundant.
func testLoopFrame(t *testing.T, offset r3.Vec) *core.PosedFrame {
	t.Helper()
	intr := testIntrinsics()
	img := core.NewImage(intr.Width, intr.Height)
	for y := 0; y < intr.Height; y++ {
		for x := 0; x < intr.Width; x++ {
			img.Set(x, y, [3]float32{
				float32(x) / float32(intr.Width),
				float32(y) / float32(intr.Height),
				0.5,
			})
		}
	}
	pose := core.Pose{
		Position:    r3.Add(r3.Vec{Z: -2}, offset),
		Orientation: quat.Number{Real: 1},
	}
	f, err := core.NewPosedFrame(img, pose, intr, time.Now())
	if err != nil {
		t.Fatalf("NewPosedFrame: %v", err)
	}
	return f
}

// malformedFrame claims intrinsics its image cannot satisfy.
func malformedFrame() *core.PosedFrame {
	return &core.PosedFrame{
		ID:         uuid.New(),
		Image:      core.NewImage(8, 8),
		Pose:       core.Pose{Orientation: quat.Number{Real: 1}},
		Intrinsics: testIntrinsics(),
		Timestamp:  time.Now(),
	}
}

func testLoopConfig() Config {
	cfg := DefaultConfig()
	cfg.BatchSize = 2
	cfg.SeedPerFrame = 16
	cfg.MaxPrimitives = 500
	cfg.ScaleSweep = features.ScaleSweep{Steps: 5, SamplePoints: 4}
	return cfg
}

func newTestLoop(t *testing.T, cfg Config, scene *core.Scene, q *ingest.Queue, r render.Renderer, rec events.Recorder) *Loop {
	t.Helper()
	enc := encoders.NewHashEncoder(scene.Config().EmbeddingDim)
	pyr, err := features.NewExtractor(features.Config{
		ScaleLevels:  scene.Config().ScaleLevels,
		MinFootprint: 0.25,
		MaxFootprint: 0.6,
		Workers:      2,
	}, enc)
	if err != nil {
		t.Fatalf("NewExtractor: %v", err)
	}
	aux, err := features.NewAuxExtractor(encoders.NewLumaGradAux(8))
	if err != nil {
		t.Fatalf("NewAuxExtractor: %v", err)
	}
	if r == nil {
		r = render.NewSplatRenderer(render.Config{Workers: 2, EmbStride: 8})
	}
	l, err := NewLoop(cfg, scene, q, pyr, aux, r, rec)
	if err != nil {
		t.Fatalf("NewLoop: %v", err)
	}
	return l
}

func TestLoopRunDrainsQueueSeedsAndStops(t *testing.T) {
	scene := core.NewScene(testSceneConfig())
	q := ingest.New(ingest.Options{Capacity: 16, MinTranslation: 0.001, MinRotation: 0.001})
	counter := events.NewCounter()
	l := newTestLoop(t, testLoopConfig(), scene, q, nil, counter)

	for i := 0; i < 4; i++ {
		if err := q.Enqueue(testLoopFrame(t, r3.Vec{X: 0.05 * float64(i)})); err != nil {
			t.Fatalf("Enqueue frame %d: %v", i, err)
		}
	}
	q.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := l.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	stats := l.Stats()
	if stats.State != StateStopped {
		t.Errorf("state = %q, want %q", stats.State, StateStopped)
	}
	if stats.Steps != 2 {
		t.Errorf("steps = %d, want 2", stats.Steps)
	}
	if stats.FramesProcessed != 4 || stats.FramesSkipped != 0 {
		t.Errorf("processed/skipped = %d/%d, want 4/0", stats.FramesProcessed, stats.FramesSkipped)
	}
	if stats.LastLoss <= 0 {
		t.Errorf("last loss = %v, want > 0", stats.LastLoss)
	}
	if got := scene.Step(); got != 2 {
		t.Errorf("scene step = %d, want 2", got)
	}
	if scene.Len() == 0 {
		t.Fatal("scene empty after run, seeding never fired")
	}
	if counter.Count(events.FrameSkipped) != 0 {
		t.Errorf("FrameSkipped events = %d, want 0", counter.Count(events.FrameSkipped))
	}

	// Seeds from the first step must have received supervision in the
	// second, which is what drives the lifelong damping later.
	touched := false
	for _, p := range scene.Primitives() {
		if p.ObsCount > 0 {
			touched = true
			break
		}
	}
	if !touched {
		t.Error("no primitive received supervision across steps")
	}
}

func TestLoopSkipsMalformedFrameAndKeepsGoing(t *testing.T) {
	scene := core.NewScene(testSceneConfig())
	q := ingest.New(ingest.Options{})
	counter := events.NewCounter()
	l := newTestLoop(t, testLoopConfig(), scene, q, nil, counter)

	batch := []*core.PosedFrame{testLoopFrame(t, r3.Vec{}), malformedFrame()}
	if err := l.step(context.Background(), batch); err != nil {
		t.Fatalf("step: %v", err)
	}

	stats := l.Stats()
	if stats.FramesProcessed != 1 || stats.FramesSkipped != 1 {
		t.Errorf("processed/skipped = %d/%d, want 1/1", stats.FramesProcessed, stats.FramesSkipped)
	}
	if stats.Steps != 1 || scene.Step() != 1 {
		t.Errorf("steps = %d, scene step = %d, want 1 and 1", stats.Steps, scene.Step())
	}
	if counter.Count(events.FrameSkipped) != 1 {
		t.Errorf("FrameSkipped events = %d, want 1", counter.Count(events.FrameSkipped))
	}
}

func TestLoopAllSkippedBatchDoesNotAdvanceStep(t *testing.T) {
	scene := core.NewScene(testSceneConfig())
	l := newTestLoop(t, testLoopConfig(), scene, ingest.New(ingest.Options{}), nil, nil)

	if err := l.step(context.Background(), []*core.PosedFrame{malformedFrame()}); err != nil {
		t.Fatalf("step: %v", err)
	}

	if got := scene.Step(); got != 0 {
		t.Errorf("scene step = %d, want 0 when every frame is dropped", got)
	}
	stats := l.Stats()
	if stats.Steps != 0 || stats.FramesSkipped != 1 {
		t.Errorf("steps/skipped = %d/%d, want 0/1", stats.Steps, stats.FramesSkipped)
	}
}

// downEncoder fails every request the way an unreachable backend would.
type downEncoder struct{ dim int }

func (e downEncoder) EncodeCrop(context.Context, encoders.Crop) ([]float32, error) {
	return nil, encoders.ErrEncoderUnavailable
}

func (e downEncoder) EncodeText(context.Context, string) ([]float32, error) {
	return nil, encoders.ErrEncoderUnavailable
}

func (e downEncoder) Dim() int { return e.dim }

func TestLoopReportsEncoderOutage(t *testing.T) {
	scene := core.NewScene(testSceneConfig())
	counter := events.NewCounter()

	pyr, err := features.NewExtractor(features.Config{
		ScaleLevels:  2,
		MinFootprint: 0.25,
		MaxFootprint: 0.6,
		Workers:      2,
	}, downEncoder{dim: 8})
	if err != nil {
		t.Fatalf("NewExtractor: %v", err)
	}
	aux, err := features.NewAuxExtractor(encoders.NewLumaGradAux(8))
	if err != nil {
		t.Fatalf("NewAuxExtractor: %v", err)
	}
	l, err := NewLoop(testLoopConfig(), scene, ingest.New(ingest.Options{}), pyr, aux,
		render.NewSplatRenderer(render.Config{Workers: 1}), counter)
	if err != nil {
		t.Fatalf("NewLoop: %v", err)
	}

	if err := l.step(context.Background(), []*core.PosedFrame{testLoopFrame(t, r3.Vec{})}); err != nil {
		t.Fatalf("step: %v", err)
	}

	stats := l.Stats()
	if stats.FramesSkipped != 1 {
		t.Errorf("skipped = %d, want 1", stats.FramesSkipped)
	}
	if stats.EncoderStreak != 1 {
		t.Errorf("encoder streak = %d, want 1", stats.EncoderStreak)
	}
	if counter.Count(events.EncoderUnavailable) != 1 {
		t.Errorf("EncoderUnavailable events = %d, want 1", counter.Count(events.EncoderUnavailable))
	}
	if counter.Count(events.FrameSkipped) != 1 {
		t.Errorf("FrameSkipped events = %d, want 1", counter.Count(events.FrameSkipped))
	}
}

// fixedGradRenderer ignores the scene content and reports a fixed
// gradient for one primitive, with full coverage so seeding stays off.
type fixedGradRenderer struct {
	id   uint32
	grad render.Grad
}

func (r *fixedGradRenderer) Render(_ []*core.Primitive, cam render.Camera, _ float64) (*render.Result, error) {
	alpha := make([]float32, cam.Intr.Width*cam.Intr.Height)
	for i := range alpha {
		alpha[i] = 1
	}
	return &render.Result{
		Image:   core.NewImage(cam.Intr.Width, cam.Intr.Height),
		Alpha:   alpha,
		Visible: []render.Visibility{{ID: r.id, Pixels: 4}},
	}, nil
}

func (r *fixedGradRenderer) Backward(*render.Result, *render.PixelGrads) ([]render.Grad, error) {
	g := r.grad
	g.ID = r.id
	g.Pixels = 4
	return []render.Grad{g}, nil
}

func insertTestPrimitive(t *testing.T, scene *core.Scene) *core.Primitive {
	t.Helper()
	cfg := scene.Config()
	p := &core.Primitive{
		Center:   r3.Vec{X: 0.1, Y: 0.2, Z: 0.3},
		LogScale: r3.Vec{X: -3, Y: -3, Z: -3},
		Rotation: quat.Number{Real: 1},
		Color:    [3]float32{0.5, 0.5, 0.5},
		Bundle:   core.NewBundle(cfg.ScaleLevels, cfg.EmbeddingDim),
	}
	p.SetAlpha(0.8)
	if _, err := scene.Insert(p); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	return p
}

func TestLoopRollsBackDivergedStep(t *testing.T) {
	scene := core.NewScene(testSceneConfig())
	p := insertTestPrimitive(t, scene)
	origCenter := p.Center

	counter := events.NewCounter()
	cfg := testLoopConfig()
	cfg.SeedPerFrame = 0
	r := &fixedGradRenderer{id: p.ID, grad: render.Grad{Center: r3.Vec{X: math.NaN()}}}
	l := newTestLoop(t, cfg, scene, ingest.New(ingest.Options{}), r, counter)

	if err := l.step(context.Background(), []*core.PosedFrame{testLoopFrame(t, r3.Vec{})}); err != nil {
		t.Fatalf("step: %v", err)
	}

	if p.Center != origCenter {
		t.Errorf("center = %v, want rollback to %v", p.Center, origCenter)
	}
	if p.ObsCount != 0 {
		t.Errorf("obs count = %d, want 0 on a diverged step", p.ObsCount)
	}
	if got := scene.Step(); got != 0 {
		t.Errorf("scene step = %d, want 0", got)
	}
	stats := l.Stats()
	if stats.StepsDiverged != 1 || stats.Steps != 0 || stats.FramesProcessed != 0 {
		t.Errorf("diverged/steps/processed = %d/%d/%d, want 1/0/0",
			stats.StepsDiverged, stats.Steps, stats.FramesProcessed)
	}
	if counter.Count(events.StepDiverged) != 1 {
		t.Errorf("StepDiverged events = %d, want 1", counter.Count(events.StepDiverged))
	}
}

func TestLoopLifelongDampsRepeatedBundleUpdates(t *testing.T) {
	scene := core.NewScene(testSceneConfig())
	p := insertTestPrimitive(t, scene)

	cfg := testLoopConfig()
	cfg.SeedPerFrame = 0
	cfg.LRBundle = 0.1
	cfg.LifelongDecay = 0.5
	cfg.LRMinFactor = 0.01
	cfg.ScaleStabilityWeight = 0

	bundleGrad := make([][]float32, scene.Config().ScaleLevels)
	g0 := make([]float32, scene.Config().EmbeddingDim)
	g0[0] = 1
	bundleGrad[0] = g0
	r := &fixedGradRenderer{id: p.ID, grad: render.Grad{Bundle: bundleGrad}}
	l := newTestLoop(t, cfg, scene, ingest.New(ingest.Options{}), r, nil)

	ctx := context.Background()
	v0 := float64(p.Bundle.Vectors[0][0])
	if err := l.step(ctx, []*core.PosedFrame{testLoopFrame(t, r3.Vec{})}); err != nil {
		t.Fatalf("step 1: %v", err)
	}
	v1 := float64(p.Bundle.Vectors[0][0])
	if err := l.step(ctx, []*core.PosedFrame{testLoopFrame(t, r3.Vec{X: 0.5})}); err != nil {
		t.Fatalf("step 2: %v", err)
	}
	v2 := float64(p.Bundle.Vectors[0][0])

	d1 := v0 - v1
	d2 := v1 - v2
	if math.Abs(d1-cfg.LRBundle) > 1e-6 {
		t.Errorf("first update = %v, want base lr %v", d1, cfg.LRBundle)
	}
	if want := cfg.LRBundle * math.Exp(-cfg.LifelongDecay); math.Abs(d2-want) > 1e-6 {
		t.Errorf("second update = %v, want damped lr %v", d2, want)
	}
	if d2 >= d1 {
		t.Errorf("revisit update %v did not shrink from %v", d2, d1)
	}
	if p.ObsCount != 2 {
		t.Errorf("obs count = %d, want 2", p.ObsCount)
	}
	// The untouched level keeps its zero vector: nil level gradients
	// never allocate or dirty state.
	for i, v := range p.Bundle.Vectors[1] {
		if v != 0 {
			t.Fatalf("level 1 component %d = %v, want 0", i, v)
		}
	}
}
