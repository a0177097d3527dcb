package optimize

import (
	"math"
	"testing"

	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/semafield/semafield/pkg/core"
	"github.com/semafield/semafield/pkg/ingest"
)

func newRefineHarness(t *testing.T, cfg Config) (*Loop, *core.Scene) {
	t.Helper()
	scene := core.NewScene(testSceneConfig())
	l := newTestLoop(t, cfg, scene, ingest.New(ingest.Options{}), nil, nil)
	return l, scene
}

func insertPrim(t *testing.T, scene *core.Scene, logScale float64, alpha float32) *core.Primitive {
	t.Helper()
	cfg := scene.Config()
	p := &core.Primitive{
		Center:   r3.Vec{X: 1, Y: 2, Z: 3},
		LogScale: r3.Vec{X: logScale, Y: logScale, Z: logScale},
		Rotation: quat.Number{Real: 1},
		Color:    [3]float32{0.4, 0.4, 0.4},
		Bundle:   core.NewBundle(cfg.ScaleLevels, cfg.EmbeddingDim),
	}
	p.SetAlpha(alpha)
	if _, err := scene.Insert(p); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	return p
}

func refineOnce(l *Loop, step uint64) {
	l.scene.Lock()
	l.refineLocked(step)
	l.scene.Unlock()
}

func TestRefineSplitsOversizedPrimitive(t *testing.T) {
	l, scene := newRefineHarness(t, testLoopConfig())
	p := insertPrim(t, scene, math.Log(0.02), 0.8) // above DensifySizeThresh
	p.Bundle.Vectors[0][0] = 0.7
	l.refineAcc[p.ID] = &refineStats{gradSum: 1, seen: 1}

	refineOnce(l, 10)

	if _, ok := scene.Get(p.ID); ok {
		t.Fatal("parent survived its own split")
	}
	prims := scene.Primitives()
	if len(prims) != l.cfg.SplitSamples {
		t.Fatalf("scene has %d primitives, want %d children", len(prims), l.cfg.SplitSamples)
	}
	wantLS := math.Log(0.02) - math.Log(l.cfg.SplitShrink)
	for _, c := range prims {
		if math.Abs(c.LogScale.X-wantLS) > 1e-9 {
			t.Errorf("child log scale = %v, want %v", c.LogScale.X, wantLS)
		}
		if v := c.Bundle.Vectors[0][0]; v == 0.7 || math.Abs(float64(v)-0.7) > 0.01 {
			t.Errorf("child bundle = %v, want the parent's 0.7 plus a small jitter", v)
		}
		if c.CreatedStep != 10 || c.ObsCount != 0 {
			t.Errorf("child created=%d obs=%d, want 10 and 0", c.CreatedStep, c.ObsCount)
		}
	}
	if prims[0].Bundle.Vectors[0][0] == prims[1].Bundle.Vectors[0][0] {
		t.Error("siblings carry identical bundles, want independent jitter")
	}
	// Children own their bundles; a write must never reach the sibling.
	was := prims[1].Bundle.Vectors[0][0]
	prims[0].Bundle.Vectors[0][0] = 0.9
	if prims[1].Bundle.Vectors[0][0] != was {
		t.Error("split children share bundle storage")
	}
	if len(l.refineAcc) != 0 {
		t.Errorf("refine accumulator holds %d entries, want it cleared", len(l.refineAcc))
	}
}

func TestRefineDuplicatesSmallPrimitive(t *testing.T) {
	l, scene := newRefineHarness(t, testLoopConfig())
	p := insertPrim(t, scene, math.Log(0.004), 0.8) // below DensifySizeThresh
	l.refineAcc[p.ID] = &refineStats{gradSum: 1, seen: 1}

	refineOnce(l, 10)

	if _, ok := scene.Get(p.ID); !ok {
		t.Fatal("duplicate removed the original")
	}
	prims := scene.Primitives()
	if len(prims) != 2 {
		t.Fatalf("scene has %d primitives, want 2", len(prims))
	}
	for _, c := range prims {
		if d := r3.Norm(r3.Sub(c.Center, p.Center)); d > 0.01 {
			t.Errorf("clone drifted %v from the parent, want a small jitter", d)
		}
		if c.LogScale != p.LogScale {
			t.Errorf("clone log scale = %v, want %v unchanged", c.LogScale, p.LogScale)
		}
	}
	clone := prims[0]
	if clone.ID == p.ID {
		clone = prims[1]
	}
	if clone.Bundle.Vectors[0][0] == 0 {
		t.Error("clone bundle matches the parent exactly, want a small jitter")
	}
}

func TestRefineIgnoresLowGradientPrimitives(t *testing.T) {
	l, scene := newRefineHarness(t, testLoopConfig())
	p := insertPrim(t, scene, math.Log(0.02), 0.8)
	l.refineAcc[p.ID] = &refineStats{gradSum: 1e-9, seen: 1}

	refineOnce(l, 10)

	if scene.Len() != 1 {
		t.Errorf("scene has %d primitives, want 1 untouched", scene.Len())
	}
}

func TestRefinePrunesTransparentAndOversized(t *testing.T) {
	l, scene := newRefineHarness(t, testLoopConfig())
	insertPrim(t, scene, math.Log(0.005), 0.02)   // transparent
	insertPrim(t, scene, math.Log(3.0), 0.8)      // larger than CullScale
	keep := insertPrim(t, scene, math.Log(0.005), 0.8)

	refineOnce(l, 10)

	if scene.Len() != 1 {
		t.Fatalf("scene has %d primitives, want 1 survivor", scene.Len())
	}
	if _, ok := scene.Get(keep.ID); !ok {
		t.Error("healthy primitive was pruned")
	}
}

func TestRefinePrunesStalePrimitives(t *testing.T) {
	cfg := testLoopConfig()
	cfg.StaleAge = 100
	l, scene := newRefineHarness(t, cfg)

	stale := insertPrim(t, scene, math.Log(0.005), 0.8)
	scene.Lock()
	scene.TouchUnlocked(stale.ID, 5)
	scene.Unlock()
	fresh := insertPrim(t, scene, math.Log(0.005), 0.8)
	scene.Lock()
	scene.TouchUnlocked(fresh.ID, 150)
	scene.Unlock()

	refineOnce(l, 200)

	if _, ok := scene.Get(stale.ID); ok {
		t.Error("stale primitive survived")
	}
	if _, ok := scene.Get(fresh.ID); !ok {
		t.Error("recently supervised primitive was pruned")
	}
}

func TestRefineAlphaResetOnSchedule(t *testing.T) {
	cfg := testLoopConfig()
	cfg.ResetAlphaEvery = 2
	l, scene := newRefineHarness(t, cfg)
	hot := insertPrim(t, scene, math.Log(0.005), 0.9)
	cool := insertPrim(t, scene, math.Log(0.005), 0.12)

	refineOnce(l, 10)
	if a := hot.Alpha(); math.Abs(float64(a)-0.9) > 1e-4 {
		t.Fatalf("alpha = %v after first refine, want untouched 0.9", a)
	}

	refineOnce(l, 20)
	if a := hot.Alpha(); math.Abs(float64(a)-cfg.ResetAlphaTo) > 1e-4 {
		t.Errorf("alpha = %v after scheduled reset, want %v", a, cfg.ResetAlphaTo)
	}
	// The reset only caps; opacities already below the target are left
	// alone rather than raised.
	if a := cool.Alpha(); math.Abs(float64(a)-0.12) > 1e-4 {
		t.Errorf("alpha = %v, want 0.12 preserved", a)
	}
}

func TestRefineClampsAnisotropy(t *testing.T) {
	l, scene := newRefineHarness(t, testLoopConfig())
	p := insertPrim(t, scene, math.Log(0.008), 0.8)
	p.LogScale.Y = math.Log(0.008) - math.Log(100)

	refineOnce(l, 10)

	want := math.Log(0.008) - math.Log(l.cfg.MaxAnisotropy)
	if math.Abs(p.LogScale.Y-want) > 1e-9 {
		t.Errorf("clamped axis = %v, want %v", p.LogScale.Y, want)
	}
	if p.LogScale.X != math.Log(0.008) || p.LogScale.Z != math.Log(0.008) {
		t.Errorf("dominant axes changed: %v", p.LogScale)
	}
}

func TestRefineDensifyRespectsMaxPrimitives(t *testing.T) {
	cfg := testLoopConfig()
	cfg.MaxPrimitives = 3
	l, scene := newRefineHarness(t, cfg)

	p1 := insertPrim(t, scene, math.Log(0.02), 0.8)
	p2 := insertPrim(t, scene, math.Log(0.02), 0.8)
	l.refineAcc[p1.ID] = &refineStats{gradSum: 1, seen: 1}
	l.refineAcc[p2.ID] = &refineStats{gradSum: 1, seen: 1}

	refineOnce(l, 10)

	if got := scene.Len(); got != 3 {
		t.Errorf("scene has %d primitives, want the cap of 3", got)
	}
	if _, ok := scene.Get(p2.ID); !ok {
		t.Error("second candidate should be deferred, not split, at the cap")
	}
}
