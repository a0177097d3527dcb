package render

import (
	"math"
	"math/rand"
	"testing"

	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/semafield/semafield/pkg/core"
)

func testCam() Camera {
	return Camera{
		Pose: core.Pose{Orientation: quat.Number{Real: 1}},
		Intr: core.Intrinsics{Fx: 50, Fy: 50, Cx: 32, Cy: 24, Width: 64, Height: 48},
	}
}

func testPrim(id uint32, center r3.Vec, alpha float32, color [3]float32) *core.Primitive {
	logs := math.Log(0.1)
	p := &core.Primitive{
		ID:       id,
		Center:   center,
		LogScale: r3.Vec{X: logs, Y: logs, Z: logs},
		Rotation: quat.Number{Real: 1},
		Color:    color,
		Bundle:   core.NewBundle(3, 4),
	}
	p.SetAlpha(alpha)
	for lv := range p.Bundle.Vectors {
		for i := range p.Bundle.Vectors[lv] {
			p.Bundle.Vectors[lv][i] = float32(lv+1) * 0.1 * float32(i+1)
		}
	}
	return p
}

func TestRenderEmptyScene(t *testing.T) {
	r := NewSplatRenderer(Config{})
	res, err := r.Render(nil, testCam(), 0)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if len(res.Visible) != 0 {
		t.Errorf("visible = %d, want 0", len(res.Visible))
	}
	for i, v := range res.Image.Pix {
		if v != 0 {
			t.Fatalf("pixel %d = %f, want 0", i, v)
		}
	}
	grads, err := r.Backward(res, &PixelGrads{Image: make([]float32, 64*48*3)})
	if err != nil {
		t.Fatalf("Backward: %v", err)
	}
	if len(grads) != 0 {
		t.Errorf("grads = %d, want 0", len(grads))
	}
}

func TestRenderCompositesFrontToBack(t *testing.T) {
	front := testPrim(1, r3.Vec{Z: 2}, 0.9, [3]float32{1, 0, 0})
	back := testPrim(2, r3.Vec{Z: 2.5}, 0.8, [3]float32{0, 1, 0})
	r := NewSplatRenderer(Config{})
	res, err := r.Render([]*core.Primitive{back, front}, testCam(), 0)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}

	// Both project to the principal point. The center pixel composites
	// 0.9 of the front color, then 0.1*0.8 of the back color.
	pix := (24*64 + 32) * 3
	if got, want := res.Image.Pix[pix], float32(0.9); math.Abs(float64(got-want)) > 1e-3 {
		t.Errorf("red = %f, want %f", got, want)
	}
	if got, want := res.Image.Pix[pix+1], float32(0.08); math.Abs(float64(got-want)) > 1e-3 {
		t.Errorf("green = %f, want %f", got, want)
	}
	if got, want := res.Alpha[24*64+32], float32(0.98); math.Abs(float64(got-want)) > 1e-3 {
		t.Errorf("alpha = %f, want %f", got, want)
	}

	if len(res.Visible) != 2 || res.Visible[0].ID != 1 || res.Visible[1].ID != 2 {
		t.Fatalf("visible = %+v, want both primitives ordered by ID", res.Visible)
	}
	if res.Visible[0].Pixels <= 0 || res.Visible[1].Pixels <= 0 {
		t.Errorf("pixel counts = %+v, want positive", res.Visible)
	}
}

func TestRenderEmbeddingMapAtScale(t *testing.T) {
	p := testPrim(1, r3.Vec{Z: 2}, 0.9, [3]float32{1, 1, 1})
	r := NewSplatRenderer(Config{EmbStride: 4})

	// With 3 levels, scale 0.5 lands exactly on the middle vector.
	res, err := r.Render([]*core.Primitive{p}, testCam(), 0.5)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if res.EmbW != 16 || res.EmbH != 12 || res.Dim != 4 {
		t.Fatalf("embedding map %dx%dx%d, want 16x12x4", res.EmbW, res.EmbH, res.Dim)
	}
	// Cell (8, 6) anchors at pixel (32, 24), the splat center where the
	// Gaussian weight is exactly 1.
	off := (6*16 + 8) * 4
	for i := 0; i < 4; i++ {
		want := 0.9 * p.Bundle.Vectors[1][i]
		got := res.Embeddings[off+i]
		if math.Abs(float64(got-want)) > 1e-3 {
			t.Errorf("emb[%d] = %f, want %f", i, got, want)
		}
	}
}

func TestRenderDeterministicAcrossWorkers(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	var prims []*core.Primitive
	for i := 0; i < 30; i++ {
		prims = append(prims, testPrim(uint32(i+1),
			r3.Vec{X: rng.Float64() - 0.5, Y: rng.Float64() - 0.5, Z: 1.5 + rng.Float64()},
			0.3+0.6*rng.Float32(),
			[3]float32{rng.Float32(), rng.Float32(), rng.Float32()}))
	}

	a, err := NewSplatRenderer(Config{Workers: 1}).Render(prims, testCam(), 0.3)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	b, err := NewSplatRenderer(Config{Workers: 7}).Render(prims, testCam(), 0.3)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	for i := range a.Image.Pix {
		if a.Image.Pix[i] != b.Image.Pix[i] {
			t.Fatalf("pixel %d differs across worker counts", i)
		}
	}
	for i := range a.Embeddings {
		if a.Embeddings[i] != b.Embeddings[i] {
			t.Fatalf("embedding %d differs across worker counts", i)
		}
	}
}

// renderLoss evaluates the linear probe loss sum(g*output) used by the
// finite-difference checks.
func renderLoss(t *testing.T, r *SplatRenderer, prims []*core.Primitive, scale float64, dldc, dlde []float32) float64 {
	t.Helper()
	res, err := r.Render(prims, testCam(), scale)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	l := 0.0
	if dldc != nil {
		for i, g := range dldc {
			l += float64(g) * float64(res.Image.Pix[i])
		}
	}
	if dlde != nil {
		for i, g := range dlde {
			l += float64(g) * float64(res.Embeddings[i])
		}
	}
	return l
}

func fdScene() []*core.Primitive {
	// Opacity 0.6 keeps the weakest in-radius contribution above the
	// alpha floor, so small parameter nudges never change the active
	// pixel set and finite differences stay clean.
	a := testPrim(1, r3.Vec{Z: 2}, 0.6, [3]float32{0.8, 0.2, 0.1})
	b := testPrim(2, r3.Vec{X: 0.05, Y: 0.02, Z: 2.5}, 0.6, [3]float32{0.1, 0.7, 0.3})
	return []*core.Primitive{a, b}
}

func fdProbes(res *Result) (dldc, dlde []float32) {
	rng := rand.New(rand.NewSource(11))
	dldc = make([]float32, len(res.Image.Pix))
	for i := range dldc {
		dldc[i] = rng.Float32() - 0.5
	}
	dlde = make([]float32, len(res.Embeddings))
	for i := range dlde {
		dlde[i] = rng.Float32() - 0.5
	}
	return dldc, dlde
}

func checkGrad(t *testing.T, name string, analytic, numeric float64) {
	t.Helper()
	// The absolute floor covers float32 accumulation noise in the
	// forward probe.
	tol := math.Max(0.02*math.Abs(analytic), 5e-3)
	if math.Abs(analytic-numeric) > tol {
		t.Errorf("%s: analytic %g vs numeric %g", name, analytic, numeric)
	}
}

func TestBackwardMatchesFiniteDifferences(t *testing.T) {
	const scale = 0.4
	r := NewSplatRenderer(Config{Workers: 1})
	prims := fdScene()

	res, err := r.Render(prims, testCam(), scale)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	dldc, dlde := fdProbes(res)
	grads, err := r.Backward(res, &PixelGrads{Image: dldc, Emb: dlde})
	if err != nil {
		t.Fatalf("Backward: %v", err)
	}
	byID := map[uint32]Grad{}
	for _, g := range grads {
		byID[g.ID] = g
	}
	if len(byID) != 2 {
		t.Fatalf("got grads for %d primitives, want 2", len(byID))
	}

	t.Run("opacity", func(t *testing.T) {
		orig := prims[0].Opacity
		plus, minus := orig+1e-3, orig-1e-3
		prims[0].Opacity = plus
		lp := renderLoss(t, r, prims, scale, dldc, dlde)
		prims[0].Opacity = minus
		lm := renderLoss(t, r, prims, scale, dldc, dlde)
		prims[0].Opacity = orig
		num := (lp - lm) / (float64(plus) - float64(minus))
		checkGrad(t, "opacity", float64(byID[1].Opacity), num)
	})

	t.Run("color", func(t *testing.T) {
		orig := prims[1].Color[1]
		plus, minus := orig+1e-3, orig-1e-3
		prims[1].Color[1] = plus
		lp := renderLoss(t, r, prims, scale, dldc, dlde)
		prims[1].Color[1] = minus
		lm := renderLoss(t, r, prims, scale, dldc, dlde)
		prims[1].Color[1] = orig
		num := (lp - lm) / (float64(plus) - float64(minus))
		checkGrad(t, "color", float64(byID[2].Color[1]), num)
	})

	t.Run("bundle", func(t *testing.T) {
		// Scale 0.4 over 3 levels blends levels 0 and 1; probe one
		// component of each.
		for _, lv := range []int{0, 1} {
			orig := prims[0].Bundle.Vectors[lv][2]
			plus, minus := orig+1e-3, orig-1e-3
			prims[0].Bundle.Vectors[lv][2] = plus
			lp := renderLoss(t, r, prims, scale, dldc, dlde)
			prims[0].Bundle.Vectors[lv][2] = minus
			lm := renderLoss(t, r, prims, scale, dldc, dlde)
			prims[0].Bundle.Vectors[lv][2] = orig
			num := (lp - lm) / (float64(plus) - float64(minus))
			g := byID[1]
			if g.Bundle[lv] == nil {
				t.Fatalf("level %d received no bundle gradient", lv)
			}
			checkGrad(t, "bundle", float64(g.Bundle[lv][2]), num)
		}
		if byID[1].Bundle[2] != nil {
			t.Error("level 2 received bundle gradient outside the blend bracket")
		}
	})
}

func TestBackwardPositionalGradientSigns(t *testing.T) {
	p := testPrim(1, r3.Vec{Z: 2}, 0.6, [3]float32{0.5, 0.5, 0.5})
	r := NewSplatRenderer(Config{Workers: 1})
	res, err := r.Render([]*core.Primitive{p}, testCam(), 0)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}

	// Reward only the right half of the image: moving the splat right
	// must increase the loss.
	dldc := make([]float32, len(res.Image.Pix))
	for y := 0; y < 48; y++ {
		for x := 33; x < 64; x++ {
			off := (y*64 + x) * 3
			dldc[off], dldc[off+1], dldc[off+2] = 1, 1, 1
		}
	}
	grads, err := r.Backward(res, &PixelGrads{Image: dldc})
	if err != nil {
		t.Fatalf("Backward: %v", err)
	}
	if len(grads) != 1 {
		t.Fatalf("got %d grads, want 1", len(grads))
	}
	if grads[0].Center.X <= 0 {
		t.Errorf("Center.X grad = %g, want positive toward the rewarded half", grads[0].Center.X)
	}
	if grads[0].ScreenNorm <= 0 {
		t.Errorf("ScreenNorm = %g, want positive", grads[0].ScreenNorm)
	}

	// Reward everywhere: growing the splat always adds mass.
	for i := range dldc {
		dldc[i] = 1
	}
	res2, err := r.Render([]*core.Primitive{p}, testCam(), 0)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	grads, err = r.Backward(res2, &PixelGrads{Image: dldc})
	if err != nil {
		t.Fatalf("Backward: %v", err)
	}
	if grads[0].LogScale <= 0 {
		t.Errorf("LogScale grad = %g, want positive when all mass is rewarded", grads[0].LogScale)
	}
}

func TestRenderCullsBehindCamera(t *testing.T) {
	behind := testPrim(1, r3.Vec{Z: -2}, 0.9, [3]float32{1, 1, 1})
	r := NewSplatRenderer(Config{})
	res, err := r.Render([]*core.Primitive{behind}, testCam(), 0)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if len(res.Visible) != 0 {
		t.Errorf("primitive behind the camera rendered: %+v", res.Visible)
	}
}
