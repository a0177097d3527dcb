package render

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/semafield/semafield/pkg/core"
)

// Config tunes the reference rasterizer.
type Config struct {
	Workers   int // tiles rasterized concurrently
	EmbStride int // pixel spacing of the rendered language map
	ZNear     float64
	MaxRadius float64 // screen-space splat radius clamp, pixels
}

// DefaultConfig returns the rasterizer defaults.
func DefaultConfig() Config {
	return Config{Workers: 4, EmbStride: 4, ZNear: 0.05, MaxRadius: 48}
}

const (
	tileSize = 16
	minSigma = 0.5
	alphaMin = 1.0 / 255.0
	alphaMax = 0.999
	tMin     = 1e-4
)

// SplatRenderer is the reference rasterizer. Primitives are composited
// front to back as isotropic Gaussian point splats whose screen
// footprint comes from the geometric mean of the world scales. The
// isotropic footprint forgoes the anisotropic projection of a
// production rasterizer in exchange for an exact, deterministic
// backward pass; rotation therefore receives no gradient here.
type SplatRenderer struct {
	cfg Config
}

// NewSplatRenderer fills unset config fields from DefaultConfig.
func NewSplatRenderer(cfg Config) *SplatRenderer {
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.EmbStride <= 0 {
		cfg.EmbStride = def.EmbStride
	}
	if cfg.ZNear <= 0 {
		cfg.ZNear = def.ZNear
	}
	if cfg.MaxRadius <= 0 {
		cfg.MaxRadius = def.MaxRadius
	}
	return &SplatRenderer{cfg: cfg}
}

type splat struct {
	id      uint32
	x, y, z float64 // screen center, camera depth
	cam     r3.Vec  // camera-space center
	sigma   float64 // screen-space stddev, pixels
	radius  float64 // 3 sigma cutoff
	opacity float64 // activated, in (0,1)
	color   [3]float32

	emb    []float32 // bundle blended at the render scale
	levels int
	lo, hi int
	blend  float32

	sigmaClamped bool
}

type tileGrid struct {
	tw, th int
	lists  [][]int32 // splat indices per tile, front-to-back order
}

// Render implements Renderer.
func (r *SplatRenderer) Render(prims []*core.Primitive, cam Camera, scale float64) (*Result, error) {
	w, h := cam.Intr.Width, cam.Intr.Height
	if w <= 0 || h <= 0 {
		return nil, fmt.Errorf("render: camera has no pixel area (%dx%d)", w, h)
	}

	res := &Result{
		Image:     core.NewImage(w, h),
		Alpha:     make([]float32, w*h),
		EmbStride: r.cfg.EmbStride,
		scale:     scale,
		cam:       cam,
	}

	dim := 0
	for _, p := range prims {
		if len(p.Bundle.Vectors) > 0 {
			dim = len(p.Bundle.Vectors[0])
			break
		}
	}
	res.Dim = dim
	if dim > 0 {
		res.EmbW = (w + res.EmbStride - 1) / res.EmbStride
		res.EmbH = (h + res.EmbStride - 1) / res.EmbStride
		res.Embeddings = make([]float32, res.EmbW*res.EmbH*dim)
	}

	splats := make([]splat, 0, len(prims))
	for _, p := range prims {
		c := cam.Pose.WorldToCamera(p.Center)
		if c.Z < r.cfg.ZNear {
			continue
		}
		sx, sy, ok := cam.Intr.Project(c)
		if !ok {
			continue
		}
		sigmaW := math.Exp((p.LogScale.X + p.LogScale.Y + p.LogScale.Z) / 3)
		sigma := cam.Intr.Fx * sigmaW / c.Z
		clamped := false
		if sigma < minSigma {
			sigma = minSigma
			clamped = true
		}
		if sigMax := r.cfg.MaxRadius / 3; sigma > sigMax {
			sigma = sigMax
			clamped = true
		}
		radius := 3 * sigma
		if sx+radius < 0 || sy+radius < 0 || sx-radius > float64(w-1) || sy-radius > float64(h-1) {
			continue
		}
		s := splat{
			id: p.ID, x: sx, y: sy, z: c.Z, cam: c,
			sigma: sigma, radius: radius, sigmaClamped: clamped,
			opacity: float64(p.Alpha()), color: p.Color,
		}
		if dim > 0 {
			k := len(p.Bundle.Vectors)
			if k == 0 || len(p.Bundle.Vectors[0]) != dim {
				return nil, fmt.Errorf("render: primitive %d bundle shape differs from the scene's", p.ID)
			}
			s.levels = k
			s.lo, s.hi, s.blend = core.ScaleBlend(k, scale)
			s.emb = make([]float32, dim)
			p.Bundle.AtScale(scale, s.emb)
		}
		splats = append(splats, s)
	}

	sort.Slice(splats, func(i, j int) bool {
		if splats[i].z != splats[j].z {
			return splats[i].z < splats[j].z
		}
		return splats[i].id < splats[j].id
	})
	res.splats = splats
	res.tiles = binTiles(splats, w, h)

	counts := make([]int64, len(splats))
	sem := make(chan struct{}, r.cfg.Workers)
	var wg sync.WaitGroup
	for ty := 0; ty < res.tiles.th; ty++ {
		for tx := 0; tx < res.tiles.tw; tx++ {
			list := res.tiles.lists[ty*res.tiles.tw+tx]
			if len(list) == 0 {
				continue
			}
			wg.Add(1)
			sem <- struct{}{}
			go func(tx, ty int, list []int32) {
				defer wg.Done()
				defer func() { <-sem }()
				rasterTile(res, tx, ty, list, counts)
			}(tx, ty, list)
		}
	}
	wg.Wait()

	vis := make([]Visibility, 0, len(splats))
	for i := range splats {
		if counts[i] > 0 {
			vis = append(vis, Visibility{ID: splats[i].id, Pixels: int(counts[i])})
		}
	}
	sort.Slice(vis, func(i, j int) bool { return vis[i].ID < vis[j].ID })
	res.Visible = vis
	return res, nil
}

func binTiles(splats []splat, w, h int) tileGrid {
	g := tileGrid{tw: (w + tileSize - 1) / tileSize, th: (h + tileSize - 1) / tileSize}
	g.lists = make([][]int32, g.tw*g.th)
	for i := range splats {
		s := &splats[i]
		px0 := max(0, int(math.Floor(s.x-s.radius)))
		px1 := min(w-1, int(math.Ceil(s.x+s.radius)))
		py0 := max(0, int(math.Floor(s.y-s.radius)))
		py1 := min(h-1, int(math.Ceil(s.y+s.radius)))
		for ty := py0 / tileSize; ty <= py1/tileSize; ty++ {
			for tx := px0 / tileSize; tx <= px1/tileSize; tx++ {
				ti := ty*g.tw + tx
				g.lists[ti] = append(g.lists[ti], int32(i))
			}
		}
	}
	return g
}

// rasterTile composites one tile. Tiles cover disjoint pixels, so the
// only shared writes are the atomic per-splat pixel counts.
func rasterTile(res *Result, tx, ty int, list []int32, counts []int64) {
	w, h := res.Image.W, res.Image.H
	x0, y0 := tx*tileSize, ty*tileSize
	x1, y1 := min(x0+tileSize, w), min(y0+tileSize, h)
	for y := y0; y < y1; y++ {
		for x := x0; x < x1; x++ {
			px, py := float64(x), float64(y)
			pix := (y*w + x) * 3
			embOff := -1
			if res.Embeddings != nil && x%res.EmbStride == 0 && y%res.EmbStride == 0 {
				embOff = ((y/res.EmbStride)*res.EmbW + x/res.EmbStride) * res.Dim
			}
			t := 1.0
			for _, si := range list {
				s := &res.splats[si]
				dx, dy := px-s.x, py-s.y
				d2 := dx*dx + dy*dy
				if d2 > s.radius*s.radius {
					continue
				}
				wgt := math.Exp(-0.5 * d2 / (s.sigma * s.sigma))
				a := s.opacity * wgt
				if a < alphaMin {
					continue
				}
				if a > alphaMax {
					a = alphaMax
				}
				ta := t * a
				res.Image.Pix[pix] += float32(ta) * s.color[0]
				res.Image.Pix[pix+1] += float32(ta) * s.color[1]
				res.Image.Pix[pix+2] += float32(ta) * s.color[2]
				if embOff >= 0 {
					for i, v := range s.emb {
						res.Embeddings[embOff+i] += float32(ta) * v
					}
				}
				atomic.AddInt64(&counts[si], 1)
				t *= 1 - a
				if t < tMin {
					break
				}
			}
			res.Alpha[y*w+x] = float32(1 - t)
		}
	}
}

type gradAcc struct {
	pixels  int
	mu      [2]float64 // screen-space positional gradient
	sigma   float64    // dL/d(screen sigma)
	opacity float64    // dL/d(activated opacity)
	color   [3]float64
	emb     []float64 // dL/d(blended embedding), lazily allocated
}

// Backward implements Renderer. It replays the forward compositing per
// pixel, so the transmittance each splat saw is reproduced exactly.
func (r *SplatRenderer) Backward(res *Result, grads *PixelGrads) ([]Grad, error) {
	if res == nil || res.Image == nil {
		return nil, fmt.Errorf("render: backward without a forward result")
	}
	w, h := res.Image.W, res.Image.H
	if grads == nil || (grads.Image == nil && grads.Emb == nil) {
		return nil, fmt.Errorf("render: no pixel gradients supplied")
	}
	if grads.Image != nil && len(grads.Image) != w*h*3 {
		return nil, fmt.Errorf("render: image grads have %d floats, want %d", len(grads.Image), w*h*3)
	}
	if grads.Emb != nil && len(grads.Emb) != res.EmbW*res.EmbH*res.Dim {
		return nil, fmt.Errorf("render: embedding grads have %d floats, want %d", len(grads.Emb), res.EmbW*res.EmbH*res.Dim)
	}
	if len(res.splats) == 0 {
		return nil, nil
	}

	accs := make([]gradAcc, len(res.splats))
	efin := make([]float64, res.Dim)
	prefixE := make([]float64, res.Dim)

	for ty := 0; ty < res.tiles.th; ty++ {
		for tx := 0; tx < res.tiles.tw; tx++ {
			list := res.tiles.lists[ty*res.tiles.tw+tx]
			if len(list) == 0 {
				continue
			}
			x0, y0 := tx*tileSize, ty*tileSize
			x1, y1 := min(x0+tileSize, w), min(y0+tileSize, h)
			for y := y0; y < y1; y++ {
				for x := x0; x < x1; x++ {
					var dldc []float32
					if grads.Image != nil {
						off := (y*w + x) * 3
						dldc = grads.Image[off : off+3]
					}
					var dlde []float32
					if grads.Emb != nil && res.Dim > 0 && x%res.EmbStride == 0 && y%res.EmbStride == 0 {
						off := ((y/res.EmbStride)*res.EmbW + x/res.EmbStride) * res.Dim
						dlde = grads.Emb[off : off+res.Dim]
					}
					if dldc == nil && dlde == nil {
						continue
					}
					backPixel(res, list, float64(x), float64(y), dldc, dlde, accs, efin, prefixE)
				}
			}
		}
	}

	out := make([]Grad, 0, len(res.splats))
	fx, fy := res.cam.Intr.Fx, res.cam.Intr.Fy
	for i := range res.splats {
		acc := &accs[i]
		if acc.pixels == 0 {
			continue
		}
		s := &res.splats[i]
		g := Grad{
			ID:         s.id,
			Pixels:     acc.pixels,
			ScreenNorm: math.Hypot(acc.mu[0], acc.mu[1]),
			Opacity:    float32(acc.opacity * s.opacity * (1 - s.opacity)),
		}
		for c := 0; c < 3; c++ {
			g.Color[c] = float32(acc.color[c])
		}
		z := s.cam.Z
		gq := r3.Vec{
			X: acc.mu[0] * fx / z,
			Y: acc.mu[1] * fy / z,
			Z: -acc.mu[0]*fx*s.cam.X/(z*z) - acc.mu[1]*fy*s.cam.Y/(z*z),
		}
		if !s.sigmaClamped {
			gq.Z -= acc.sigma * s.sigma / z
			g.LogScale = acc.sigma * s.sigma / 3
		}
		g.Center = res.cam.Pose.Rotate(gq)
		if acc.emb != nil {
			g.Bundle = make([][]float32, s.levels)
			lo := make([]float32, len(acc.emb))
			for j, v := range acc.emb {
				lo[j] = float32(v) * (1 - s.blend)
			}
			g.Bundle[s.lo] = lo
			if s.hi != s.lo {
				hi := make([]float32, len(acc.emb))
				for j, v := range acc.emb {
					hi[j] = float32(v) * s.blend
				}
				g.Bundle[s.hi] = hi
			}
		}
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// backPixel runs two replays of one pixel: the first recovers the final
// composited values, the second distributes gradients using exact
// per-splat transmittances and suffix sums.
func backPixel(res *Result, list []int32, px, py float64, dldc, dlde []float32, accs []gradAcc, efin, prefixE []float64) {
	var cfin, prefix [3]float64
	if dlde != nil {
		for i := range efin {
			efin[i] = 0
		}
	}

	t := 1.0
	for _, si := range list {
		s := &res.splats[si]
		dx, dy := px-s.x, py-s.y
		d2 := dx*dx + dy*dy
		if d2 > s.radius*s.radius {
			continue
		}
		wgt := math.Exp(-0.5 * d2 / (s.sigma * s.sigma))
		a := s.opacity * wgt
		if a < alphaMin {
			continue
		}
		if a > alphaMax {
			a = alphaMax
		}
		ta := t * a
		for c := 0; c < 3; c++ {
			cfin[c] += ta * float64(s.color[c])
		}
		if dlde != nil {
			for i, v := range s.emb {
				efin[i] += ta * float64(v)
			}
		}
		t *= 1 - a
		if t < tMin {
			break
		}
	}

	if dlde != nil {
		for i := range prefixE {
			prefixE[i] = 0
		}
	}
	t = 1.0
	for _, si := range list {
		s := &res.splats[si]
		dx, dy := px-s.x, py-s.y
		d2 := dx*dx + dy*dy
		if d2 > s.radius*s.radius {
			continue
		}
		wgt := math.Exp(-0.5 * d2 / (s.sigma * s.sigma))
		a := s.opacity * wgt
		if a < alphaMin {
			continue
		}
		clamped := false
		if a > alphaMax {
			a = alphaMax
			clamped = true
		}
		ta := t * a
		acc := &accs[si]
		acc.pixels++
		gA := 0.0
		if dldc != nil {
			for c := 0; c < 3; c++ {
				col := float64(s.color[c])
				g := float64(dldc[c])
				acc.color[c] += g * ta
				prefix[c] += ta * col
				gA += g * (t*col - (cfin[c]-prefix[c])/(1-a))
			}
		}
		if dlde != nil {
			if acc.emb == nil {
				acc.emb = make([]float64, len(s.emb))
			}
			for i, v := range s.emb {
				e := float64(v)
				g := float64(dlde[i])
				acc.emb[i] += g * ta
				prefixE[i] += ta * e
				gA += g * (t*e - (efin[i]-prefixE[i])/(1-a))
			}
		}
		if !clamped {
			acc.opacity += gA * wgt
			gw := gA * s.opacity
			inv := 1 / (s.sigma * s.sigma)
			acc.mu[0] += gw * wgt * dx * inv
			acc.mu[1] += gw * wgt * dy * inv
			acc.sigma += gw * wgt * d2 * inv / s.sigma
		}
		t *= 1 - a
		if t < tMin {
			break
		}
	}
}
