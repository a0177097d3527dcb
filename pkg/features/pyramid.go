// Package features turns a posed frame into the dense multi-scale
// embedding map the optimizer fuses into the scene, plus the auxiliary
// per-pixel features used for scale selection. Extraction is a pure
// function of the frame and the encoder, so frames can be processed in
// parallel with each other.
package features

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/semafield/semafield/pkg/core"
	"github.com/semafield/semafield/pkg/encoders"
)

// Config controls the crop pyramid.
type Config struct {
	// ScaleLevels is the number of discrete crop footprints, small to
	// large. Must match the scene's bundle shape.
	ScaleLevels int
	// MinFootprint and MaxFootprint are the smallest and largest crop
	// edge as a fraction of the image short side. Levels are spaced
	// geometrically between them.
	MinFootprint float64
	MaxFootprint float64
	// Workers bounds concurrent encoder calls per frame.
	Workers int
}

// DefaultConfig matches the daemon defaults: three levels from 15% to
// 60% of the short side.
func DefaultConfig() Config {
	return Config{
		ScaleLevels:  3,
		MinFootprint: 0.15,
		MaxFootprint: 0.60,
		Workers:      4,
	}
}

// Level is one scale of the pyramid: embeddings on a grid of overlapping
// crop centers.
type Level struct {
	Footprint int // crop edge, pixels
	Stride    int
	GridW     int
	GridH     int
	Vecs      [][]float32 // row-major, GridW*GridH entries
}

func (l *Level) vec(gx, gy int) []float32 {
	if gx < 0 {
		gx = 0
	}
	if gy < 0 {
		gy = 0
	}
	if gx >= l.GridW {
		gx = l.GridW - 1
	}
	if gy >= l.GridH {
		gy = l.GridH - 1
	}
	return l.Vecs[gy*l.GridW+gx]
}

// PyramidMap is the scale-indexed embedding field of one frame. Valid
// only for the frame's processing window; nothing here is persisted.
type PyramidMap struct {
	W, H   int
	Dim    int
	Levels []Level
}

// LevelEmbeddingAt bilinearly interpolates level li of the pyramid at
// pixel (x, y) into out.
func (m *PyramidMap) LevelEmbeddingAt(li int, x, y float64, out []float32) {
	l := &m.Levels[li]
	half := float64(l.Footprint) / 2
	gx := (x - half) / float64(l.Stride)
	gy := (y - half) / float64(l.Stride)
	x0 := int(math.Floor(gx))
	y0 := int(math.Floor(gy))
	fx := float32(gx - float64(x0))
	fy := float32(gy - float64(y0))

	v00 := l.vec(x0, y0)
	v10 := l.vec(x0+1, y0)
	v01 := l.vec(x0, y0+1)
	v11 := l.vec(x0+1, y0+1)
	for i := range out {
		top := v00[i]*(1-fx) + v10[i]*fx
		bot := v01[i]*(1-fx) + v11[i]*fx
		out[i] = top*(1-fy) + bot*fy
	}
}

// EmbeddingAt evaluates the scale-continuous field at pixel (x, y) and
// normalized scale s in [0,1], where 0 is the smallest footprint and 1
// the largest. Scales between discrete levels blend the two bracketing
// levels linearly; out-of-range scales clamp to the end levels.
func (m *PyramidMap) EmbeddingAt(x, y, s float64, out []float32) {
	k := len(m.Levels)
	if k == 1 {
		m.LevelEmbeddingAt(0, x, y, out)
		return
	}
	if s < 0 {
		s = 0
	}
	if s > 1 {
		s = 1
	}
	pos := s * float64(k-1)
	lo := int(math.Floor(pos))
	if lo >= k-1 {
		m.LevelEmbeddingAt(k-1, x, y, out)
		return
	}
	f := float32(pos - float64(lo))
	loVec := make([]float32, m.Dim)
	m.LevelEmbeddingAt(lo, x, y, loVec)
	m.LevelEmbeddingAt(lo+1, x, y, out)
	for i := range out {
		out[i] = loVec[i]*(1-f) + out[i]*f
	}
}

// Extractor builds pyramid maps by querying an encoder once per crop.
type Extractor struct {
	cfg Config
	enc encoders.Encoder
}

// NewExtractor validates the configuration against the encoder.
func NewExtractor(cfg Config, enc encoders.Encoder) (*Extractor, error) {
	def := DefaultConfig()
	if cfg.ScaleLevels <= 0 {
		cfg.ScaleLevels = def.ScaleLevels
	}
	if cfg.MinFootprint <= 0 {
		cfg.MinFootprint = def.MinFootprint
	}
	if cfg.MaxFootprint <= 0 {
		cfg.MaxFootprint = def.MaxFootprint
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.MinFootprint > cfg.MaxFootprint {
		return nil, fmt.Errorf("features: min footprint %f above max %f", cfg.MinFootprint, cfg.MaxFootprint)
	}
	if cfg.MaxFootprint > 1 {
		return nil, fmt.Errorf("features: max footprint %f above the image short side", cfg.MaxFootprint)
	}
	if enc == nil {
		return nil, fmt.Errorf("features: nil encoder")
	}
	return &Extractor{cfg: cfg, enc: enc}, nil
}

// footprints returns the crop edge in pixels per level, geometrically
// spaced, smallest first.
func (e *Extractor) footprints(w, h int) []int {
	short := w
	if h < short {
		short = h
	}
	k := e.cfg.ScaleLevels
	out := make([]int, k)
	for i := 0; i < k; i++ {
		frac := e.cfg.MinFootprint
		if k > 1 {
			ratio := e.cfg.MaxFootprint / e.cfg.MinFootprint
			frac = e.cfg.MinFootprint * math.Pow(ratio, float64(i)/float64(k-1))
		}
		fp := int(math.Round(frac * float64(short)))
		if fp < 2 {
			fp = 2
		}
		if fp > short {
			fp = short
		}
		out[i] = fp
	}
	return out
}

type cropJob struct {
	level, gx, gy int
	crop          encoders.Crop
}

// Extract builds the pyramid map for a frame. The first encoder failure
// aborts the whole extraction with the wrapped cause; partial maps are
// never returned. Output is deterministic for identical frame and
// encoder regardless of worker count.
func (e *Extractor) Extract(ctx context.Context, frame *core.PosedFrame) (*PyramidMap, error) {
	if err := frame.Validate(); err != nil {
		return nil, fmt.Errorf("features: %w", err)
	}
	img := frame.Image
	m := &PyramidMap{W: img.W, H: img.H, Dim: e.enc.Dim()}

	var jobs []cropJob
	for li, fp := range e.footprints(img.W, img.H) {
		stride := fp / 2
		if stride < 1 {
			stride = 1
		}
		gw := (img.W-fp)/stride + 1
		gh := (img.H-fp)/stride + 1
		if gw < 1 {
			gw = 1
		}
		if gh < 1 {
			gh = 1
		}
		lv := Level{Footprint: fp, Stride: stride, GridW: gw, GridH: gh, Vecs: make([][]float32, gw*gh)}
		m.Levels = append(m.Levels, lv)
		for gy := 0; gy < gh; gy++ {
			for gx := 0; gx < gw; gx++ {
				ox, oy := gx*stride, gy*stride
				if ox+fp > img.W {
					ox = img.W - fp
				}
				if oy+fp > img.H {
					oy = img.H - fp
				}
				jobs = append(jobs, cropJob{
					level: li, gx: gx, gy: gy,
					crop: encoders.Crop{Image: cutCrop(img, ox, oy, fp), X: ox, Y: oy, W: fp, H: fp},
				})
			}
		}
	}

	cctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg       sync.WaitGroup
		errOnce  sync.Once
		firstErr error
	)
	sem := make(chan struct{}, e.cfg.Workers)
	for _, job := range jobs {
		if cctx.Err() != nil {
			break
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(j cropJob) {
			defer wg.Done()
			defer func() { <-sem }()
			vec, err := e.enc.EncodeCrop(cctx, j.crop)
			if err != nil {
				errOnce.Do(func() {
					firstErr = err
					cancel()
				})
				return
			}
			lv := &m.Levels[j.level]
			lv.Vecs[j.gy*lv.GridW+j.gx] = vec
		}(job)
	}
	wg.Wait()

	if firstErr != nil {
		return nil, fmt.Errorf("features: crop encode failed: %w", firstErr)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	for li := range m.Levels {
		for _, v := range m.Levels[li].Vecs {
			if v == nil {
				return nil, fmt.Errorf("features: level %d has missing crops", li)
			}
		}
	}
	return m, nil
}

// cutCrop copies a square region out of img.
func cutCrop(img *core.Image, ox, oy, edge int) *core.Image {
	out := core.NewImage(edge, edge)
	for y := 0; y < edge; y++ {
		srcOff := 3 * ((oy+y)*img.W + ox)
		dstOff := 3 * (y * edge)
		copy(out.Pix[dstOff:dstOff+3*edge], img.Pix[srcOff:srcOff+3*edge])
	}
	return out
}

// AuxExtractor produces the auxiliary per-pixel feature map for a frame.
type AuxExtractor struct {
	enc encoders.AuxEncoder
}

// NewAuxExtractor wraps an auxiliary encoder.
func NewAuxExtractor(enc encoders.AuxEncoder) (*AuxExtractor, error) {
	if enc == nil {
		return nil, fmt.Errorf("features: nil aux encoder")
	}
	return &AuxExtractor{enc: enc}, nil
}

// Extract runs the auxiliary encoder on the frame image. Failures wrap
// the encoder error; the caller decides whether to skip the frame.
func (a *AuxExtractor) Extract(ctx context.Context, frame *core.PosedFrame) (*encoders.DenseFeatures, error) {
	if err := frame.Validate(); err != nil {
		return nil, fmt.Errorf("features: %w", err)
	}
	d, err := a.enc.EncodeDense(ctx, frame.Image)
	if err != nil {
		return nil, fmt.Errorf("features: dense encode failed: %w", err)
	}
	return d, nil
}
