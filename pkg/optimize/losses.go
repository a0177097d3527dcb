package optimize

import (
	"math"

	"github.com/semafield/semafield/pkg/encoders"
	"github.com/semafield/semafield/pkg/features"
	"github.com/semafield/semafield/pkg/render"
	"github.com/semafield/semafield/pkg/vecmath"
)

// l1Loss accumulates the weighted mean absolute error between the
// rendered and observed pixel buffers into grad and returns the loss
// value. grad must have the length of rendered.
func l1Loss(rendered, observed, grad []float32, weight float64) float64 {
	if len(rendered) == 0 {
		return 0
	}
	n := float64(len(rendered))
	w := weight / n
	sum := 0.0
	for i := range rendered {
		d := float64(rendered[i] - observed[i])
		if d >= 0 {
			sum += d
			grad[i] += float32(w)
		} else {
			sum -= d
			grad[i] -= float32(w)
		}
	}
	return weight * sum / n
}

const (
	ssimBlock = 8
	ssimC1    = 1e-4 // (0.01*L)^2 at unit dynamic range
	ssimC2    = 9e-4 // (0.03*L)^2
)

// ssimLoss computes the structural dissimilarity 1 - mean(SSIM) over
// non-overlapping blocks per channel, accumulating its weighted
// gradient with respect to the rendered pixels into grad.
func ssimLoss(rendered, observed []float32, w, h int, grad []float32, weight float64) float64 {
	if w <= 0 || h <= 0 {
		return 0
	}
	blocksX := (w + ssimBlock - 1) / ssimBlock
	blocksY := (h + ssimBlock - 1) / ssimBlock
	nBlocks := float64(blocksX * blocksY * 3)
	meanS := 0.0
	for by := 0; by < blocksY; by++ {
		for bx := 0; bx < blocksX; bx++ {
			x0, y0 := bx*ssimBlock, by*ssimBlock
			x1, y1 := min(x0+ssimBlock, w), min(y0+ssimBlock, h)
			n := float64((x1 - x0) * (y1 - y0))
			for c := 0; c < 3; c++ {
				var mx, my float64
				for y := y0; y < y1; y++ {
					for x := x0; x < x1; x++ {
						off := (y*w+x)*3 + c
						mx += float64(rendered[off])
						my += float64(observed[off])
					}
				}
				mx /= n
				my /= n

				var vx, vy, cov float64
				for y := y0; y < y1; y++ {
					for x := x0; x < x1; x++ {
						off := (y*w+x)*3 + c
						dx := float64(rendered[off]) - mx
						dy := float64(observed[off]) - my
						vx += dx * dx
						vy += dy * dy
						cov += dx * dy
					}
				}
				vx /= n
				vy /= n
				cov /= n

				a1 := 2*mx*my + ssimC1
				a2 := 2*cov + ssimC2
				b1 := mx*mx + my*my + ssimC1
				b2 := vx + vy + ssimC2
				s := (a1 * a2) / (b1 * b2)
				meanS += s

				coef := -weight / nBlocks * 2 / (n * b1 * b2)
				for y := y0; y < y1; y++ {
					for x := x0; x < x1; x++ {
						off := (y*w+x)*3 + c
						dxi := float64(rendered[off]) - mx
						dyi := float64(observed[off]) - my
						ds := my*a2 + a1*dyi - s*(mx*b2+b1*dxi)
						grad[off] += float32(coef * ds)
					}
				}
			}
		}
	}
	return weight * (1 - meanS/nBlocks)
}

// languageLoss compares the rendered embedding map against the pyramid
// field evaluated at the frame's best scale, Huber-robust per
// component, accumulating the weighted gradient with respect to the
// rendered embeddings into grad.
func languageLoss(res *render.Result, pyr *features.PyramidMap, scale, delta, weight float64, grad []float32) float64 {
	if res.Dim == 0 || len(res.Embeddings) == 0 {
		return 0
	}
	target := make([]float32, res.Dim)
	n := float64(len(res.Embeddings))
	wn := weight / n
	loss := 0.0
	for cy := 0; cy < res.EmbH; cy++ {
		for cx := 0; cx < res.EmbW; cx++ {
			pyr.EmbeddingAt(float64(cx*res.EmbStride), float64(cy*res.EmbStride), scale, target)
			off := (cy*res.EmbW + cx) * res.Dim
			for i := 0; i < res.Dim; i++ {
				d := float64(res.Embeddings[off+i] - target[i])
				if ad := math.Abs(d); ad <= delta {
					loss += 0.5 * d * d
					grad[off+i] += float32(wn * d)
				} else {
					loss += delta * (ad - 0.5*delta)
					if d > 0 {
						grad[off+i] += float32(wn * delta)
					} else {
						grad[off+i] -= float32(wn * delta)
					}
				}
			}
		}
	}
	return weight * loss / n
}

// auxSmoothLoss penalizes embedding-map roughness where the auxiliary
// features consider adjacent cells alike: the squared embedding
// difference of each neighboring cell pair is weighted by the clamped
// cosine similarity of their auxiliary vectors.
func auxSmoothLoss(res *render.Result, aux *encoders.DenseFeatures, weight float64, grad []float32) float64 {
	if res.Dim == 0 || aux == nil || res.EmbW*res.EmbH < 2 {
		return 0
	}
	cells := res.EmbW * res.EmbH
	auxVecs := make([]float32, cells*aux.Dim)
	for cy := 0; cy < res.EmbH; cy++ {
		for cx := 0; cx < res.EmbW; cx++ {
			off := (cy*res.EmbW + cx) * aux.Dim
			aux.Sample(float64(cx*res.EmbStride), float64(cy*res.EmbStride), auxVecs[off:off+aux.Dim])
		}
	}
	cos, _ := vecmath.GetFloat32Func(vecmath.Cosine)

	nPairs := (res.EmbW-1)*res.EmbH + res.EmbW*(res.EmbH-1)
	wn := weight / float64(nPairs*res.Dim)
	loss := 0.0
	pair := func(i, j int) {
		av := auxVecs[i*aux.Dim : (i+1)*aux.Dim]
		bv := auxVecs[j*aux.Dim : (j+1)*aux.Dim]
		sim, err := cos(av, bv)
		if err != nil || sim <= 0 {
			return
		}
		oi, oj := i*res.Dim, j*res.Dim
		for k := 0; k < res.Dim; k++ {
			d := float64(res.Embeddings[oi+k] - res.Embeddings[oj+k])
			loss += sim * d * d
			g := float32(2 * wn * sim * d)
			grad[oi+k] += g
			grad[oj+k] -= g
		}
	}
	for cy := 0; cy < res.EmbH; cy++ {
		for cx := 0; cx < res.EmbW; cx++ {
			i := cy*res.EmbW + cx
			if cx+1 < res.EmbW {
				pair(i, i+1)
			}
			if cy+1 < res.EmbH {
				pair(i, i+res.EmbW)
			}
		}
	}
	return wn * loss
}
