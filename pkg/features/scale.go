package features

import (
	"github.com/semafield/semafield/pkg/encoders"
	"github.com/semafield/semafield/pkg/vecmath"
)

// ScaleSweep controls the best-scale search.
type ScaleSweep struct {
	// Steps is how many candidate scales are evaluated across [0,1].
	Steps int
	// SamplePoints is the edge of the pixel sample grid used to score a
	// candidate scale.
	SamplePoints int
}

// DefaultScaleSweep evaluates 30 candidates over an 8x8 sample grid.
func DefaultScaleSweep() ScaleSweep {
	return ScaleSweep{Steps: 30, SamplePoints: 8}
}

// BestScale picks the pyramid scale whose embedding field best agrees
// with the auxiliary features' self-similarity structure: at the right
// crop footprint, pixels that look alike to the auxiliary backbone carry
// alike language embeddings, while a too-large footprint smears
// unrelated regions together. The score for a candidate scale is the
// agreement between embedding-space and aux-space cosine similarity over
// neighboring sample pairs; the argmax wins. Deterministic.
func BestScale(pyr *PyramidMap, aux *encoders.DenseFeatures, sweep ScaleSweep) float64 {
	if sweep.Steps <= 1 {
		return 0
	}
	n := sweep.SamplePoints
	if n < 2 {
		n = 2
	}

	type samplePt struct{ x, y float64 }
	pts := make([]samplePt, 0, n*n)
	for iy := 0; iy < n; iy++ {
		for ix := 0; ix < n; ix++ {
			pts = append(pts, samplePt{
				x: (float64(ix) + 0.5) / float64(n) * float64(pyr.W),
				y: (float64(iy) + 0.5) / float64(n) * float64(pyr.H),
			})
		}
	}

	auxVecs := make([][]float32, len(pts))
	for i, pt := range pts {
		v := make([]float32, aux.Dim)
		aux.Sample(pt.x, pt.y, v)
		auxVecs[i] = v
	}

	cos, _ := vecmath.GetFloat32Func(vecmath.Cosine)

	// Horizontally and vertically adjacent sample pairs.
	type pair struct{ a, b int }
	var pairs []pair
	for iy := 0; iy < n; iy++ {
		for ix := 0; ix < n; ix++ {
			i := iy*n + ix
			if ix+1 < n {
				pairs = append(pairs, pair{i, i + 1})
			}
			if iy+1 < n {
				pairs = append(pairs, pair{i, i + n})
			}
		}
	}
	auxSims := make([]float64, len(pairs))
	for pi, pr := range pairs {
		auxSims[pi], _ = cos(auxVecs[pr.a], auxVecs[pr.b])
	}

	embVecs := make([][]float32, len(pts))
	for i := range embVecs {
		embVecs[i] = make([]float32, pyr.Dim)
	}

	bestScale, bestScore := 0.0, -1e18
	for step := 0; step < sweep.Steps; step++ {
		s := float64(step) / float64(sweep.Steps-1)
		for i, pt := range pts {
			pyr.EmbeddingAt(pt.x, pt.y, s, embVecs[i])
		}
		score := 0.0
		for pi, pr := range pairs {
			embSim, _ := cos(embVecs[pr.a], embVecs[pr.b])
			d := embSim - auxSims[pi]
			if d < 0 {
				d = -d
			}
			score += 1 - d
		}
		if score > bestScore {
			bestScore = score
			bestScale = s
		}
	}
	return bestScale
}
