package encoders

import (
	"context"
	"hash/fnv"
	"strings"

	"github.com/semafield/semafield/pkg/core"
	"github.com/semafield/semafield/pkg/vecmath"
)

// HashEncoder is a fully deterministic in-process encoder used for
// development and tests when no real encoder service is running. Crops
// are projected from coarse pixel statistics and text from token hashes,
// so similar inputs land near each other, which is all the optimizer and
// the query engine need to be exercised end to end.
type HashEncoder struct {
	dim int
}

// NewHashEncoder returns a local encoder with dim-wide embeddings.
func NewHashEncoder(dim int) *HashEncoder {
	if dim <= 0 {
		dim = 64
	}
	return &HashEncoder{dim: dim}
}

func (e *HashEncoder) Dim() int { return e.dim }

// statCells is the downsampled grid edge used for crop statistics.
const statCells = 4

// EncodeCrop projects box-averaged 4x4 RGB statistics of the crop
// through deterministic pseudo-random rows. Identical crops always
// produce identical embeddings.
func (e *HashEncoder) EncodeCrop(ctx context.Context, crop Crop) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	img := crop.Image
	if img == nil || img.W == 0 || img.H == 0 {
		return nil, ErrEncoderUnavailable
	}

	out := make([]float32, e.dim)
	cellW := (img.W + statCells - 1) / statCells
	cellH := (img.H + statCells - 1) / statCells
	for cy := 0; cy < statCells; cy++ {
		for cx := 0; cx < statCells; cx++ {
			var sum [3]float64
			var n int
			for y := cy * cellH; y < (cy+1)*cellH && y < img.H; y++ {
				for x := cx * cellW; x < (cx+1)*cellW && x < img.W; x++ {
					c := img.At(x, y)
					sum[0] += float64(c[0])
					sum[1] += float64(c[1])
					sum[2] += float64(c[2])
					n++
				}
			}
			if n == 0 {
				continue
			}
			cell := uint64(cy*statCells + cx)
			for ch := 0; ch < 3; ch++ {
				e.addProjected(out, cell*3+uint64(ch), float32(sum[ch]/float64(n)))
			}
		}
	}
	vecmath.Normalize(out)
	return out, nil
}

// EncodeText sums the projections of the token hashes. Shared tokens
// between two strings pull their embeddings together.
func (e *HashEncoder) EncodeText(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([]float32, e.dim)
	tokens := strings.Fields(strings.ToLower(text))
	if len(tokens) == 0 {
		tokens = []string{text}
	}
	for _, tok := range tokens {
		h := fnv.New64a()
		h.Write([]byte(tok))
		e.addProjected(out, h.Sum64(), 1)
	}
	vecmath.Normalize(out)
	return out, nil
}

// addProjected adds weight times a deterministic unit-variance row keyed
// by key. Rows come from a splitmix64 stream so the mapping is stable
// across platforms and Go versions.
func (e *HashEncoder) addProjected(out []float32, key uint64, weight float32) {
	state := key*0x9E3779B97F4A7C15 + 0x2545F4914F6CDD1D
	for i := range out {
		state += 0x9E3779B97F4A7C15
		z := state
		z = (z ^ (z >> 30)) * 0xBF58476D1CE4E5B9
		z = (z ^ (z >> 27)) * 0x94D049BB133111EB
		z ^= z >> 31
		// Map to [-1, 1).
		out[i] += weight * (float32(int64(z>>11))/float32(1<<52) - 1)
	}
}

// LumaGradAux is the in-process auxiliary encoder: an 8-wide per-cell
// descriptor of local brightness and gradient structure at a fixed
// stride. It stands in for a self-supervised feature backbone during
// development; the descriptors are smooth over texture boundaries, which
// is the property the scale-selection criterion relies on.
type LumaGradAux struct {
	Stride int
}

// NewLumaGradAux returns the local auxiliary encoder. stride <= 0 picks
// the default of 8 pixels per grid cell.
func NewLumaGradAux(stride int) *LumaGradAux {
	if stride <= 0 {
		stride = 8
	}
	return &LumaGradAux{Stride: stride}
}

const lumaGradDim = 8

func (a *LumaGradAux) FeatDim() int { return lumaGradDim }

// EncodeDense computes the descriptor grid for img.
func (a *LumaGradAux) EncodeDense(ctx context.Context, img *core.Image) (*DenseFeatures, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if img == nil || img.W == 0 || img.H == 0 {
		return nil, ErrEncoderUnavailable
	}
	gw := (img.W + a.Stride - 1) / a.Stride
	gh := (img.H + a.Stride - 1) / a.Stride
	d := &DenseFeatures{
		GridW: gw, GridH: gh, Dim: lumaGradDim,
		Data: make([]float32, gw*gh*lumaGradDim),
		SrcW: img.W, SrcH: img.H,
	}

	luma := func(x, y int) float64 {
		if x < 0 {
			x = 0
		}
		if y < 0 {
			y = 0
		}
		if x >= img.W {
			x = img.W - 1
		}
		if y >= img.H {
			y = img.H - 1
		}
		c := img.At(x, y)
		return 0.299*float64(c[0]) + 0.587*float64(c[1]) + 0.114*float64(c[2])
	}

	for gy := 0; gy < gh; gy++ {
		for gx := 0; gx < gw; gx++ {
			var sumL, sumL2, gradX, gradY float64
			var sumC [3]float64
			var n int
			for y := gy * a.Stride; y < (gy+1)*a.Stride && y < img.H; y++ {
				for x := gx * a.Stride; x < (gx+1)*a.Stride && x < img.W; x++ {
					l := luma(x, y)
					sumL += l
					sumL2 += l * l
					gradX += luma(x+1, y) - luma(x-1, y)
					gradY += luma(x, y+1) - luma(x, y-1)
					c := img.At(x, y)
					sumC[0] += float64(c[0])
					sumC[1] += float64(c[1])
					sumC[2] += float64(c[2])
					n++
				}
			}
			if n == 0 {
				continue
			}
			fn := float64(n)
			meanL := sumL / fn
			varL := sumL2/fn - meanL*meanL
			if varL < 0 {
				varL = 0
			}
			gx2 := gradX / fn
			gy2 := gradY / fn
			feat := d.Data[lumaGradDim*(gy*gw+gx):]
			feat[0] = float32(meanL)
			feat[1] = float32(gx2)
			feat[2] = float32(gy2)
			feat[3] = float32(gx2*gx2 + gy2*gy2)
			feat[4] = float32(sumC[0] / fn)
			feat[5] = float32(sumC[1] / fn)
			feat[6] = float32(sumC[2] / fn)
			feat[7] = float32(varL)
		}
	}
	return d, nil
}
