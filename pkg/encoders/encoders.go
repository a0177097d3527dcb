// Package encoders wraps the external pretrained models that turn image
// crops and text into embedding vectors. Variants for different encoder
// families implement the same two-capability interface; the rest of the
// system never knows which family is behind it.
package encoders

import (
	"context"
	"errors"

	"github.com/semafield/semafield/pkg/core"
)

// ErrEncoderUnavailable wraps every failure to obtain an embedding from
// an encoder backend. Callers skip the affected frame and report the
// event; they do not retry silently.
var ErrEncoderUnavailable = errors.New("encoder unavailable")

// Crop is a rectangular image region handed to an encoder. Pixels are a
// copy, so encoders may run concurrently with frame processing.
type Crop struct {
	Image *core.Image
	// X, Y, W, H locate the crop in the source frame, for logging and
	// determinism checks. The pixel payload is Image itself.
	X, Y, W, H int
}

// Encoder is the visual-language encoder capability pair. Dim is fixed
// at construction; every returned vector has exactly Dim components.
type Encoder interface {
	EncodeCrop(ctx context.Context, crop Crop) ([]float32, error)
	EncodeText(ctx context.Context, text string) ([]float32, error)
	Dim() int
}

// AuxEncoder produces a dense per-pixel self-supervised feature grid for
// a whole frame. The grid is FeatDim-wide per pixel at a reduced spatial
// resolution (GridW x GridH), chosen by the implementation.
type AuxEncoder interface {
	EncodeDense(ctx context.Context, img *core.Image) (*DenseFeatures, error)
	FeatDim() int
}

// DenseFeatures is a per-pixel feature grid at reduced resolution, with
// bilinear access at source-image coordinates.
type DenseFeatures struct {
	GridW, GridH int
	Dim          int
	// Data is row-major: feature vector for cell (gx, gy) starts at
	// Dim*(gy*GridW+gx).
	Data []float32
	// SrcW, SrcH are the source image dimensions the grid maps onto.
	SrcW, SrcH int
}

// At returns the feature vector of grid cell (gx, gy), clamped to the
// grid bounds. The slice aliases the grid storage; callers must not
// mutate it.
func (d *DenseFeatures) At(gx, gy int) []float32 {
	if gx < 0 {
		gx = 0
	}
	if gy < 0 {
		gy = 0
	}
	if gx >= d.GridW {
		gx = d.GridW - 1
	}
	if gy >= d.GridH {
		gy = d.GridH - 1
	}
	i := d.Dim * (gy*d.GridW + gx)
	return d.Data[i : i+d.Dim]
}

// Sample bilinearly interpolates the grid at source-image pixel (x, y)
// into out, which must be Dim long.
func (d *DenseFeatures) Sample(x, y float64, out []float32) {
	// Map pixel coordinates onto grid-cell centers.
	gx := x/float64(d.SrcW)*float64(d.GridW) - 0.5
	gy := y/float64(d.SrcH)*float64(d.GridH) - 0.5
	x0 := int(gx)
	y0 := int(gy)
	if gx < 0 {
		x0 = -1
	}
	if gy < 0 {
		y0 = -1
	}
	fx := float32(gx - float64(x0))
	fy := float32(gy - float64(y0))

	v00 := d.At(x0, y0)
	v10 := d.At(x0+1, y0)
	v01 := d.At(x0, y0+1)
	v11 := d.At(x0+1, y0+1)
	for i := 0; i < d.Dim; i++ {
		top := v00[i]*(1-fx) + v10[i]*fx
		bot := v01[i]*(1-fx) + v11[i]*fx
		out[i] = top*(1-fy) + bot*fy
	}
}
