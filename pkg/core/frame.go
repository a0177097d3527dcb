// Package core holds the scene representation: posed input frames, the
// primitive set with its language embedding bundles, the spatial index,
// and snapshot serialization. The scene has a single logical writer (the
// optimizer loop); all other components read published immutable views.
package core

import (
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"
)

// Image is a dense RGB image with float32 channels in [0,1], interleaved
// row-major (index = 3*(y*W+x) + channel).
type Image struct {
	W, H int
	Pix  []float32
}

// NewImage allocates a zeroed W by H RGB image.
func NewImage(w, h int) *Image {
	return &Image{W: w, H: h, Pix: make([]float32, 3*w*h)}
}

// At returns the RGB triplet at (x, y). Bounds are the caller's problem.
func (im *Image) At(x, y int) [3]float32 {
	i := 3 * (y*im.W + x)
	return [3]float32{im.Pix[i], im.Pix[i+1], im.Pix[i+2]}
}

// Set writes the RGB triplet at (x, y).
func (im *Image) Set(x, y int, c [3]float32) {
	i := 3 * (y*im.W + x)
	im.Pix[i], im.Pix[i+1], im.Pix[i+2] = c[0], c[1], c[2]
}

func (im *Image) valid() bool {
	return im != nil && im.W > 0 && im.H > 0 && len(im.Pix) == 3*im.W*im.H
}

// Pose is a camera pose in world coordinates: position plus a unit
// orientation quaternion mapping camera axes into world axes.
type Pose struct {
	Position    r3.Vec
	Orientation quat.Number
}

// Distance returns the Euclidean distance between two pose positions.
func (p Pose) Distance(o Pose) float64 {
	return r3.Norm(r3.Sub(p.Position, o.Position))
}

// AngularDistance returns the rotation angle in radians between the two
// orientations, in [0, pi].
func (p Pose) AngularDistance(o Pose) float64 {
	d := p.Orientation.Real*o.Orientation.Real +
		p.Orientation.Imag*o.Orientation.Imag +
		p.Orientation.Jmag*o.Orientation.Jmag +
		p.Orientation.Kmag*o.Orientation.Kmag
	if d < 0 {
		d = -d
	}
	if d > 1 {
		d = 1
	}
	return 2 * math.Acos(d)
}

// Rotate applies the pose orientation to a camera-space vector.
func (p Pose) Rotate(v r3.Vec) r3.Vec {
	return r3.Rotation(p.Orientation).Rotate(v)
}

// WorldToCamera maps a world point into this pose's camera frame.
func (p Pose) WorldToCamera(w r3.Vec) r3.Vec {
	inv := quat.Inv(p.Orientation)
	return r3.Rotation(inv).Rotate(r3.Sub(w, p.Position))
}

// CameraToWorld is the inverse of WorldToCamera.
func (p Pose) CameraToWorld(c r3.Vec) r3.Vec {
	return r3.Add(p.Rotate(c), p.Position)
}

func (p Pose) finite() bool {
	for _, f := range []float64{
		p.Position.X, p.Position.Y, p.Position.Z,
		p.Orientation.Real, p.Orientation.Imag, p.Orientation.Jmag, p.Orientation.Kmag,
	} {
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return false
		}
	}
	return true
}

// normalized returns the pose with a unit orientation quaternion.
func (p Pose) normalized() (Pose, error) {
	n := quat.Abs(p.Orientation)
	if n == 0 || math.IsNaN(n) {
		return p, fmt.Errorf("pose orientation has zero norm")
	}
	p.Orientation = quat.Scale(1/n, p.Orientation)
	return p, nil
}

// Intrinsics is a pinhole camera model. Width and Height are the pixel
// dimensions the parameters were calibrated for.
type Intrinsics struct {
	Fx, Fy, Cx, Cy float64
	Width, Height  int
}

// Project maps a camera-space point to pixel coordinates. ok is false for
// points at or behind the image plane.
func (in Intrinsics) Project(c r3.Vec) (x, y float64, ok bool) {
	const zMin = 1e-6
	if c.Z < zMin {
		return 0, 0, false
	}
	return in.Fx*c.X/c.Z + in.Cx, in.Fy*c.Y/c.Z + in.Cy, true
}

// PosedFrame is one observation from the robot stream: an image, the
// camera pose it was captured from, and the calibration to interpret it.
// Immutable once ingested.
type PosedFrame struct {
	ID         uuid.UUID
	Image      *Image
	Pose       Pose
	Intrinsics Intrinsics
	Timestamp  time.Time
}

// NewPosedFrame validates the inputs, normalizes the orientation and
// assigns a fresh frame ID.
func NewPosedFrame(img *Image, pose Pose, intr Intrinsics, ts time.Time) (*PosedFrame, error) {
	f := &PosedFrame{ID: uuid.New(), Image: img, Pose: pose, Intrinsics: intr, Timestamp: ts}
	var err error
	if f.Pose, err = pose.normalized(); err != nil {
		return nil, err
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return f, nil
}

// Validate reports whether the frame is internally consistent: a well
// formed image matching the intrinsics, and a finite pose. Malformed
// frames are skipped by the optimizer, never processed partially.
func (f *PosedFrame) Validate() error {
	if f == nil {
		return fmt.Errorf("nil frame")
	}
	if !f.Image.valid() {
		return fmt.Errorf("frame %s: image missing or pixel buffer does not match dimensions", f.ID)
	}
	if f.Image.W != f.Intrinsics.Width || f.Image.H != f.Intrinsics.Height {
		return fmt.Errorf("frame %s: image %dx%d does not match intrinsics %dx%d",
			f.ID, f.Image.W, f.Image.H, f.Intrinsics.Width, f.Intrinsics.Height)
	}
	if f.Intrinsics.Fx <= 0 || f.Intrinsics.Fy <= 0 {
		return fmt.Errorf("frame %s: non-positive focal length", f.ID)
	}
	if !f.Pose.finite() {
		return fmt.Errorf("frame %s: non-finite pose", f.ID)
	}
	if math.Abs(quat.Abs(f.Pose.Orientation)-1) > 1e-3 {
		return fmt.Errorf("frame %s: orientation is not unit length", f.ID)
	}
	return nil
}
