package core

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"
)

// MaxImageDim bounds the width and height an encoded frame may declare.
// It keeps decoders from allocating pixel buffers for corrupt or hostile
// length fields before any pixel data is read.
const MaxImageDim = 16384

// frameFixedSize is the byte length of the fixed portion of an encoded
// frame: timestamp, pose, intrinsics and image dimensions. RGB8 pixels
// follow, row-major.
const frameFixedSize = 104

// EncodeFrame serializes a frame into the compact binary layout shared
// by the TCP stream and the session journal:
//
//	[Timestamp ns int64][Position 3xf64][Orientation w,x,y,z 4xf64]
//	[Fx Fy Cx Cy f64][Width u32][Height u32][RGB8 pixels 3*W*H]
//
// all little-endian. Channels are quantized to 8 bits. The frame ID is
// not encoded; decoding mints a fresh observation.
func EncodeFrame(f *PosedFrame) ([]byte, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	w, h := f.Image.W, f.Image.H
	if w > MaxImageDim || h > MaxImageDim {
		return nil, fmt.Errorf("image %dx%d exceeds the %d pixel dimension limit", w, h, MaxImageDim)
	}

	buf := make([]byte, frameFixedSize+3*w*h)
	putF64 := func(off int, v float64) {
		binary.LittleEndian.PutUint64(buf[off:off+8], math.Float64bits(v))
	}

	binary.LittleEndian.PutUint64(buf[0:8], uint64(f.Timestamp.UnixNano()))
	putF64(8, f.Pose.Position.X)
	putF64(16, f.Pose.Position.Y)
	putF64(24, f.Pose.Position.Z)
	putF64(32, f.Pose.Orientation.Real)
	putF64(40, f.Pose.Orientation.Imag)
	putF64(48, f.Pose.Orientation.Jmag)
	putF64(56, f.Pose.Orientation.Kmag)
	putF64(64, f.Intrinsics.Fx)
	putF64(72, f.Intrinsics.Fy)
	putF64(80, f.Intrinsics.Cx)
	putF64(88, f.Intrinsics.Cy)
	binary.LittleEndian.PutUint32(buf[96:100], uint32(w))
	binary.LittleEndian.PutUint32(buf[100:104], uint32(h))

	for i, v := range f.Image.Pix {
		if v < 0 {
			v = 0
		} else if v > 1 {
			v = 1
		}
		buf[frameFixedSize+i] = byte(v*255 + 0.5)
	}
	return buf, nil
}

// DecodeFrame parses an encoded frame. Dimensions are validated before
// the pixel payload is touched, and the result goes through the same
// validation as a locally constructed frame.
func DecodeFrame(data []byte) (*PosedFrame, error) {
	if len(data) < frameFixedSize {
		return nil, fmt.Errorf("frame payload %d bytes is shorter than the %d byte fixed section", len(data), frameFixedSize)
	}
	f64 := func(off int) float64 {
		return math.Float64frombits(binary.LittleEndian.Uint64(data[off : off+8]))
	}

	ts := time.Unix(0, int64(binary.LittleEndian.Uint64(data[0:8])))
	pose := Pose{
		Position: r3.Vec{X: f64(8), Y: f64(16), Z: f64(24)},
		Orientation: quat.Number{
			Real: f64(32), Imag: f64(40), Jmag: f64(48), Kmag: f64(56),
		},
	}
	intr := Intrinsics{
		Fx: f64(64), Fy: f64(72), Cx: f64(80), Cy: f64(88),
		Width:  int(binary.LittleEndian.Uint32(data[96:100])),
		Height: int(binary.LittleEndian.Uint32(data[100:104])),
	}

	w, h := intr.Width, intr.Height
	if w <= 0 || h <= 0 || w > MaxImageDim || h > MaxImageDim {
		return nil, fmt.Errorf("implausible image dimensions %dx%d", w, h)
	}
	want := frameFixedSize + 3*w*h
	if len(data) != want {
		return nil, fmt.Errorf("frame payload %d bytes does not match %dx%d RGB8 (want %d)", len(data), w, h, want)
	}

	img := NewImage(w, h)
	for i, b := range data[frameFixedSize:] {
		img.Pix[i] = float32(b) / 255
	}
	return NewPosedFrame(img, pose, intr, ts)
}
