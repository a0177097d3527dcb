package core

import (
	"encoding/gob"
	"fmt"
	"io"

	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/semafield/semafield/pkg/core/spatial"
	"github.com/semafield/semafield/pkg/vecmath"
	"github.com/tidwall/btree"
)

// SceneSnapshot is the serializable state of a Scene. Embedding vectors
// are stored in explicitly typed per-precision fields so gob restores
// them exactly instead of widening through float64.
type SceneSnapshot struct {
	Step      uint64
	NextID    uint32
	Levels    int
	Dim       int
	Precision vecmath.Precision
	// QuantizerState carries the trained quantization range when
	// Precision is Int8.
	QuantizerState *vecmath.Quantizer
	Prims          []PrimitiveSnapshot
}

// PrimitiveSnapshot restores a single primitive. Exactly one of the
// Vectors fields is populated, matching the snapshot precision.
type PrimitiveSnapshot struct {
	ID           uint32
	Center       r3.Vec
	LogScale     r3.Vec
	Rotation     quat.Number
	Opacity      float32
	Color        [3]float32
	SHRest       []float32
	ScaleWeight  float32
	ObsCount     uint32
	CreatedStep  uint64
	LastSeenStep uint64

	VectorsF32 [][]float32
	VectorsF16 [][]uint16
	VectorsI8  [][]int8
}

// BuildSnapshot captures the scene under a read lock. precision selects
// how bundle vectors are encoded; Int8 trains a quantizer on a sample of
// the live vectors first.
func (s *Scene) BuildSnapshot(precision vecmath.Precision) (*SceneSnapshot, error) {
	if precision == "" {
		precision = vecmath.Float32
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := &SceneSnapshot{
		Step:      s.step,
		NextID:    s.nextID,
		Levels:    s.cfg.ScaleLevels,
		Dim:       s.cfg.EmbeddingDim,
		Precision: precision,
		Prims:     make([]PrimitiveSnapshot, 0, len(s.prims)),
	}

	var quant *vecmath.Quantizer
	if precision == vecmath.Int8 {
		quant = &vecmath.Quantizer{}
		quant.Train(s.sampleVectorsLocked(1024))
		snap.QuantizerState = quant
	}

	for _, id := range s.IDsUnlocked() {
		p := s.prims[id]
		ps := PrimitiveSnapshot{
			ID:           p.ID,
			Center:       p.Center,
			LogScale:     p.LogScale,
			Rotation:     p.Rotation,
			Opacity:      p.Opacity,
			Color:        p.Color,
			SHRest:       append([]float32(nil), p.SHRest...),
			ScaleWeight:  p.Bundle.ScaleWeight,
			ObsCount:     p.ObsCount,
			CreatedStep:  p.CreatedStep,
			LastSeenStep: p.LastSeenStep,
		}
		switch precision {
		case vecmath.Float16:
			ps.VectorsF16 = make([][]uint16, len(p.Bundle.Vectors))
			for i, v := range p.Bundle.Vectors {
				ps.VectorsF16[i] = vecmath.ToFloat16(v)
			}
		case vecmath.Int8:
			ps.VectorsI8 = make([][]int8, len(p.Bundle.Vectors))
			for i, v := range p.Bundle.Vectors {
				ps.VectorsI8[i] = quant.Quantize(v)
			}
		default:
			ps.VectorsF32 = make([][]float32, len(p.Bundle.Vectors))
			for i, v := range p.Bundle.Vectors {
				ps.VectorsF32[i] = append([]float32(nil), v...)
			}
		}
		snap.Prims = append(snap.Prims, ps)
	}
	return snap, nil
}

// sampleVectorsLocked gathers up to limit bundle vectors for quantizer
// training.
func (s *Scene) sampleVectorsLocked(limit int) [][]float32 {
	out := make([][]float32, 0, limit)
	for _, p := range s.prims {
		for _, v := range p.Bundle.Vectors {
			out = append(out, v)
			if len(out) >= limit {
				return out
			}
		}
	}
	return out
}

// RestoreSnapshot replaces the scene contents with the snapshot state.
// The snapshot's bundle shape must match the scene configuration; a
// mismatch means the checkpoint belongs to a differently configured
// session and is rejected.
func (s *Scene) RestoreSnapshot(snap *SceneSnapshot) error {
	if snap == nil {
		return fmt.Errorf("nil snapshot")
	}
	if snap.Levels != s.cfg.ScaleLevels || snap.Dim != s.cfg.EmbeddingDim {
		return fmt.Errorf("snapshot shape %dx%d does not match scene config %dx%d",
			snap.Levels, snap.Dim, s.cfg.ScaleLevels, s.cfg.EmbeddingDim)
	}
	if snap.Precision == vecmath.Int8 && snap.QuantizerState == nil {
		return fmt.Errorf("int8 snapshot is missing its quantizer state")
	}

	prims := make(map[uint32]*Primitive, len(snap.Prims))
	grid := spatial.New(s.cfg.CellSize)
	seen := btree.NewBTreeG[seenItem](seenItemLess)

	for i := range snap.Prims {
		ps := &snap.Prims[i]
		p := &Primitive{
			ID:           ps.ID,
			Center:       ps.Center,
			LogScale:     ps.LogScale,
			Rotation:     ps.Rotation,
			Opacity:      ps.Opacity,
			Color:        ps.Color,
			SHRest:       append([]float32(nil), ps.SHRest...),
			ObsCount:     ps.ObsCount,
			CreatedStep:  ps.CreatedStep,
			LastSeenStep: ps.LastSeenStep,
		}
		vectors, err := decodeVectors(ps, snap)
		if err != nil {
			return fmt.Errorf("primitive %d: %w", ps.ID, err)
		}
		p.Bundle = EmbeddingBundle{Vectors: vectors, ScaleWeight: ps.ScaleWeight}
		if err := p.Bundle.Validate(s.cfg.ScaleLevels, s.cfg.EmbeddingDim); err != nil {
			return fmt.Errorf("primitive %d: %w", ps.ID, err)
		}
		if _, dup := prims[p.ID]; dup {
			return fmt.Errorf("duplicate primitive id %d", p.ID)
		}
		if p.ID >= snap.NextID {
			return fmt.Errorf("primitive id %d not below next id %d", p.ID, snap.NextID)
		}
		prims[p.ID] = p
		grid.Insert(p.ID, p.Center)
		seen.Set(seenItem{LastSeen: p.LastSeenStep, ID: p.ID})
	}

	s.mu.Lock()
	s.prims = prims
	s.grid = grid
	s.lastSeen = seen
	s.nextID = snap.NextID
	s.step = snap.Step
	s.mu.Unlock()
	s.version.Add(1)
	return nil
}

func decodeVectors(ps *PrimitiveSnapshot, snap *SceneSnapshot) ([][]float32, error) {
	switch snap.Precision {
	case vecmath.Float16:
		if ps.VectorsF16 == nil {
			return nil, fmt.Errorf("float16 snapshot has no float16 vectors")
		}
		out := make([][]float32, len(ps.VectorsF16))
		for i, v := range ps.VectorsF16 {
			out[i] = vecmath.FromFloat16(v)
		}
		return out, nil
	case vecmath.Int8:
		if ps.VectorsI8 == nil {
			return nil, fmt.Errorf("int8 snapshot has no int8 vectors")
		}
		out := make([][]float32, len(ps.VectorsI8))
		for i, v := range ps.VectorsI8 {
			out[i] = snap.QuantizerState.Dequantize(v)
		}
		return out, nil
	default:
		if ps.VectorsF32 == nil {
			return nil, fmt.Errorf("float32 snapshot has no float32 vectors")
		}
		out := make([][]float32, len(ps.VectorsF32))
		for i, v := range ps.VectorsF32 {
			out[i] = append([]float32(nil), v...)
		}
		return out, nil
	}
}

// Snapshot serializes the scene in gob format. Convenience wrapper over
// BuildSnapshot for callers that do their own framing.
func (s *Scene) Snapshot(w io.Writer, precision vecmath.Precision) error {
	snap, err := s.BuildSnapshot(precision)
	if err != nil {
		return err
	}
	if err := gob.NewEncoder(w).Encode(snap); err != nil {
		return fmt.Errorf("failed to encode scene snapshot: %w", err)
	}
	return nil
}

// LoadFromSnapshot restores the scene from a gob stream produced by
// Snapshot.
func (s *Scene) LoadFromSnapshot(r io.Reader) error {
	var snap SceneSnapshot
	if err := gob.NewDecoder(r).Decode(&snap); err != nil {
		return fmt.Errorf("failed to decode scene snapshot: %w", err)
	}
	return s.RestoreSnapshot(&snap)
}
