package core

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/tidwall/btree"
	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/semafield/semafield/pkg/core/spatial"
	"github.com/semafield/semafield/pkg/vecmath"
)

// Config fixes the scene-wide parameters that every primitive must agree
// on. ScaleLevels and EmbeddingDim are frozen for the life of a session;
// checkpoints refuse to load into a scene configured differently.
type Config struct {
	// ScaleLevels is the number of crop-footprint scales in every
	// embedding bundle.
	ScaleLevels int
	// EmbeddingDim is the language embedding width.
	EmbeddingDim int
	// ServePrecision is the storage precision of embedding vectors in
	// published views: float32 or float16. Queries dispatch accordingly.
	ServePrecision vecmath.Precision
	// CellSize is the spatial index cell edge in world units.
	CellSize float64
}

// DefaultConfig returns the configuration used by the daemon unless
// overridden: three scale levels over 512-wide embeddings.
func DefaultConfig() Config {
	return Config{
		ScaleLevels:    3,
		EmbeddingDim:   512,
		ServePrecision: vecmath.Float32,
		CellSize:       0.25,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ScaleLevels <= 0 {
		c.ScaleLevels = d.ScaleLevels
	}
	if c.EmbeddingDim <= 0 {
		c.EmbeddingDim = d.EmbeddingDim
	}
	if c.ServePrecision == "" {
		c.ServePrecision = d.ServePrecision
	}
	if c.CellSize <= 0 {
		c.CellSize = d.CellSize
	}
	return c
}

// seenItem orders primitives by the step they last received supervision,
// with the ID as tie-breaker to keep items distinct.
type seenItem struct {
	LastSeen uint64
	ID       uint32
}

func seenItemLess(a, b seenItem) bool {
	if a.LastSeen < b.LastSeen {
		return true
	}
	if a.LastSeen > b.LastSeen {
		return false
	}
	return a.ID < b.ID
}

// Scene is the persistent primitive set plus the step counter and the
// spatial index. It has a single logical writer, the optimizer loop;
// concurrent readers use View() which returns an immutable snapshot.
//
// Mutating methods come in two flavors, following the lock discipline of
// the rest of the codebase: the plain form acquires the scene lock per
// call (load paths, tests), while the *Unlocked form requires the caller
// to hold Lock() and is what the optimizer uses to make one step's whole
// apply phase atomic with respect to view builds.
type Scene struct {
	mu  sync.RWMutex
	cfg Config

	prims    map[uint32]*Primitive
	nextID   uint32
	step     uint64
	grid     *spatial.Grid
	lastSeen *btree.BTreeG[seenItem]

	version atomic.Uint64
	view    atomic.Pointer[SceneView]
	buildMu sync.Mutex
}

// NewScene returns an empty scene with the given configuration.
func NewScene(cfg Config) *Scene {
	cfg = cfg.withDefaults()
	return &Scene{
		cfg:      cfg,
		prims:    make(map[uint32]*Primitive),
		grid:     spatial.New(cfg.CellSize),
		lastSeen: btree.NewBTreeG[seenItem](seenItemLess),
	}
}

// Config returns the scene configuration.
func (s *Scene) Config() Config { return s.cfg }

// Lock takes the writer lock. The optimizer holds it for the whole apply
// phase of a step so readers never observe a half-applied update.
func (s *Scene) Lock() { s.mu.Lock() }

// Unlock releases the writer lock.
func (s *Scene) Unlock() { s.mu.Unlock() }

// Len returns the primitive count.
func (s *Scene) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.prims)
}

// LenUnlocked is Len for callers already holding Lock.
func (s *Scene) LenUnlocked() int { return len(s.prims) }

// Step returns the global optimization step counter.
func (s *Scene) Step() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.step
}

// StepUnlocked is Step for callers already holding Lock.
func (s *Scene) StepUnlocked() uint64 { return s.step }

// Primitives returns the live primitive pointers. Only the optimizer
// loop may mutate what they point at; other readers take a View.
func (s *Scene) Primitives() []*Primitive {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Primitive, 0, len(s.prims))
	for _, p := range s.prims {
		out = append(out, p)
	}
	return out
}

// Insert adds a primitive, assigning its ID. The bundle shape must match
// the scene configuration.
func (s *Scene) Insert(p *Primitive) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.InsertUnlocked(p)
}

// InsertUnlocked is Insert for callers already holding Lock.
func (s *Scene) InsertUnlocked(p *Primitive) (uint32, error) {
	if err := p.Bundle.Validate(s.cfg.ScaleLevels, s.cfg.EmbeddingDim); err != nil {
		return 0, fmt.Errorf("insert primitive: %w", err)
	}
	id := s.nextID
	s.nextID++
	p.ID = id
	s.prims[id] = p
	s.grid.Insert(id, p.Center)
	s.lastSeen.Set(seenItem{LastSeen: p.LastSeenStep, ID: id})
	return id, nil
}

// Remove deletes a primitive. Unknown ids are ignored.
func (s *Scene) Remove(id uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.RemoveUnlocked(id)
}

// RemoveUnlocked is Remove for callers already holding Lock.
func (s *Scene) RemoveUnlocked(id uint32) {
	p, ok := s.prims[id]
	if !ok {
		return
	}
	s.lastSeen.Delete(seenItem{LastSeen: p.LastSeenStep, ID: id})
	s.grid.Remove(id)
	delete(s.prims, id)
}

// Get returns the live primitive for id. Only the optimizer may mutate
// the result; everything else should go through View.
func (s *Scene) Get(id uint32) (*Primitive, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.prims[id]
	return p, ok
}

// GetUnlocked is Get for callers already holding Lock.
func (s *Scene) GetUnlocked(id uint32) (*Primitive, bool) {
	p, ok := s.prims[id]
	return p, ok
}

// TouchUnlocked records that a primitive received supervision at the
// given step: bumps its observation count and reindexes its stale-age
// position. Caller holds Lock.
func (s *Scene) TouchUnlocked(id uint32, step uint64) {
	p, ok := s.prims[id]
	if !ok {
		return
	}
	s.lastSeen.Delete(seenItem{LastSeen: p.LastSeenStep, ID: id})
	p.LastSeenStep = step
	p.ObsCount++
	s.lastSeen.Set(seenItem{LastSeen: step, ID: id})
}

// ReindexUnlocked refreshes the spatial index entry for a primitive whose
// center moved. Caller holds Lock.
func (s *Scene) ReindexUnlocked(id uint32) {
	if p, ok := s.prims[id]; ok {
		s.grid.Update(id, p.Center)
	}
}

// CommitStepUnlocked advances the step counter and publishes a new view
// version. The optimizer calls it at the end of every completed step,
// still under Lock, so the spatial index and the step counter move
// together.
func (s *Scene) CommitStepUnlocked() {
	s.step++
	s.version.Add(1)
}

// SetStep overwrites the step counter (checkpoint load).
func (s *Scene) SetStep(step uint64) {
	s.mu.Lock()
	s.step = step
	s.mu.Unlock()
	s.version.Add(1)
}

// StaleBefore returns up to limit primitive ids whose last supervision is
// older than cutoff, oldest first. limit <= 0 means no limit.
func (s *Scene) StaleBefore(cutoff uint64, limit int) []uint32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.staleBeforeUnlocked(cutoff, limit)
}

// StaleBeforeUnlocked is StaleBefore for callers already holding Lock.
func (s *Scene) StaleBeforeUnlocked(cutoff uint64, limit int) []uint32 {
	return s.staleBeforeUnlocked(cutoff, limit)
}

func (s *Scene) staleBeforeUnlocked(cutoff uint64, limit int) []uint32 {
	var out []uint32
	s.lastSeen.Scan(func(it seenItem) bool {
		if it.LastSeen >= cutoff {
			return false
		}
		out = append(out, it.ID)
		return limit <= 0 || len(out) < limit
	})
	return out
}

// Near returns ids of primitives whose centers fall in cells overlapping
// the sphere at p.
func (s *Scene) Near(p r3.Vec, radius float64) []uint32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.grid.Near(p, radius)
}

// NearUnlocked is Near for callers already holding Lock.
func (s *Scene) NearUnlocked(p r3.Vec, radius float64) []uint32 {
	return s.grid.Near(p, radius)
}

// ForEachUnlocked visits every live primitive. Caller holds Lock (or is
// otherwise the sole writer between view publications).
func (s *Scene) ForEachUnlocked(fn func(*Primitive)) {
	for _, p := range s.prims {
		fn(p)
	}
}

// IDsUnlocked returns all primitive ids in ascending order.
func (s *Scene) IDsUnlocked() []uint32 {
	ids := make([]uint32, 0, len(s.prims))
	for id := range s.prims {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// IndexStats reports spatial index occupancy for the stats endpoint.
func (s *Scene) IndexStats() (occupiedCells, maxPerCell int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.grid.CellCounts()
}

// --- Views ---

// PrimitiveView is the immutable per-primitive record inside a SceneView.
// Geometry is exported in linear units (scales exponentiated, opacity as
// alpha). Exactly one of VectorsF32/VectorsF16 is populated, matching the
// view precision.
type PrimitiveView struct {
	ID          uint32
	Center      r3.Vec
	Scale       r3.Vec
	Rotation    quat.Number
	Alpha       float32
	Color       [3]float32
	ScaleWeight float32
	ObsCount    uint32

	VectorsF32 [][]float32
	VectorsF16 [][]uint16
}

// SceneView is a consistent point-in-time snapshot of the scene: the set
// of primitives as of one completed optimization step. Views are built
// lazily on first read after a step commits and shared by all readers.
type SceneView struct {
	Step      uint64
	Version   uint64
	Levels    int
	Dim       int
	Precision vecmath.Precision
	Prims     []PrimitiveView
}

// View returns the current published view, building it if the scene
// advanced since the last build. Safe for concurrent use.
func (s *Scene) View() *SceneView {
	if v := s.view.Load(); v != nil && v.Version == s.version.Load() {
		return v
	}
	s.buildMu.Lock()
	defer s.buildMu.Unlock()
	if v := s.view.Load(); v != nil && v.Version == s.version.Load() {
		return v
	}
	s.mu.RLock()
	v := s.buildViewLocked()
	s.mu.RUnlock()
	s.view.Store(v)
	return v
}

func (s *Scene) buildViewLocked() *SceneView {
	v := &SceneView{
		Step:      s.step,
		Version:   s.version.Load(),
		Levels:    s.cfg.ScaleLevels,
		Dim:       s.cfg.EmbeddingDim,
		Precision: s.cfg.ServePrecision,
		Prims:     make([]PrimitiveView, 0, len(s.prims)),
	}
	ids := s.IDsUnlocked()
	for _, id := range ids {
		p := s.prims[id]
		pv := PrimitiveView{
			ID:          p.ID,
			Center:      p.Center,
			Scale:       p.WorldScale(),
			Rotation:    p.Rotation,
			Alpha:       p.Alpha(),
			Color:       p.Color,
			ScaleWeight: p.Bundle.ScaleWeight,
			ObsCount:    p.ObsCount,
		}
		switch s.cfg.ServePrecision {
		case vecmath.Float16:
			pv.VectorsF16 = make([][]uint16, len(p.Bundle.Vectors))
			for i, vec := range p.Bundle.Vectors {
				pv.VectorsF16[i] = vecmath.ToFloat16(vec)
			}
		default:
			pv.VectorsF32 = make([][]float32, len(p.Bundle.Vectors))
			for i, vec := range p.Bundle.Vectors {
				pv.VectorsF32[i] = append([]float32(nil), vec...)
			}
		}
		v.Prims = append(v.Prims, pv)
	}
	return v
}
