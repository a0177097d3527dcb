package core

import (
	"bytes"
	"math"
	"math/rand"
	"testing"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/semafield/semafield/pkg/vecmath"
)

func populatedScene(t *testing.T, cfg Config, n int) *Scene {
	t.Helper()
	s := NewScene(cfg)
	rng := rand.New(rand.NewSource(3))
	for i := 0; i < n; i++ {
		p := testPrimitive(cfg, r3.Vec{X: rng.Float64() * 4, Y: rng.Float64() * 4, Z: rng.Float64()})
		for li := range p.Bundle.Vectors {
			for j := range p.Bundle.Vectors[li] {
				p.Bundle.Vectors[li][j] = rng.Float32() - 0.5
			}
		}
		p.Bundle.ScaleWeight = rng.Float32()
		if _, err := s.Insert(p); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	s.Lock()
	for i := 0; i < 5; i++ {
		s.CommitStepUnlocked()
	}
	s.Unlock()
	return s
}

func TestSnapshotRoundTripFloat32(t *testing.T) {
	cfg := testConfig()
	src := populatedScene(t, cfg, 12)

	var buf bytes.Buffer
	if err := src.Snapshot(&buf, vecmath.Float32); err != nil {
		t.Fatalf("Snapshot: %v", err)
	}

	dst := NewScene(cfg)
	if err := dst.LoadFromSnapshot(&buf); err != nil {
		t.Fatalf("LoadFromSnapshot: %v", err)
	}

	if dst.Len() != src.Len() {
		t.Fatalf("restored %d primitives, want %d", dst.Len(), src.Len())
	}
	if dst.Step() != src.Step() {
		t.Errorf("restored step %d, want %d", dst.Step(), src.Step())
	}

	src.mu.RLock()
	dst.mu.RLock()
	defer src.mu.RUnlock()
	defer dst.mu.RUnlock()
	for id, want := range src.prims {
		got, ok := dst.prims[id]
		if !ok {
			t.Fatalf("primitive %d missing after round trip", id)
		}
		if got.Center != want.Center || got.Opacity != want.Opacity || got.ObsCount != want.ObsCount {
			t.Errorf("primitive %d fields differ after round trip", id)
		}
		for li := range want.Bundle.Vectors {
			for j := range want.Bundle.Vectors[li] {
				if got.Bundle.Vectors[li][j] != want.Bundle.Vectors[li][j] {
					t.Fatalf("primitive %d vector[%d][%d] = %f, want exact %f",
						id, li, j, got.Bundle.Vectors[li][j], want.Bundle.Vectors[li][j])
				}
			}
		}
	}
}

func TestSnapshotRoundTripCompressedPrecisions(t *testing.T) {
	for _, tc := range []struct {
		precision vecmath.Precision
		tol       float64
	}{
		{vecmath.Float16, 1e-3},
		{vecmath.Int8, 0.02},
	} {
		t.Run(string(tc.precision), func(t *testing.T) {
			cfg := testConfig()
			src := populatedScene(t, cfg, 8)

			var buf bytes.Buffer
			if err := src.Snapshot(&buf, tc.precision); err != nil {
				t.Fatalf("Snapshot: %v", err)
			}
			dst := NewScene(cfg)
			if err := dst.LoadFromSnapshot(&buf); err != nil {
				t.Fatalf("LoadFromSnapshot: %v", err)
			}

			src.mu.RLock()
			dst.mu.RLock()
			defer src.mu.RUnlock()
			defer dst.mu.RUnlock()
			for id, want := range src.prims {
				got := dst.prims[id]
				if got == nil {
					t.Fatalf("primitive %d missing", id)
				}
				if len(got.Bundle.Vectors) != cfg.ScaleLevels {
					t.Fatalf("primitive %d has %d vectors, want %d", id, len(got.Bundle.Vectors), cfg.ScaleLevels)
				}
				for li := range want.Bundle.Vectors {
					for j := range want.Bundle.Vectors[li] {
						diff := math.Abs(float64(got.Bundle.Vectors[li][j] - want.Bundle.Vectors[li][j]))
						if diff > tc.tol {
							t.Fatalf("primitive %d vector[%d][%d] off by %f, tolerance %f", id, li, j, diff, tc.tol)
						}
					}
				}
			}
		})
	}
}

func TestRestoreRejectsShapeMismatch(t *testing.T) {
	cfg := testConfig()
	src := populatedScene(t, cfg, 3)
	var buf bytes.Buffer
	if err := src.Snapshot(&buf, vecmath.Float32); err != nil {
		t.Fatalf("Snapshot: %v", err)
	}

	other := cfg
	other.ScaleLevels = 5
	dst := NewScene(other)
	if err := dst.LoadFromSnapshot(&buf); err == nil {
		t.Error("load into differently configured scene succeeded, want error")
	}
}

func TestRestoreRejectsCorruptStream(t *testing.T) {
	dst := NewScene(testConfig())
	if err := dst.LoadFromSnapshot(bytes.NewReader([]byte("not a gob stream"))); err == nil {
		t.Error("load of garbage succeeded, want error")
	}
}

func TestRestoreRebuildsIndexes(t *testing.T) {
	cfg := testConfig()
	src := NewScene(cfg)
	id, _ := src.Insert(testPrimitive(cfg, r3.Vec{X: 2}))
	src.Lock()
	src.TouchUnlocked(id, 7)
	src.CommitStepUnlocked()
	src.Unlock()

	var buf bytes.Buffer
	if err := src.Snapshot(&buf, vecmath.Float32); err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	dst := NewScene(cfg)
	if err := dst.LoadFromSnapshot(&buf); err != nil {
		t.Fatalf("LoadFromSnapshot: %v", err)
	}

	if got := dst.Near(r3.Vec{X: 2}, 0.4); len(got) != 1 || got[0] != id {
		t.Errorf("spatial index after restore: Near = %v, want [%d]", got, id)
	}
	if got := dst.StaleBefore(8, 0); len(got) != 1 || got[0] != id {
		t.Errorf("stale index after restore: StaleBefore = %v, want [%d]", got, id)
	}
	if got := dst.StaleBefore(7, 0); len(got) != 0 {
		t.Errorf("StaleBefore(7) = %v, want empty (last seen at 7)", got)
	}
}
