package spatial

import (
	"testing"

	"gonum.org/v1/gonum/spatial/r3"
)

func TestInsertAndNear(t *testing.T) {
	g := New(1.0)
	g.Insert(1, r3.Vec{X: 0.5, Y: 0.5, Z: 0.5})
	g.Insert(2, r3.Vec{X: 0.6, Y: 0.5, Z: 0.5})
	g.Insert(3, r3.Vec{X: 10, Y: 10, Z: 10})

	near := g.Near(r3.Vec{X: 0.5, Y: 0.5, Z: 0.5}, 0.5)
	if len(near) != 2 {
		t.Fatalf("Near returned %d ids, want 2", len(near))
	}
	seen := map[uint32]bool{}
	for _, id := range near {
		seen[id] = true
	}
	if !seen[1] || !seen[2] {
		t.Errorf("Near returned %v, want ids 1 and 2", near)
	}
}

func TestUpdateMovesAcrossCells(t *testing.T) {
	g := New(1.0)
	g.Insert(7, r3.Vec{X: 0.1, Y: 0.1, Z: 0.1})
	g.Update(7, r3.Vec{X: 5.1, Y: 0.1, Z: 0.1})

	if got := g.Near(r3.Vec{X: 0.1, Y: 0.1, Z: 0.1}, 0.4); len(got) != 0 {
		t.Errorf("old cell still returns %v after move", got)
	}
	if got := g.Near(r3.Vec{X: 5.1, Y: 0.1, Z: 0.1}, 0.4); len(got) != 1 || got[0] != 7 {
		t.Errorf("new cell returns %v, want [7]", got)
	}
	if g.Len() != 1 {
		t.Errorf("Len = %d, want 1", g.Len())
	}
}

func TestUpdateWithinCellIsStable(t *testing.T) {
	g := New(1.0)
	g.Insert(1, r3.Vec{X: 0.2, Y: 0.2, Z: 0.2})
	k := g.KeyOf(r3.Vec{X: 0.2, Y: 0.2, Z: 0.2})
	g.Update(1, r3.Vec{X: 0.3, Y: 0.3, Z: 0.3})
	if g.KeyOf(r3.Vec{X: 0.3, Y: 0.3, Z: 0.3}) != k {
		t.Fatal("test positions must share a cell")
	}
	if got := g.Near(r3.Vec{X: 0.25, Y: 0.25, Z: 0.25}, 0.3); len(got) != 1 {
		t.Errorf("Near returned %v, want exactly one id", got)
	}
}

func TestRemove(t *testing.T) {
	g := New(0.5)
	g.Insert(1, r3.Vec{})
	g.Remove(1)
	g.Remove(99) // unknown id is a no-op
	if g.Len() != 0 {
		t.Errorf("Len = %d, want 0", g.Len())
	}
	if got := g.Near(r3.Vec{}, 1); len(got) != 0 {
		t.Errorf("Near after remove returned %v, want empty", got)
	}
}

func TestNegativeCoordinates(t *testing.T) {
	g := New(1.0)
	g.Insert(1, r3.Vec{X: -0.5, Y: -0.5, Z: -0.5})
	if got := g.Near(r3.Vec{X: -0.5, Y: -0.5, Z: -0.5}, 0.25); len(got) != 1 {
		t.Errorf("Near in negative octant returned %v, want one id", got)
	}
}
