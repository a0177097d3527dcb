// Package spatial provides a uniform voxel grid over primitive centers.
// The grid supports incremental moves, which is what the optimizer needs:
// centers shift a little on every gradient step and only occasionally
// cross a cell boundary.
package spatial

import (
	"math"

	"gonum.org/v1/gonum/spatial/r3"
)

// Key addresses one voxel cell.
type Key struct {
	X, Y, Z int32
}

// Grid is a uniform hash grid from cell keys to primitive IDs. Not safe
// for concurrent use; the owning scene serializes access.
type Grid struct {
	cell  float64
	cells map[Key][]uint32
	where map[uint32]Key
}

// New returns a grid with the given cell edge length.
func New(cellSize float64) *Grid {
	if cellSize <= 0 {
		cellSize = 0.25
	}
	return &Grid{
		cell:  cellSize,
		cells: make(map[Key][]uint32),
		where: make(map[uint32]Key),
	}
}

// CellSize returns the cell edge length.
func (g *Grid) CellSize() float64 { return g.cell }

// KeyOf returns the cell containing p.
func (g *Grid) KeyOf(p r3.Vec) Key {
	return Key{
		X: int32(math.Floor(p.X / g.cell)),
		Y: int32(math.Floor(p.Y / g.cell)),
		Z: int32(math.Floor(p.Z / g.cell)),
	}
}

// Insert adds id at position p. Inserting an existing id moves it.
func (g *Grid) Insert(id uint32, p r3.Vec) {
	k := g.KeyOf(p)
	if prev, ok := g.where[id]; ok {
		if prev == k {
			return
		}
		g.removeFromCell(id, prev)
	}
	g.cells[k] = append(g.cells[k], id)
	g.where[id] = k
}

// Update repositions id, moving it between cells only when the new
// position crosses a cell boundary.
func (g *Grid) Update(id uint32, p r3.Vec) {
	g.Insert(id, p)
}

// Remove deletes id from the grid. Unknown ids are ignored.
func (g *Grid) Remove(id uint32) {
	k, ok := g.where[id]
	if !ok {
		return
	}
	g.removeFromCell(id, k)
	delete(g.where, id)
}

func (g *Grid) removeFromCell(id uint32, k Key) {
	ids := g.cells[k]
	for i, v := range ids {
		if v == id {
			ids[i] = ids[len(ids)-1]
			ids = ids[:len(ids)-1]
			break
		}
	}
	if len(ids) == 0 {
		delete(g.cells, k)
	} else {
		g.cells[k] = ids
	}
}

// Len returns the number of indexed ids.
func (g *Grid) Len() int { return len(g.where) }

// Near returns the ids of all entries within radius of p. Candidates come
// from the cells overlapping the query sphere's bounding box; exact
// distance is not rechecked here because callers filter on their own
// criteria anyway.
func (g *Grid) Near(p r3.Vec, radius float64) []uint32 {
	if radius < 0 {
		return nil
	}
	lo := g.KeyOf(r3.Vec{X: p.X - radius, Y: p.Y - radius, Z: p.Z - radius})
	hi := g.KeyOf(r3.Vec{X: p.X + radius, Y: p.Y + radius, Z: p.Z + radius})
	var out []uint32
	for x := lo.X; x <= hi.X; x++ {
		for y := lo.Y; y <= hi.Y; y++ {
			for z := lo.Z; z <= hi.Z; z++ {
				out = append(out, g.cells[Key{x, y, z}]...)
			}
		}
	}
	return out
}

// CellCounts returns the occupied cell count and the largest cell
// population, for stats reporting.
func (g *Grid) CellCounts() (occupied, maxPerCell int) {
	for _, ids := range g.cells {
		if len(ids) > maxPerCell {
			maxPerCell = len(ids)
		}
	}
	return len(g.cells), maxPerCell
}
