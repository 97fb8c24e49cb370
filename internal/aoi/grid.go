// Package aoi maintains the area-of-interest index: a uniform spatial grid
// mapping entities to visibility cells so synchronization stays scoped to
// what each client can actually see.
package aoi

import "math"

// CellKey identifies one grid cell.
type CellKey struct {
	X int
	Y int
}

// DefaultCellSize matches the default visibility radius in world meters.
const DefaultCellSize = 24.0

// Grid is a uniform spatial partition. Entities occupy exactly one cell; a
// client's visible set is its cell plus the 8-neighborhood. Not safe for
// concurrent use: the owning room mutates it inside the tick boundary.
type Grid struct {
	cellSize    float64
	invCellSize float64
	cells       map[CellKey]map[string]struct{}
	entries     map[string]CellKey
}

// NewGrid constructs a grid with the given cell size, which should be about
// one visibility radius.
func NewGrid(cellSize float64) *Grid {
	if cellSize <= 0 {
		cellSize = DefaultCellSize
	}
	return &Grid{
		cellSize:    cellSize,
		invCellSize: 1.0 / cellSize,
		cells:       make(map[CellKey]map[string]struct{}),
		entries:     make(map[string]CellKey),
	}
}

// CellSize reports the configured cell edge length.
func (g *Grid) CellSize() float64 {
	if g == nil {
		return 0
	}
	return g.cellSize
}

// Update relocates an entity to the cell containing its current position.
// Amortized O(1): unchanged cells are a map lookup and an early return.
func (g *Grid) Update(entityID string, x, y float64) {
	if g == nil || entityID == "" {
		return
	}
	next := g.cellFor(x, y)
	if current, ok := g.entries[entityID]; ok {
		if current == next {
			return
		}
		g.removeFromCell(entityID, current)
	}
	bucket := g.cells[next]
	if bucket == nil {
		bucket = make(map[string]struct{})
		g.cells[next] = bucket
	}
	bucket[entityID] = struct{}{}
	g.entries[entityID] = next
}

// Remove drops an entity from the index.
func (g *Grid) Remove(entityID string) {
	if g == nil || entityID == "" {
		return
	}
	cell, ok := g.entries[entityID]
	if !ok {
		return
	}
	g.removeFromCell(entityID, cell)
	delete(g.entries, entityID)
}

// Contains reports whether the entity is currently indexed.
func (g *Grid) Contains(entityID string) bool {
	if g == nil {
		return false
	}
	_, ok := g.entries[entityID]
	return ok
}

// VisibleSet returns the ids of every entity in the cell containing the given
// position and its 8 neighbors.
func (g *Grid) VisibleSet(x, y float64) map[string]struct{} {
	if g == nil {
		return nil
	}
	center := g.cellFor(x, y)
	visible := make(map[string]struct{})
	for row := center.Y - 1; row <= center.Y+1; row++ {
		for col := center.X - 1; col <= center.X+1; col++ {
			for id := range g.cells[CellKey{X: col, Y: row}] {
				visible[id] = struct{}{}
			}
		}
	}
	return visible
}

func (g *Grid) removeFromCell(entityID string, cell CellKey) {
	bucket := g.cells[cell]
	if bucket == nil {
		return
	}
	delete(bucket, entityID)
	if len(bucket) == 0 {
		delete(g.cells, cell)
	}
}

func (g *Grid) cellFor(x, y float64) CellKey {
	return CellKey{
		X: int(math.Floor(x * g.invCellSize)),
		Y: int(math.Floor(y * g.invCellSize)),
	}
}
