package terrain

import (
	"fmt"

	"tilestream.ai/internal/sim/tracker"
)

// Mesh is an indexed triangle list in world space. The streaming core treats
// it as opaque.
type Mesh struct {
	Tile       tracker.TileCoord
	Level      int
	Resolution int
	Vertices   []float32 // x, y, z triplets
	Indices    []uint32
}

func (m *Mesh) Triangles() int {
	if m == nil {
		return 0
	}
	return len(m.Indices) / 3
}

// Bytes approximates the mesh's memory footprint.
func (m *Mesh) Bytes() int {
	if m == nil {
		return 0
	}
	return len(m.Vertices)*4 + len(m.Indices)*4
}

// GridMesher triangulates a height field as a regular grid, two triangles per
// cell.
type GridMesher struct {
	TileSize float64

	Built    uint64
	Released uint64
}

func NewGridMesher(tileSize float64) *GridMesher {
	return &GridMesher{TileSize: tileSize}
}

func (g *GridMesher) Build(tile tracker.TileCoord, level int, hf HeightField) (*Mesh, error) {
	if !hf.Valid() {
		return nil, fmt.Errorf("%w: height field %d samples at resolution %d", ErrResolution, len(hf.Heights), hf.Resolution)
	}
	res := hf.Resolution
	step := g.TileSize / float64(res-1)
	ox := float64(tile.X) * g.TileSize
	oz := float64(tile.Z) * g.TileSize

	m := &Mesh{
		Tile:       tile,
		Level:      level,
		Resolution: res,
		Vertices:   make([]float32, 0, res*res*3),
		Indices:    make([]uint32, 0, (res-1)*(res-1)*6),
	}
	for z := 0; z < res; z++ {
		for x := 0; x < res; x++ {
			m.Vertices = append(m.Vertices,
				float32(ox+float64(x)*step),
				hf.At(x, z),
				float32(oz+float64(z)*step),
			)
		}
	}
	for z := 0; z < res-1; z++ {
		for x := 0; x < res-1; x++ {
			i := uint32(z*res + x)
			r := uint32(res)
			m.Indices = append(m.Indices, i, i+r, i+1, i+1, i+r, i+r+1)
		}
	}
	g.Built++
	return m, nil
}

func (g *GridMesher) Release(m *Mesh) {
	if m == nil {
		return
	}
	m.Vertices = nil
	m.Indices = nil
	g.Released++
}
