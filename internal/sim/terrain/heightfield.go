// Package terrain holds the default collaborators the streaming engine talks
// to: height-field synthesis, grid meshing and the visibility and importance
// probes. They are intentionally simple so the binaries run headless.
package terrain

import (
	"errors"
	"fmt"

	"tilestream.ai/internal/sim/tracker"
)

var ErrResolution = errors.New("terrain: resolution must be >= 2")

// HeightField is a square grid of Resolution x Resolution height samples,
// row-major by Z then X. Samples on the edges are shared with neighbours.
type HeightField struct {
	Resolution int
	Heights    []float32
}

func NewHeightField(res int) (HeightField, error) {
	if res < 2 {
		return HeightField{}, fmt.Errorf("%w: got %d", ErrResolution, res)
	}
	return HeightField{Resolution: res, Heights: make([]float32, res*res)}, nil
}

func (h HeightField) At(x, z int) float32 {
	return h.Heights[z*h.Resolution+x]
}

func (h HeightField) Set(x, z int, v float32) {
	h.Heights[z*h.Resolution+x] = v
}

func (h HeightField) Valid() bool {
	return h.Resolution >= 2 && len(h.Heights) == h.Resolution*h.Resolution
}

// MinMax returns the lowest and highest sample.
func (h HeightField) MinMax() (float32, float32) {
	if len(h.Heights) == 0 {
		return 0, 0
	}
	lo, hi := h.Heights[0], h.Heights[0]
	for _, v := range h.Heights[1:] {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	return lo, hi
}

// HeightFieldSynthesizer produces the height grid of a tile at a resolution.
type HeightFieldSynthesizer interface {
	Synthesize(tile tracker.TileCoord, resolution int) (HeightField, error)
}
