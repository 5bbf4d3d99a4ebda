package terrain

import (
	"fmt"
	"math"

	"tilestream.ai/internal/sim/tracker"
)

// NoiseSynthesizer is seeded multi-octave value noise sampled in world space,
// so shared tile edges agree exactly.
type NoiseSynthesizer struct {
	Seed      int64
	TileSize  float64
	CellSize  float64
	Amplitude float64
	Octaves   int
}

func (n NoiseSynthesizer) Synthesize(tile tracker.TileCoord, resolution int) (HeightField, error) {
	hf, err := NewHeightField(resolution)
	if err != nil {
		return HeightField{}, err
	}
	if n.TileSize <= 0 {
		return HeightField{}, fmt.Errorf("terrain: tile size must be > 0")
	}
	step := n.TileSize / float64(resolution-1)
	ox := float64(tile.X) * n.TileSize
	oz := float64(tile.Z) * n.TileSize
	for z := 0; z < resolution; z++ {
		for x := 0; x < resolution; x++ {
			hf.Set(x, z, float32(n.HeightAt(ox+float64(x)*step, oz+float64(z)*step)))
		}
	}
	return hf, nil
}

// HeightAt samples the noise at a world position. The result is in
// [0, Amplitude].
func (n NoiseSynthesizer) HeightAt(wx, wz float64) float64 {
	cell := n.CellSize
	if cell <= 0 {
		cell = 64
	}
	amp := n.Amplitude
	if amp <= 0 {
		amp = 1
	}
	oct := n.Octaves
	if oct <= 0 {
		oct = 1
	}
	var sum, norm float64
	weight := 1.0
	for o := 0; o < oct; o++ {
		sum += weight * n.value(wx/cell, wz/cell, o)
		norm += weight
		weight *= 0.5
		cell *= 0.5
	}
	return amp * sum / norm
}

func (n NoiseSynthesizer) value(fx, fz float64, octave int) float64 {
	x0 := math.Floor(fx)
	z0 := math.Floor(fz)
	tx := smooth(fx - x0)
	tz := smooth(fz - z0)
	ix, iz := int(x0), int(z0)
	seed := n.Seed + int64(octave)*7919
	v00 := Unit(Hash2(seed, ix, iz))
	v10 := Unit(Hash2(seed, ix+1, iz))
	v01 := Unit(Hash2(seed, ix, iz+1))
	v11 := Unit(Hash2(seed, ix+1, iz+1))
	a := v00 + (v10-v00)*tx
	b := v01 + (v11-v01)*tx
	return a + (b-a)*tz
}

func smooth(t float64) float64 { return t * t * (3 - 2*t) }
