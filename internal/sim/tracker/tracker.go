// Package tracker follows the observer through the world and maps it onto the
// tile grid: current tile, velocity, look-ahead and the concentric tiers that
// decide what to load, keep and drop.
package tracker

import (
	"errors"
	"math"
	"sort"

	"github.com/go-gl/mathgl/mgl64"

	"tilestream.ai/internal/sim/work"
)

// TileCoord is a tile key on the horizontal (X, Z) plane.
type TileCoord struct {
	X int `json:"x"`
	Z int `json:"z"`
}

type Tier uint8

const (
	TierImmediate Tier = iota
	TierPreload
	TierKeepAlive
	TierUnload
)

func (t Tier) String() string {
	switch t {
	case TierImmediate:
		return "IMMEDIATE"
	case TierPreload:
		return "PRELOAD"
	case TierKeepAlive:
		return "KEEP_ALIVE"
	default:
		return "UNLOAD"
	}
}

// Radii are in tile units and must be strictly increasing.
type Radii struct {
	Immediate   float64
	Preload     float64
	KeepAlive   float64
	ForceUnload float64
}

func (r Radii) Validate() error {
	if r.Immediate < 0 {
		return errors.New("immediate radius must be >= 0")
	}
	if !(r.Immediate < r.Preload && r.Preload < r.KeepAlive && r.KeepAlive < r.ForceUnload) {
		return errors.New("radii must satisfy immediate < preload < keep_alive < force_unload")
	}
	return nil
}

type Config struct {
	TileSize float64
	Radii    Radii
	// PredictionHorizon is how far ahead, in seconds, PredictedPosition looks.
	PredictionHorizon float64
}

// Tracker is not safe for concurrent use.
type Tracker struct {
	cfg Config

	pos      mgl64.Vec3
	lastPos  mgl64.Vec3
	velocity mgl64.Vec3
	tile     TileCoord
	updates  uint64
}

func New(cfg Config) (*Tracker, error) {
	if cfg.TileSize <= 0 {
		return nil, errors.New("tracker: tile size must be > 0")
	}
	if err := cfg.Radii.Validate(); err != nil {
		return nil, errors.New("tracker: " + err.Error())
	}
	return &Tracker{cfg: cfg}, nil
}

func (t *Tracker) Config() Config { return t.cfg }

// Update samples the observer position. Velocity is the raw backward
// difference over dt with no smoothing; the first update reports zero and a
// non-positive dt keeps the previous velocity.
func (t *Tracker) Update(pos mgl64.Vec3, dt float64) {
	if t.updates == 0 {
		t.lastPos = pos
		t.velocity = mgl64.Vec3{}
	} else {
		t.lastPos = t.pos
		if dt > 0 {
			t.velocity = pos.Sub(t.lastPos).Mul(1 / dt)
		}
	}
	t.pos = pos
	t.tile = t.TileOf(pos)
	t.updates++
}

func (t *Tracker) Position() mgl64.Vec3 { return t.pos }
func (t *Tracker) Velocity() mgl64.Vec3 { return t.velocity }
func (t *Tracker) Tile() TileCoord      { return t.tile }

// Speed is the horizontal speed in world units per second.
func (t *Tracker) Speed() float64 {
	return math.Hypot(t.velocity[0], t.velocity[2])
}

func (t *Tracker) PredictedPosition() mgl64.Vec3 {
	return t.pos.Add(t.velocity.Mul(t.cfg.PredictionHorizon))
}

func (t *Tracker) PredictedTile() TileCoord {
	return t.TileOf(t.PredictedPosition())
}

func (t *Tracker) TileOf(pos mgl64.Vec3) TileCoord {
	return TileCoord{
		X: int(math.Floor(pos[0] / t.cfg.TileSize)),
		Z: int(math.Floor(pos[2] / t.cfg.TileSize)),
	}
}

// TileCenter returns the world-space centre of a tile at height 0.
func (t *Tracker) TileCenter(c TileCoord) mgl64.Vec3 {
	s := t.cfg.TileSize
	return mgl64.Vec3{(float64(c.X) + 0.5) * s, 0, (float64(c.Z) + 0.5) * s}
}

// TileDistance is the Euclidean distance in tile units between two tiles.
func TileDistance(a, b TileCoord) float64 {
	dx := float64(a.X - b.X)
	dz := float64(a.Z - b.Z)
	return math.Sqrt(dx*dx + dz*dz)
}

func inDisk(dx, dz int, r float64) bool {
	return float64(dx*dx+dz*dz) <= r*r
}

// TilesInRadius enumerates every tile whose offset from center lies inside the
// Euclidean disk of radius r, nearest first (ties by X then Z).
func TilesInRadius(center TileCoord, r float64) []TileCoord {
	if r < 0 {
		return nil
	}
	n := int(math.Floor(r))
	type item struct {
		c  TileCoord
		d2 int
	}
	items := make([]item, 0, (2*n+1)*(2*n+1))
	for dz := -n; dz <= n; dz++ {
		for dx := -n; dx <= n; dx++ {
			if !inDisk(dx, dz, r) {
				continue
			}
			items = append(items, item{c: TileCoord{X: center.X + dx, Z: center.Z + dz}, d2: dx*dx + dz*dz})
		}
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].d2 != items[j].d2 {
			return items[i].d2 < items[j].d2
		}
		if items[i].c.X != items[j].c.X {
			return items[i].c.X < items[j].c.X
		}
		return items[i].c.Z < items[j].c.Z
	})
	out := make([]TileCoord, 0, len(items))
	for _, it := range items {
		out = append(out, it.c)
	}
	return out
}

// TierOf classifies a tile against the observer's current tile with the same
// Euclidean test TilesInRadius uses.
func (t *Tracker) TierOf(c TileCoord) Tier {
	dx := c.X - t.tile.X
	dz := c.Z - t.tile.Z
	r := t.cfg.Radii
	switch {
	case inDisk(dx, dz, r.Immediate):
		return TierImmediate
	case inDisk(dx, dz, r.Preload):
		return TierPreload
	case inDisk(dx, dz, r.KeepAlive):
		return TierKeepAlive
	default:
		return TierUnload
	}
}

// Priority maps the tile's tier onto a work priority, closer is higher.
func (t *Tracker) Priority(c TileCoord) work.Priority {
	switch t.TierOf(c) {
	case TierImmediate:
		return work.PriorityCritical
	case TierPreload:
		return work.PriorityHigh
	case TierKeepAlive:
		return work.PriorityNormal
	default:
		return work.PriorityLow
	}
}

func (t *Tracker) ImmediateTiles() []TileCoord { return TilesInRadius(t.tile, t.cfg.Radii.Immediate) }
func (t *Tracker) PreloadTiles() []TileCoord   { return TilesInRadius(t.tile, t.cfg.Radii.Preload) }
func (t *Tracker) KeepAliveTiles() []TileCoord { return TilesInRadius(t.tile, t.cfg.Radii.KeepAlive) }

// UnloadCandidates returns the active tiles outside the keep-alive disk,
// sorted for deterministic iteration.
func (t *Tracker) UnloadCandidates(active []TileCoord) []TileCoord {
	return t.outside(active, t.cfg.Radii.KeepAlive)
}

// ForceUnload returns the active tiles outside the force-unload disk.
func (t *Tracker) ForceUnload(active []TileCoord) []TileCoord {
	return t.outside(active, t.cfg.Radii.ForceUnload)
}

func (t *Tracker) outside(active []TileCoord, r float64) []TileCoord {
	var out []TileCoord
	for _, c := range active {
		if !inDisk(c.X-t.tile.X, c.Z-t.tile.Z, r) {
			out = append(out, c)
		}
	}
	SortTiles(out)
	return out
}

func SortTiles(tiles []TileCoord) {
	sort.Slice(tiles, func(i, j int) bool {
		if tiles[i].X != tiles[j].X {
			return tiles[i].X < tiles[j].X
		}
		return tiles[i].Z < tiles[j].Z
	})
}
