// Package lod chooses a detail level per loaded tile from distance, observer
// speed, importance and visibility, and swaps prebuilt mesh artifacts into the
// renderer when the level changes.
package lod

import (
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"sort"
	"time"

	"github.com/go-gl/mathgl/mgl64"

	"tilestream.ai/internal/sim/clock"
	"tilestream.ai/internal/sim/terrain"
	"tilestream.ai/internal/sim/tracker"
)

const (
	MinImportance = 0.5
	MaxImportance = 3.0
)

var (
	ErrRegistered   = errors.New("lod: tile already registered")
	ErrUnregistered = errors.New("lod: tile not registered")
	ErrConfig       = errors.New("lod: invalid config")
)

// MeshFactory turns a decimated height field into a renderable artifact.
type MeshFactory interface {
	Build(tile tracker.TileCoord, level int, hf terrain.HeightField) (*terrain.Mesh, error)
	Release(m *terrain.Mesh)
}

type VisibilityProbe interface {
	Visible(center mgl64.Vec3, radius float64) bool
}

type ImportanceProbe interface {
	ImportanceNear(pos mgl64.Vec3, radius float64) float64
}

// Renderer shows at most one artifact per tile.
type Renderer interface {
	Attach(tile tracker.TileCoord, level int, m *terrain.Mesh)
	Detach(tile tracker.TileCoord)
}

type Config struct {
	// Thresholds are effective-distance upper bounds for levels 0..K-1,
	// strictly ascending. Level K means culled.
	Thresholds []float64
	// Resolutions holds one height-field resolution per non-culled level.
	Resolutions []int

	SpeedThreshold float64
	SpeedBias      float64

	UpdateIntervalTicks uint64
	MaxUpdatesPerTick   int

	// ImportanceRadius is passed to the importance probe. Zero means one
	// tile size.
	ImportanceRadius float64
}

func (c *Config) Validate() error {
	if len(c.Thresholds) == 0 {
		return fmt.Errorf("%w: no thresholds", ErrConfig)
	}
	for i := 1; i < len(c.Thresholds); i++ {
		if !(c.Thresholds[i] > c.Thresholds[i-1]) {
			return fmt.Errorf("%w: thresholds must be strictly ascending", ErrConfig)
		}
	}
	if len(c.Resolutions) != len(c.Thresholds) {
		return fmt.Errorf("%w: %d resolutions for %d thresholds", ErrConfig, len(c.Resolutions), len(c.Thresholds))
	}
	for _, r := range c.Resolutions {
		if r < 2 {
			return fmt.Errorf("%w: resolution %d < 2", ErrConfig, r)
		}
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.SpeedBias <= 0 {
		c.SpeedBias = 1
	}
	if c.MaxUpdatesPerTick <= 0 {
		c.MaxUpdatesPerTick = 16
	}
}

// Record is the per-tile LOD state.
type Record struct {
	Tile           tracker.TileCoord
	Level          int
	Distance       float64
	Visible        bool
	Importance     float64
	LastUpdateTick uint64
	Artifacts      []*terrain.Mesh
	Attached       bool

	evaluated bool
	queued    bool
}

type UpdateReport struct {
	Due          int  `json:"due"`
	Evaluated    int  `json:"evaluated"`
	Changed      int  `json:"changed"`
	Pending      int  `json:"pending"`
	StoppedEarly bool `json:"stopped_early"`
}

type Stats struct {
	Tiles       int    `json:"tiles"`
	Pending     int    `json:"pending"`
	Evaluations uint64 `json:"evaluations"`
	Attaches    uint64 `json:"attaches"`
	Detaches    uint64 `json:"detaches"`
	Builds      uint64 `json:"builds"`
	Releases    uint64 `json:"releases"`
}

// Selector is not safe for concurrent use.
type Selector struct {
	cfg      Config
	tracker  *tracker.Tracker
	meshes   MeshFactory
	renderer Renderer
	vis      VisibilityProbe
	imp      ImportanceProbe
	clock    clock.Clock
	logger   *log.Logger

	records map[tracker.TileCoord]*Record
	fifo    []*Record

	evaluations uint64
	attaches    uint64
	detaches    uint64
	builds      uint64
	releases    uint64
}

func New(cfg Config, tr *tracker.Tracker, meshes MeshFactory, renderer Renderer, clk clock.Clock) (*Selector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if tr == nil || meshes == nil {
		return nil, fmt.Errorf("%w: tracker and mesh factory are required", ErrConfig)
	}
	cfg.applyDefaults()
	if clk == nil {
		clk = clock.NewMonotonic()
	}
	return &Selector{
		cfg:      cfg,
		tracker:  tr,
		meshes:   meshes,
		renderer: renderer,
		clock:    clk,
		logger:   log.New(io.Discard, "", 0),
		records:  map[tracker.TileCoord]*Record{},
	}, nil
}

func (s *Selector) SetLogger(l *log.Logger) {
	if l != nil {
		s.logger = l
	}
}

func (s *Selector) SetVisibilityProbe(p VisibilityProbe) { s.vis = p }

// SetImportanceProbe enables importance scaling of the effective distance.
func (s *Selector) SetImportanceProbe(p ImportanceProbe) { s.imp = p }

// Culled is the level index that means nothing is attached.
func (s *Selector) Culled() int { return len(s.cfg.Thresholds) }

func (s *Selector) Len() int { return len(s.records) }

// Register builds one artifact per configured resolution from hf. The record
// starts culled with nothing attached.
func (s *Selector) Register(tile tracker.TileCoord, hf terrain.HeightField) error {
	if _, ok := s.records[tile]; ok {
		return fmt.Errorf("%w: %d,%d", ErrRegistered, tile.X, tile.Z)
	}
	arts := make([]*terrain.Mesh, 0, len(s.cfg.Resolutions))
	for level, res := range s.cfg.Resolutions {
		m, err := s.meshes.Build(tile, level, Decimate(hf, res))
		if err != nil {
			for _, a := range arts {
				s.meshes.Release(a)
				s.releases++
			}
			return fmt.Errorf("lod: build %d,%d level %d: %w", tile.X, tile.Z, level, err)
		}
		s.builds++
		arts = append(arts, m)
	}
	s.records[tile] = &Record{
		Tile:       tile,
		Level:      s.Culled(),
		Importance: 1,
		Artifacts:  arts,
	}
	return nil
}

// Unregister detaches the tile if needed and releases every artifact.
func (s *Selector) Unregister(tile tracker.TileCoord) error {
	rec, ok := s.records[tile]
	if !ok {
		return fmt.Errorf("%w: %d,%d", ErrUnregistered, tile.X, tile.Z)
	}
	if rec.Attached {
		if s.renderer != nil {
			s.renderer.Detach(tile)
		}
		rec.Attached = false
		s.detaches++
	}
	for _, a := range rec.Artifacts {
		s.meshes.Release(a)
		s.releases++
	}
	rec.Artifacts = nil
	delete(s.records, tile)
	return nil
}

func (s *Selector) Record(tile tracker.TileCoord) (Record, bool) {
	rec, ok := s.records[tile]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// Levels returns a snapshot of tile -> level.
func (s *Selector) Levels() map[tracker.TileCoord]int {
	out := make(map[tracker.TileCoord]int, len(s.records))
	for c, r := range s.records {
		out[c] = r.Level
	}
	return out
}

// EffectiveDistance applies speed bias, importance and visibility to a raw
// distance. Importance only applies when an importance probe is set.
func (s *Selector) EffectiveDistance(distance, speed, importance float64, visible bool) float64 {
	d := distance
	if speed > s.cfg.SpeedThreshold {
		d *= s.cfg.SpeedBias
	}
	if s.imp != nil {
		d /= 1 + importance
	}
	if !visible {
		d *= 2
	}
	return d
}

// LevelFor returns the first level whose threshold exceeds d, or Culled.
func (s *Selector) LevelFor(d float64) int {
	for i, th := range s.cfg.Thresholds {
		if d < th {
			return i
		}
	}
	return s.Culled()
}

// Evaluate recomputes the tile's level at tick and swaps the renderer's
// artifact when it changed. It reports the new level.
func (s *Selector) Evaluate(tile tracker.TileCoord, tick uint64) (int, error) {
	rec, ok := s.records[tile]
	if !ok {
		return 0, fmt.Errorf("%w: %d,%d", ErrUnregistered, tile.X, tile.Z)
	}
	s.evaluate(rec, tick)
	return rec.Level, nil
}

func (s *Selector) evaluate(rec *Record, tick uint64) bool {
	obs := s.tracker.Position()
	center := s.tracker.TileCenter(rec.Tile)
	center[1] = obs[1]
	size := s.tracker.Config().TileSize

	rec.Distance = center.Sub(obs).Len()
	rec.Visible = true
	if s.vis != nil {
		rec.Visible = s.vis.Visible(center, size*math.Sqrt2/2)
	}
	rec.Importance = 1
	if s.imp != nil {
		radius := s.cfg.ImportanceRadius
		if radius <= 0 {
			radius = size
		}
		rec.Importance = mgl64.Clamp(s.imp.ImportanceNear(center, radius), MinImportance, MaxImportance)
	}
	rec.LastUpdateTick = tick
	rec.evaluated = true
	s.evaluations++

	level := s.LevelFor(s.EffectiveDistance(rec.Distance, s.tracker.Speed(), rec.Importance, rec.Visible))
	if level == rec.Level {
		return false
	}
	rec.Level = level
	if level < s.Culled() {
		if s.renderer != nil {
			s.renderer.Attach(rec.Tile, level, rec.Artifacts[level])
		}
		rec.Attached = true
		s.attaches++
		return true
	}
	if rec.Attached {
		if s.renderer != nil {
			s.renderer.Detach(rec.Tile)
		}
		rec.Attached = false
		s.detaches++
	}
	return true
}

// Update queues every due tile once and evaluates up to MaxUpdatesPerTick of
// them, oldest first. It stops early once half of budget has elapsed; tiles
// left in the queue run on a later tick.
func (s *Selector) Update(tick uint64, budget time.Duration) UpdateReport {
	var rep UpdateReport

	due := make([]*Record, 0)
	for _, rec := range s.records {
		if rec.queued {
			continue
		}
		if !rec.evaluated || tick-rec.LastUpdateTick >= s.cfg.UpdateIntervalTicks {
			due = append(due, rec)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		a, b := due[i].Tile, due[j].Tile
		if a.X != b.X {
			return a.X < b.X
		}
		return a.Z < b.Z
	})
	for _, rec := range due {
		rec.queued = true
		s.fifo = append(s.fifo, rec)
	}
	rep.Due = len(due)

	start := s.clock.Now()
	half := budget / 2
	for rep.Evaluated < s.cfg.MaxUpdatesPerTick && len(s.fifo) > 0 {
		if rep.Evaluated > 0 && clock.Elapsed(s.clock, start) > half {
			rep.StoppedEarly = true
			break
		}
		rec := s.fifo[0]
		s.fifo[0] = nil
		s.fifo = s.fifo[1:]
		if s.records[rec.Tile] != rec {
			// Unregistered (or re-registered) while queued.
			continue
		}
		rec.queued = false
		if s.evaluate(rec, tick) {
			rep.Changed++
		}
		rep.Evaluated++
	}
	rep.Pending = len(s.fifo)
	return rep
}

func (s *Selector) Stats() Stats {
	return Stats{
		Tiles:       len(s.records),
		Pending:     len(s.fifo),
		Evaluations: s.evaluations,
		Attaches:    s.attaches,
		Detaches:    s.detaches,
		Builds:      s.builds,
		Releases:    s.releases,
	}
}

// Decimate resamples hf to res x res by nearest-neighbour lookup.
func Decimate(hf terrain.HeightField, res int) terrain.HeightField {
	if res == hf.Resolution || res < 2 || hf.Resolution < 2 {
		return hf
	}
	out := terrain.HeightField{Resolution: res, Heights: make([]float32, res*res)}
	scale := float64(hf.Resolution-1) / float64(res-1)
	for z := 0; z < res; z++ {
		sz := int(math.Round(float64(z) * scale))
		for x := 0; x < res; x++ {
			sx := int(math.Round(float64(x) * scale))
			out.Heights[z*res+x] = hf.At(sx, sz)
		}
	}
	return out
}
