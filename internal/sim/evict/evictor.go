// Package evict keeps pooled decoration instances under a soft memory ceiling
// by releasing far-away and least recently used instances.
package evict

import (
	"errors"
	"fmt"
	"io"
	"log"
	"runtime"
	"sort"

	"github.com/go-gl/mathgl/mgl64"

	"tilestream.ai/internal/sim/pool"
)

var ErrConfig = errors.New("evict: invalid config")

// Releaser is the part of the pool the evictor drives.
type Releaser interface {
	IsActive(h pool.Handle) bool
	Release(h pool.Handle) bool
}

// MemorySampler reports the memory currently in use, in bytes.
type MemorySampler interface {
	UsedBytes() uint64
}

// RuntimeSampler reports the Go heap in use.
type RuntimeSampler struct{}

func (RuntimeSampler) UsedBytes() uint64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ms.HeapAlloc
}

type Reason uint8

const (
	ReasonDistance Reason = iota + 1
	ReasonLRU
)

func (r Reason) String() string {
	switch r {
	case ReasonDistance:
		return "distance"
	case ReasonLRU:
		return "lru"
	default:
		return "unknown"
	}
}

type Config struct {
	MemoryCeilingBytes uint64
	// GCTriggerThreshold is the used/ceiling ratio above which Check runs
	// an optimization pass and a collection.
	GCTriggerThreshold float64
	CheckIntervalTicks uint64
	CullingEnabled     bool
	CullingDistance    float64
	MaxActiveObjects   int
}

func (c Config) Validate() error {
	if c.MemoryCeilingBytes == 0 {
		return fmt.Errorf("%w: memory ceiling must be > 0", ErrConfig)
	}
	if c.GCTriggerThreshold <= 0 {
		return fmt.Errorf("%w: gc trigger threshold must be > 0", ErrConfig)
	}
	if c.CullingEnabled && c.CullingDistance <= 0 {
		return fmt.Errorf("%w: culling distance must be > 0", ErrConfig)
	}
	if c.MaxActiveObjects < 0 {
		return fmt.Errorf("%w: max active objects must be >= 0", ErrConfig)
	}
	return nil
}

type OptimizeReport struct {
	Dead     int `json:"dead"`
	Culled   int `json:"culled"`
	LRU      int `json:"lru"`
	Tracked  int `json:"tracked"`
	Released int `json:"released"`
}

type CheckReport struct {
	Ran       bool           `json:"ran"`
	UsedBytes uint64         `json:"used_bytes"`
	Ratio     float64        `json:"ratio"`
	Optimized bool           `json:"optimized"`
	Optimize  OptimizeReport `json:"optimize"`
}

type Stats struct {
	Tracked   int     `json:"tracked"`
	Checks    uint64  `json:"checks"`
	Passes    uint64  `json:"passes"`
	Evicted   uint64  `json:"evicted"`
	LastRatio float64 `json:"last_ratio"`
}

type entry struct {
	pos  mgl64.Vec3
	last uint64
}

// Evictor is not safe for concurrent use.
type Evictor struct {
	cfg     Config
	pool    Releaser
	sampler MemorySampler
	collect func()
	logger  *log.Logger

	tracked   map[pool.Handle]*entry
	nextCheck uint64

	checks    uint64
	passes    uint64
	evicted   uint64
	lastRatio float64

	// OnEvicted fires for each instance released by the evictor.
	OnEvicted func(h pool.Handle, reason Reason)
}

func New(cfg Config, p Releaser) (*Evictor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if p == nil {
		return nil, fmt.Errorf("%w: nil pool", ErrConfig)
	}
	return &Evictor{
		cfg:     cfg,
		pool:    p,
		sampler: RuntimeSampler{},
		collect: runtime.GC,
		logger:  log.New(io.Discard, "", 0),
		tracked: map[pool.Handle]*entry{},
	}, nil
}

func (e *Evictor) SetLogger(l *log.Logger) {
	if l != nil {
		e.logger = l
	}
}

func (e *Evictor) SetSampler(s MemorySampler) {
	if s != nil {
		e.sampler = s
	}
}

// SetCollector replaces the forced collection, runtime.GC by default.
func (e *Evictor) SetCollector(fn func()) {
	if fn != nil {
		e.collect = fn
	}
}

func (e *Evictor) Register(h pool.Handle, pos mgl64.Vec3, tick uint64) {
	e.tracked[h] = &entry{pos: pos, last: tick}
}

func (e *Evictor) Unregister(h pool.Handle) { delete(e.tracked, h) }

func (e *Evictor) Touch(h pool.Handle, tick uint64) {
	if en := e.tracked[h]; en != nil {
		en.last = tick
	}
}

func (e *Evictor) Move(h pool.Handle, pos mgl64.Vec3) {
	if en := e.tracked[h]; en != nil {
		en.pos = pos
	}
}

func (e *Evictor) Tracked() int { return len(e.tracked) }

func (e *Evictor) Position(h pool.Handle) (mgl64.Vec3, bool) {
	en := e.tracked[h]
	if en == nil {
		return mgl64.Vec3{}, false
	}
	return en.pos, true
}

func (e *Evictor) LastAccess(h pool.Handle) (uint64, bool) {
	en := e.tracked[h]
	if en == nil {
		return 0, false
	}
	return en.last, true
}

// Check samples memory every CheckIntervalTicks. Above the trigger ratio it
// runs Optimize and then forces a collection.
func (e *Evictor) Check(tick uint64, observer mgl64.Vec3) CheckReport {
	var rep CheckReport
	if tick < e.nextCheck {
		return rep
	}
	interval := e.cfg.CheckIntervalTicks
	if interval == 0 {
		interval = 1
	}
	e.nextCheck = tick + interval
	e.checks++

	rep.Ran = true
	rep.UsedBytes = e.sampler.UsedBytes()
	rep.Ratio = float64(rep.UsedBytes) / float64(e.cfg.MemoryCeilingBytes)
	e.lastRatio = rep.Ratio
	if rep.Ratio <= e.cfg.GCTriggerThreshold {
		return rep
	}
	rep.Optimized = true
	rep.Optimize = e.Optimize(observer)
	e.collect()
	e.logger.Printf("memory %.2f of ceiling at tick %d: released %d (culled %d lru %d dead %d)",
		rep.Ratio, tick, rep.Optimize.Released, rep.Optimize.Culled, rep.Optimize.LRU, rep.Optimize.Dead)
	return rep
}

// Optimize drops handles the pool no longer reports active, releases tracked
// instances beyond the culling distance, then releases the least recently
// used instances until at most MaxActiveObjects remain. A pass may leave
// memory above the ceiling; the next Check tries again.
func (e *Evictor) Optimize(observer mgl64.Vec3) OptimizeReport {
	var rep OptimizeReport
	e.passes++

	for _, h := range e.handles() {
		if !e.pool.IsActive(h) {
			delete(e.tracked, h)
			rep.Dead++
		}
	}

	if e.cfg.CullingEnabled {
		for _, h := range e.handles() {
			if e.tracked[h].pos.Sub(observer).Len() > e.cfg.CullingDistance {
				e.release(h, ReasonDistance)
				rep.Culled++
			}
		}
	}

	if limit := e.cfg.MaxActiveObjects; limit > 0 && len(e.tracked) > limit {
		hs := e.handles()
		sort.SliceStable(hs, func(i, j int) bool {
			a, b := e.tracked[hs[i]].last, e.tracked[hs[j]].last
			if a != b {
				return a < b
			}
			return hs[i].Less(hs[j])
		})
		surplus := len(hs) - limit
		for _, h := range hs[:surplus] {
			e.release(h, ReasonLRU)
			rep.LRU++
		}
	}

	rep.Released = rep.Culled + rep.LRU
	rep.Tracked = len(e.tracked)
	return rep
}

func (e *Evictor) release(h pool.Handle, reason Reason) {
	delete(e.tracked, h)
	e.pool.Release(h)
	e.evicted++
	if e.OnEvicted != nil {
		e.OnEvicted(h, reason)
	}
}

// handles returns tracked handles in index order so passes are deterministic.
func (e *Evictor) handles() []pool.Handle {
	out := make([]pool.Handle, 0, len(e.tracked))
	for h := range e.tracked {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

func (e *Evictor) Stats() Stats {
	return Stats{
		Tracked:   len(e.tracked),
		Checks:    e.checks,
		Passes:    e.passes,
		Evicted:   e.evicted,
		LastRatio: e.lastRatio,
	}
}
