// Package pool recycles decoration scene objects. Instances live in an arena
// addressed by generation-checked handles; free instances are kept per kind,
// plus a prewarmed kind-agnostic list, and only Maintain really destroys them.
package pool

import (
	"errors"
	"fmt"
	"io"
	"log"
	"sort"

	"github.com/go-gl/mathgl/mgl64"
)

// ObjectID names a scene object owned by a SceneObjectFactory.
type ObjectID uint64

type Parent uint8

const (
	ParentPool Parent = iota
	ParentScene
)

// Pose is an instance's transform.
type Pose struct {
	Position mgl64.Vec3
	Rotation mgl64.Quat
	Scale    mgl64.Vec3
}

// At is an upright, unit-scale pose at pos.
func At(pos mgl64.Vec3) Pose {
	return Pose{Position: pos, Rotation: mgl64.QuatIdent(), Scale: mgl64.Vec3{1, 1, 1}}
}

// SceneObjectFactory creates and manipulates the scene objects behind pooled
// instances. An empty kind asks for a kind-agnostic object.
type SceneObjectFactory interface {
	Instantiate(kind string) (ObjectID, error)
	Destroy(id ObjectID)
	Reparent(id ObjectID, parent Parent)
	SetActive(id ObjectID, active bool)
	SetTransform(id ObjectID, pose Pose)
	Alive(id ObjectID) bool
}

var ErrConfig = errors.New("pool: invalid config")

// Handle addresses a pooled instance. A handle goes stale once the instance
// is released or destroyed.
type Handle struct {
	Index uint32 `json:"index"`
	Gen   uint32 `json:"gen"`
}

func (h Handle) String() string { return fmt.Sprintf("%d@%d", h.Index, h.Gen) }

// Less orders handles by index then generation.
func (h Handle) Less(o Handle) bool {
	if h.Index != o.Index {
		return h.Index < o.Index
	}
	return h.Gen < o.Gen
}

type State uint8

const (
	StateEmpty State = iota
	StateFree
	StateActive
)

// Instance is a read-only view of an active slot.
type Instance struct {
	Handle         Handle
	Object         ObjectID
	Kind           string
	Pose           Pose
	LastAccessTick uint64
}

type Config struct {
	// InitialSize kind-agnostic instances are created up front, and Maintain
	// trims free instances back down to this count.
	InitialSize int
	// MaxPoolSize caps live instances (active + free).
	MaxPoolSize int
}

// Created counts instances the pool made that still exist, so it never
// exceeds MaxPoolSize. Instantiated is the lifetime total.
type Stats struct {
	Created      uint64 `json:"created"`
	Instantiated uint64 `json:"instantiated"`
	Reused       uint64 `json:"reused"`
	Returned     uint64 `json:"returned"`
	Destroyed    uint64 `json:"destroyed"`
	Lost         uint64 `json:"lost"`
	Unavailable  uint64 `json:"unavailable"`
	Active       int    `json:"active"`
	Free         int    `json:"free"`
	Live         int    `json:"live"`
}

type MaintainReport struct {
	Dead      int `json:"dead"`
	Destroyed int `json:"destroyed"`
}

type slot struct {
	gen   uint32
	state State
	obj   ObjectID
	kind  string
	pose  Pose
	last  uint64
	freed uint64
}

// Pool is not safe for concurrent use.
type Pool struct {
	cfg     Config
	factory SceneObjectFactory
	logger  *log.Logger

	slots   []slot
	empty   []uint32
	byKind  map[string][]uint32
	generic []uint32

	active  int
	free    int
	tick    uint64
	freeSeq uint64

	created      uint64
	instantiated uint64
	reused       uint64
	returned     uint64
	destroyed    uint64
	lost         uint64
	unavailable  uint64
}

// New prewarms InitialSize kind-agnostic instances.
func New(cfg Config, factory SceneObjectFactory) (*Pool, error) {
	if factory == nil {
		return nil, fmt.Errorf("%w: nil factory", ErrConfig)
	}
	if cfg.InitialSize < 0 || cfg.MaxPoolSize <= 0 || cfg.InitialSize > cfg.MaxPoolSize {
		return nil, fmt.Errorf("%w: initial=%d max=%d", ErrConfig, cfg.InitialSize, cfg.MaxPoolSize)
	}
	p := &Pool{
		cfg:     cfg,
		factory: factory,
		logger:  log.New(io.Discard, "", 0),
		byKind:  map[string][]uint32{},
	}
	for i := 0; i < cfg.InitialSize; i++ {
		id, err := factory.Instantiate("")
		if err != nil {
			return nil, fmt.Errorf("pool: prewarm %d/%d: %w", i, cfg.InitialSize, err)
		}
		p.created++
		p.instantiated++
		factory.SetActive(id, false)
		factory.Reparent(id, ParentPool)
		idx := p.newSlot(id, "")
		p.pushFree(idx)
	}
	return p, nil
}

func (p *Pool) SetLogger(l *log.Logger) {
	if l != nil {
		p.logger = l
	}
}

// SetTick sets the tick recorded as LastAccessTick by Acquire and Touch.
func (p *Pool) SetTick(tick uint64) { p.tick = tick }

func (p *Pool) Live() int { return p.active + p.free }

func (p *Pool) newSlot(id ObjectID, kind string) uint32 {
	var idx uint32
	if n := len(p.empty); n > 0 {
		idx = p.empty[n-1]
		p.empty = p.empty[:n-1]
	} else {
		p.slots = append(p.slots, slot{})
		idx = uint32(len(p.slots) - 1)
	}
	s := &p.slots[idx]
	s.obj = id
	s.kind = kind
	s.state = StateFree
	return idx
}

func (p *Pool) pushFree(idx uint32) {
	s := &p.slots[idx]
	s.state = StateFree
	p.freeSeq++
	s.freed = p.freeSeq
	p.free++
	if s.kind == "" {
		p.generic = append(p.generic, idx)
		return
	}
	p.byKind[s.kind] = append(p.byKind[s.kind], idx)
}

func popIndex(list []uint32) (uint32, []uint32) {
	n := len(list)
	return list[n-1], list[:n-1]
}

// Acquire hands out an instance of kind at pose. It reuses a free instance of
// the same kind, then a kind-agnostic one, then creates a new one while live
// instances are below MaxPoolSize. ok is false when the pool is exhausted.
func (p *Pool) Acquire(kind string, pose Pose) (h Handle, ok bool, err error) {
	var idx uint32
	switch {
	case len(p.byKind[kind]) > 0:
		idx, p.byKind[kind] = popIndex(p.byKind[kind])
		p.free--
		p.reused++
	case len(p.generic) > 0:
		idx, p.generic = popIndex(p.generic)
		p.free--
		p.reused++
	case p.Live() < p.cfg.MaxPoolSize:
		id, ierr := p.factory.Instantiate(kind)
		if ierr != nil {
			return Handle{}, false, fmt.Errorf("pool: instantiate %q: %w", kind, ierr)
		}
		p.created++
		p.instantiated++
		idx = p.newSlot(id, kind)
	default:
		p.unavailable++
		return Handle{}, false, nil
	}

	s := &p.slots[idx]
	s.kind = kind
	s.state = StateActive
	s.pose = pose
	s.last = p.tick
	p.active++
	p.factory.Reparent(s.obj, ParentScene)
	p.factory.SetTransform(s.obj, pose)
	p.factory.SetActive(s.obj, true)
	return Handle{Index: idx, Gen: s.gen}, true, nil
}

func (p *Pool) lookup(h Handle) (*slot, bool) {
	if int(h.Index) >= len(p.slots) {
		return nil, false
	}
	s := &p.slots[h.Index]
	if s.gen != h.Gen || s.state != StateActive {
		return nil, false
	}
	return s, true
}

func (p *Pool) IsActive(h Handle) bool {
	_, ok := p.lookup(h)
	return ok
}

func (p *Pool) Get(h Handle) (Instance, bool) {
	s, ok := p.lookup(h)
	if !ok {
		return Instance{}, false
	}
	return Instance{Handle: h, Object: s.obj, Kind: s.kind, Pose: s.pose, LastAccessTick: s.last}, true
}

// Touch marks an active instance as used at the current tick.
func (p *Pool) Touch(h Handle) bool {
	s, ok := p.lookup(h)
	if !ok {
		return false
	}
	s.last = p.tick
	return true
}

func (p *Pool) Move(h Handle, pose Pose) bool {
	s, ok := p.lookup(h)
	if !ok {
		return false
	}
	s.pose = pose
	p.factory.SetTransform(s.obj, pose)
	return true
}

// Release returns an active instance to its kind's free list. Releasing a
// stale or already released handle only logs a warning.
func (p *Pool) Release(h Handle) bool {
	s, ok := p.lookup(h)
	if !ok {
		p.logger.Printf("WARN release of inactive handle %s", h)
		return false
	}
	p.factory.SetActive(s.obj, false)
	p.factory.Reparent(s.obj, ParentPool)
	s.gen++
	p.active--
	p.returned++
	p.pushFree(h.Index)
	return true
}

// Active returns handles of all active instances ordered by index.
func (p *Pool) Active() []Handle {
	out := make([]Handle, 0, p.active)
	for i := range p.slots {
		if p.slots[i].state == StateActive {
			out = append(out, Handle{Index: uint32(i), Gen: p.slots[i].gen})
		}
	}
	return out
}

func (p *Pool) destroySlot(idx uint32, destroy bool) {
	s := &p.slots[idx]
	if destroy {
		p.factory.Destroy(s.obj)
	}
	*s = slot{gen: s.gen + 1}
	p.created--
	p.empty = append(p.empty, idx)
}

func removeIndex(list []uint32, idx uint32) []uint32 {
	for i, v := range list {
		if v == idx {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}

func (p *Pool) unlinkFree(idx uint32) {
	kind := p.slots[idx].kind
	if kind == "" {
		p.generic = removeIndex(p.generic, idx)
	} else {
		p.byKind[kind] = removeIndex(p.byKind[kind], idx)
		if len(p.byKind[kind]) == 0 {
			delete(p.byKind, kind)
		}
	}
	p.free--
}

// Maintain drops slots whose scene object died outside the pool and destroys
// the oldest free instances beyond InitialSize.
func (p *Pool) Maintain() MaintainReport {
	var rep MaintainReport
	for i := range p.slots {
		s := &p.slots[i]
		if s.state == StateEmpty || p.factory.Alive(s.obj) {
			continue
		}
		idx := uint32(i)
		if s.state == StateFree {
			p.unlinkFree(idx)
		} else {
			p.active--
			p.logger.Printf("WARN active %s instance %s lost its scene object", s.kind, Handle{Index: idx, Gen: s.gen})
		}
		p.destroySlot(idx, false)
		p.lost++
		rep.Dead++
	}

	if surplus := p.free - p.cfg.InitialSize; surplus > 0 {
		free := make([]uint32, 0, p.free)
		for i := range p.slots {
			if p.slots[i].state == StateFree {
				free = append(free, uint32(i))
			}
		}
		sort.Slice(free, func(a, b int) bool { return p.slots[free[a]].freed < p.slots[free[b]].freed })
		for _, idx := range free[:surplus] {
			p.unlinkFree(idx)
			p.destroySlot(idx, true)
			p.destroyed++
			rep.Destroyed++
		}
	}
	return rep
}

func (p *Pool) Stats() Stats {
	return Stats{
		Created:      p.created,
		Instantiated: p.instantiated,
		Reused:       p.reused,
		Returned:     p.returned,
		Destroyed:    p.destroyed,
		Lost:         p.lost,
		Unavailable:  p.unavailable,
		Active:       p.active,
		Free:         p.free,
		Live:         p.Live(),
	}
}
