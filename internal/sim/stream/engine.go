// Package stream owns the streaming engine: it builds and wires the
// scheduler, monitor, tracker, LOD selector, pool and evictor once, and drives
// them one tick at a time.
package stream

import (
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-gl/mathgl/mgl64"

	"tilestream.ai/internal/protocol"
	"tilestream.ai/internal/sim/clock"
	"tilestream.ai/internal/sim/evict"
	"tilestream.ai/internal/sim/lod"
	"tilestream.ai/internal/sim/perf"
	"tilestream.ai/internal/sim/pool"
	"tilestream.ai/internal/sim/scene"
	"tilestream.ai/internal/sim/scheduler"
	"tilestream.ai/internal/sim/terrain"
	"tilestream.ai/internal/sim/tracker"
	"tilestream.ai/internal/sim/tuning"
	"tilestream.ai/internal/sim/work"
)

var (
	ErrTileGone  = errors.New("stream: tile no longer tracked")
	ErrNotLoaded = errors.New("stream: tile not loaded")
	ErrStaleItem = errors.New("stream: item superseded")
	ErrBadItem   = errors.New("stream: malformed item")
)

type Config struct {
	Scheduler scheduler.Config
	Monitor   perf.Config
	Tracker   tracker.Config
	LOD       lod.Config
	Pool      pool.Config
	Evictor   evict.Config

	MaintainEveryTicks uint64
	UnloadGraceTicks   uint64
	DecorationsPerTile int
	DecorationKinds    []string
	TilesEveryTicks    uint64

	Seed             int64
	BaseResolution   int
	NoiseCellSize    float64
	NoiseAmplitude   float64
	NoiseOctaves     int
	ViewHalfAngleDeg float64

	// Markers seed the default importance field when Deps.Importance is nil.
	ImportanceBase float64
	Markers        []terrain.Marker
}

func ConfigFromTuning(t tuning.Tuning) Config {
	ms := func(v int) time.Duration { return time.Duration(v) * time.Millisecond }
	return Config{
		Scheduler: scheduler.Config{
			MaxItemsPerTick: t.Scheduler.MaxItemsPerTick,
			MinItemsPerTick: t.Scheduler.MinItemsPerTick,
			FrameBudget:     ms(t.Scheduler.FrameBudgetMs),
			MinFrameBudget:  ms(t.Scheduler.MinFrameBudgetMs),
		},
		Monitor: perf.Config{
			TargetRateHz:                t.Monitor.TargetRateHz,
			OverloadThreshold:           t.Monitor.OverloadThreshold,
			MaxConsecutiveOverloadTicks: t.Monitor.MaxConsecutiveOverloadTicks,
			WindowSize:                  t.Monitor.WindowSize,
		},
		Tracker: tracker.Config{
			TileSize: t.Tracker.TileSize,
			Radii: tracker.Radii{
				Immediate:   t.Tracker.ImmediateRadius,
				Preload:     t.Tracker.PreloadRadius,
				KeepAlive:   t.Tracker.KeepAliveRadius,
				ForceUnload: t.Tracker.ForceUnloadRadius,
			},
			PredictionHorizon: t.Tracker.PredictionHorizonS,
		},
		LOD: lod.Config{
			Thresholds:          append([]float64(nil), t.LOD.Thresholds...),
			Resolutions:         append([]int(nil), t.LOD.Resolutions...),
			SpeedThreshold:      t.LOD.SpeedThreshold,
			SpeedBias:           t.LOD.SpeedBias,
			UpdateIntervalTicks: uint64(t.LOD.UpdateIntervalTicks),
			MaxUpdatesPerTick:   t.LOD.MaxUpdatesPerTick,
			ImportanceRadius:    t.LOD.ImportanceRadius,
		},
		Pool: pool.Config{
			InitialSize: t.Pool.InitialSize,
			MaxPoolSize: t.Pool.MaxPoolSize,
		},
		Evictor: evict.Config{
			MemoryCeilingBytes: uint64(t.Evictor.MemoryCeilingMB) << 20,
			GCTriggerThreshold: t.Evictor.GCTriggerThreshold,
			CheckIntervalTicks: uint64(t.Evictor.CheckIntervalTicks),
			CullingEnabled:     t.Evictor.CullingEnabled,
			CullingDistance:    t.Evictor.CullingDistance,
			MaxActiveObjects:   t.Evictor.MaxActiveObjects,
		},
		MaintainEveryTicks: uint64(t.Pool.MaintainEveryTicks),
		UnloadGraceTicks:   uint64(t.Stream.UnloadGraceTicks),
		DecorationsPerTile: t.Stream.DecorationsPerTile,
		DecorationKinds:    append([]string(nil), t.Stream.DecorationKinds...),
		TilesEveryTicks:    uint64(t.Stream.TilesEveryTicks),
		Seed:               t.Terrain.Seed,
		BaseResolution:     t.Terrain.BaseResolution,
		NoiseCellSize:      t.Terrain.CellSize,
		NoiseAmplitude:     t.Terrain.Amplitude,
		NoiseOctaves:       t.Terrain.Octaves,
		ViewHalfAngleDeg:   t.Terrain.ViewHalfAngleDeg,
		ImportanceBase:     t.LOD.ImportanceBase,
		Markers:            markersFromTuning(t.LOD.Markers),
	}
}

func markersFromTuning(ms []tuning.Marker) []terrain.Marker {
	if len(ms) == 0 {
		return nil
	}
	out := make([]terrain.Marker, 0, len(ms))
	for _, m := range ms {
		out = append(out, terrain.Marker{Pos: mgl64.Vec3{m.X, 0, m.Z}, Weight: m.Weight})
	}
	return out
}

// Deps are the engine's collaborators. Nil fields get the defaults from the
// terrain and scene packages; Visibility, Importance and Painter stay unset
// unless provided (Visibility defaults to a view cone when
// ViewHalfAngleDeg > 0, Importance to the configured markers).
type Deps struct {
	Clock      clock.Clock
	Heights    terrain.HeightFieldSynthesizer
	Meshes     lod.MeshFactory
	Renderer   lod.Renderer
	Objects    pool.SceneObjectFactory
	Visibility lod.VisibilityProbe
	Importance lod.ImportanceProbe
	Painter    BiomePainter
	Memory     evict.MemorySampler
	Collector  func()
	Logger     *log.Logger
}

// aimer is implemented by visibility probes that follow the observer.
type aimer interface {
	Aim(pos, velocity mgl64.Vec3)
}

type tilePhase uint8

const (
	phaseBuilding tilePhase = iota
	phaseLoaded
	phaseFailed
)

type tileState struct {
	coord    tracker.TileCoord
	phase    tilePhase
	build    *work.Item
	teardown *work.Item
	heights  terrain.HeightField
	decos    []pool.Handle

	outside      bool
	outsideSince uint64
}

type RebuildRequest struct {
	Tile tracker.TileCoord
	Resp chan error
}

// Engine is driven from a single goroutine: Run, or Step/StepOnce in tests.
// Metrics and the request channels are the only concurrent surfaces.
type Engine struct {
	cfg    Config
	clock  clock.Clock
	logger *log.Logger

	monitor *perf.Monitor
	sched   *scheduler.Scheduler
	tracker *tracker.Tracker
	lod     *lod.Selector
	pool    *pool.Pool
	evictor *evict.Evictor

	heights terrain.HeightFieldSynthesizer
	painter BiomePainter
	aim     aimer
	scene   *scene.Registry

	tiles map[tracker.TileCoord]*tileState
	owner map[pool.Handle]tracker.TileCoord

	tick     uint64
	observer mgl64.Vec3

	evictedThisTick int

	tickLogger  TickLogger
	eventLogger EventLogger

	observers     map[string]*observerClient
	observerJoin  chan ObserverJoinRequest
	observerSub   chan ObserverSubscribeRequest
	observerLeave chan string
	positions     chan mgl64.Vec3
	rebuild       chan RebuildRequest

	stop     chan struct{}
	stopOnce sync.Once
	metrics  atomic.Value
}

func New(cfg Config, deps Deps) (*Engine, error) {
	if cfg.BaseResolution < 2 {
		return nil, fmt.Errorf("stream: base resolution %d < 2", cfg.BaseResolution)
	}
	if cfg.DecorationsPerTile > 0 && len(cfg.DecorationKinds) == 0 {
		return nil, errors.New("stream: decoration kinds required")
	}
	clk := deps.Clock
	if clk == nil {
		clk = clock.NewMonotonic()
	}
	logger := deps.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}

	e := &Engine{
		cfg:           cfg,
		clock:         clk,
		logger:        logger,
		heights:       deps.Heights,
		painter:       deps.Painter,
		tiles:         map[tracker.TileCoord]*tileState{},
		owner:         map[pool.Handle]tracker.TileCoord{},
		observers:     map[string]*observerClient{},
		observerJoin:  make(chan ObserverJoinRequest, 16),
		observerSub:   make(chan ObserverSubscribeRequest, 64),
		observerLeave: make(chan string, 16),
		positions:     make(chan mgl64.Vec3, 64),
		rebuild:       make(chan RebuildRequest, 16),
		stop:          make(chan struct{}),
	}

	var err error
	if e.tracker, err = tracker.New(cfg.Tracker); err != nil {
		return nil, err
	}
	if e.heights == nil {
		e.heights = terrain.NoiseSynthesizer{
			Seed:      cfg.Seed,
			TileSize:  cfg.Tracker.TileSize,
			CellSize:  cfg.NoiseCellSize,
			Amplitude: cfg.NoiseAmplitude,
			Octaves:   cfg.NoiseOctaves,
		}
	}
	meshes := deps.Meshes
	if meshes == nil {
		meshes = terrain.NewGridMesher(cfg.Tracker.TileSize)
	}
	renderer, objects := deps.Renderer, deps.Objects
	if renderer == nil || objects == nil {
		e.scene = scene.NewRegistry()
		if renderer == nil {
			renderer = e.scene
		}
		if objects == nil {
			objects = e.scene
		}
	}

	e.monitor = perf.NewMonitor(cfg.Monitor, clk)
	e.monitor.OnDegraded = func(st perf.Stats) {
		e.emit(Event{Type: EventOverload, Message: fmt.Sprintf("avg %s over target %s", st.Avg, st.Target)})
		e.logger.Printf("overloaded at tick %d: avg=%s target=%s", e.tick, st.Avg, st.Target)
	}
	e.monitor.OnImproved = func(st perf.Stats) {
		e.emit(Event{Type: EventRecover, Message: fmt.Sprintf("avg %s", st.Avg)})
		e.logger.Printf("recovered at tick %d: avg=%s", e.tick, st.Avg)
	}

	e.sched = scheduler.New(cfg.Scheduler, e.monitor, clk)
	e.sched.SetLogger(logger)
	e.sched.OnItemError = e.onItemError
	e.sched.Handle(work.KindTerrainBuild, e.handleTerrainBuild)
	e.sched.Handle(work.KindDecorationSpawn, e.handleDecorationSpawn)
	e.sched.Handle(work.KindBiomeApply, e.handleBiomeApply)
	e.sched.Handle(work.KindTileTeardown, e.handleTileTeardown)
	e.sched.Handle(work.KindLODRebuild, e.handleLODRebuild)

	if e.lod, err = lod.New(cfg.LOD, e.tracker, meshes, renderer, clk); err != nil {
		return nil, err
	}
	e.lod.SetLogger(logger)
	vis := deps.Visibility
	if vis == nil && cfg.ViewHalfAngleDeg > 0 {
		vis = terrain.NewViewCone(cfg.ViewHalfAngleDeg)
	}
	if vis != nil {
		e.lod.SetVisibilityProbe(vis)
		if a, ok := vis.(aimer); ok {
			e.aim = a
		}
	}
	imp := deps.Importance
	if imp == nil && len(cfg.Markers) > 0 {
		imp = &terrain.Markers{Base: cfg.ImportanceBase, Items: append([]terrain.Marker(nil), cfg.Markers...)}
	}
	if imp != nil {
		e.lod.SetImportanceProbe(imp)
	}

	if e.pool, err = pool.New(cfg.Pool, objects); err != nil {
		return nil, err
	}
	e.pool.SetLogger(logger)

	if e.evictor, err = evict.New(cfg.Evictor, e.pool); err != nil {
		return nil, err
	}
	e.evictor.SetLogger(logger)
	e.evictor.SetSampler(deps.Memory)
	e.evictor.SetCollector(deps.Collector)
	e.evictor.OnEvicted = e.onEvicted

	e.publishMetrics(0)
	return e, nil
}

func (e *Engine) SetTickLogger(l TickLogger)   { e.tickLogger = l }
func (e *Engine) SetEventLogger(l EventLogger) { e.eventLogger = l }

func (e *Engine) Config() Config { return e.cfg }

// CurrentTick is the tick the next Step will run. Loop goroutine only; other
// goroutines read Metrics().Tick.
func (e *Engine) CurrentTick() uint64 { return e.tick }

func (e *Engine) Tracker() *tracker.Tracker       { return e.tracker }
func (e *Engine) Scheduler() *scheduler.Scheduler { return e.sched }
func (e *Engine) Monitor() *perf.Monitor          { return e.monitor }
func (e *Engine) LOD() *lod.Selector              { return e.lod }
func (e *Engine) Pool() *pool.Pool                { return e.pool }
func (e *Engine) Evictor() *evict.Evictor         { return e.evictor }

// Scene is the default registry, nil when both renderer and object factory
// were injected.
func (e *Engine) Scene() *scene.Registry { return e.scene }

// SetObserver moves the observer. The tracker samples it on the next Step.
func (e *Engine) SetObserver(pos mgl64.Vec3) { e.observer = pos }

// Positions feeds observer positions into Run from another goroutine.
func (e *Engine) Positions() chan<- mgl64.Vec3 { return e.positions }

func (e *Engine) ObserverJoin() chan<- ObserverJoinRequest           { return e.observerJoin }
func (e *Engine) ObserverSubscribe() chan<- ObserverSubscribeRequest { return e.observerSub }
func (e *Engine) ObserverLeave() chan<- string                       { return e.observerLeave }
func (e *Engine) Rebuild() chan<- RebuildRequest                     { return e.rebuild }

// Params describes the stream for telemetry clients.
func (e *Engine) Params() protocol.StreamParams {
	r := e.cfg.Tracker.Radii
	return protocol.StreamParams{
		TargetRateHz: int(time.Second / e.monitor.Target()),
		TileSize:     e.cfg.Tracker.TileSize,
		Radii:        [4]float64{r.Immediate, r.Preload, r.KeepAlive, r.ForceUnload},
		Thresholds:   append([]float64(nil), e.cfg.LOD.Thresholds...),
		Resolutions:  append([]int(nil), e.cfg.LOD.Resolutions...),
	}
}

// TileLoaded reports whether the tile's terrain is built.
func (e *Engine) TileLoaded(c tracker.TileCoord) bool {
	st := e.tiles[c]
	return st != nil && st.phase == phaseLoaded
}

// Decorations returns the live decoration handles of a tile.
func (e *Engine) Decorations(c tracker.TileCoord) []pool.Handle {
	st := e.tiles[c]
	if st == nil {
		return nil
	}
	return append([]pool.Handle(nil), st.decos...)
}

func (e *Engine) Metrics() Metrics {
	v := e.metrics.Load()
	if v == nil {
		return Metrics{}
	}
	m, ok := v.(Metrics)
	if !ok {
		return Metrics{}
	}
	return m
}

func (e *Engine) emit(ev Event) {
	ev.Tick = e.tick
	if e.eventLogger != nil {
		_ = e.eventLogger.WriteEvent(ev)
	}
}
