package stream

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/go-gl/mathgl/mgl64"

	"tilestream.ai/internal/protocol"
	"tilestream.ai/internal/sim/clock"
	"tilestream.ai/internal/sim/encoding"
	"tilestream.ai/internal/sim/evict"
	"tilestream.ai/internal/sim/lod"
	"tilestream.ai/internal/sim/perf"
	"tilestream.ai/internal/sim/pool"
	"tilestream.ai/internal/sim/scheduler"
	"tilestream.ai/internal/sim/terrain"
	"tilestream.ai/internal/sim/tracker"
	"tilestream.ai/internal/sim/tuning"
	"tilestream.ai/internal/sim/work"
)

type fixedSampler uint64

func (s fixedSampler) UsedBytes() uint64 { return uint64(s) }

type eventSink struct{ events []Event }

func (s *eventSink) WriteEvent(ev Event) error {
	s.events = append(s.events, ev)
	return nil
}

func (s *eventSink) count(typ string) int {
	n := 0
	for _, ev := range s.events {
		if ev.Type != typ {
			continue
		}
		if ev.Count > 0 {
			n += ev.Count
		} else {
			n++
		}
	}
	return n
}

type failingPainter struct{}

func (failingPainter) Paint(tracker.TileCoord, terrain.HeightField) error {
	return errors.New("no biome table")
}

// raisingPainter lifts every sample of the tile.
type raisingPainter float32

func (r raisingPainter) Paint(_ tracker.TileCoord, hf terrain.HeightField) error {
	for z := 0; z < hf.Resolution; z++ {
		for x := 0; x < hf.Resolution; x++ {
			hf.Set(x, z, hf.At(x, z)+float32(r))
		}
	}
	return nil
}

// brokenMesher delegates to a grid mesher until broken is set.
type brokenMesher struct {
	*terrain.GridMesher
	broken bool
}

func (m *brokenMesher) Build(tile tracker.TileCoord, level int, hf terrain.HeightField) (*terrain.Mesh, error) {
	if m.broken {
		return nil, errors.New("mesher offline")
	}
	return m.GridMesher.Build(tile, level, hf)
}

// testConfig: 100-unit tiles, preload disk of 13 tiles, two decorations per
// tile and enough per-tick capacity to finish a full disk in one tick.
func testConfig() Config {
	return Config{
		Scheduler: scheduler.Config{MaxItemsPerTick: 64, MinItemsPerTick: 1, FrameBudget: 5 * time.Millisecond, MinFrameBudget: time.Millisecond},
		Monitor:   perf.Config{TargetRateHz: 30, OverloadThreshold: 0.2, MaxConsecutiveOverloadTicks: 5},
		Tracker: tracker.Config{
			TileSize: 100,
			Radii:    tracker.Radii{Immediate: 1, Preload: 2, KeepAlive: 3, ForceUnload: 5},
		},
		LOD: lod.Config{
			Thresholds:          []float64{150, 300},
			Resolutions:         []int{9, 5},
			SpeedThreshold:      1e6,
			SpeedBias:           1.5,
			UpdateIntervalTicks: 1,
			MaxUpdatesPerTick:   64,
		},
		Pool:    pool.Config{InitialSize: 0, MaxPoolSize: 1000},
		Evictor: evict.Config{MemoryCeilingBytes: 100, GCTriggerThreshold: 0.5, CheckIntervalTicks: 1000},

		MaintainEveryTicks: 50,
		UnloadGraceTicks:   3,
		DecorationsPerTile: 2,
		DecorationKinds:    []string{"TREE", "ROCK"},
		TilesEveryTicks:    1,

		Seed:           7,
		BaseResolution: 9,
		NoiseCellSize:  50,
		NoiseAmplitude: 10,
		NoiseOctaves:   2,
	}
}

func newTestEngine(t *testing.T, cfg Config, deps Deps) *Engine {
	t.Helper()
	if deps.Clock == nil {
		deps.Clock = clock.NewManual(time.Unix(0, 0))
	}
	if deps.Memory == nil {
		deps.Memory = fixedSampler(0)
	}
	if deps.Collector == nil {
		deps.Collector = func() {}
	}
	e, err := New(cfg, deps)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	e.SetObserver(mgl64.Vec3{50, 0, 50})
	return e
}

func TestEngine_LoadsPreloadDiskInOneTick(t *testing.T) {
	e := newTestEngine(t, testConfig(), Deps{})

	entry := e.StepOnce()
	if entry.Planned != 13 {
		t.Fatalf("planned=%d want 13", entry.Planned)
	}
	// 13 builds, each followed by a decoration and a biome item.
	if entry.Scheduler.Executed != 39 || entry.Scheduler.Completed != 39 {
		t.Fatalf("executed=%d completed=%d want 39/39", entry.Scheduler.Executed, entry.Scheduler.Completed)
	}
	m := e.Metrics()
	if m.LoadedTiles != 13 || m.PendingTiles != 0 {
		t.Fatalf("loaded=%d pending=%d want 13/0", m.LoadedTiles, m.PendingTiles)
	}
	if m.Decorations != 26 || m.Pool.Active != 26 {
		t.Fatalf("decorations=%d active=%d want 26/26", m.Decorations, m.Pool.Active)
	}
	if m.Tick != 0 {
		t.Fatalf("metrics tick=%d want 0", m.Tick)
	}
	if e.CurrentTick() != 1 {
		t.Fatalf("tick=%d want 1", e.CurrentTick())
	}

	// Nothing new to plan while stationary.
	if entry := e.StepOnce(); entry.Planned != 0 {
		t.Fatalf("second planned=%d want 0", entry.Planned)
	}
}

func TestEngine_LevelsFollowDistance(t *testing.T) {
	e := newTestEngine(t, testConfig(), Deps{})
	e.StepOnce()
	entry := e.StepOnce()
	if entry.LOD.Evaluated != 13 {
		t.Fatalf("evaluated=%d want 13", entry.LOD.Evaluated)
	}

	cases := []struct {
		tile tracker.TileCoord
		want int
	}{
		{tracker.TileCoord{X: 0, Z: 0}, 0},
		{tracker.TileCoord{X: 1, Z: 1}, 0},
		{tracker.TileCoord{X: 2, Z: 0}, 1},
		{tracker.TileCoord{X: 0, Z: -2}, 1},
	}
	for _, tc := range cases {
		rec, ok := e.LOD().Record(tc.tile)
		if !ok {
			t.Fatalf("%v: no record", tc.tile)
		}
		if rec.Level != tc.want {
			t.Fatalf("%v level=%d want %d", tc.tile, rec.Level, tc.want)
		}
	}
	if _, ok := e.Scene().Attached(tracker.TileCoord{X: 2, Z: 0}); !ok {
		t.Fatalf("expected (2,0) attached")
	}
	m := e.Metrics()
	if len(m.LevelCounts) != 3 || m.LevelCounts[0] != 9 || m.LevelCounts[1] != 4 {
		t.Fatalf("level counts=%v want [9 4 0]", m.LevelCounts)
	}
}

func TestEngine_MarkersRefineNearbyTiles(t *testing.T) {
	cfg := testConfig()
	cfg.Markers = []terrain.Marker{{Pos: mgl64.Vec3{250, 0, 50}, Weight: 2}}
	e := newTestEngine(t, cfg, Deps{})
	e.StepOnce()
	e.StepOnce()

	near, ok := e.LOD().Record(tracker.TileCoord{X: 2, Z: 0})
	if !ok {
		t.Fatalf("(2,0): no record")
	}
	// 200 units out, but importance 2 brings it under the first threshold.
	if near.Importance != 2 || near.Level != 0 {
		t.Fatalf("(2,0) importance=%v level=%d want 2/0", near.Importance, near.Level)
	}
	far, ok := e.LOD().Record(tracker.TileCoord{X: 0, Z: -2})
	if !ok {
		t.Fatalf("(0,-2): no record")
	}
	if far.Importance != lod.MinImportance {
		t.Fatalf("(0,-2) importance=%v want %v", far.Importance, lod.MinImportance)
	}
}

func TestEngine_UnloadGraceAndForce(t *testing.T) {
	e := newTestEngine(t, testConfig(), Deps{})
	e.StepOnce()

	// Tile (4,0): (0,0) is 4 away (grace), (-2,0) is 6 away (forced).
	e.SetObserver(mgl64.Vec3{450, 0, 50})
	entry := e.StepOnce()
	if entry.Teardowns == 0 {
		t.Fatalf("expected forced teardowns")
	}
	if e.TileLoaded(tracker.TileCoord{X: -2, Z: 0}) {
		t.Fatalf("(-2,0) should be torn down immediately")
	}
	if !e.TileLoaded(tracker.TileCoord{X: 0, Z: 0}) {
		t.Fatalf("(0,0) should survive the grace period")
	}

	e.StepOnce()
	e.StepOnce()
	if !e.TileLoaded(tracker.TileCoord{X: 0, Z: 0}) {
		t.Fatalf("(0,0) unloaded before grace elapsed")
	}
	e.StepOnce()
	if e.TileLoaded(tracker.TileCoord{X: 0, Z: 0}) {
		t.Fatalf("(0,0) still loaded after grace")
	}
	if !e.TileLoaded(tracker.TileCoord{X: 2, Z: 0}) {
		t.Fatalf("(2,0) is in the new preload disk and must stay")
	}
	if e.LOD().Len() != e.Metrics().LoadedTiles {
		t.Fatalf("lod records=%d loaded=%d", e.LOD().Len(), e.Metrics().LoadedTiles)
	}
}

func TestEngine_ReturnsDecorationsOnTeardown(t *testing.T) {
	e := newTestEngine(t, testConfig(), Deps{})
	e.StepOnce()

	e.SetObserver(mgl64.Vec3{1050, 0, 50})
	e.StepOnce()
	m := e.Metrics()
	if m.LoadedTiles != 13 {
		t.Fatalf("loaded=%d want 13", m.LoadedTiles)
	}
	if e.TileLoaded(tracker.TileCoord{X: 0, Z: 0}) {
		t.Fatalf("old tile still loaded")
	}
	// New props spawn before the old tiles tear down, so the returned
	// instances wait in the free list.
	if m.Pool.Returned != 26 || m.Pool.Free != 26 {
		t.Fatalf("returned=%d free=%d want 26/26", m.Pool.Returned, m.Pool.Free)
	}
	if m.Pool.Active != 26 || m.Decorations != 26 {
		t.Fatalf("active=%d decorations=%d want 26/26", m.Pool.Active, m.Decorations)
	}
	if m.Evictor.Tracked != 26 {
		t.Fatalf("tracked=%d want 26", m.Evictor.Tracked)
	}
}

func TestEngine_CancelsAbandonedBuilds(t *testing.T) {
	cfg := testConfig()
	cfg.Scheduler.MaxItemsPerTick = 1
	sink := &eventSink{}
	e := newTestEngine(t, cfg, Deps{})
	e.SetEventLogger(sink)

	e.StepOnce()
	if !e.TileLoaded(tracker.TileCoord{X: 0, Z: 0}) {
		t.Fatalf("nearest tile should build first")
	}

	e.SetObserver(mgl64.Vec3{2050, 0, 50})
	entry := e.StepOnce()
	if entry.Canceled != 12 {
		t.Fatalf("canceled=%d want 12", entry.Canceled)
	}
	for i := 0; i < 200; i++ {
		e.StepOnce()
	}
	m := e.Metrics()
	if m.Scheduler.Canceled != 12 {
		t.Fatalf("scheduler canceled=%d want 12", m.Scheduler.Canceled)
	}
	for _, ev := range sink.events {
		if ev.Type == EventItemError && strings.Contains(ev.Message, work.ErrCanceled.Error()) {
			t.Fatalf("cancellation reported as item error: %+v", ev)
		}
	}
	if m.LoadedTiles != 13 || !e.TileLoaded(tracker.TileCoord{X: 20, Z: 0}) {
		t.Fatalf("loaded=%d want 13 around (20,0)", m.LoadedTiles)
	}
	if e.TileLoaded(tracker.TileCoord{X: 0, Z: 0}) {
		t.Fatalf("(0,0) should be torn down")
	}
}

func TestEngine_PoolExhaustionSkipsDecorations(t *testing.T) {
	cfg := testConfig()
	cfg.Pool.MaxPoolSize = 20
	sink := &eventSink{}
	e := newTestEngine(t, cfg, Deps{})
	e.SetEventLogger(sink)

	entry := e.StepOnce()
	if entry.Scheduler.Errored != 0 {
		t.Fatalf("errored=%d want 0", entry.Scheduler.Errored)
	}
	if got := sink.count(EventPoolUnavailable); got != 6 {
		t.Fatalf("unavailable=%d want 6", got)
	}
	if got := sink.count(EventTileLoaded); got != 13 {
		t.Fatalf("tile_loaded=%d want 13", got)
	}
	if m := e.Metrics(); m.Decorations != 20 || m.Pool.Unavailable != 6 {
		t.Fatalf("decorations=%d unavailable=%d want 20/6", m.Decorations, m.Pool.Unavailable)
	}
}

func TestEngine_MemoryPressureEvictsLRU(t *testing.T) {
	cfg := testConfig()
	cfg.Evictor.CheckIntervalTicks = 1
	cfg.Evictor.MaxActiveObjects = 10
	sink := &eventSink{}
	collected := 0
	e := newTestEngine(t, cfg, Deps{Memory: fixedSampler(90), Collector: func() { collected++ }})
	e.SetEventLogger(sink)

	entry := e.StepOnce()
	if entry.Memory == nil || !entry.Memory.Optimized {
		t.Fatalf("expected an optimization pass, got %+v", entry.Memory)
	}
	if entry.Evicted != 16 || sink.count(EventEvict) != 16 {
		t.Fatalf("evicted=%d events=%d want 16", entry.Evicted, sink.count(EventEvict))
	}
	if collected != 1 {
		t.Fatalf("collected=%d want 1", collected)
	}
	total := 0
	for _, c := range tracker.TilesInRadius(tracker.TileCoord{}, 2) {
		total += len(e.Decorations(c))
	}
	if total != 10 || e.Metrics().Decorations != 10 {
		t.Fatalf("tile decorations=%d metrics=%d want 10", total, e.Metrics().Decorations)
	}
}

func TestEngine_BiomeFailureIsReported(t *testing.T) {
	sink := &eventSink{}
	e := newTestEngine(t, testConfig(), Deps{Painter: failingPainter{}})
	e.SetEventLogger(sink)

	entry := e.StepOnce()
	if entry.Scheduler.Errored != 13 {
		t.Fatalf("errored=%d want 13", entry.Scheduler.Errored)
	}
	if got := sink.count(EventItemError); got != 13 {
		t.Fatalf("item errors=%d want 13", got)
	}
	for _, ev := range sink.events {
		if ev.Type == EventItemError && (ev.Kind != "BIOME_APPLY" || ev.Tile == nil) {
			t.Fatalf("unexpected error event %+v", ev)
		}
	}
	// The terrain itself stays loaded.
	if m := e.Metrics(); m.LoadedTiles != 13 {
		t.Fatalf("loaded=%d want 13", m.LoadedTiles)
	}
}

func TestEngine_PaintedTilesResettleDecorations(t *testing.T) {
	flat := newTestEngine(t, testConfig(), Deps{})
	flat.StepOnce()
	painted := newTestEngine(t, testConfig(), Deps{Painter: raisingPainter(100)})
	painted.StepOnce()

	origin := tracker.TileCoord{}
	before, after := flat.Decorations(origin), painted.Decorations(origin)
	if len(before) != 2 || len(after) != 2 {
		t.Fatalf("decorations=%d/%d want 2/2", len(before), len(after))
	}
	for i := range after {
		was, _ := flat.Pool().Get(before[i])
		now, ok := painted.Pool().Get(after[i])
		if !ok {
			t.Fatalf("decoration %s not active", after[i])
		}
		wp, np := was.Pose.Position, now.Pose.Position
		if np.X() != wp.X() || np.Z() != wp.Z() || math.Abs(np.Y()-wp.Y()-100) > 1e-3 {
			t.Fatalf("decoration %d at %v, flat at %v; want raised by 100", i, np, wp)
		}
		tracked, ok := painted.Evictor().Position(after[i])
		if !ok || tracked != np {
			t.Fatalf("evictor position=%v ok=%v want %v", tracked, ok, np)
		}
	}
}

func TestEngine_Rebuild(t *testing.T) {
	e := newTestEngine(t, testConfig(), Deps{})
	e.StepOnce()
	before := e.LOD().Stats().Builds

	if err := e.EnqueueRebuild(tracker.TileCoord{X: 9, Z: 9}); !errors.Is(err, ErrNotLoaded) {
		t.Fatalf("err=%v want ErrNotLoaded", err)
	}
	if err := e.EnqueueRebuild(tracker.TileCoord{}); err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	entry := e.StepOnce()
	if entry.Scheduler.Completed != 1 {
		t.Fatalf("completed=%d want 1", entry.Scheduler.Completed)
	}
	if got := e.LOD().Stats().Builds - before; got != 2 {
		t.Fatalf("builds=%d want 2", got)
	}
	if rec, _ := e.LOD().Record(tracker.TileCoord{}); rec.Level != 0 {
		t.Fatalf("level=%d want 0", rec.Level)
	}
}

func TestEngine_FailedRebuildReturnsDecorations(t *testing.T) {
	meshes := &brokenMesher{GridMesher: terrain.NewGridMesher(100)}
	e := newTestEngine(t, testConfig(), Deps{Meshes: meshes})
	e.StepOnce()
	origin := tracker.TileCoord{}
	if n := len(e.Decorations(origin)); n != 2 {
		t.Fatalf("origin decorations=%d want 2", n)
	}

	meshes.broken = true
	if err := e.EnqueueRebuild(origin); err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	entry := e.StepOnce()
	if entry.Scheduler.Errored != 1 {
		t.Fatalf("errored=%d want 1", entry.Scheduler.Errored)
	}
	if e.TileLoaded(origin) || len(e.Decorations(origin)) != 0 {
		t.Fatalf("failed tile keeps loaded=%v decorations=%d", e.TileLoaded(origin), len(e.Decorations(origin)))
	}
	m := e.Metrics()
	if m.FailedTiles != 1 || m.Decorations != 24 || m.Pool.Active != 24 || m.Evictor.Tracked != 24 {
		t.Fatalf("failed=%d decorations=%d active=%d tracked=%d want 1/24/24/24",
			m.FailedTiles, m.Decorations, m.Pool.Active, m.Evictor.Tracked)
	}

	// Walk away: the new area cannot mesh either, and nothing may stay active.
	e.SetObserver(mgl64.Vec3{5000, 0, 5000})
	for i := 0; i < 10; i++ {
		e.StepOnce()
	}
	m = e.Metrics()
	if _, ok := e.tiles[origin]; ok {
		t.Fatalf("origin still tracked")
	}
	if m.LoadedTiles != 0 || m.Pool.Active != 0 || m.Decorations != 0 || len(e.owner) != 0 || m.Evictor.Tracked != 0 {
		t.Fatalf("loaded=%d active=%d decorations=%d owners=%d tracked=%d want all 0",
			m.LoadedTiles, m.Pool.Active, m.Decorations, len(e.owner), m.Evictor.Tracked)
	}
	if m.Pool.Returned != 26 {
		t.Fatalf("returned=%d want 26", m.Pool.Returned)
	}
}

func TestEngine_ObserverReceivesTickAndTiles(t *testing.T) {
	e := newTestEngine(t, testConfig(), Deps{})
	tickOut := make(chan []byte, 1)
	dataOut := make(chan []byte, 1)
	e.handleObserverJoin(ObserverJoinRequest{SessionID: "s1", TickOut: tickOut, DataOut: dataOut, GridRadius: 2})

	e.StepOnce()
	e.StepOnce()

	var tick protocol.TickMsg
	if err := json.Unmarshal(<-tickOut, &tick); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if tick.Type != protocol.TypeTick || tick.Tick != 1 || tick.ActiveTiles != 13 {
		t.Fatalf("tick msg=%+v", tick)
	}

	var tiles protocol.TilesMsg
	if err := json.Unmarshal(<-dataOut, &tiles); err != nil {
		t.Fatalf("tiles: %v", err)
	}
	if tiles.Tick != 1 || tiles.Radius != 2 || tiles.Encoding != protocol.EncodingRLELevels {
		t.Fatalf("tiles msg=%+v", tiles)
	}
	grid, err := encoding.DecodeLevels(tiles.Data, 25)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if grid[12] != 0 || grid[14] != 1 || grid[24] != encoding.NoTile {
		t.Fatalf("grid center=%d east2=%d corner=%d", grid[12], grid[14], grid[24])
	}

	e.handleObserverLeave("s1")
	if _, ok := <-tickOut; ok {
		t.Fatalf("tick channel should be closed")
	}
	if e.StepOnce(); e.Metrics().Observers != 0 {
		t.Fatalf("observers=%d want 0", e.Metrics().Observers)
	}
}

func TestEngine_RunConsumesPositions(t *testing.T) {
	cfg := testConfig()
	cfg.Monitor.TargetRateHz = 200
	e := newTestEngine(t, cfg, Deps{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	e.Positions() <- mgl64.Vec3{350, 0, 50}
	resp := make(chan error, 1)
	deadline := time.Now().Add(3 * time.Second)
	for e.Metrics().Tile != (tracker.TileCoord{X: 3, Z: 0}) {
		if time.Now().After(deadline) {
			t.Fatalf("observer never reached tile (3,0): %+v", e.Metrics().Tile)
		}
		time.Sleep(5 * time.Millisecond)
	}
	e.Rebuild() <- RebuildRequest{Tile: tracker.TileCoord{X: 99, Z: 99}, Resp: resp}
	if err := <-resp; !errors.Is(err, ErrNotLoaded) {
		t.Fatalf("rebuild err=%v want ErrNotLoaded", err)
	}

	e.Stop()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestConfigFromTuningDefaults(t *testing.T) {
	cfg := ConfigFromTuning(tuning.Defaults())
	if cfg.Evictor.MemoryCeilingBytes != 512<<20 {
		t.Fatalf("ceiling=%d", cfg.Evictor.MemoryCeilingBytes)
	}
	if cfg.Scheduler.FrameBudget != 6*time.Millisecond {
		t.Fatalf("budget=%s", cfg.Scheduler.FrameBudget)
	}
	e, err := New(cfg, Deps{Clock: clock.NewManual(time.Unix(0, 0)), Memory: fixedSampler(0), Collector: func() {}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	p := e.Params()
	if p.TargetRateHz != 30 || p.TileSize != 256 || p.Radii != [4]float64{1, 3, 5, 8} {
		t.Fatalf("params=%+v", p)
	}
	entry := e.StepOnce()
	if entry.Planned != 29 {
		t.Fatalf("planned=%d want 29", entry.Planned)
	}
	if cfg.Markers != nil || cfg.ImportanceBase != 1 {
		t.Fatalf("markers=%v base=%v want none/1", cfg.Markers, cfg.ImportanceBase)
	}

	tu := tuning.Defaults()
	tu.LOD.Markers = []tuning.Marker{{X: 10, Z: -20, Weight: 1.5}}
	cfg = ConfigFromTuning(tu)
	want := []terrain.Marker{{Pos: mgl64.Vec3{10, 0, -20}, Weight: 1.5}}
	if len(cfg.Markers) != 1 || cfg.Markers[0] != want[0] {
		t.Fatalf("markers=%+v want %+v", cfg.Markers, want)
	}
}
