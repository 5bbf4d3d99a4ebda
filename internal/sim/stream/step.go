package stream

import (
	"sort"
	"time"

	"tilestream.ai/internal/sim/clock"
	"tilestream.ai/internal/sim/evict"
	"tilestream.ai/internal/sim/pool"
	"tilestream.ai/internal/sim/tracker"
	"tilestream.ai/internal/sim/work"
)

const (
	paramTileX = "tile_x"
	paramTileZ = "tile_z"
)

// StepOnce advances one tick using the nominal tick duration. It must only be
// called when Run is not driving the engine.
func (e *Engine) StepOnce() TickLogEntry {
	return e.Step(e.monitor.Target().Seconds())
}

// Step advances the engine by one tick of dt seconds.
func (e *Engine) Step(dt float64) TickLogEntry {
	start := e.clock.Now()
	e.monitor.BeginFrame()
	e.evictedThisTick = 0

	e.tracker.Update(e.observer, dt)
	if e.aim != nil {
		e.aim.Aim(e.tracker.Position(), e.tracker.Velocity())
	}
	e.pool.SetTick(e.tick)

	wanted := e.wantedTiles()
	planned := e.planTiles(wanted)
	canceled := e.cancelAbandoned(wanted)
	teardowns := e.scheduleUnloads(wanted)
	e.touchImmediate()

	_, budget := e.sched.Limits()
	lodRep := e.lod.Update(e.tick, budget)
	schedRep := e.sched.Tick()

	entry := TickLogEntry{
		Tick:      e.tick,
		Planned:   planned,
		Canceled:  canceled,
		Teardowns: teardowns,
		Scheduler: schedRep,
		LOD:       lodRep,
	}
	check := e.evictor.Check(e.tick, e.tracker.Position())
	if check.Ran {
		entry.Memory = &check
	}
	if e.cfg.MaintainEveryTicks > 0 && e.tick > 0 && e.tick%e.cfg.MaintainEveryTicks == 0 {
		if rep := e.pool.Maintain(); rep.Dead > 0 || rep.Destroyed > 0 {
			e.logger.Printf("pool maintain: dead=%d destroyed=%d", rep.Dead, rep.Destroyed)
		}
	}
	if e.evictedThisTick > 0 {
		e.emit(Event{Type: EventEvict, Count: e.evictedThisTick})
	}

	e.monitor.EndFrame()
	stepMS := float64(clock.Elapsed(e.clock, start)) / float64(time.Millisecond)

	pos := e.tracker.Position()
	entry.StepMS = stepMS
	entry.Observer = [3]float64{pos.X(), pos.Y(), pos.Z()}
	entry.Tile = e.tracker.Tile()
	entry.Speed = e.tracker.Speed()
	entry.Overloaded = e.monitor.Overloaded()
	entry.ActiveTiles = e.lod.Len()
	entry.Decorations = len(e.owner)
	entry.Evicted = e.evictedThisTick

	if e.tickLogger != nil {
		_ = e.tickLogger.WriteTick(entry)
	}
	e.broadcast(entry)
	e.publishMetrics(stepMS)
	e.tick++
	return entry
}

// wantedTiles is the preload disk around the observer plus the immediate
// disk around the predicted tile, with the priority each should load at.
func (e *Engine) wantedTiles() map[tracker.TileCoord]work.Priority {
	wanted := map[tracker.TileCoord]work.Priority{}
	for _, c := range e.tracker.PreloadTiles() {
		wanted[c] = e.tracker.Priority(c)
	}
	pred := e.tracker.PredictedTile()
	if pred == e.tracker.Tile() {
		return wanted
	}
	for _, c := range tracker.TilesInRadius(pred, e.cfg.Tracker.Radii.Immediate) {
		p, ok := wanted[c]
		if !ok || p < work.PriorityHigh {
			wanted[c] = work.PriorityHigh
		}
	}
	return wanted
}

func (e *Engine) planTiles(wanted map[tracker.TileCoord]work.Priority) int {
	tiles := make([]tracker.TileCoord, 0, len(wanted))
	for c := range wanted {
		if _, ok := e.tiles[c]; !ok {
			tiles = append(tiles, c)
		}
	}
	// Nearest first so equal-priority items keep a stable order.
	center := e.tracker.Tile()
	sortByDistance(center, tiles)

	planned := 0
	for _, c := range tiles {
		it := e.newTileItem(work.KindTerrainBuild, wanted[c], c)
		if err := e.sched.Enqueue(it); err != nil {
			e.logger.Printf("plan %d,%d: %v", c.X, c.Z, err)
			continue
		}
		e.tiles[c] = &tileState{coord: c, phase: phaseBuilding, build: it}
		planned++
	}
	return planned
}

// cancelAbandoned drops tiles still waiting on their build once they leave
// the keep-alive disk, and forgets failed tiles there.
func (e *Engine) cancelAbandoned(wanted map[tracker.TileCoord]work.Priority) int {
	n := 0
	for c, st := range e.tiles {
		if st.phase == phaseLoaded {
			continue
		}
		if _, ok := wanted[c]; ok || e.tracker.TierOf(c) != tracker.TierUnload {
			continue
		}
		if st.build != nil {
			n++
		}
		e.dropTile(c, st)
	}
	return n
}

// scheduleUnloads queues teardown for loaded tiles that stayed outside the
// keep-alive disk for the grace period, or crossed the force-unload radius.
func (e *Engine) scheduleUnloads(wanted map[tracker.TileCoord]work.Priority) int {
	n := 0
	radii := e.cfg.Tracker.Radii
	center := e.tracker.Tile()
	for c, st := range e.tiles {
		if st.phase != phaseLoaded {
			continue
		}
		_, want := wanted[c]
		d := tracker.TileDistance(center, c)
		if want || d <= radii.KeepAlive {
			st.outside = false
			if st.teardown != nil {
				st.teardown.Cancel()
				st.teardown = nil
			}
			continue
		}
		if st.teardown != nil {
			continue
		}
		if !st.outside {
			st.outside = true
			st.outsideSince = e.tick
		}
		if d <= radii.ForceUnload && e.tick-st.outsideSince < e.cfg.UnloadGraceTicks {
			continue
		}
		prio := work.PriorityLow
		if d > radii.ForceUnload {
			prio = work.PriorityNormal
		}
		it := e.newTileItem(work.KindTileTeardown, prio, c)
		if err := e.sched.Enqueue(it); err != nil {
			e.logger.Printf("teardown %d,%d: %v", c.X, c.Z, err)
			continue
		}
		st.teardown = it
		n++
	}
	return n
}

func (e *Engine) touchImmediate() {
	for _, c := range e.tracker.ImmediateTiles() {
		st := e.tiles[c]
		if st == nil {
			continue
		}
		for _, h := range st.decos {
			if e.pool.Touch(h) {
				e.evictor.Touch(h, e.tick)
			}
		}
	}
}

func (e *Engine) newTileItem(kind work.Kind, prio work.Priority, c tracker.TileCoord) *work.Item {
	it := work.New(kind, prio, e.tracker.TileCenter(c))
	it.SetParam(paramTileX, c.X)
	it.SetParam(paramTileZ, c.Z)
	return it
}

func (e *Engine) onItemError(it *work.Item, err error, msg string) {
	ev := Event{Type: EventItemError, Kind: it.Kind.String(), ItemID: it.ID, Message: msg}
	x, okx := it.IntParam(paramTileX)
	z, okz := it.IntParam(paramTileZ)
	if okx && okz {
		ev.Tile = &tracker.TileCoord{X: x, Z: z}
	}
	e.emit(ev)
}

func (e *Engine) onEvicted(h pool.Handle, reason evict.Reason) {
	e.evictedThisTick++
	c, ok := e.owner[h]
	if !ok {
		return
	}
	delete(e.owner, h)
	st := e.tiles[c]
	if st == nil {
		return
	}
	for i, d := range st.decos {
		if d == h {
			st.decos = append(st.decos[:i], st.decos[i+1:]...)
			break
		}
	}
}

func (e *Engine) publishMetrics(stepMS float64) {
	pos := e.tracker.Position()
	m := Metrics{
		Tick:      e.tick,
		StepMS:    stepMS,
		Observer:  [3]float64{pos.X(), pos.Y(), pos.Z()},
		Tile:      e.tracker.Tile(),
		Speed:     e.tracker.Speed(),
		Observers: len(e.observers),
		Monitor:   e.monitor.Stats(),
		Scheduler: e.sched.Stats(),
		LOD:       e.lod.Stats(),
		Pool:      e.pool.Stats(),
		Evictor:   e.evictor.Stats(),
	}
	for _, st := range e.tiles {
		switch st.phase {
		case phaseLoaded:
			m.LoadedTiles++
		case phaseBuilding:
			m.PendingTiles++
		case phaseFailed:
			m.FailedTiles++
		}
	}
	m.Decorations = len(e.owner)
	m.LevelCounts = make([]int, e.lod.Culled()+1)
	for _, lvl := range e.lod.Levels() {
		if lvl >= 0 && lvl < len(m.LevelCounts) {
			m.LevelCounts[lvl]++
		}
	}
	e.metrics.Store(m)
}

func sortByDistance(center tracker.TileCoord, tiles []tracker.TileCoord) {
	sort.Slice(tiles, func(i, j int) bool {
		di, dj := tracker.TileDistance(center, tiles[i]), tracker.TileDistance(center, tiles[j])
		if di != dj {
			return di < dj
		}
		if tiles[i].X != tiles[j].X {
			return tiles[i].X < tiles[j].X
		}
		return tiles[i].Z < tiles[j].Z
	})
}
