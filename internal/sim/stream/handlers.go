package stream

import (
	"fmt"
	"math"

	"github.com/go-gl/mathgl/mgl64"

	"tilestream.ai/internal/sim/pool"
	"tilestream.ai/internal/sim/terrain"
	"tilestream.ai/internal/sim/tracker"
	"tilestream.ai/internal/sim/work"
)

func (e *Engine) itemTile(it *work.Item) (tracker.TileCoord, *tileState, error) {
	x, okx := it.IntParam(paramTileX)
	z, okz := it.IntParam(paramTileZ)
	if !okx || !okz {
		return tracker.TileCoord{}, nil, fmt.Errorf("%w: %s without tile", ErrBadItem, it.Kind)
	}
	c := tracker.TileCoord{X: x, Z: z}
	st := e.tiles[c]
	if st == nil {
		return c, nil, fmt.Errorf("%w: %d,%d", ErrTileGone, x, z)
	}
	return c, st, nil
}

func (e *Engine) loadedTile(it *work.Item) (tracker.TileCoord, *tileState, error) {
	c, st, err := e.itemTile(it)
	if err != nil {
		return c, nil, err
	}
	if st.phase != phaseLoaded {
		return c, nil, fmt.Errorf("%w: %d,%d", ErrNotLoaded, c.X, c.Z)
	}
	return c, st, nil
}

func (e *Engine) handleTerrainBuild(it *work.Item) error {
	c, st, err := e.itemTile(it)
	if err != nil {
		return err
	}
	if st.build != it {
		return fmt.Errorf("%w: build %d,%d", ErrStaleItem, c.X, c.Z)
	}
	st.build = nil

	hf, err := e.heights.Synthesize(c, e.cfg.BaseResolution)
	if err != nil {
		st.phase = phaseFailed
		return fmt.Errorf("synthesize %d,%d: %w", c.X, c.Z, err)
	}
	if err := e.lod.Register(c, hf); err != nil {
		st.phase = phaseFailed
		return err
	}
	st.heights = hf
	st.phase = phaseLoaded
	e.emit(Event{Type: EventTileLoaded, Tile: &c})

	prio := it.Priority
	if e.cfg.DecorationsPerTile > 0 {
		if err := e.sched.Enqueue(e.newTileItem(work.KindDecorationSpawn, prio, c)); err != nil {
			e.logger.Printf("decorations %d,%d: %v", c.X, c.Z, err)
		}
	}
	if err := e.sched.Enqueue(e.newTileItem(work.KindBiomeApply, work.PriorityLow, c)); err != nil {
		e.logger.Printf("biome %d,%d: %v", c.X, c.Z, err)
	}
	return nil
}

// handleDecorationSpawn scatters a fixed number of props per tile. Placement
// is a pure function of seed and tile, so a rebuilt tile gets the same props.
// Pool exhaustion skips props; it is not an item failure.
func (e *Engine) handleDecorationSpawn(it *work.Item) error {
	c, st, err := e.loadedTile(it)
	if err != nil {
		return err
	}
	size := e.cfg.Tracker.TileSize
	unavailable := 0
	for i := 0; i < e.cfg.DecorationsPerTile; i++ {
		hx := terrain.Hash3(e.cfg.Seed, c.X, 2*i, c.Z)
		hz := terrain.Hash3(e.cfg.Seed, c.X, 2*i+1, c.Z)
		fx, fz := terrain.Unit(hx), terrain.Unit(hz)
		pos := mgl64.Vec3{
			(float64(c.X) + fx) * size,
			groundAt(st.heights, fx, fz),
			(float64(c.Z) + fz) * size,
		}
		kind := e.cfg.DecorationKinds[int(hx>>33)%len(e.cfg.DecorationKinds)]

		h, ok, err := e.pool.Acquire(kind, pool.At(pos))
		if err != nil {
			return fmt.Errorf("decoration %d on %d,%d: %w", i, c.X, c.Z, err)
		}
		if !ok {
			unavailable++
			continue
		}
		st.decos = append(st.decos, h)
		e.owner[h] = c
		e.evictor.Register(h, pos, e.tick)
	}
	if unavailable > 0 {
		e.emit(Event{Type: EventPoolUnavailable, Tile: &c, Count: unavailable})
	}
	return nil
}

func (e *Engine) handleBiomeApply(it *work.Item) error {
	c, st, err := e.loadedTile(it)
	if err != nil {
		return err
	}
	if e.painter == nil {
		return nil
	}
	if err := e.painter.Paint(c, st.heights); err != nil {
		return fmt.Errorf("paint %d,%d: %w", c.X, c.Z, err)
	}
	e.settleDecorations(st)
	return nil
}

// groundAt samples hf at the nearest grid point to the tile-local fraction
// (fx, fz), each in [0, 1].
func groundAt(hf terrain.HeightField, fx, fz float64) float64 {
	last := float64(hf.Resolution - 1)
	ix := int(math.Round(mgl64.Clamp(fx, 0, 1) * last))
	iz := int(math.Round(mgl64.Clamp(fz, 0, 1) * last))
	return float64(hf.At(ix, iz))
}

// settleDecorations puts the tile's props back on the ground after its
// heights changed.
func (e *Engine) settleDecorations(st *tileState) int {
	size := e.cfg.Tracker.TileSize
	moved := 0
	for _, h := range st.decos {
		inst, ok := e.pool.Get(h)
		if !ok {
			continue
		}
		pos := inst.Pose.Position
		fx := pos.X()/size - float64(st.coord.X)
		fz := pos.Z()/size - float64(st.coord.Z)
		y := groundAt(st.heights, fx, fz)
		if y == pos.Y() {
			continue
		}
		pos[1] = y
		pose := inst.Pose
		pose.Position = pos
		e.pool.Move(h, pose)
		e.evictor.Move(h, pos)
		moved++
	}
	return moved
}

func (e *Engine) handleTileTeardown(it *work.Item) error {
	c, st, err := e.itemTile(it)
	if err != nil {
		return err
	}
	if st.teardown != it {
		return fmt.Errorf("%w: teardown %d,%d", ErrStaleItem, c.X, c.Z)
	}
	st.teardown = nil
	e.dropTile(c, st)
	e.emit(Event{Type: EventTileUnloaded, Tile: &c})
	return nil
}

// dropTile is the only way a tile leaves e.tiles: it returns the tile's
// decorations to the pool, releases its LOD artifacts and cancels its
// outstanding build and teardown.
func (e *Engine) dropTile(c tracker.TileCoord, st *tileState) {
	e.releaseDecorations(st)
	if _, ok := e.lod.Record(c); ok {
		if err := e.lod.Unregister(c); err != nil {
			e.logger.Printf("drop %d,%d: %v", c.X, c.Z, err)
		}
	}
	if st.build != nil {
		st.build.Cancel()
		st.build = nil
	}
	if st.teardown != nil {
		st.teardown.Cancel()
		st.teardown = nil
	}
	delete(e.tiles, c)
}

func (e *Engine) releaseDecorations(st *tileState) {
	for _, h := range st.decos {
		if e.pool.IsActive(h) {
			e.pool.Release(h)
		}
		e.evictor.Unregister(h)
		delete(e.owner, h)
	}
	st.decos = nil
}

// handleLODRebuild regenerates every level artifact from the cached heights
// and re-evaluates the tile immediately.
func (e *Engine) handleLODRebuild(it *work.Item) error {
	c, st, err := e.loadedTile(it)
	if err != nil {
		return err
	}
	if err := e.lod.Unregister(c); err != nil {
		return err
	}
	if err := e.lod.Register(c, st.heights); err != nil {
		// Without artifacts the tile shows nothing; its props go back too.
		st.phase = phaseFailed
		e.releaseDecorations(st)
		return err
	}
	_, err = e.lod.Evaluate(c, e.tick)
	return err
}

// EnqueueRebuild queues an artifact rebuild for a loaded tile.
func (e *Engine) EnqueueRebuild(c tracker.TileCoord) error {
	st := e.tiles[c]
	if st == nil || st.phase != phaseLoaded {
		return fmt.Errorf("%w: %d,%d", ErrNotLoaded, c.X, c.Z)
	}
	return e.sched.Enqueue(e.newTileItem(work.KindLODRebuild, work.PriorityNormal, c))
}
