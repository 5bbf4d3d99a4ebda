package stream

import (
	"encoding/json"
	"time"

	"tilestream.ai/internal/protocol"
	"tilestream.ai/internal/sim/encoding"
	"tilestream.ai/internal/sim/tracker"
)

const (
	maxGridRadius     = 32
	defaultGridRadius = 8
)

// ObserverJoinRequest registers a telemetry session that receives:
// - per-tick engine state (TickOut)
// - the LOD level grid around the observer (DataOut)
//
// All observer state is maintained by the engine loop goroutine.
type ObserverJoinRequest struct {
	SessionID string
	TickOut   chan []byte
	DataOut   chan []byte

	GridRadius      int
	TilesEveryTicks int
}

// ObserverSubscribeRequest updates an existing session's grid settings.
type ObserverSubscribeRequest struct {
	SessionID string

	GridRadius      int
	TilesEveryTicks int
}

type observerClient struct {
	id      string
	tickOut chan []byte
	dataOut chan []byte

	radius    int
	every     uint64
	sentTiles bool
	lastTiles uint64
}

func clampInt(v, lo, hi, def int) int {
	if v <= 0 {
		return def
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func (e *Engine) tilesEvery(v int) uint64 {
	if v > 0 {
		return uint64(v)
	}
	if e.cfg.TilesEveryTicks > 0 {
		return e.cfg.TilesEveryTicks
	}
	return 1
}

func (e *Engine) handleObserverJoin(req ObserverJoinRequest) {
	if req.SessionID == "" || req.TickOut == nil || req.DataOut == nil {
		return
	}
	e.observers[req.SessionID] = &observerClient{
		id:      req.SessionID,
		tickOut: req.TickOut,
		dataOut: req.DataOut,
		radius:  clampInt(req.GridRadius, 1, maxGridRadius, defaultGridRadius),
		every:   e.tilesEvery(req.TilesEveryTicks),
	}
	e.logger.Printf("observer joined: %s", req.SessionID)
}

func (e *Engine) handleObserverSubscribe(req ObserverSubscribeRequest) {
	c := e.observers[req.SessionID]
	if c == nil {
		return
	}
	c.radius = clampInt(req.GridRadius, 1, maxGridRadius, c.radius)
	if req.TilesEveryTicks > 0 {
		c.every = uint64(req.TilesEveryTicks)
	}
	// Resend the grid on the next tick with the new size.
	c.sentTiles = false
}

func (e *Engine) handleObserverLeave(id string) {
	c := e.observers[id]
	if c == nil {
		return
	}
	delete(e.observers, id)
	close(c.tickOut)
	close(c.dataOut)
	e.logger.Printf("observer left: %s", id)
}

func (e *Engine) broadcast(entry TickLogEntry) {
	if len(e.observers) == 0 {
		return
	}
	st := e.monitor.Stats()
	ps := e.pool.Stats()
	msg := protocol.TickMsg{
		Type:            protocol.TypeTick,
		ProtocolVersion: protocol.Version,
		Tick:            entry.Tick,
		StepMS:          entry.StepMS,
		AvgMS:           float64(st.Avg) / float64(time.Millisecond),
		Overloaded:      entry.Overloaded,
		Observer:        entry.Observer,
		Tile:            [2]int{entry.Tile.X, entry.Tile.Z},
		Speed:           entry.Speed,
		ItemLimit:       entry.Scheduler.ItemLimit,
		BudgetMS:        float64(entry.Scheduler.Budget) / float64(time.Millisecond),
		Executed:        entry.Scheduler.Executed,
		QueueDepth:      entry.Scheduler.QueueDepth,
		ActiveTiles:     entry.ActiveTiles,
		Decorations:     entry.Decorations,
		PoolFree:        ps.Free,
		Evicted:         e.evictor.Stats().Evicted,
	}
	b, err := json.Marshal(msg)
	if err != nil {
		e.logger.Printf("observer tick: %v", err)
		return
	}
	grids := map[int][]byte{}
	for _, c := range e.observers {
		sendLatest(c.tickOut, b)
		if c.sentTiles && entry.Tick-c.lastTiles < c.every {
			continue
		}
		g, ok := grids[c.radius]
		if !ok {
			g = e.tilesMsg(entry.Tick, entry.Tile, c.radius)
			grids[c.radius] = g
		}
		if g == nil {
			continue
		}
		sendLatest(c.dataOut, g)
		c.sentTiles = true
		c.lastTiles = entry.Tick
	}
}

// LevelGrid returns the row-major (z outer) level grid of side 2*radius+1
// centered on center. Tiles without a record are encoding.NoTile.
func (e *Engine) LevelGrid(center tracker.TileCoord, radius int) []uint8 {
	side := 2*radius + 1
	out := make([]uint8, 0, side*side)
	for dz := -radius; dz <= radius; dz++ {
		for dx := -radius; dx <= radius; dx++ {
			rec, ok := e.lod.Record(tracker.TileCoord{X: center.X + dx, Z: center.Z + dz})
			if !ok {
				out = append(out, encoding.NoTile)
				continue
			}
			out = append(out, uint8(rec.Level))
		}
	}
	return out
}

func (e *Engine) tilesMsg(tick uint64, center tracker.TileCoord, radius int) []byte {
	msg := protocol.TilesMsg{
		Type:            protocol.TypeTiles,
		ProtocolVersion: protocol.Version,
		Tick:            tick,
		Center:          [2]int{center.X, center.Z},
		Radius:          radius,
		Encoding:        protocol.EncodingRLELevels,
		Data:            encoding.EncodeLevels(e.LevelGrid(center, radius)),
	}
	b, err := json.Marshal(msg)
	if err != nil {
		e.logger.Printf("observer tiles: %v", err)
		return nil
	}
	return b
}

func sendLatest(ch chan []byte, b []byte) {
	select {
	case ch <- b:
		return
	default:
	}
	// Drop one.
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- b:
	default:
	}
}
