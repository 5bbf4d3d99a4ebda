package stream

import (
	"tilestream.ai/internal/sim/evict"
	"tilestream.ai/internal/sim/lod"
	"tilestream.ai/internal/sim/perf"
	"tilestream.ai/internal/sim/pool"
	"tilestream.ai/internal/sim/scheduler"
	"tilestream.ai/internal/sim/terrain"
	"tilestream.ai/internal/sim/tracker"
)

// Event types.
const (
	EventOverload        = "overload"
	EventRecover         = "recover"
	EventItemError       = "item_error"
	EventEvict           = "evict"
	EventPoolUnavailable = "pool_unavailable"
	EventTileLoaded      = "tile_loaded"
	EventTileUnloaded    = "tile_unloaded"
)

// TickLogEntry is written once per tick to the TickLogger.
type TickLogEntry struct {
	Tick       uint64            `json:"tick"`
	StepMS     float64           `json:"step_ms"`
	Observer   [3]float64        `json:"observer"`
	Tile       tracker.TileCoord `json:"tile"`
	Speed      float64           `json:"speed"`
	Overloaded bool              `json:"overloaded"`

	Planned     int `json:"planned"`
	Canceled    int `json:"canceled"`
	Teardowns   int `json:"teardowns"`
	ActiveTiles int `json:"active_tiles"`
	Decorations int `json:"decorations"`
	Evicted     int `json:"evicted"`

	Scheduler scheduler.TickReport `json:"scheduler"`
	LOD       lod.UpdateReport     `json:"lod"`
	Memory    *evict.CheckReport   `json:"memory,omitempty"`
}

// Event is a notable engine occurrence, written to the EventLogger.
type Event struct {
	Tick    uint64             `json:"tick"`
	Type    string             `json:"type"`
	Tile    *tracker.TileCoord `json:"tile,omitempty"`
	Kind    string             `json:"kind,omitempty"`
	ItemID  string             `json:"item_id,omitempty"`
	Count   int                `json:"count,omitempty"`
	Message string             `json:"message,omitempty"`
}

type TickLogger interface {
	WriteTick(entry TickLogEntry) error
}

type EventLogger interface {
	WriteEvent(ev Event) error
}

// BiomePainter blends materials over a freshly built tile.
type BiomePainter interface {
	Paint(tile tracker.TileCoord, hf terrain.HeightField) error
}

// Metrics is a read-only view of the engine, published from the loop
// goroutine and safe to read from HTTP handlers.
type Metrics struct {
	Tick     uint64            `json:"tick"`
	StepMS   float64           `json:"step_ms"`
	Observer [3]float64        `json:"observer"`
	Tile     tracker.TileCoord `json:"tile"`
	Speed    float64           `json:"speed"`

	LoadedTiles  int `json:"loaded_tiles"`
	PendingTiles int `json:"pending_tiles"`
	FailedTiles  int `json:"failed_tiles"`
	Decorations  int `json:"decorations"`
	Observers    int `json:"observers"`
	// LevelCounts[i] is the number of tiles at level i; the last entry counts
	// culled tiles.
	LevelCounts []int `json:"level_counts"`

	Monitor   perf.Stats      `json:"monitor"`
	Scheduler scheduler.Stats `json:"scheduler"`
	LOD       lod.Stats       `json:"lod"`
	Pool      pool.Stats      `json:"pool"`
	Evictor   evict.Stats     `json:"evictor"`
}
