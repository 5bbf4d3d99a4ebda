package tuning

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

type Tuning struct {
	TelemetryVersion string `yaml:"telemetry_version"`

	Scheduler Scheduler `yaml:"scheduler"`
	Monitor   Monitor   `yaml:"monitor"`
	Tracker   Tracker   `yaml:"tracker"`
	LOD       LOD       `yaml:"lod"`
	Pool      Pool      `yaml:"pool"`
	Evictor   Evictor   `yaml:"evictor"`
	Stream    Stream    `yaml:"stream"`
	Terrain   Terrain   `yaml:"terrain"`
}

type Scheduler struct {
	MaxItemsPerTick  int `yaml:"max_items_per_tick"`
	MinItemsPerTick  int `yaml:"min_items_per_tick"`
	FrameBudgetMs    int `yaml:"frame_budget_ms"`
	MinFrameBudgetMs int `yaml:"min_frame_budget_ms"`
}

type Monitor struct {
	TargetRateHz                int     `yaml:"target_rate_hz"`
	OverloadThreshold           float64 `yaml:"overload_threshold"`
	MaxConsecutiveOverloadTicks int     `yaml:"max_consecutive_overload_ticks"`
	WindowSize                  int     `yaml:"window_size"`
}

// Tracker radii are in tiles.
type Tracker struct {
	TileSize           float64 `yaml:"tile_size"`
	ImmediateRadius    float64 `yaml:"immediate_radius"`
	PreloadRadius      float64 `yaml:"preload_radius"`
	KeepAliveRadius    float64 `yaml:"keep_alive_radius"`
	ForceUnloadRadius  float64 `yaml:"force_unload_radius"`
	PredictionHorizonS float64 `yaml:"prediction_horizon_s"`
}

type LOD struct {
	Thresholds          []float64 `yaml:"thresholds"`
	Resolutions         []int     `yaml:"resolutions"`
	SpeedThreshold      float64   `yaml:"speed_threshold"`
	SpeedBias           float64   `yaml:"speed_bias"`
	UpdateIntervalTicks int       `yaml:"update_interval_ticks"`
	MaxUpdatesPerTick   int       `yaml:"max_updates_per_tick"`
	ImportanceRadius    float64   `yaml:"importance_radius"`
	// ImportanceBase and Markers build the importance field. With no markers
	// the selector ignores importance.
	ImportanceBase float64  `yaml:"importance_base"`
	Markers        []Marker `yaml:"markers"`
}

// Marker is a point of interest on the ground plane.
type Marker struct {
	X      float64 `yaml:"x"`
	Z      float64 `yaml:"z"`
	Weight float64 `yaml:"weight"`
}

type Pool struct {
	InitialSize        int `yaml:"initial_size"`
	MaxPoolSize        int `yaml:"max_pool_size"`
	MaintainEveryTicks int `yaml:"maintain_every_ticks"`
}

type Evictor struct {
	MemoryCeilingMB    int     `yaml:"memory_ceiling_mb"`
	GCTriggerThreshold float64 `yaml:"gc_trigger_threshold"`
	CheckIntervalTicks int     `yaml:"check_interval_ticks"`
	CullingEnabled     bool    `yaml:"culling_enabled"`
	CullingDistance    float64 `yaml:"culling_distance"`
	MaxActiveObjects   int     `yaml:"max_active_objects"`
}

type Stream struct {
	UnloadGraceTicks   int      `yaml:"unload_grace_ticks"`
	DecorationsPerTile int      `yaml:"decorations_per_tile"`
	DecorationKinds    []string `yaml:"decoration_kinds"`
	TilesEveryTicks    int      `yaml:"tiles_every_ticks"`
}

type Terrain struct {
	Seed             int64   `yaml:"seed"`
	CellSize         float64 `yaml:"cell_size"`
	Amplitude        float64 `yaml:"amplitude"`
	Octaves          int     `yaml:"octaves"`
	BaseResolution   int     `yaml:"base_resolution"`
	ViewHalfAngleDeg float64 `yaml:"view_half_angle_deg"`
}

func Defaults() Tuning {
	return Tuning{
		TelemetryVersion: "1.0",
		Scheduler: Scheduler{
			MaxItemsPerTick:  32,
			MinItemsPerTick:  2,
			FrameBudgetMs:    6,
			MinFrameBudgetMs: 1,
		},
		Monitor: Monitor{
			TargetRateHz:                30,
			OverloadThreshold:           0.2,
			MaxConsecutiveOverloadTicks: 5,
		},
		Tracker: Tracker{
			TileSize:           256,
			ImmediateRadius:    1,
			PreloadRadius:      3,
			KeepAliveRadius:    5,
			ForceUnloadRadius:  8,
			PredictionHorizonS: 2,
		},
		LOD: LOD{
			Thresholds:          []float64{300, 700, 1200, 2000},
			Resolutions:         []int{33, 17, 9, 5},
			SpeedThreshold:      40,
			SpeedBias:           1.5,
			UpdateIntervalTicks: 10,
			MaxUpdatesPerTick:   16,
			ImportanceRadius:    256,
			ImportanceBase:      1,
		},
		Pool: Pool{
			InitialSize:        64,
			MaxPoolSize:        2048,
			MaintainEveryTicks: 150,
		},
		Evictor: Evictor{
			MemoryCeilingMB:    512,
			GCTriggerThreshold: 0.85,
			CheckIntervalTicks: 60,
			CullingEnabled:     true,
			CullingDistance:    1600,
			MaxActiveObjects:   1500,
		},
		Stream: Stream{
			UnloadGraceTicks:   90,
			DecorationsPerTile: 12,
			DecorationKinds:    []string{"TREE", "ROCK", "BUSH"},
			TilesEveryTicks:    15,
		},
		Terrain: Terrain{
			Seed:             1337,
			CellSize:         96,
			Amplitude:        48,
			Octaves:          4,
			BaseResolution:   33,
			ViewHalfAngleDeg: 70,
		},
	}
}

// Load reads path over Defaults. An empty path returns the defaults; keys
// missing from the file keep their default values.
func Load(path string) (Tuning, error) {
	t := Defaults()
	if strings.TrimSpace(path) == "" {
		return t, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return t, err
	}
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	if err := t.Validate(); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	return t, nil
}

func (t Tuning) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if t.Scheduler.MaxItemsPerTick <= 0 {
		add("scheduler.max_items_per_tick must be > 0")
	}
	if t.Scheduler.MinItemsPerTick <= 0 || t.Scheduler.MinItemsPerTick > t.Scheduler.MaxItemsPerTick {
		add("scheduler.min_items_per_tick must be in [1, max_items_per_tick]")
	}
	if t.Scheduler.FrameBudgetMs <= 0 {
		add("scheduler.frame_budget_ms must be > 0")
	}
	if t.Scheduler.MinFrameBudgetMs <= 0 || t.Scheduler.MinFrameBudgetMs > t.Scheduler.FrameBudgetMs {
		add("scheduler.min_frame_budget_ms must be in [1, frame_budget_ms]")
	}

	if t.Monitor.TargetRateHz <= 0 || t.Monitor.TargetRateHz > 1000 {
		add("monitor.target_rate_hz must be in [1, 1000]")
	}
	if t.Monitor.OverloadThreshold < 0 {
		add("monitor.overload_threshold must be >= 0")
	}
	if t.Monitor.MaxConsecutiveOverloadTicks <= 0 {
		add("monitor.max_consecutive_overload_ticks must be > 0")
	}
	if t.Monitor.WindowSize < 0 {
		add("monitor.window_size must be >= 0")
	}

	tr := t.Tracker
	if tr.TileSize <= 0 {
		add("tracker.tile_size must be > 0")
	}
	if tr.ImmediateRadius < 0 || !(tr.ImmediateRadius < tr.PreloadRadius && tr.PreloadRadius < tr.KeepAliveRadius && tr.KeepAliveRadius < tr.ForceUnloadRadius) {
		add("tracker radii must satisfy 0 <= immediate < preload < keep_alive < force_unload")
	}
	if tr.PredictionHorizonS < 0 {
		add("tracker.prediction_horizon_s must be >= 0")
	}

	l := t.LOD
	if len(l.Thresholds) == 0 {
		add("lod.thresholds must not be empty")
	}
	for i := 1; i < len(l.Thresholds); i++ {
		if !(l.Thresholds[i] > l.Thresholds[i-1]) {
			add("lod.thresholds must be strictly ascending (index %d)", i)
			break
		}
	}
	if len(l.Resolutions) != len(l.Thresholds) {
		add("lod.resolutions has %d entries, want %d", len(l.Resolutions), len(l.Thresholds))
	}
	for _, r := range l.Resolutions {
		if r < 2 || r > t.Terrain.BaseResolution {
			add("lod.resolutions entry %d must be in [2, terrain.base_resolution]", r)
			break
		}
	}
	if l.SpeedBias <= 0 {
		add("lod.speed_bias must be > 0")
	}
	if l.UpdateIntervalTicks < 0 || l.MaxUpdatesPerTick <= 0 {
		add("lod.update_interval_ticks must be >= 0 and lod.max_updates_per_tick > 0")
	}
	if l.ImportanceBase < 0 {
		add("lod.importance_base must be >= 0")
	}
	if len(l.Markers) > 0 && l.ImportanceRadius <= 0 {
		add("lod.importance_radius must be > 0 when markers are set")
	}
	for i, m := range l.Markers {
		if m.Weight < 0 {
			add("lod.markers[%d].weight must be >= 0", i)
			break
		}
	}

	if t.Pool.MaxPoolSize <= 0 || t.Pool.InitialSize < 0 || t.Pool.InitialSize > t.Pool.MaxPoolSize {
		add("pool sizes must satisfy 0 <= initial_size <= max_pool_size, max_pool_size > 0")
	}
	if t.Pool.MaintainEveryTicks < 0 {
		add("pool.maintain_every_ticks must be >= 0")
	}

	e := t.Evictor
	if e.MemoryCeilingMB <= 0 {
		add("evictor.memory_ceiling_mb must be > 0")
	}
	if e.GCTriggerThreshold <= 0 {
		add("evictor.gc_trigger_threshold must be > 0")
	}
	if e.CullingEnabled && e.CullingDistance <= 0 {
		add("evictor.culling_distance must be > 0 when culling is enabled")
	}
	if e.MaxActiveObjects < 0 || e.CheckIntervalTicks < 0 {
		add("evictor.max_active_objects and check_interval_ticks must be >= 0")
	}

	if t.Stream.UnloadGraceTicks < 0 || t.Stream.DecorationsPerTile < 0 || t.Stream.TilesEveryTicks < 0 {
		add("stream counters must be >= 0")
	}
	if t.Stream.DecorationsPerTile > 0 && len(t.Stream.DecorationKinds) == 0 {
		add("stream.decoration_kinds must not be empty when decorations_per_tile > 0")
	}

	if t.Terrain.BaseResolution < 2 {
		add("terrain.base_resolution must be >= 2")
	}
	if t.Terrain.CellSize <= 0 || t.Terrain.Amplitude <= 0 || t.Terrain.Octaves <= 0 {
		add("terrain.cell_size, amplitude and octaves must be > 0")
	}
	if t.Terrain.ViewHalfAngleDeg <= 0 || t.Terrain.ViewHalfAngleDeg > 180 {
		add("terrain.view_half_angle_deg must be in (0, 180]")
	}
	return errors.Join(errs...)
}
