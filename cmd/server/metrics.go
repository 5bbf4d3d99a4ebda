package main

import (
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"tilestream.ai/internal/persistence/indexdb"
	"tilestream.ai/internal/sim/perf"
	"tilestream.ai/internal/sim/stream"
	"tilestream.ai/internal/sim/work"
)

type metricsSource interface {
	Metrics() stream.Metrics
}

type indexStats interface {
	Stats() indexdb.Stats
}

// engineCollector exposes the engine's published snapshot. It reads
// Metrics() at scrape time and never touches the engine loop.
type engineCollector struct {
	engine metricsSource
	index  indexStats

	tick        *prometheus.Desc
	stepMS      *prometheus.Desc
	avgStepMS   *prometheus.Desc
	overloaded  *prometheus.Desc
	transitions *prometheus.Desc
	itemLimit   *prometheus.Desc
	budgetMS    *prometheus.Desc
	queueDepth  *prometheus.Desc
	items       *prometheus.Desc
	tiles       *prometheus.Desc
	levels      *prometheus.Desc
	decorations *prometheus.Desc
	pool        *prometheus.Desc
	poolMisses  *prometheus.Desc
	evicted     *prometheus.Desc
	memRatio    *prometheus.Desc
	observers   *prometheus.Desc
	indexDrops  *prometheus.Desc
	indexQueue  *prometheus.Desc
}

func newEngineCollector(e metricsSource, idx indexStats) *engineCollector {
	d := func(name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc("tilestream_"+name, help, labels, nil)
	}
	return &engineCollector{
		engine:      e,
		index:       idx,
		tick:        d("tick", "Last completed engine tick."),
		stepMS:      d("step_ms", "Last tick step duration in milliseconds."),
		avgStepMS:   d("avg_step_ms", "Windowed average tick duration in milliseconds."),
		overloaded:  d("overloaded", "1 while the performance monitor reports overload."),
		transitions: d("monitor_transitions_total", "Monitor state transitions."),
		itemLimit:   d("item_limit", "Item limit used by the last scheduler tick."),
		budgetMS:    d("budget_ms", "Time budget used by the last scheduler tick in milliseconds."),
		queueDepth:  d("queue_depth", "Pending work items by priority.", "priority"),
		items:       d("items_total", "Executed work items by outcome.", "outcome"),
		tiles:       d("tiles", "Tracked tiles by phase.", "phase"),
		levels:      d("tiles_by_level", "Loaded tiles by LOD level.", "level"),
		decorations: d("decorations", "Live decoration instances."),
		pool:        d("pool_instances", "Pooled instances by state.", "state"),
		poolMisses:  d("pool_unavailable_total", "Acquire calls refused at the pool cap."),
		evicted:     d("evicted_total", "Instances released by the memory evictor."),
		memRatio:    d("memory_ratio", "Last sampled used/ceiling memory ratio."),
		observers:   d("observers", "Connected telemetry sessions."),
		indexDrops:  d("index_dropped_total", "Index writes dropped because the writer fell behind.", "kind"),
		indexQueue:  d("index_queue_depth", "Index writer backlog."),
	}
}

func (c *engineCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.tick, c.stepMS, c.avgStepMS, c.overloaded, c.transitions, c.itemLimit, c.budgetMS,
		c.queueDepth, c.items, c.tiles, c.levels, c.decorations, c.pool, c.poolMisses,
		c.evicted, c.memRatio, c.observers, c.indexDrops, c.indexQueue,
	} {
		ch <- d
	}
}

func ms(d time.Duration) float64 { return float64(d) / float64(time.Millisecond) }

func (c *engineCollector) Collect(ch chan<- prometheus.Metric) {
	m := c.engine.Metrics()
	gauge := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, labels...)
	}
	counter := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, v, labels...)
	}

	gauge(c.tick, float64(m.Tick))
	gauge(c.stepMS, m.StepMS)
	gauge(c.avgStepMS, ms(m.Monitor.Avg))
	overloaded := 0.0
	if m.Monitor.State == perf.StateOverloaded {
		overloaded = 1
	}
	gauge(c.overloaded, overloaded)
	counter(c.transitions, float64(m.Monitor.Transitions))
	gauge(c.itemLimit, float64(m.Scheduler.Last.ItemLimit))
	gauge(c.budgetMS, ms(m.Scheduler.Last.Budget))

	for i, n := range m.Scheduler.ByPriority {
		gauge(c.queueDepth, float64(n), strings.ToLower(work.Priority(i).String()))
	}
	counter(c.items, float64(m.Scheduler.Completed), "completed")
	counter(c.items, float64(m.Scheduler.Errored-m.Scheduler.Canceled), "errored")
	counter(c.items, float64(m.Scheduler.Canceled), "canceled")

	gauge(c.tiles, float64(m.LoadedTiles), "loaded")
	gauge(c.tiles, float64(m.PendingTiles), "pending")
	gauge(c.tiles, float64(m.FailedTiles), "failed")
	for lvl, n := range m.LevelCounts {
		label := strconv.Itoa(lvl)
		if lvl == len(m.LevelCounts)-1 {
			label = "culled"
		}
		gauge(c.levels, float64(n), label)
	}

	gauge(c.decorations, float64(m.Decorations))
	gauge(c.pool, float64(m.Pool.Active), "active")
	gauge(c.pool, float64(m.Pool.Free), "free")
	counter(c.poolMisses, float64(m.Pool.Unavailable))
	counter(c.evicted, float64(m.Evictor.Evicted))
	gauge(c.memRatio, m.Evictor.LastRatio)
	gauge(c.observers, float64(m.Observers))

	if c.index != nil {
		st := c.index.Stats()
		counter(c.indexDrops, float64(st.DropTickTotal), "tick")
		counter(c.indexDrops, float64(st.DropEventTotal), "event")
		gauge(c.indexQueue, float64(st.QueueDepth))
	}
}
