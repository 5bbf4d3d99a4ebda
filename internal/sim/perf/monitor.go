// Package perf measures per-tick cost over a rolling window and turns it into
// throttle recommendations for the scheduler.
package perf

import (
	"math"
	"time"

	"tilestream.ai/internal/sim/clock"
)

type State uint8

const (
	StateNormal State = iota
	StateOverloaded
)

func (s State) String() string {
	if s == StateOverloaded {
		return "OVERLOADED"
	}
	return "NORMAL"
}

type Config struct {
	TargetRateHz int
	// OverloadThreshold is the tolerated fraction above the target tick
	// duration before a tick counts as a violation (0.2 = 20%).
	OverloadThreshold           float64
	MaxConsecutiveOverloadTicks int
	// WindowSize defaults to two seconds of ticks at the target rate.
	WindowSize int
}

func (c *Config) applyDefaults() {
	if c.TargetRateHz <= 0 {
		c.TargetRateHz = 60
	}
	if c.OverloadThreshold < 0 {
		c.OverloadThreshold = 0
	}
	if c.MaxConsecutiveOverloadTicks <= 0 {
		c.MaxConsecutiveOverloadTicks = 5
	}
	if c.WindowSize <= 0 {
		c.WindowSize = 2 * c.TargetRateHz
	}
}

type Stats struct {
	Target      time.Duration `json:"target"`
	Avg         time.Duration `json:"avg"`
	Min         time.Duration `json:"min"`
	Max         time.Duration `json:"max"`
	AvgRateHz   float64       `json:"avg_rate_hz"`
	Last        time.Duration `json:"last"`
	State       State         `json:"state"`
	Consecutive int           `json:"consecutive_violations"`
	Samples     uint64        `json:"samples"`
	Transitions uint64        `json:"transitions"`
}

// Monitor keeps a ring buffer of tick durations. It is not safe for
// concurrent use; it lives on the engine loop.
type Monitor struct {
	cfg    Config
	clock  clock.Clock
	target time.Duration
	limit  time.Duration

	window []time.Duration
	head   int
	sum    time.Duration
	min    time.Duration
	max    time.Duration
	last   time.Duration

	state       State
	consecutive int
	samples     uint64
	transitions uint64

	frameStart time.Time
	inFrame    bool

	// OnDegraded fires once on the Normal -> Overloaded edge.
	OnDegraded func(Stats)
	// OnImproved fires once on the Overloaded -> Normal edge.
	OnImproved func(Stats)
}

func NewMonitor(cfg Config, clk clock.Clock) *Monitor {
	cfg.applyDefaults()
	if clk == nil {
		clk = clock.NewMonotonic()
	}
	target := time.Second / time.Duration(cfg.TargetRateHz)
	m := &Monitor{
		cfg:    cfg,
		clock:  clk,
		target: target,
		limit:  time.Duration(float64(target) * (1 + cfg.OverloadThreshold)),
		window: make([]time.Duration, cfg.WindowSize),
	}
	// Seed with the target so the first samples do not swing the average.
	for i := range m.window {
		m.window[i] = target
	}
	m.sum = target * time.Duration(len(m.window))
	m.min = target
	m.max = target
	return m
}

func (m *Monitor) Target() time.Duration { return m.target }
func (m *Monitor) State() State           { return m.state }
func (m *Monitor) Overloaded() bool       { return m.state == StateOverloaded }

// BeginFrame marks the start of a tick using the monitor's clock.
func (m *Monitor) BeginFrame() {
	m.frameStart = m.clock.Now()
	m.inFrame = true
}

// EndFrame samples the time elapsed since BeginFrame. It returns the sampled
// duration, or zero when no frame was open.
func (m *Monitor) EndFrame() time.Duration {
	if !m.inFrame {
		return 0
	}
	m.inFrame = false
	d := m.clock.Now().Sub(m.frameStart)
	m.Sample(d)
	return d
}

// Sample records one tick duration and advances the overload state machine.
func (m *Monitor) Sample(d time.Duration) {
	if d < 0 {
		d = 0
	}
	old := m.window[m.head]
	m.window[m.head] = d
	m.head = (m.head + 1) % len(m.window)
	m.sum += d - old
	m.last = d
	m.samples++

	m.min, m.max = m.window[0], m.window[0]
	for _, v := range m.window[1:] {
		if v < m.min {
			m.min = v
		}
		if v > m.max {
			m.max = v
		}
	}

	if d > m.limit {
		m.consecutive++
		if m.state == StateNormal && m.consecutive >= m.cfg.MaxConsecutiveOverloadTicks {
			m.state = StateOverloaded
			m.transitions++
			if m.OnDegraded != nil {
				m.OnDegraded(m.Stats())
			}
		}
		return
	}
	m.consecutive = 0
	if m.state == StateOverloaded {
		m.state = StateNormal
		m.transitions++
		if m.OnImproved != nil {
			m.OnImproved(m.Stats())
		}
	}
}

func (m *Monitor) avg() time.Duration {
	return m.sum / time.Duration(len(m.window))
}

func (m *Monitor) Stats() Stats {
	avg := m.avg()
	rate := 0.0
	if avg > 0 {
		rate = float64(time.Second) / float64(avg)
	}
	return Stats{
		Target:      m.target,
		Avg:         avg,
		Min:         m.min,
		Max:         m.max,
		AvgRateHz:   rate,
		Last:        m.last,
		State:       m.state,
		Consecutive: m.consecutive,
		Samples:     m.samples,
		Transitions: m.transitions,
	}
}

// RecommendedItemCount scales base by avgRate/targetRate, clamps it to
// [lo, hi] and halves it while overloaded. The result is never below lo.
func (m *Monitor) RecommendedItemCount(base, lo, hi int) int {
	avg := m.avg()
	n := hi
	if avg > 0 {
		// base / (targetRate / avgRate) == base * target / avg
		n = int(math.Round(float64(base) * float64(m.target) / float64(avg)))
	}
	n = clampInt(n, lo, hi)
	if m.state == StateOverloaded {
		n /= 2
		if n < lo {
			n = lo
		}
	}
	return n
}

// RecommendedTimeBudget returns min(base, half the remaining headroom below
// the target), clamped to [lo, hi] and halved while overloaded. The result is
// never below lo.
func (m *Monitor) RecommendedTimeBudget(base, lo, hi time.Duration) time.Duration {
	b := base
	if headroom := (m.target - m.avg()) / 2; headroom < b {
		b = headroom
	}
	b = clampDuration(b, lo, hi)
	if m.state == StateOverloaded {
		b /= 2
		if b < lo {
			b = lo
		}
	}
	return b
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampDuration(v, lo, hi time.Duration) time.Duration {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
